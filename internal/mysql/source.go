// Package mysql captures a MySQL database: chunk reads and statistics over the client
// protocol, watermarks from the binlog coordinates and row changes from binlog replication.
package mysql

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-mysql-org/go-mysql/client"
	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/config"
	"github.com/philippevezina/hybrid-cdc/internal/mysql/connector"
	"github.com/philippevezina/hybrid-cdc/internal/security"
	"github.com/philippevezina/hybrid-cdc/internal/source"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

var _ source.Source = (*Source)(nil)

// backfillServerIDs is how many distinct replication ids concurrent range reads rotate through.
const backfillServerIDs = 1024

var systemSchemas = []string{"mysql", "information_schema", "performance_schema", "sys"}

// Source implements source.Source on top of one MySQL server.
type Source struct {
	cfg       *config.MySQLConfig
	connector *connector.Connector
	logger    *zap.Logger

	backfills atomic.Uint32

	keysMu sync.Mutex
	keys   map[split.TableID][]string
}

func NewSource(cfg *config.MySQLConfig, logger *zap.Logger) *Source {
	return &Source{
		cfg:       cfg,
		connector: connector.New(cfg, logger),
		logger:    logger,
		keys:      make(map[split.TableID][]string),
	}
}

// Ping verifies that the server is reachable with the configured credentials.
func (s *Source) Ping(ctx context.Context) error {
	conn, err := s.connector.Connect(ctx, s.cfg.Database)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Ping()
}

// Close is a no-op: every operation uses its own short-lived connection.
func (s *Source) Close() error {
	return nil
}

// CurrentOffset returns the end of the binlog as a watermark.
func (s *Source) CurrentOffset(ctx context.Context) (split.Offset, error) {
	conn, err := s.connector.Connect(ctx, "")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	result, err := conn.Execute("SHOW MASTER STATUS")
	if err != nil {
		// MySQL 8.4 removed SHOW MASTER STATUS
		result, err = conn.Execute("SHOW BINARY LOG STATUS")
		if err != nil {
			return nil, fmt.Errorf("failed to show binary log status: %w", err)
		}
	}
	if result.RowNumber() == 0 {
		return nil, fmt.Errorf("no binary log status available, is log_bin enabled?")
	}

	file, err := result.GetString(0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read binlog file: %w", err)
	}
	pos, err := result.GetUint(0, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to read binlog position: %w", err)
	}
	return BinlogOffset{File: file, Pos: uint32(pos)}, nil
}

// DiscoverTables describes every base table with a primary key. Tables without one
// cannot be chunked and are skipped.
func (s *Source) DiscoverTables(ctx context.Context) ([]*split.SchemaSnapshot, error) {
	conn, err := s.connector.Connect(ctx, "")
	if err != nil {
		return nil, err
	}
	query, args := buildListTablesQuery(s.cfg.Database)
	result, err := conn.Execute(query, args...)
	conn.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	tables := make([]split.TableID, 0, result.RowNumber())
	for i := 0; i < result.RowNumber(); i++ {
		schemaName, _ := result.GetString(i, 0)
		tableName, _ := result.GetString(i, 1)
		tables = append(tables, split.NewTableID("", schemaName, tableName))
	}

	schemas := make([]*split.SchemaSnapshot, 0, len(tables))
	for _, table := range tables {
		schema, err := s.DescribeTable(ctx, table)
		if err != nil {
			return nil, err
		}
		if len(schema.PrimaryKey()) == 0 {
			s.logger.Warn("Skipping table without primary key", zap.Stringer("table", table))
			continue
		}
		schemas = append(schemas, schema)
	}

	s.logger.Debug("Discovered tables", zap.Int("count", len(schemas)))
	return schemas, nil
}

// DescribeTable reads the column list and primary key of table. The schema is stamped
// with the binlog position observed right after it was read.
func (s *Source) DescribeTable(ctx context.Context, table split.TableID) (*split.SchemaSnapshot, error) {
	if err := security.ValidateIdentifier(table.Schema, "database name"); err != nil {
		return nil, err
	}
	if err := security.ValidateIdentifier(table.Table, "table name"); err != nil {
		return nil, err
	}

	conn, err := s.connector.Connect(ctx, "")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	result, err := conn.Execute(`
		SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, table.Schema, table.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns of %s: %w", table, err)
	}
	if result.RowNumber() == 0 {
		return nil, fmt.Errorf("%w: %s", source.ErrTableNotFound, table)
	}

	columns := make([]split.Column, 0, result.RowNumber())
	for i := 0; i < result.RowNumber(); i++ {
		name, _ := result.GetString(i, 0)
		columnType, _ := result.GetString(i, 1)
		nullable, _ := result.GetString(i, 2)
		columns = append(columns, split.Column{
			Name:     name,
			Type:     columnType,
			Nullable: nullable == "YES",
		})
	}

	result, err = conn.Execute(`
		SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION`, table.Schema, table.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to query primary key of %s: %w", table, err)
	}
	primaryKey := make([]string, 0, result.RowNumber())
	for i := 0; i < result.RowNumber(); i++ {
		name, _ := result.GetString(i, 0)
		primaryKey = append(primaryKey, name)
	}

	capturedAt, err := s.CurrentOffset(ctx)
	if err != nil {
		return nil, err
	}

	s.keysMu.Lock()
	s.keys[table] = primaryKey
	s.keysMu.Unlock()

	return split.NewSchemaSnapshot(table, columns, primaryKey, capturedAt), nil
}

func (s *Source) RowCount(ctx context.Context, table split.TableID) (int64, error) {
	quoted, err := security.QuoteTable(table)
	if err != nil {
		return 0, err
	}
	result, err := s.execute(ctx, "SELECT COUNT(*) FROM "+quoted)
	if err != nil {
		return 0, fmt.Errorf("failed to get row count for %s: %w", table, err)
	}
	if result.RowNumber() == 0 {
		return 0, nil
	}
	count, err := result.GetInt(0, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to get count value: %w", err)
	}
	return count, nil
}

func (s *Source) KeyRange(ctx context.Context, table split.TableID, column string) (any, any, error) {
	query, err := buildKeyRangeQuery(table, column)
	if err != nil {
		return nil, nil, err
	}
	result, err := s.execute(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get key range of %s: %w", table, err)
	}
	if result.RowNumber() == 0 {
		return nil, nil, nil
	}
	low, err := result.GetValue(0, 0)
	if err != nil {
		return nil, nil, err
	}
	high, err := result.GetValue(0, 1)
	if err != nil {
		return nil, nil, err
	}
	return normalizeColumnValue(low, false), normalizeColumnValue(high, false), nil
}

func (s *Source) NextChunkEnd(ctx context.Context, table split.TableID, keyColumns []string, start split.Key, chunkSize int) (split.Key, error) {
	query, args, err := buildNextChunkEndQuery(table, keyColumns, start, chunkSize)
	if err != nil {
		return nil, err
	}
	result, err := s.execute(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find chunk end in %s: %w", table, err)
	}
	if result.RowNumber() == 0 {
		return nil, nil
	}
	values := make([]any, len(keyColumns))
	for j := range keyColumns {
		v, err := result.GetValue(0, j)
		if err != nil {
			return nil, err
		}
		values[j] = normalizeColumnValue(v, false)
	}
	return split.NormalizeKey(values...)
}

// ReadChunk selects the rows of one chunk in key order.
func (s *Source) ReadChunk(ctx context.Context, sp *split.SnapshotSplit) ([]common.Row, error) {
	keyColumns := sp.KeyColumns()
	query, args, err := buildChunkQuery(sp.Table(), keyColumns, sp.Start(), sp.End())
	if err != nil {
		return nil, err
	}
	result, err := s.execute(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %s: %w", sp.SplitID(), err)
	}

	rows := make([]common.Row, 0, result.RowNumber())
	for i := 0; i < result.RowNumber(); i++ {
		data := make(map[string]interface{}, result.ColumnNumber())
		for j := 0; j < result.ColumnNumber(); j++ {
			v, err := result.GetValue(i, j)
			if err != nil {
				return nil, fmt.Errorf("failed to get value at row %d, column %d: %w", i, j, err)
			}
			data[string(result.Fields[j].Name)] = normalizeColumnValue(v, false)
		}
		key, err := keyOf(data, keyColumns)
		if err != nil {
			return nil, fmt.Errorf("chunk %s row %d: %w", sp.SplitID(), i, err)
		}
		rows = append(rows, common.Row{Key: key, Data: data})
	}
	return rows, nil
}

func (s *Source) execute(ctx context.Context, query string, args ...interface{}) (*gomysql.Result, error) {
	conn, err := s.connector.Connect(ctx, s.cfg.Database)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return executeContext(ctx, conn, query, args...)
}

// executeContext runs query and closes the connection when ctx ends first.
func executeContext(ctx context.Context, conn *client.Conn, query string, args ...interface{}) (*gomysql.Result, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	result, err := conn.Execute(query, args...)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return result, err
}

func (s *Source) backfillServerID() uint32 {
	return s.cfg.ServerID + 1 + s.backfills.Add(1)%backfillServerIDs
}

// cachedKeyColumns resolves primary keys for rows events whose metadata lacks them.
func (s *Source) cachedKeyColumns(ctx context.Context) KeyColumnsFunc {
	return func(table split.TableID) ([]string, error) {
		s.keysMu.Lock()
		keys, ok := s.keys[table]
		s.keysMu.Unlock()
		if ok {
			return keys, nil
		}
		schema, err := s.DescribeTable(ctx, table)
		if err != nil {
			return nil, err
		}
		return schema.PrimaryKey(), nil
	}
}

func buildListTablesQuery(database string) (string, []interface{}) {
	if database != "" {
		return `SELECT TABLE_SCHEMA, TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
			WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_SCHEMA = ?
			ORDER BY TABLE_SCHEMA, TABLE_NAME`, []interface{}{database}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(systemSchemas)), ", ")
	args := make([]interface{}, len(systemSchemas))
	for i, name := range systemSchemas {
		args[i] = name
	}
	return `SELECT TABLE_SCHEMA, TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
			WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_SCHEMA NOT IN (` + placeholders + `)
			ORDER BY TABLE_SCHEMA, TABLE_NAME`, args
}

func buildKeyRangeQuery(table split.TableID, column string) (string, error) {
	quoted, err := security.QuoteTable(table)
	if err != nil {
		return "", err
	}
	col, err := security.ValidateAndEscapeIdentifier(column, "key column")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", col, col, quoted), nil
}

// buildNextChunkEndQuery selects the key chunkSize rows past start in key order.
func buildNextChunkEndQuery(table split.TableID, keyColumns []string, start split.Key, chunkSize int) (string, []interface{}, error) {
	if chunkSize <= 0 {
		return "", nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	quoted, err := security.QuoteTable(table)
	if err != nil {
		return "", nil, err
	}
	cols, err := security.QuoteColumns(keyColumns)
	if err != nil {
		return "", nil, err
	}
	list := strings.Join(cols, ", ")

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", list, quoted)
	var args []interface{}
	if start != nil {
		cond, condArgs, err := keyCondition(cols, ">=", start)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" WHERE " + cond)
		args = condArgs
	}
	fmt.Fprintf(&b, " ORDER BY %s LIMIT 1 OFFSET %d", list, chunkSize)
	return b.String(), args, nil
}

// buildChunkQuery selects the rows with start <= key < end. Nil bounds are open.
func buildChunkQuery(table split.TableID, keyColumns []string, start, end split.Key) (string, []interface{}, error) {
	quoted, err := security.QuoteTable(table)
	if err != nil {
		return "", nil, err
	}
	cols, err := security.QuoteColumns(keyColumns)
	if err != nil {
		return "", nil, err
	}

	var conds []string
	var args []interface{}
	for _, bound := range []struct {
		op  string
		key split.Key
	}{{">=", start}, {"<", end}} {
		if bound.key == nil {
			continue
		}
		cond, condArgs, err := keyCondition(cols, bound.op, bound.key)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, cond)
		args = append(args, condArgs...)
	}

	query := "SELECT * FROM " + quoted
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY " + strings.Join(cols, ", ")
	return query, args, nil
}

// keyCondition compares the key columns against key with a row constructor.
func keyCondition(cols []string, op string, key split.Key) (string, []interface{}, error) {
	if len(key) != len(cols) {
		return "", nil, fmt.Errorf("key %s has %d values for %d key columns", key, len(key), len(cols))
	}
	args := make([]interface{}, len(key))
	for i, v := range key {
		args[i] = queryArg(v)
	}
	if len(cols) == 1 {
		return fmt.Sprintf("%s %s ?", cols[0], op), args, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("(%s) %s (%s)", strings.Join(cols, ", "), op, placeholders), args, nil
}

// queryArg converts a key value into a type the binary protocol can bind.
func queryArg(v any) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.Format("2006-01-02 15:04:05.999999")
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}
