// Package clickhouse wraps the ClickHouse connection shared by the checkpoint store and the
// ClickHouse sink. Replicated tables use ReplacingMergeTree(_version, _is_deleted).
package clickhouse

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/config"
	"github.com/philippevezina/hybrid-cdc/internal/security"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

const (
	VersionColumn = "_version"
	DeletedColumn = "_is_deleted"
)

// Row is one versioned row for a ReplacingMergeTree table.
type Row struct {
	Version uint64
	Deleted bool
	Data    map[string]interface{}
}

type Client struct {
	cfg    *config.ClickHouseConfig
	logger *zap.Logger
	db     *sql.DB
}

func NewClient(cfg *config.ClickHouseConfig, logger *zap.Logger) (*Client, error) {
	client := &Client{
		cfg:    cfg,
		logger: logger,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	return client, nil
}

func (c *Client) connect() error {
	options := &clickhouse.Options{
		Addr: c.cfg.Addresses,
		Auth: clickhouse.Auth{
			Database: c.cfg.Database,
			Username: c.cfg.Username,
			Password: c.cfg.Password,
		},
		DialTimeout: c.cfg.DialTimeout,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	}

	if c.cfg.EnableSSL {
		options.TLS = &tls.Config{
			InsecureSkipVerify: false,
		}
	}

	conn := clickhouse.OpenDB(options)
	conn.SetMaxOpenConns(c.cfg.MaxOpenConns)
	conn.SetMaxIdleConns(c.cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(c.cfg.MaxLifetime)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	c.db = conn
	c.logger.Info("Connected to ClickHouse",
		zap.Strings("addresses", c.cfg.Addresses),
		zap.String("database", c.cfg.Database))

	return nil
}

func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) GetDB() *sql.DB {
	return c.db
}

func (c *Client) GetDatabase() string {
	return c.cfg.Database
}

// CreateTable creates name in the configured database with the columns of schema, if it is missing.
func (c *Client) CreateTable(ctx context.Context, name string, schema *split.SchemaSnapshot) error {
	query, err := BuildCreateTableQuery(c.cfg.Database, name, schema)
	if err != nil {
		return err
	}

	c.logger.Debug("Creating table",
		zap.String("database", c.cfg.Database),
		zap.String("table", name),
		zap.String("query", query))

	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s.%s: %w", c.cfg.Database, name, err)
	}
	return nil
}

// AddColumns adds the columns of schema that name does not have yet.
func (c *Client) AddColumns(ctx context.Context, name string, schema *split.SchemaSnapshot) error {
	query, err := BuildAddColumnsQuery(c.cfg.Database, name, schema)
	if err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to add columns to %s.%s: %w", c.cfg.Database, name, err)
	}
	c.logger.Info("Table columns synchronized",
		zap.String("table", name),
		zap.Int("columns", schema.ColumnCount()))
	return nil
}

// Insert writes rows in one statement.
func (c *Client) Insert(ctx context.Context, name string, schema *split.SchemaSnapshot, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	query, values, err := BuildInsertQuery(c.cfg.Database, name, schema, rows)
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	if _, err := c.db.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("failed to insert into %s.%s: %w", c.cfg.Database, name, err)
	}

	c.logger.Debug("Insert completed",
		zap.String("table", name),
		zap.Int("rows_inserted", len(rows)))
	return nil
}

func (c *Client) ExecuteQuery(ctx context.Context, query string, args ...interface{}) error {
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to execute query: %w", err)
	}
	return nil
}

func (c *Client) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

func (c *Client) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

func qualifiedName(database, table string) (string, error) {
	if err := security.ValidateIdentifier(database, "database name"); err != nil {
		return "", fmt.Errorf("invalid database name: %w", err)
	}
	if err := security.ValidateIdentifier(table, "table name"); err != nil {
		return "", fmt.Errorf("invalid table name: %w", err)
	}
	return security.EscapeIdentifier(database) + "." + security.EscapeIdentifier(table), nil
}

func BuildCreateTableQuery(database, name string, schema *split.SchemaSnapshot) (string, error) {
	target, err := qualifiedName(database, name)
	if err != nil {
		return "", err
	}

	columns := make([]string, 0, schema.ColumnCount()+2)
	for _, col := range schema.Columns() {
		def, err := columnDefinition(col, isKeyColumn(schema, col.Name))
		if err != nil {
			return "", err
		}
		columns = append(columns, def)
	}
	columns = append(columns,
		fmt.Sprintf("%s UInt8 DEFAULT 0", security.EscapeIdentifier(DeletedColumn)),
		fmt.Sprintf("%s UInt64 DEFAULT 0", security.EscapeIdentifier(VersionColumn)))

	keys := make([]string, 0, len(schema.PrimaryKey()))
	for _, pk := range schema.PrimaryKey() {
		if err := security.ValidateIdentifier(pk, "column name"); err != nil {
			return "", err
		}
		keys = append(keys, security.EscapeIdentifier(pk))
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("table %s has no primary key to order by", schema.Table())
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)\nENGINE = ReplacingMergeTree(%s, %s)\nORDER BY (%s)",
		target,
		strings.Join(columns, ",\n  "),
		security.EscapeIdentifier(VersionColumn),
		security.EscapeIdentifier(DeletedColumn),
		strings.Join(keys, ", ")), nil
}

func BuildAddColumnsQuery(database, name string, schema *split.SchemaSnapshot) (string, error) {
	target, err := qualifiedName(database, name)
	if err != nil {
		return "", err
	}
	clauses := make([]string, 0, schema.ColumnCount())
	for _, col := range schema.Columns() {
		def, err := columnDefinition(col, isKeyColumn(schema, col.Name))
		if err != nil {
			return "", err
		}
		clauses = append(clauses, "ADD COLUMN IF NOT EXISTS "+def)
	}
	return fmt.Sprintf("ALTER TABLE %s %s", target, strings.Join(clauses, ", ")), nil
}

// BuildInsertQuery renders a multi-row insert over the schema columns plus the version columns.
func BuildInsertQuery(database, name string, schema *split.SchemaSnapshot, rows []Row) (string, []interface{}, error) {
	if len(rows) == 0 {
		return "", nil, fmt.Errorf("no rows to insert")
	}
	target, err := qualifiedName(database, name)
	if err != nil {
		return "", nil, err
	}

	schemaColumns := schema.Columns()
	names := make([]string, 0, len(schemaColumns)+2)
	for _, col := range schemaColumns {
		if err := security.ValidateIdentifier(col.Name, "column name"); err != nil {
			return "", nil, fmt.Errorf("invalid column name %q: %w", col.Name, err)
		}
		names = append(names, security.EscapeIdentifier(col.Name))
	}
	names = append(names, security.EscapeIdentifier(DeletedColumn), security.EscapeIdentifier(VersionColumn))

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ") + ")"
	tuples := make([]string, len(rows))
	values := make([]interface{}, 0, len(rows)*len(names))
	for i, row := range rows {
		tuples[i] = placeholder
		for _, col := range schemaColumns {
			v, err := ConvertValue(row.Data[col.Name], MySQLToClickHouseType(col.Type))
			if err != nil {
				return "", nil, fmt.Errorf("column %s: %w", col.Name, err)
			}
			values = append(values, v)
		}
		deleted := uint8(0)
		if row.Deleted {
			deleted = 1
		}
		values = append(values, deleted, row.Version)
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", target, strings.Join(names, ", "), strings.Join(tuples, ", ")),
		values, nil
}

func columnDefinition(col split.Column, key bool) (string, error) {
	if err := security.ValidateIdentifier(col.Name, "column name"); err != nil {
		return "", err
	}
	chType := MySQLToClickHouseType(col.Type)
	if col.Nullable && !key {
		chType = "Nullable(" + chType + ")"
	}
	return security.EscapeIdentifier(col.Name) + " " + chType, nil
}

func isKeyColumn(schema *split.SchemaSnapshot, name string) bool {
	for _, pk := range schema.PrimaryKey() {
		if pk == name {
			return true
		}
	}
	return false
}

func MySQLToClickHouseType(mysqlType string) string {
	mysqlType = strings.ToLower(mysqlType)
	unsigned := strings.Contains(mysqlType, "unsigned")
	intType := func(bits string) string {
		if unsigned {
			return "UInt" + bits
		}
		return "Int" + bits
	}

	switch {
	case strings.Contains(mysqlType, "tinyint(1)"):
		return "UInt8"
	case strings.Contains(mysqlType, "tinyint"):
		return intType("8")
	case strings.Contains(mysqlType, "smallint"):
		return intType("16")
	case strings.Contains(mysqlType, "mediumint"):
		return intType("32")
	case strings.Contains(mysqlType, "bigint"):
		return intType("64")
	case strings.Contains(mysqlType, "int"):
		return intType("32")
	case strings.Contains(mysqlType, "float"):
		return "Float32"
	case strings.Contains(mysqlType, "double"):
		return "Float64"
	case strings.Contains(mysqlType, "decimal"):
		return "Decimal64(4)"
	case strings.Contains(mysqlType, "datetime"), strings.Contains(mysqlType, "timestamp"):
		return "DateTime64(3)"
	case strings.Contains(mysqlType, "date"):
		return "Date"
	default:
		return "String"
	}
}

// ConvertValue converts a source value to what the driver expects for chType.
func ConvertValue(value interface{}, chType string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	if strings.HasPrefix(chType, "Nullable(") && strings.HasSuffix(chType, ")") {
		return ConvertValue(value, chType[len("Nullable("):len(chType)-1])
	}

	switch {
	case strings.HasPrefix(chType, "DateTime"):
		return convertToDateTime(value), nil
	case chType == "Date":
		return convertToDate(value), nil
	case chType == "String":
		return convertToString(value), nil
	case strings.HasPrefix(chType, "Decimal"):
		switch v := value.(type) {
		case []byte:
			return string(v), nil
		default:
			return v, nil
		}
	default:
		return value, nil
	}
}

func convertToDateTime(value interface{}) interface{} {
	switch v := value.(type) {
	case time.Time:
		return v.Format("2006-01-02 15:04:05.000")
	case []byte:
		return convertToDateTime(string(v))
	case string:
		if v == "" || v == "0000-00-00 00:00:00" {
			return "1970-01-01 00:00:00.000"
		}
		for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04:05.000", "2006-01-02T15:04:05", time.RFC3339Nano} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.Format("2006-01-02 15:04:05.000")
			}
		}
		return v
	default:
		return fmt.Sprintf("%v", value)
	}
}

func convertToDate(value interface{}) interface{} {
	switch v := value.(type) {
	case time.Time:
		return v.Format("2006-01-02")
	case []byte:
		return convertToDate(string(v))
	case string:
		if v == "" || v == "0000-00-00" {
			return "1970-01-01"
		}
		for _, layout := range []string{"2006-01-02", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.Format("2006-01-02")
			}
		}
		return v
	default:
		return fmt.Sprintf("%v", value)
	}
}

func convertToString(value interface{}) interface{} {
	switch v := value.(type) {
	case []byte:
		return string(v)
	case string:
		return v
	default:
		return fmt.Sprintf("%v", value)
	}
}
