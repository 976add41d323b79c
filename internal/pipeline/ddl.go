package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/schema"
	"github.com/philippevezina/hybrid-cdc/internal/source"
	"github.com/philippevezina/hybrid-cdc/internal/split"
	"github.com/philippevezina/hybrid-cdc/internal/stream"
)

var _ stream.DDLListener = (*Pipeline)(nil)

// OnDDL reacts to a schema change seen by the stream reader. A new table that passes
// the filter is captured, which suspends the stream until its chunks are snapshotted.
// A changed table gets its schema refreshed and the change forwarded to the sink.
func (p *Pipeline) OnDDL(ctx context.Context, e *common.Event) (bool, error) {
	stmt, err := p.ddlParser.Parse(e.SQL, e.Table.Schema)
	if err != nil {
		p.logger.Warn("Ignoring unparseable DDL statement",
			zap.String("sql", e.SQL),
			zap.Stringer("offset", e.Offset),
			zap.Error(err))
		return false, nil
	}

	switch stmt.Type {
	case schema.DDLTypeCreateTable, schema.DDLTypeRenameTable:
		return p.captureTables(ctx, stmt)
	case schema.DDLTypeAlterTable:
		return false, p.refreshSchemas(ctx, e, stmt.Tables)
	case schema.DDLTypeDropTable, schema.DDLTypeTruncateTable:
		for _, table := range stmt.Tables {
			if p.coordinator.IsCaptured(table) {
				p.logger.Warn("Captured table was dropped or truncated, sink is left unchanged",
					zap.String("table", table.String()),
					zap.String("ddl_type", string(stmt.Type)))
			}
		}
	}
	return false, nil
}

// captureTables adds the tables named by stmt that are new and pass the filter.
func (p *Pipeline) captureTables(ctx context.Context, stmt *schema.DDLStatement) (bool, error) {
	var fresh []*split.SchemaSnapshot
	for _, table := range stmt.Tables {
		if p.coordinator.IsCaptured(table) || !p.coordinator.Accepts(table) {
			continue
		}
		described, err := p.source.DescribeTable(ctx, table)
		if errors.Is(err, source.ErrTableNotFound) {
			// dropped again further down the log
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to describe new table %s: %w", table, err)
		}
		if len(described.PrimaryKey()) == 0 {
			p.logger.Warn("New table has no primary key, not capturing it", zap.String("table", table.String()))
			continue
		}
		fresh = append(fresh, described)
	}
	if len(fresh) == 0 {
		return false, nil
	}

	suspended, err := p.coordinator.AddTables(ctx, fresh)
	if err != nil {
		return false, fmt.Errorf("failed to capture new tables: %w", err)
	}
	return suspended != nil, nil
}

func (p *Pipeline) refreshSchemas(ctx context.Context, e *common.Event, tables []split.TableID) error {
	for _, table := range tables {
		if !p.coordinator.IsCaptured(table) {
			continue
		}
		described, err := p.source.DescribeTable(ctx, table)
		if errors.Is(err, source.ErrTableNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to describe altered table %s: %w", table, err)
		}
		p.coordinator.UpdateSchema(described)

		change := *e
		change.Table = table
		if err := p.sink.Write(ctx, []*common.Event{&change}); err != nil {
			return fmt.Errorf("failed to forward schema change of %s: %w", table, err)
		}
		p.logger.Info("Schema of captured table changed",
			zap.String("table", table.String()),
			zap.Int("columns", described.ColumnCount()))
	}
	return nil
}
