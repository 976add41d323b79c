package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	ch "github.com/philippevezina/hybrid-cdc/internal/clickhouse"
	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/factory"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

// Writer is the part of the ClickHouse client the sink uses.
type Writer interface {
	CreateTable(ctx context.Context, name string, schema *split.SchemaSnapshot) error
	AddColumns(ctx context.Context, name string, schema *split.SchemaSnapshot) error
	Insert(ctx context.Context, name string, schema *split.SchemaSnapshot, rows []ch.Row) error
	Close() error
}

type tableState struct {
	created bool
	stale   bool
	rows    []ch.Row
}

// Sink buffers rows per table. Every row gets a strictly increasing version so the latest
// write for a key wins when ClickHouse merges parts.
type Sink struct {
	writer  Writer
	schemas factory.SchemaLookup
	opts    *Options
	logger  *zap.Logger
	now     func() time.Time

	mu          sync.Mutex
	tables      map[split.TableID]*tableState
	order       []split.TableID
	lastVersion uint64
	cmp         split.KeyComparator
}

func NewSink(writer Writer, schemas factory.SchemaLookup, opts *Options, logger *zap.Logger) *Sink {
	return &Sink{
		writer:  writer,
		schemas: schemas,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		tables:  make(map[split.TableID]*tableState),
		cmp:     split.DefaultComparator,
	}
}

// TableName is the target table of a source table.
func (s *Sink) TableName(table split.TableID) string {
	return s.opts.TablePrefix + table.Table
}

func (s *Sink) Write(ctx context.Context, events []*common.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if e.Type == common.EventTypeDDL {
			if err := s.handleDDLLocked(ctx, e); err != nil {
				return err
			}
			continue
		}

		schema, ok := s.schemas.TableSchema(e.Table)
		if !ok {
			return fmt.Errorf("no schema for table %s", e.Table)
		}
		state := s.stateLocked(e.Table)

		switch e.Type {
		case common.EventTypeRead, common.EventTypeInsert, common.EventTypeUpdate:
			if e.KeyMoved(s.cmp) {
				state.rows = append(state.rows, s.deletedRowLocked(schema, e.OldKey, e.OldData))
			}
			state.rows = append(state.rows, ch.Row{Version: s.nextVersionLocked(), Data: e.Data})
		case common.EventTypeDelete:
			state.rows = append(state.rows, s.deletedRowLocked(schema, e.Key, e.OldData))
		default:
			return fmt.Errorf("unsupported event type %q", e.Type)
		}

		if len(state.rows) >= s.opts.MaxBatchSize {
			if err := s.flushTableLocked(ctx, e.Table, state); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *Sink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	return multierr.Append(s.flushLocked(ctx), s.writer.Close())
}

func (s *Sink) flushLocked(ctx context.Context) error {
	for _, table := range s.order {
		if err := s.flushTableLocked(ctx, table, s.tables[table]); err != nil {
			return err
		}
	}
	return nil
}

// handleDDLLocked writes out rows buffered under the old layout and marks the table for a
// column sync before its next insert.
func (s *Sink) handleDDLLocked(ctx context.Context, e *common.Event) error {
	state, ok := s.tables[e.Table]
	if !ok {
		return nil
	}
	if err := s.flushTableLocked(ctx, e.Table, state); err != nil {
		return err
	}
	state.stale = true
	s.logger.Info("Schema change received, columns will be synchronized",
		zap.String("table", e.Table.String()),
		zap.String("sql", e.SQL))
	return nil
}

func (s *Sink) flushTableLocked(ctx context.Context, table split.TableID, state *tableState) error {
	if len(state.rows) == 0 {
		return nil
	}
	schema, ok := s.schemas.TableSchema(table)
	if !ok {
		return fmt.Errorf("no schema for table %s", table)
	}
	name := s.TableName(table)

	if !state.created {
		if err := s.writer.CreateTable(ctx, name, schema); err != nil {
			return err
		}
		state.created = true
		state.stale = false
	}
	if state.stale {
		if err := s.writer.AddColumns(ctx, name, schema); err != nil {
			return err
		}
		state.stale = false
	}
	if err := s.writer.Insert(ctx, name, schema, state.rows); err != nil {
		return err
	}
	state.rows = nil
	return nil
}

func (s *Sink) stateLocked(table split.TableID) *tableState {
	state, ok := s.tables[table]
	if !ok {
		state = &tableState{}
		s.tables[table] = state
		s.order = append(s.order, table)
	}
	return state
}

// deletedRowLocked builds a tombstone from the key columns, plus the old row image when known.
func (s *Sink) deletedRowLocked(schema *split.SchemaSnapshot, key split.Key, old map[string]interface{}) ch.Row {
	data := make(map[string]interface{}, len(old)+len(key))
	for k, v := range old {
		data[k] = v
	}
	for i, col := range schema.PrimaryKey() {
		if i < len(key) {
			data[col] = key[i]
		}
	}
	return ch.Row{Version: s.nextVersionLocked(), Deleted: true, Data: data}
}

func (s *Sink) nextVersionLocked() uint64 {
	v := uint64(s.now().UnixNano())
	if v <= s.lastVersion {
		v = s.lastVersion + 1
	}
	s.lastVersion = v
	return v
}
