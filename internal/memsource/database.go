// Package memsource is an in-memory database with a sequential change log. It implements
// every source capability and is used by the package tests and by local dry runs.
package memsource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/source"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

var (
	ErrDuplicateKey = errors.New("duplicate key")
	ErrRowNotFound  = errors.New("row not found")
	ErrClosed       = errors.New("database closed")
)

// ChunkHook runs after a chunk's rows were read and before the reader takes its high
// watermark. Returning an error fails the read. The database lock is not held.
type ChunkHook func(s *split.SnapshotSplit) error

type table struct {
	schema *split.SchemaSnapshot
	rows   map[string]common.Row
}

type Database struct {
	mu        sync.Mutex
	tables    map[split.TableID]*table
	order     []split.TableID
	log       []*common.Event
	changed   chan struct{}
	closed    bool
	chunkHook ChunkHook
	openErrs  []error
	now       func() time.Time
}

var _ source.Source = (*Database)(nil)

func New() *Database {
	return &Database{
		tables:  make(map[split.TableID]*table),
		changed: make(chan struct{}),
		now:     time.Now,
	}
}

// OnChunkRead installs a hook that runs inside every ReadChunk call.
func (d *Database) OnChunkRead(hook ChunkHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chunkHook = hook
}

// FailNextOpen makes the next Open call return err.
func (d *Database) FailNextOpen(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErrs = append(d.openErrs, err)
}

// CreateTable registers a table and records the DDL in the change log.
func (d *Database) CreateTable(schema *split.SchemaSnapshot) (split.Offset, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := schema.Table()
	if _, exists := d.tables[id]; exists {
		return nil, fmt.Errorf("table %s already exists", id)
	}
	if len(schema.PrimaryKey()) == 0 {
		return nil, fmt.Errorf("table %s has no primary key", id)
	}

	offset := d.nextOffset()
	schema = split.NewSchemaSnapshot(id, schema.Columns(), schema.PrimaryKey(), offset)
	d.tables[id] = &table{schema: schema, rows: make(map[string]common.Row)}
	d.order = append(d.order, id)
	d.appendLocked(&common.Event{
		Type:  common.EventTypeDDL,
		Table: id,
		SQL:   createTableSQL(schema),
	})
	return offset, nil
}

// AlterTable replaces the column list of a table and records the DDL.
func (d *Database) AlterTable(id split.TableID, columns []split.Column) (split.Offset, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tables[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", source.ErrTableNotFound, id)
	}
	offset := d.nextOffset()
	t.schema = split.NewSchemaSnapshot(id, columns, t.schema.PrimaryKey(), offset)
	d.appendLocked(&common.Event{
		Type:  common.EventTypeDDL,
		Table: id,
		SQL:   fmt.Sprintf("ALTER TABLE %s", quoteTable(id)),
	})
	return offset, nil
}

func (d *Database) Insert(id split.TableID, data map[string]interface{}) (split.Offset, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, key, err := d.rowKeyLocked(id, data)
	if err != nil {
		return nil, err
	}
	if _, exists := t.rows[key.ID()]; exists {
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateKey, id, key)
	}
	row := common.Row{Key: key, Data: cloneData(data)}
	t.rows[key.ID()] = row
	return d.appendLocked(&common.Event{
		Type:  common.EventTypeInsert,
		Table: id,
		Key:   key,
		Data:  cloneData(data),
	}), nil
}

// Update replaces the row stored under key. data may carry a different primary key.
func (d *Database) Update(id split.TableID, key split.Key, data map[string]interface{}) (split.Offset, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, newKey, err := d.rowKeyLocked(id, data)
	if err != nil {
		return nil, err
	}
	old, ok := t.rows[key.ID()]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrRowNotFound, id, key)
	}
	if newKey.ID() != key.ID() {
		if _, exists := t.rows[newKey.ID()]; exists {
			return nil, fmt.Errorf("%w: %s %s", ErrDuplicateKey, id, newKey)
		}
		delete(t.rows, key.ID())
	}
	t.rows[newKey.ID()] = common.Row{Key: newKey, Data: cloneData(data)}
	return d.appendLocked(&common.Event{
		Type:    common.EventTypeUpdate,
		Table:   id,
		Key:     newKey,
		OldKey:  old.Key,
		Data:    cloneData(data),
		OldData: old.Data,
	}), nil
}

func (d *Database) Delete(id split.TableID, key split.Key) (split.Offset, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tables[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", source.ErrTableNotFound, id)
	}
	old, ok := t.rows[key.ID()]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrRowNotFound, id, key)
	}
	delete(t.rows, key.ID())
	return d.appendLocked(&common.Event{
		Type:    common.EventTypeDelete,
		Table:   id,
		Key:     old.Key,
		OldData: old.Data,
	}), nil
}

// Row returns the current state of a row.
func (d *Database) Row(id split.TableID, key split.Key) (common.Row, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tables[id]
	if !ok {
		return common.Row{}, false
	}
	row, ok := t.rows[key.ID()]
	if !ok {
		return common.Row{}, false
	}
	return common.Row{Key: row.Key, Data: cloneData(row.Data)}, true
}

func (d *Database) CurrentOffset(ctx context.Context) (split.Offset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return split.SequenceOffset(len(d.log)), nil
}

func (d *Database) ReadChunk(ctx context.Context, s *split.SnapshotSplit) ([]common.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	t, ok := d.tables[s.Table()]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", source.ErrTableNotFound, s.Table())
	}
	var rows []common.Row
	for _, row := range t.rows {
		if s.Contains(split.DefaultComparator, row.Key) {
			rows = append(rows, common.Row{Key: row.Key, Data: cloneData(row.Data)})
		}
	}
	hook := d.chunkHook
	d.mu.Unlock()

	sortRows(rows)
	if hook != nil {
		if err := hook(s); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (d *Database) ReadRange(ctx context.Context, id split.TableID, from, to split.Offset, fn func(*common.Event) error) error {
	lo, err := sequence(from)
	if err != nil {
		return err
	}
	hi, err := sequence(to)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if hi > uint64(len(d.log)) {
		hi = uint64(len(d.log))
	}
	var events []*common.Event
	for seq := lo + 1; seq <= hi; seq++ {
		e := d.log[seq-1]
		if e.Table == id && e.Type != common.EventTypeDDL {
			events = append(events, cloneEvent(e))
		}
	}
	d.mu.Unlock()

	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) Open(ctx context.Context, from split.Offset) (source.EventStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if len(d.openErrs) > 0 {
		err := d.openErrs[0]
		d.openErrs = d.openErrs[1:]
		return nil, err
	}

	position := uint64(len(d.log))
	if from != nil {
		seq, err := sequence(from)
		if err != nil {
			return nil, err
		}
		position = seq
	}
	return &stream{db: d, position: position}, nil
}

func (d *Database) DiscoverTables(ctx context.Context) ([]*split.SchemaSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	schemas := make([]*split.SchemaSnapshot, 0, len(d.order))
	for _, id := range d.order {
		schemas = append(schemas, d.tables[id].schema)
	}
	return schemas, nil
}

func (d *Database) DescribeTable(ctx context.Context, id split.TableID) (*split.SchemaSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tables[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", source.ErrTableNotFound, id)
	}
	return t.schema, nil
}

func (d *Database) RowCount(ctx context.Context, id split.TableID) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tables[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", source.ErrTableNotFound, id)
	}
	return int64(len(t.rows)), nil
}

func (d *Database) KeyRange(ctx context.Context, id split.TableID, column string) (any, any, error) {
	keys, err := d.sortedKeys(id)
	if err != nil || len(keys) == 0 {
		return nil, nil, err
	}
	d.mu.Lock()
	schema := d.tables[id].schema
	d.mu.Unlock()

	pk := schema.PrimaryKey()
	if len(pk) == 0 || pk[0] != column {
		return nil, nil, fmt.Errorf("column %s is not the leading key column of %s", column, id)
	}
	return keys[0][0], keys[len(keys)-1][0], nil
}

func (d *Database) NextChunkEnd(ctx context.Context, id split.TableID, _ []string, start split.Key, chunkSize int) (split.Key, error) {
	keys, err := d.sortedKeys(id)
	if err != nil {
		return nil, err
	}
	i := 0
	if start != nil {
		i = sort.Search(len(keys), func(i int) bool { return split.DefaultComparator.Compare(keys[i], start) >= 0 })
	}
	if i+chunkSize >= len(keys) {
		return nil, nil
	}
	return keys[i+chunkSize], nil
}

func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.changed)
	}
	return nil
}

func (d *Database) sortedKeys(id split.TableID) ([]split.Key, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tables[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", source.ErrTableNotFound, id)
	}
	keys := make([]split.Key, 0, len(t.rows))
	for _, row := range t.rows {
		keys = append(keys, row.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return split.DefaultComparator.Compare(keys[i], keys[j]) < 0 })
	return keys, nil
}

func (d *Database) rowKeyLocked(id split.TableID, data map[string]interface{}) (*table, split.Key, error) {
	t, ok := d.tables[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", source.ErrTableNotFound, id)
	}
	pk := t.schema.PrimaryKey()
	values := make([]any, len(pk))
	for i, col := range pk {
		v, ok := data[col]
		if !ok {
			return nil, nil, fmt.Errorf("row of %s is missing key column %s", id, col)
		}
		values[i] = v
	}
	key, err := split.NormalizeKey(values...)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid key for %s: %w", id, err)
	}
	return t, key, nil
}

func (d *Database) nextOffset() split.Offset {
	return split.SequenceOffset(len(d.log) + 1)
}

// appendLocked stamps the event with the next sequence number and wakes open streams.
func (d *Database) appendLocked(e *common.Event) split.Offset {
	offset := d.nextOffset()
	e.ID = uuid.NewString()
	e.Offset = offset
	e.Timestamp = d.now()
	d.log = append(d.log, e)

	if !d.closed {
		close(d.changed)
		d.changed = make(chan struct{})
	}
	return offset
}

// eventAt returns the event after position, or a channel that is closed when one arrives.
func (d *Database) eventAt(position uint64) (*common.Event, <-chan struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if position < uint64(len(d.log)) {
		return cloneEvent(d.log[position]), nil, nil
	}
	if d.closed {
		return nil, nil, ErrClosed
	}
	return nil, d.changed, nil
}

type stream struct {
	db       *Database
	position uint64
	closed   bool
}

func (s *stream) Next(ctx context.Context) (*common.Event, error) {
	for {
		if s.closed {
			return nil, ErrClosed
		}
		e, wait, err := s.db.eventAt(s.position)
		if err != nil {
			return nil, err
		}
		if e != nil {
			s.position++
			return e, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}

func sequence(o split.Offset) (uint64, error) {
	if o == nil {
		return 0, nil
	}
	seq, ok := o.(split.SequenceOffset)
	if !ok {
		return 0, fmt.Errorf("unsupported offset kind %s", o.Kind())
	}
	return uint64(seq), nil
}

func sortRows(rows []common.Row) {
	sort.Slice(rows, func(i, j int) bool { return split.DefaultComparator.Compare(rows[i].Key, rows[j].Key) < 0 })
}

func cloneData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func cloneEvent(e *common.Event) *common.Event {
	c := *e
	c.Data = cloneData(e.Data)
	c.OldData = cloneData(e.OldData)
	return &c
}

func quoteTable(id split.TableID) string {
	parts := make([]string, 0, 2)
	if id.Schema != "" {
		parts = append(parts, "`"+id.Schema+"`")
	}
	parts = append(parts, "`"+id.Table+"`")
	return strings.Join(parts, ".")
}

func createTableSQL(schema *split.SchemaSnapshot) string {
	defs := make([]string, 0, schema.ColumnCount()+1)
	for _, c := range schema.Columns() {
		def := fmt.Sprintf("`%s` %s", c.Name, c.Type)
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	pk := schema.PrimaryKey()
	for i, c := range pk {
		pk[i] = "`" + c + "`"
	}
	defs = append(defs, "PRIMARY KEY ("+strings.Join(pk, ", ")+")")
	return fmt.Sprintf("CREATE TABLE %s (%s)", quoteTable(schema.Table()), strings.Join(defs, ", "))
}
