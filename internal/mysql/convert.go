package mysql

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/google/uuid"

	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

// KeyColumnsFunc resolves the primary key of a table whose binlog metadata lacks it.
type KeyColumnsFunc func(table split.TableID) ([]string, error)

func tableIDOf(tm *replication.TableMapEvent) split.TableID {
	return split.NewTableID("", string(tm.Schema), string(tm.Table))
}

// rowsEventType maps a rows event to the change type it carries; ok is false for other events.
func rowsEventType(t replication.EventType) (common.EventType, bool) {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return common.EventTypeInsert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2,
		replication.PARTIAL_UPDATE_ROWS_EVENT:
		return common.EventTypeUpdate, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return common.EventTypeDelete, true
	default:
		return "", false
	}
}

// convertRowsEvent turns one binlog rows event into row changes without offsets.
// Update events carry [before, after] image pairs.
func convertRowsEvent(header *replication.EventHeader, e *replication.RowsEvent, keyColumns KeyColumnsFunc) ([]*common.Event, error) {
	eventType, ok := rowsEventType(header.EventType)
	if !ok {
		return nil, fmt.Errorf("unsupported rows event type %s", header.EventType)
	}
	if e.Table == nil {
		return nil, fmt.Errorf("rows event without table map")
	}

	table := tableIDOf(e.Table)
	columns := e.Table.ColumnNameString()
	if len(columns) == 0 {
		return nil, fmt.Errorf("no column names in binlog metadata for %s, binlog_row_metadata=FULL is required", table)
	}
	keys := primaryKeyColumns(e.Table, columns)
	if len(keys) == 0 && keyColumns != nil {
		var err error
		if keys, err = keyColumns(table); err != nil {
			return nil, fmt.Errorf("failed to resolve primary key of %s: %w", table, err)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("table %s has no primary key", table)
	}

	unsigned := e.Table.UnsignedMap()
	timestamp := eventTime(header)
	newEvent := func() *common.Event {
		return &common.Event{
			ID:        uuid.New().String(),
			Type:      eventType,
			Table:     table,
			Timestamp: timestamp,
		}
	}

	var events []*common.Event
	switch eventType {
	case common.EventTypeInsert, common.EventTypeDelete:
		for i, row := range e.Rows {
			data, err := rowToMap(row, columns, unsigned)
			if err != nil {
				return nil, fmt.Errorf("row %d of %s: %w", i, table, err)
			}
			key, err := keyOf(data, keys)
			if err != nil {
				return nil, fmt.Errorf("row %d of %s: %w", i, table, err)
			}
			ev := newEvent()
			ev.Key = key
			if eventType == common.EventTypeInsert {
				ev.Data = data
			} else {
				ev.OldData = data
			}
			events = append(events, ev)
		}
	case common.EventTypeUpdate:
		if len(e.Rows)%2 != 0 {
			return nil, fmt.Errorf("update of %s has an incomplete row pair (%d images)", table, len(e.Rows))
		}
		for i := 0; i < len(e.Rows); i += 2 {
			before, err := rowToMap(e.Rows[i], columns, unsigned)
			if err != nil {
				return nil, fmt.Errorf("pair %d of %s: %w", i/2, table, err)
			}
			after, err := rowToMap(e.Rows[i+1], columns, unsigned)
			if err != nil {
				return nil, fmt.Errorf("pair %d of %s: %w", i/2, table, err)
			}
			oldKey, err := keyOf(before, keys)
			if err != nil {
				return nil, fmt.Errorf("pair %d of %s: %w", i/2, table, err)
			}
			key, err := keyOf(after, keys)
			if err != nil {
				return nil, fmt.Errorf("pair %d of %s: %w", i/2, table, err)
			}
			ev := newEvent()
			ev.Key, ev.OldKey = key, oldKey
			ev.Data, ev.OldData = after, before
			events = append(events, ev)
		}
	}
	return events, nil
}

func eventTime(header *replication.EventHeader) time.Time {
	return time.Unix(int64(header.Timestamp), 0)
}

func primaryKeyColumns(tm *replication.TableMapEvent, columns []string) []string {
	keys := make([]string, 0, len(tm.PrimaryKey))
	for _, idx := range tm.PrimaryKey {
		if int(idx) >= len(columns) {
			return nil
		}
		keys = append(keys, columns[idx])
	}
	return keys
}

func rowToMap(row []interface{}, columns []string, unsigned map[int]bool) (map[string]interface{}, error) {
	if len(row) > len(columns) {
		return nil, fmt.Errorf("row has more columns (%d) than binlog metadata (%d)", len(row), len(columns))
	}
	data := make(map[string]interface{}, len(row))
	for i, v := range row {
		data[columns[i]] = normalizeColumnValue(v, unsigned[i])
	}
	return data, nil
}

// normalizeColumnValue makes binlog and query results agree: text comes back as string,
// unsigned integers as uint64 even though the binlog decodes them signed.
func normalizeColumnValue(v interface{}, unsigned bool) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case int8:
		if unsigned {
			return uint64(uint8(t))
		}
	case int16:
		if unsigned {
			return uint64(uint16(t))
		}
	case int32:
		if unsigned {
			return uint64(uint32(t))
		}
	case int64:
		if unsigned {
			return uint64(t)
		}
	}
	return v
}

func keyOf(data map[string]interface{}, keyColumns []string) (split.Key, error) {
	values := make([]any, len(keyColumns))
	for i, col := range keyColumns {
		v, ok := data[col]
		if !ok {
			return nil, fmt.Errorf("key column %s missing from row", col)
		}
		values[i] = v
	}
	key, err := split.NormalizeKey(values...)
	if err != nil {
		return nil, fmt.Errorf("invalid primary key: %w", err)
	}
	return key, nil
}

// isTransactionBoundary reports BEGIN, COMMIT, ROLLBACK and SAVEPOINT statements.
func isTransactionBoundary(sql string) (boundary, commits bool) {
	trimmed := strings.ToUpper(strings.TrimSpace(sql))
	switch {
	case trimmed == "BEGIN", strings.HasPrefix(trimmed, "SAVEPOINT "):
		return true, false
	case trimmed == "COMMIT", trimmed == "ROLLBACK":
		return true, true
	default:
		return false, false
	}
}

// positionTracker assigns offsets to the changes of a binlog stream. The restart point
// moves to the end of every committed transaction and the counter starts over.
type positionTracker struct {
	file    string
	restart uint32
	count   uint32
}

func (p *positionTracker) rotate(file string, pos uint32) {
	p.file = file
	p.restart = pos
	p.count = 0
}

func (p *positionTracker) next() BinlogOffset {
	p.count++
	return BinlogOffset{File: p.file, Pos: p.restart, Event: p.count}
}

func (p *positionTracker) commit(endPos uint32) {
	if endPos == 0 {
		return
	}
	p.restart = endPos
	p.count = 0
}
