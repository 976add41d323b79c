package mysql

import (
	"testing"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

func ordersTableMap() *replication.TableMapEvent {
	return &replication.TableMapEvent{
		Schema:      []byte("shop"),
		Table:       []byte("orders"),
		ColumnCount: 3,
		ColumnName:  [][]byte{[]byte("id"), []byte("customer"), []byte("total")},
		PrimaryKey:  []uint64{0},
	}
}

func TestConvertInsertAndDelete(t *testing.T) {
	rows := &replication.RowsEvent{
		Table: ordersTableMap(),
		Rows: [][]interface{}{
			{int64(1), []byte("alice"), 10.5},
			{int64(2), []byte("bob"), 7.25},
		},
	}

	inserts, err := convertRowsEvent(&replication.EventHeader{EventType: replication.WRITE_ROWS_EVENTv2, Timestamp: 1700000000}, rows, nil)
	require.NoError(t, err)
	require.Len(t, inserts, 2)
	assert.Equal(t, common.EventTypeInsert, inserts[0].Type)
	assert.Equal(t, split.NewTableID("", "shop", "orders"), inserts[0].Table)
	assert.Equal(t, split.MustKey(1), inserts[0].Key)
	assert.Equal(t, "alice", inserts[0].Data["customer"])
	assert.Nil(t, inserts[0].OldData)
	assert.Equal(t, int64(1700000000), inserts[0].Timestamp.Unix())

	deletes, err := convertRowsEvent(&replication.EventHeader{EventType: replication.DELETE_ROWS_EVENTv2}, rows, nil)
	require.NoError(t, err)
	require.Len(t, deletes, 2)
	assert.Equal(t, common.EventTypeDelete, deletes[1].Type)
	assert.Equal(t, split.MustKey(2), deletes[1].Key)
	assert.Equal(t, "bob", deletes[1].OldData["customer"])
	assert.Nil(t, deletes[1].Data)
}

func TestConvertUpdatePairs(t *testing.T) {
	rows := &replication.RowsEvent{
		Table: ordersTableMap(),
		Rows: [][]interface{}{
			{int64(1), []byte("alice"), 10.5},
			{int64(5), []byte("alice"), 11.0},
		},
	}

	events, err := convertRowsEvent(&replication.EventHeader{EventType: replication.UPDATE_ROWS_EVENTv2}, rows, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	assert.Equal(t, common.EventTypeUpdate, e.Type)
	assert.Equal(t, split.MustKey(1), e.OldKey)
	assert.Equal(t, split.MustKey(5), e.Key)
	assert.Equal(t, 11.0, e.Data["total"])
	assert.Equal(t, 10.5, e.OldData["total"])
	assert.True(t, e.KeyMoved(split.DefaultComparator))
}

func TestConvertRejectsIncompleteUpdate(t *testing.T) {
	rows := &replication.RowsEvent{
		Table: ordersTableMap(),
		Rows:  [][]interface{}{{int64(1), []byte("alice"), 10.5}},
	}
	_, err := convertRowsEvent(&replication.EventHeader{EventType: replication.UPDATE_ROWS_EVENTv2}, rows, nil)
	assert.Error(t, err)
}

func TestConvertFallsBackToKeyLookup(t *testing.T) {
	tm := ordersTableMap()
	tm.PrimaryKey = nil
	rows := &replication.RowsEvent{
		Table: tm,
		Rows:  [][]interface{}{{int64(3), []byte("carol"), 1.0}},
	}

	var looked []split.TableID
	lookup := func(table split.TableID) ([]string, error) {
		looked = append(looked, table)
		return []string{"customer", "id"}, nil
	}

	events, err := convertRowsEvent(&replication.EventHeader{EventType: replication.WRITE_ROWS_EVENTv2}, rows, lookup)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, split.MustKey("carol", 3), events[0].Key)
	assert.Equal(t, []split.TableID{split.NewTableID("", "shop", "orders")}, looked)
}

func TestConvertRequiresColumnNames(t *testing.T) {
	tm := ordersTableMap()
	tm.ColumnName = nil
	rows := &replication.RowsEvent{Table: tm, Rows: [][]interface{}{{int64(1), []byte("x"), 1.0}}}

	_, err := convertRowsEvent(&replication.EventHeader{EventType: replication.WRITE_ROWS_EVENTv2}, rows, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binlog_row_metadata")
}

func TestNormalizeColumnValue(t *testing.T) {
	assert.Equal(t, "text", normalizeColumnValue([]byte("text"), false))
	assert.Equal(t, uint64(255), normalizeColumnValue(int8(-1), true))
	assert.Equal(t, uint64(4294967295), normalizeColumnValue(int32(-1), true))
	assert.Equal(t, int32(-1), normalizeColumnValue(int32(-1), false))
	assert.Nil(t, normalizeColumnValue(nil, true))
}

func TestIsTransactionBoundary(t *testing.T) {
	tests := []struct {
		sql      string
		boundary bool
		commits  bool
	}{
		{"BEGIN", true, false},
		{" commit ", true, true},
		{"ROLLBACK", true, true},
		{"SAVEPOINT sp1", true, false},
		{"ALTER TABLE t ADD COLUMN c INT", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			boundary, commits := isTransactionBoundary(tt.sql)
			assert.Equal(t, tt.boundary, boundary)
			assert.Equal(t, tt.commits, commits)
		})
	}
}

func TestPositionTracker(t *testing.T) {
	p := positionTracker{file: "mysql-bin.000001", restart: 4}

	assert.Equal(t, BinlogOffset{File: "mysql-bin.000001", Pos: 4, Event: 1}, p.next())
	assert.Equal(t, BinlogOffset{File: "mysql-bin.000001", Pos: 4, Event: 2}, p.next())

	p.commit(0)
	assert.Equal(t, BinlogOffset{File: "mysql-bin.000001", Pos: 4, Event: 3}, p.next())

	p.commit(900)
	assert.Equal(t, BinlogOffset{File: "mysql-bin.000001", Pos: 900, Event: 1}, p.next())

	p.rotate("mysql-bin.000002", 4)
	assert.Equal(t, BinlogOffset{File: "mysql-bin.000002", Pos: 4, Event: 1}, p.next())
}
