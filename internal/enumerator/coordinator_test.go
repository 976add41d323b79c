package enumerator_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/chunk"
	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/config"
	"github.com/philippevezina/hybrid-cdc/internal/enumerator"
	"github.com/philippevezina/hybrid-cdc/internal/memsource"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

var (
	orders    = split.NewTableID("", "shop", "orders")
	customers = split.NewTableID("", "shop", "customers")
	audit     = split.NewTableID("", "shop", "audit_log")
)

func createTable(t *testing.T, db *memsource.Database, table split.TableID, rows int) {
	t.Helper()
	_, err := db.CreateTable(split.NewSchemaSnapshot(table, []split.Column{
		{Name: "id", Type: "BIGINT"},
		{Name: "payload", Type: "TEXT", Nullable: true},
	}, []string{"id"}, nil))
	require.NoError(t, err)
	for i := 1; i <= rows; i++ {
		_, err := db.Insert(table, map[string]interface{}{"id": i, "payload": fmt.Sprint(i)})
		require.NoError(t, err)
	}
}

func newCoordinator(db *memsource.Database, filter *common.TableFilter) *enumerator.Coordinator {
	splitter := chunk.NewSplitter(db, chunk.DefaultOptions(), zap.NewNop())
	return enumerator.NewCoordinator(db, db, splitter, filter, enumerator.Options{ChunkSize: 250}, nil, zap.NewNop())
}

func finish(t *testing.T, s *split.SnapshotSplit, low, high uint64) *split.FinishedSnapshotSplitInfo {
	t.Helper()
	info, err := s.Finish(split.SequenceOffset(low), split.SequenceOffset(high))
	require.NoError(t, err)
	return info
}

// drain assigns and finishes every pending split, giving chunk i the window [base+i, base+i+1].
func drain(t *testing.T, c *enumerator.Coordinator, base uint64) []*split.SnapshotSplit {
	t.Helper()
	var splits []*split.SnapshotSplit
	for {
		s, err := c.NextSnapshotSplit("reader-0")
		require.NoError(t, err)
		if s == nil {
			break
		}
		splits = append(splits, s)
	}
	for i, s := range splits {
		require.NoError(t, c.ReportFinished("reader-0", finish(t, s, base+uint64(i), base+uint64(i)+1)))
	}
	return splits
}

func TestCoordinatorLifecycle(t *testing.T) {
	db := memsource.New()
	createTable(t, db, orders, 1000)
	c := newCoordinator(db, nil)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	status := c.Status()
	assert.Equal(t, enumerator.PhaseAssigningSnapshot, status.Phase)
	assert.Equal(t, 4, status.PendingSplits)
	assert.Equal(t, 4, status.TotalSplits)

	_, err := c.NextStreamSplit(ctx, "stream-reader")
	require.ErrorIs(t, err, enumerator.ErrNotReady)

	var assigned []*split.SnapshotSplit
	for i := 0; i < 4; i++ {
		s, err := c.NextSnapshotSplit(fmt.Sprintf("reader-%d", i))
		require.NoError(t, err)
		require.NotNil(t, s)
		assigned = append(assigned, s)
	}
	assert.Equal(t, "shop.orders:0", assigned[0].SplitID(), "chunks are handed out in order")
	assert.Equal(t, enumerator.PhaseAwaitingCompletion, c.Phase())

	s, err := c.NextSnapshotSplit("reader-4")
	require.NoError(t, err)
	assert.Nil(t, s, "in-flight splits are never handed out again")

	for i, s := range assigned {
		require.NoError(t, c.ReportFinished(fmt.Sprintf("reader-%d", i), finish(t, s, uint64(1001+i), uint64(1002+i))))
	}
	assert.Equal(t, enumerator.PhaseAssigningStream, c.Phase())

	streamSplit, err := c.NextStreamSplit(ctx, "stream-reader")
	require.NoError(t, err)
	assert.Equal(t, enumerator.PhaseStreaming, c.Phase())
	assert.Equal(t, enumerator.DefaultStreamSplitID, streamSplit.SplitID())
	assert.Equal(t, split.SequenceOffset(1001), streamSplit.StartingOffset())
	assert.Nil(t, streamSplit.EndingOffset())
	assert.Equal(t, 4, streamSplit.TotalFinishedSplitSize())
	assert.True(t, streamSplit.IsCompletedSplit())
	assert.False(t, streamSplit.IsSuspended())
	_, ok := streamSplit.TableSchema(orders)
	assert.True(t, ok)

	_, err = c.NextStreamSplit(ctx, "another-reader")
	require.ErrorIs(t, err, enumerator.ErrAlreadyAssigned)
}

func TestCoordinatorRejectsBadReports(t *testing.T) {
	db := memsource.New()
	createTable(t, db, orders, 1000)
	c := newCoordinator(db, nil)
	require.NoError(t, c.Start(context.Background()))

	s, err := c.NextSnapshotSplit("reader-0")
	require.NoError(t, err)

	err = c.ReportFinished("reader-1", finish(t, s, 1, 2))
	require.ErrorIs(t, err, enumerator.ErrAlreadyAssigned)

	require.NoError(t, c.ReportFinished("reader-0", finish(t, s, 1, 2)))
	err = c.ReportFinished("reader-0", finish(t, s, 1, 2))
	require.ErrorIs(t, err, enumerator.ErrUnknownSplit)

	err = c.ReportFailed("reader-0", "shop.orders:99", assert.AnError)
	require.ErrorIs(t, err, enumerator.ErrUnknownSplit)
}

func TestCoordinatorRequeuesFailedSplitAtHead(t *testing.T) {
	db := memsource.New()
	createTable(t, db, orders, 1000)
	c := newCoordinator(db, nil)
	require.NoError(t, c.Start(context.Background()))

	first, err := c.NextSnapshotSplit("reader-0")
	require.NoError(t, err)
	second, err := c.NextSnapshotSplit("reader-1")
	require.NoError(t, err)

	require.NoError(t, c.ReportFailed("reader-1", second.SplitID(), assert.AnError))
	next, err := c.NextSnapshotSplit("reader-2")
	require.NoError(t, err)
	assert.True(t, second.Equal(next))

	require.NoError(t, c.ReportFailed("reader-0", first.SplitID(), assert.AnError))
	next, err = c.NextSnapshotSplit("reader-0")
	require.NoError(t, err)
	assert.True(t, first.Equal(next))
}

func TestCoordinatorWithoutChunksStartsAtCurrentOffset(t *testing.T) {
	db := memsource.New()
	createTable(t, db, orders, 0)
	c := newCoordinator(db, nil)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	assert.Equal(t, enumerator.PhaseAssigningStream, c.Phase())
	current, err := db.CurrentOffset(ctx)
	require.NoError(t, err)

	s, err := c.NextStreamSplit(ctx, "stream-reader")
	require.NoError(t, err)
	assert.Equal(t, current, s.StartingOffset())
	assert.Equal(t, 0, s.TotalFinishedSplitSize())
	assert.True(t, s.IsCompletedSplit())
	_, ok := s.TableSchema(orders)
	assert.True(t, ok, "empty tables still contribute their schema")
}

func TestCoordinatorAppliesTableFilter(t *testing.T) {
	db := memsource.New()
	createTable(t, db, orders, 10)
	createTable(t, db, audit, 10)
	filter, err := common.NewTableFilter(config.TableFilterConfig{ExcludePatterns: []string{"^audit_.*"}})
	require.NoError(t, err)

	c := newCoordinator(db, filter)
	require.NoError(t, c.Start(context.Background()))

	assert.True(t, c.IsCaptured(orders))
	assert.False(t, c.IsCaptured(audit))
	assert.Equal(t, 1, c.Status().Tables)
}

func TestCoordinatorSuspendsForNewTables(t *testing.T) {
	db := memsource.New()
	createTable(t, db, orders, 1000)
	c := newCoordinator(db, nil)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	drain(t, c, 1001)

	streaming, err := c.NextStreamSplit(ctx, "stream-reader")
	require.NoError(t, err)

	createTable(t, db, customers, 100)
	schema, err := db.DescribeTable(ctx, customers)
	require.NoError(t, err)

	suspended, err := c.AddTables(ctx, []*split.SchemaSnapshot{schema})
	require.NoError(t, err)
	require.NotNil(t, suspended)
	assert.True(t, suspended.IsSuspended())
	assert.Empty(t, suspended.FinishedSnapshotSplitInfos())
	assert.Empty(t, suspended.TableSchemas())
	assert.Equal(t, 4, suspended.TotalFinishedSplitSize())
	assert.Equal(t, streaming.StartingOffset(), suspended.StartingOffset())
	assert.Equal(t, enumerator.PhaseSuspended, c.Phase())

	c.UpdateStreamOffset(split.SequenceOffset(1150))
	assert.Equal(t, split.SequenceOffset(1150), c.Status().StreamOffset, "offsets count until the reader acknowledges")

	again, err := c.AddTables(ctx, []*split.SchemaSnapshot{schema})
	require.NoError(t, err)
	assert.Nil(t, again, "known tables are ignored")

	s, err := c.NextSnapshotSplit("reader-0")
	require.NoError(t, err)
	assert.Nil(t, s, "new chunks wait for the acknowledgement")

	require.ErrorIs(t, c.AcknowledgeSuspension("someone-else", split.SequenceOffset(1200)), enumerator.ErrAlreadyAssigned)
	require.NoError(t, c.AcknowledgeSuspension("stream-reader", split.SequenceOffset(1200)))
	require.ErrorIs(t, c.AcknowledgeSuspension("stream-reader", split.SequenceOffset(1200)), enumerator.ErrNoSuspension)
	assert.Equal(t, enumerator.PhaseAssigningSnapshot, c.Phase())
	c.UpdateStreamOffset(split.SequenceOffset(1250))
	assert.Equal(t, split.SequenceOffset(1200), c.Status().StreamOffset, "no reader owns the stream after the acknowledgement")

	added := drain(t, c, 1300)
	require.Len(t, added, 1)
	assert.Equal(t, customers, added[0].Table())

	resumed, err := c.NextStreamSplit(ctx, "stream-reader")
	require.NoError(t, err)
	assert.False(t, resumed.IsSuspended())
	assert.Equal(t, split.SequenceOffset(1200), resumed.StartingOffset())
	assert.Equal(t, 5, resumed.TotalFinishedSplitSize())
	assert.Equal(t, 5, resumed.FinishedSplitCount())
	assert.True(t, resumed.IsCompletedSplit())
	assert.Len(t, resumed.TableSchemas(), 2)
}

func TestCoordinatorAddTablesBeforeStreaming(t *testing.T) {
	db := memsource.New()
	createTable(t, db, orders, 1000)
	c := newCoordinator(db, nil)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	drain(t, c, 1001)
	require.Equal(t, enumerator.PhaseAssigningStream, c.Phase())

	createTable(t, db, customers, 10)
	schema, err := db.DescribeTable(ctx, customers)
	require.NoError(t, err)
	suspended, err := c.AddTables(ctx, []*split.SchemaSnapshot{schema})
	require.NoError(t, err)
	assert.Nil(t, suspended)
	assert.Equal(t, enumerator.PhaseAssigningSnapshot, c.Phase())

	drain(t, c, 1100)
	s, err := c.NextStreamSplit(ctx, "stream-reader")
	require.NoError(t, err)
	assert.Equal(t, 5, s.TotalFinishedSplitSize())
	assert.Equal(t, split.SequenceOffset(1001), s.StartingOffset())
}

func TestCoordinatorEndingOffset(t *testing.T) {
	db := memsource.New()
	createTable(t, db, orders, 0)
	splitter := chunk.NewSplitter(db, chunk.DefaultOptions(), zap.NewNop())
	c := enumerator.NewCoordinator(db, db, splitter, nil, enumerator.Options{
		ChunkSize:     100,
		StreamSplitID: "bounded",
		EndingOffset:  split.SequenceOffset(50),
	}, nil, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	s, err := c.NextStreamSplit(ctx, "stream-reader")
	require.NoError(t, err)
	assert.Equal(t, "bounded", s.SplitID())
	assert.Equal(t, split.SequenceOffset(50), s.EndingOffset())
}

func TestUpdateStreamOffsetOnlyWhileStreaming(t *testing.T) {
	db := memsource.New()
	createTable(t, db, orders, 0)
	c := newCoordinator(db, nil)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	c.UpdateStreamOffset(split.SequenceOffset(99))
	assert.Nil(t, c.Status().StreamOffset)

	_, err := c.NextStreamSplit(ctx, "stream-reader")
	require.NoError(t, err)
	c.UpdateStreamOffset(split.SequenceOffset(99))
	assert.Equal(t, split.SequenceOffset(99), c.Status().StreamOffset)
}

func TestCoordinatorStartSkipsTablesAddedMeanwhile(t *testing.T) {
	db := memsource.New()
	createTable(t, db, orders, 1000)
	c := newCoordinator(db, nil)
	ctx := context.Background()

	schema, err := db.DescribeTable(ctx, orders)
	require.NoError(t, err)
	_, err = c.AddTables(ctx, []*split.SchemaSnapshot{schema})
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))

	status := c.Status()
	assert.Equal(t, enumerator.PhaseAssigningSnapshot, status.Phase)
	assert.Equal(t, 4, status.TotalSplits, "a table is never split twice")
	assert.Equal(t, 4, status.PendingSplits)
}
