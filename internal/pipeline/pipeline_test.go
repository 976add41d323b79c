package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/config"
	"github.com/philippevezina/hybrid-cdc/internal/enumerator"
	"github.com/philippevezina/hybrid-cdc/internal/factory"
	"github.com/philippevezina/hybrid-cdc/internal/memsource"
	"github.com/philippevezina/hybrid-cdc/internal/observability"
	"github.com/philippevezina/hybrid-cdc/internal/sink"
	"github.com/philippevezina/hybrid-cdc/internal/split"
	"github.com/philippevezina/hybrid-cdc/internal/state"
)

var (
	orders    = split.NewTableID("", "shop", "orders")
	customers = split.NewTableID("", "shop", "customers")
	audit     = split.NewTableID("", "shop", "audit_log")
)

var testColumns = []split.Column{
	{Name: "id", Type: "BIGINT"},
	{Name: "payload", Type: "TEXT", Nullable: true},
}

func testConfig() *config.Config {
	return &config.Config{
		MySQL: config.MySQLConfig{
			TableFilter: config.TableFilterConfig{ExcludeTables: []string{"shop.audit_log"}},
		},
		Source: config.SourceConfig{
			ChunkSize:                 250,
			Parallelism:               2,
			DistributionFactorLower:   0.05,
			DistributionFactorUpper:   1000,
			SnapshotMaxRetries:        2,
			SnapshotRetryDelay:        10 * time.Millisecond,
			LoaderBatchSize:           100,
			StreamReconnectMaxBackoff: time.Second,
		},
		Sink:  config.SinkConfig{Type: MemorySinkIdentifier},
		State: config.StateConfig{Type: config.StateTypeMemory},
	}
}

type recordingReporter struct {
	mu         sync.Mutex
	errs       []error
	milestones []string
}

func (r *recordingReporter) Report(_ context.Context, err error, _ *observability.ErrorContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) Milestone(m observability.Milestone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.milestones = append(r.milestones, m.Name)
}

func (r *recordingReporter) Milestones() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.milestones...)
}

type harness struct {
	pipeline *Pipeline
	sink     *sink.Memory
	state    *state.Manager
	reporter *recordingReporter
}

func newHarness(t *testing.T, db *memsource.Database, storage state.StateStorage, ending split.Offset) *harness {
	t.Helper()
	cfg := testConfig()
	out := sink.NewMemory()
	registry := factory.NewRegistry()
	require.NoError(t, registry.Register(&MemorySinkFactory{Sink: out}))

	stateManager := state.NewManagerWithStorage(cfg.State, storage, nil, zap.NewNop())
	reporter := &recordingReporter{}
	p, err := New(cfg, db, Options{
		Registry:     registry,
		State:        stateManager,
		Reporter:     reporter,
		EndingOffset: ending,
	}, nil, zap.NewNop())
	require.NoError(t, err)
	return &harness{pipeline: p, sink: out, state: stateManager, reporter: reporter}
}

func createTable(t *testing.T, db *memsource.Database, table split.TableID, rows int) {
	t.Helper()
	_, err := db.CreateTable(split.NewSchemaSnapshot(table, testColumns, []string{"id"}, nil))
	require.NoError(t, err)
	for i := 1; i <= rows; i++ {
		_, err := db.Insert(table, map[string]interface{}{"id": i, "payload": fmt.Sprint(i)})
		require.NoError(t, err)
	}
}

// replay applies the sink's events for table in order and returns the resulting rows by key.
func replay(events []*common.Event, table split.TableID) map[string]map[string]interface{} {
	rows := make(map[string]map[string]interface{})
	for _, e := range events {
		if e.Table != table {
			continue
		}
		switch e.Type {
		case common.EventTypeRead, common.EventTypeInsert, common.EventTypeUpdate:
			if e.KeyMoved(split.DefaultComparator) {
				delete(rows, e.OldKey.ID())
			}
			rows[e.Key.ID()] = e.Data
		case common.EventTypeDelete:
			delete(rows, e.Key.ID())
		}
	}
	return rows
}

func runAsync(ctx context.Context, p *Pipeline) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx)
	}()
	return done
}

func waitRun(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestPipelineSnapshotThenStream(t *testing.T) {
	db := memsource.New()
	createTable(t, db, orders, 1000)

	// every chunk read races with an update inside the table and an insert past its end
	var reads atomic.Int32
	db.OnChunkRead(func(s *split.SnapshotSplit) error {
		n := int(reads.Add(1))
		if n > 4 {
			return nil
		}
		if _, err := db.Update(orders, split.MustKey(n*100), map[string]interface{}{"id": n * 100, "payload": fmt.Sprintf("chunk-%d", n)}); err != nil {
			return err
		}
		_, err := db.Insert(orders, map[string]interface{}{"id": 2000 + n, "payload": "new"})
		return err
	})

	// create + 1000 inserts + 8 concurrent writes + 3 writes while streaming
	ending := split.SequenceOffset(1012)
	h := newHarness(t, db, state.NewMemoryStorage(), ending)
	done := runAsync(context.Background(), h.pipeline)

	require.Eventually(t, func() bool {
		return h.pipeline.Coordinator().Phase() == enumerator.PhaseStreaming
	}, 10*time.Second, 10*time.Millisecond)

	_, err := db.Update(orders, split.MustKey(5), map[string]interface{}{"id": 5, "payload": "streamed"})
	require.NoError(t, err)
	_, err = db.Delete(orders, split.MustKey(10))
	require.NoError(t, err)
	last, err := db.Insert(orders, map[string]interface{}{"id": 5000, "payload": "end"})
	require.NoError(t, err)
	require.Equal(t, ending, last)

	waitRun(t, done)

	// inserts made before the last chunk was read are part of its snapshot
	readEvents := len(h.sink.EventsOfType(common.EventTypeRead))
	assert.GreaterOrEqual(t, readEvents, 1000)
	assert.LessOrEqual(t, readEvents, 1004)

	rows := replay(h.sink.Events(), orders)
	assert.Len(t, rows, 1003)
	for id, data := range rows {
		row, ok := db.Row(orders, split.MustKey(data["id"]))
		require.True(t, ok, "row %s is not in the database", id)
		assert.Equal(t, row.Data, data)
	}
	assert.NotContains(t, rows, split.MustKey(10).ID())
	assert.NotContains(t, rows, split.MustKey(5000).ID(), "the event at the ending offset is not emitted")
	assert.Equal(t, "streamed", rows[split.MustKey(5).ID()]["payload"])

	cp := h.state.GetCurrentCheckpoint()
	require.NotNil(t, cp)
	assert.Equal(t, enumerator.PhaseStreaming.String(), cp.Phase)
	assert.Equal(t, split.SequenceOffset(1011).String(), cp.StreamOffset)

	health := h.pipeline.Health()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 4, health.FinishedSplits)
	assert.True(t, health.PureStreaming)
	assert.False(t, health.StreamRunning)
	assert.Equal(t, []string{"stream_assigned", "stream_finished"}, h.reporter.Milestones())
	assert.Empty(t, h.reporter.errs)
	require.NoError(t, h.pipeline.Close())
}

func TestPipelineResumesFromCheckpoint(t *testing.T) {
	db := memsource.New()
	createTable(t, db, orders, 100)
	storage := state.NewMemoryStorage()

	first := newHarness(t, db, storage, split.SequenceOffset(103))
	done := runAsync(context.Background(), first.pipeline)
	require.Eventually(t, func() bool {
		return first.pipeline.Coordinator().Phase() == enumerator.PhaseStreaming
	}, 10*time.Second, 10*time.Millisecond)
	_, err := db.Insert(orders, map[string]interface{}{"id": 101, "payload": "streamed"})
	require.NoError(t, err)
	_, err = db.Insert(orders, map[string]interface{}{"id": 102, "payload": "after first run"})
	require.NoError(t, err)
	waitRun(t, done)

	assert.Len(t, first.sink.EventsOfType(common.EventTypeRead), 100)
	assert.Len(t, first.sink.EventsOfType(common.EventTypeInsert), 1)

	_, err = db.Insert(orders, map[string]interface{}{"id": 103, "payload": "end"})
	require.NoError(t, err)

	second := newHarness(t, db, storage, split.SequenceOffset(104))
	waitRun(t, runAsync(context.Background(), second.pipeline))

	events := second.sink.Events()
	require.Len(t, events, 1, "nothing before the checkpointed offset is read again")
	assert.Equal(t, common.EventTypeInsert, events[0].Type)
	assert.Equal(t, split.MustKey(102), events[0].Key)
	assert.Equal(t, []string{"restored", "stream_assigned", "stream_finished"}, second.reporter.Milestones())
}

func TestPipelineCapturesCreatedTable(t *testing.T) {
	db := memsource.New()
	createTable(t, db, orders, 100)

	h := newHarness(t, db, state.NewMemoryStorage(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, h.pipeline)

	require.Eventually(t, func() bool {
		return h.pipeline.Coordinator().Phase() == enumerator.PhaseStreaming
	}, 10*time.Second, 10*time.Millisecond)

	createTable(t, db, customers, 10)
	createTable(t, db, audit, 5)
	_, err := db.Update(orders, split.MustKey(1), map[string]interface{}{"id": 1, "payload": "after create"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events := h.sink.Events()
		return len(replay(events, customers)) == 10 &&
			replay(events, orders)[split.MustKey(1).ID()]["payload"] == "after create" &&
			h.pipeline.Coordinator().Phase() == enumerator.PhaseStreaming
	}, 10*time.Second, 10*time.Millisecond)

	assert.True(t, h.pipeline.Coordinator().IsCaptured(customers))
	assert.False(t, h.pipeline.Coordinator().IsCaptured(audit))
	assert.Empty(t, replay(h.sink.Events(), audit))

	cancel()
	waitRun(t, done)
}

func TestOnDDL(t *testing.T) {
	db := memsource.New()
	createTable(t, db, orders, 10)
	h := newHarness(t, db, state.NewMemoryStorage(), nil)
	ctx := context.Background()
	require.NoError(t, h.pipeline.Coordinator().Start(ctx))

	t.Run("alter refreshes schema and reaches the sink", func(t *testing.T) {
		offset, err := db.AlterTable(orders, append(testColumns, split.Column{Name: "note", Type: "TEXT", Nullable: true}))
		require.NoError(t, err)

		suspend, err := h.pipeline.OnDDL(ctx, &common.Event{
			Type:   common.EventTypeDDL,
			Table:  split.NewTableID("", "shop", ""),
			SQL:    "ALTER TABLE orders ADD COLUMN note TEXT",
			Offset: offset,
		})
		require.NoError(t, err)
		assert.False(t, suspend)

		schema, ok := h.pipeline.Coordinator().TableSchema(orders)
		require.True(t, ok)
		assert.Equal(t, 3, schema.ColumnCount())

		ddl := h.sink.EventsOfType(common.EventTypeDDL)
		require.Len(t, ddl, 1)
		assert.Equal(t, orders, ddl[0].Table)
	})

	t.Run("unparseable statement is ignored", func(t *testing.T) {
		suspend, err := h.pipeline.OnDDL(ctx, &common.Event{Type: common.EventTypeDDL, SQL: "  "})
		require.NoError(t, err)
		assert.False(t, suspend)
	})

	t.Run("excluded table is not captured", func(t *testing.T) {
		_, err := db.CreateTable(split.NewSchemaSnapshot(audit, testColumns, []string{"id"}, nil))
		require.NoError(t, err)

		suspend, err := h.pipeline.OnDDL(ctx, &common.Event{
			Type:  common.EventTypeDDL,
			Table: audit,
			SQL:   "CREATE TABLE `shop`.`audit_log` (`id` BIGINT NOT NULL, PRIMARY KEY (`id`))",
		})
		require.NoError(t, err)
		assert.False(t, suspend)
		assert.False(t, h.pipeline.Coordinator().IsCaptured(audit))
	})

	t.Run("table dropped before it was seen", func(t *testing.T) {
		suspend, err := h.pipeline.OnDDL(ctx, &common.Event{
			Type: common.EventTypeDDL,
			SQL:  "CREATE TABLE `shop`.`gone` (`id` BIGINT NOT NULL, PRIMARY KEY (`id`))",
		})
		require.NoError(t, err)
		assert.False(t, suspend)
	})
}

func TestDefaultRegistry(t *testing.T) {
	registry, err := DefaultRegistry()
	require.NoError(t, err)
	assert.Equal(t, []string{"clickhouse", "elasticsearch", MemorySinkIdentifier}, registry.Identifiers())
}

func TestNewRejectsUnknownSink(t *testing.T) {
	cfg := testConfig()
	cfg.Sink.Type = "kafka"
	_, err := New(cfg, memsource.New(), Options{}, nil, zap.NewNop())
	assert.ErrorIs(t, err, factory.ErrUnknownFactory)
}
