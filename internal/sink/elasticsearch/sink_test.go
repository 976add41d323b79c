package elasticsearch

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/factory"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

type bulkAction struct {
	Verb  string
	Index string
	ID    string
	Body  map[string]interface{}
}

// fakeCluster answers the info and bulk endpoints and records every bulk action.
type fakeCluster struct {
	mu       sync.Mutex
	actions  []bulkAction
	requests int
	failID   string
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	if !strings.HasSuffix(r.URL.Path, "/_bulk") {
		_, _ = w.Write([]byte(`{"name":"test","cluster_name":"test","version":{"number":"7.17.1","build_flavor":"default"},"tagline":"You Know, for Search"}`))
		return
	}

	index := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), "/_bulk")
	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	var items []map[string]interface{}
	hasErrors := false
	f.mu.Lock()
	f.requests++
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var meta map[string]map[string]interface{}
		if err := json.Unmarshal(line, &meta); err != nil {
			f.mu.Unlock()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for verb, m := range meta {
			id, _ := m["_id"].(string)
			a := bulkAction{Verb: verb, Index: index, ID: id}
			if verb != "delete" && scanner.Scan() {
				_ = json.Unmarshal(scanner.Bytes(), &a.Body)
			}
			status := 201
			result := map[string]interface{}{"_index": index, "_id": a.ID, "status": status}
			if verb == "delete" {
				result["status"] = 200
			}
			if a.ID == f.failID {
				hasErrors = true
				result["status"] = 400
				result["error"] = map[string]interface{}{"type": "mapper_parsing_exception", "reason": "failed to parse"}
			} else {
				f.actions = append(f.actions, a)
			}
			items = append(items, map[string]interface{}{verb: result})
		}
	}
	f.mu.Unlock()

	_ = json.NewEncoder(w).Encode(map[string]interface{}{"took": 1, "errors": hasErrors, "items": items})
}

func (f *fakeCluster) Actions() []bulkAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bulkAction(nil), f.actions...)
}

func newTestSink(t *testing.T, cluster *fakeCluster, options factory.Configuration) *Sink {
	t.Helper()
	server := httptest.NewServer(cluster)
	t.Cleanup(server.Close)

	opts := factory.Configuration{"hosts": server.URL, "index": "orders"}
	for k, v := range options {
		opts[k] = v
	}
	cfg, err := ConfigFromOptions(opts, factory.Configuration{factory.LocalTimeZoneKey: "UTC"})
	require.NoError(t, err)
	s, err := NewSink(cfg, zap.NewNop())
	require.NoError(t, err)
	return s
}

var orders = split.NewTableID("", "shop", "orders")

func TestSinkMapsEventsToBulkActions(t *testing.T) {
	cluster := &fakeCluster{}
	s := newTestSink(t, cluster, factory.Configuration{"max-in-flight-requests": "1"})
	ctx := context.Background()

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	events := []*common.Event{
		{Type: common.EventTypeRead, Table: orders, Key: split.MustKey(1), Data: map[string]interface{}{"id": 1, "amount": 10}, Offset: split.SequenceOffset(21)},
		{Type: common.EventTypeInsert, Table: orders, Key: split.MustKey(2), Data: map[string]interface{}{"id": 2, "amount": 20}, Timestamp: ts},
		{Type: common.EventTypeUpdate, Table: orders, Key: split.MustKey(3), OldKey: split.MustKey(2), Data: map[string]interface{}{"id": 3, "amount": 20}},
		{Type: common.EventTypeDelete, Table: orders, Key: split.MustKey(1)},
		{Type: common.EventTypeDDL, Table: orders, SQL: "ALTER TABLE orders ADD COLUMN note TEXT"},
	}
	require.NoError(t, s.Write(ctx, events))
	assert.Empty(t, cluster.Actions(), "nothing is shipped before a full batch or a flush")

	require.NoError(t, s.Flush(ctx))
	actions := cluster.Actions()
	require.Len(t, actions, 5)

	assert.Equal(t, "index", actions[0].Verb)
	assert.Equal(t, "orders", actions[0].Index)
	assert.Equal(t, "shop.orders:1", actions[0].ID)
	assert.Equal(t, "READ", actions[0].Body[FieldOperation])
	assert.Equal(t, "shop.orders", actions[0].Body[FieldTable])
	assert.Equal(t, "21", actions[0].Body[FieldOffset])
	assert.EqualValues(t, 10, actions[0].Body["amount"])

	assert.Equal(t, "shop.orders:2", actions[1].ID)
	assert.Equal(t, "2024-03-01T11:00:00Z", actions[1].Body[FieldTimestamp], "timestamps render in the pipeline zone")

	assert.Equal(t, bulkAction{Verb: "delete", Index: "orders", ID: "shop.orders:2"}, actions[2], "a moved key removes the old document")
	assert.Equal(t, "index", actions[3].Verb)
	assert.Equal(t, "shop.orders:3", actions[3].ID)

	assert.Equal(t, bulkAction{Verb: "delete", Index: "orders", ID: "shop.orders:1"}, actions[4])
	require.NoError(t, s.Close())
}

func TestSinkShipsFullBatches(t *testing.T) {
	cluster := &fakeCluster{}
	s := newTestSink(t, cluster, factory.Configuration{"max-batch-size": "10", "max-in-flight-requests": "4"})
	ctx := context.Background()

	var events []*common.Event
	for i := 1; i <= 25; i++ {
		events = append(events, &common.Event{Type: common.EventTypeInsert, Table: orders, Key: split.MustKey(i), Data: map[string]interface{}{"id": i}})
	}
	require.NoError(t, s.Write(ctx, events))
	assert.Len(t, cluster.Actions(), 20, "two full batches are shipped on write")

	require.NoError(t, s.Close())
	actions := cluster.Actions()
	assert.Len(t, actions, 25, "close flushes the remainder")

	seen := make(map[string]bool)
	for _, a := range actions {
		seen[a.ID] = true
	}
	assert.Len(t, seen, 25)

	require.Error(t, s.Write(ctx, events[:1]), "closed sink rejects writes")
}

func TestSinkShipsQuietBufferAfterBufferTime(t *testing.T) {
	cluster := &fakeCluster{}
	s := newTestSink(t, cluster, factory.Configuration{"max-buffer-time-ms": "50"})

	require.NoError(t, s.Write(context.Background(), []*common.Event{
		{Type: common.EventTypeInsert, Table: orders, Key: split.MustKey(1), Data: map[string]interface{}{"id": 1}},
	}))
	require.Eventually(t, func() bool {
		return len(cluster.Actions()) == 1
	}, 5*time.Second, 10*time.Millisecond, "a buffer older than max-buffer-time-ms is shipped without another write")

	require.NoError(t, s.Close())
	assert.Len(t, cluster.Actions(), 1)
}

func TestDocumentIDKeepsCompositeKeysApart(t *testing.T) {
	tags := split.NewTableID("", "shop", "tags")

	tests := []struct {
		name string
		a, b split.Key
	}{
		{name: "comma moves between parts", a: split.MustKey("a,b", "c"), b: split.MustKey("a", "b,c")},
		{name: "escaped comma against separator", a: split.MustKey(`a\`, "b"), b: split.MustKey(`a\,b`)},
		{name: "trailing backslash", a: split.MustKey(`a\`, `\b`), b: split.MustKey(`a\\`, "b")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, DocumentID(tags, tt.a), DocumentID(tags, tt.b))
		})
	}

	assert.Equal(t, `shop.tags:a\,b,c`, DocumentID(tags, split.MustKey("a,b", "c")))
	assert.Equal(t, "shop.tags:7,x", DocumentID(tags, split.MustKey(7, "x")))
}

func TestSinkUsesGeneratedIDsForKeylessEvents(t *testing.T) {
	cluster := &fakeCluster{}
	s := newTestSink(t, cluster, nil)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, []*common.Event{
		{Type: common.EventTypeInsert, Table: orders, Data: map[string]interface{}{"note": "a"}},
		{Type: common.EventTypeInsert, Table: orders, Data: map[string]interface{}{"note": "a"}},
	}))
	require.NoError(t, s.Flush(ctx))

	actions := cluster.Actions()
	require.Len(t, actions, 2)
	assert.NotEqual(t, actions[0].ID, actions[1].ID)
	assert.Len(t, actions[0].ID, 36)
}

func TestSinkReportsItemFailures(t *testing.T) {
	cluster := &fakeCluster{failID: "shop.orders:2"}
	s := newTestSink(t, cluster, factory.Configuration{"max-in-flight-requests": "1"})
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, []*common.Event{
		{Type: common.EventTypeInsert, Table: orders, Key: split.MustKey(1), Data: map[string]interface{}{"id": 1}},
		{Type: common.EventTypeInsert, Table: orders, Key: split.MustKey(2), Data: map[string]interface{}{"id": 2}},
	}))
	err := s.Flush(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shop.orders:2")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestSinkRejectsOversizedRecords(t *testing.T) {
	cluster := &fakeCluster{}
	s := newTestSink(t, cluster, factory.Configuration{"max-record-bytes": "64"})

	err := s.Write(context.Background(), []*common.Event{
		{Type: common.EventTypeInsert, Table: orders, Key: split.MustKey(1), Data: map[string]interface{}{"note": strings.Repeat("x", 100)}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit is 64")
}

func TestConfigFromOptions(t *testing.T) {
	cfg, err := ConfigFromOptions(factory.Configuration{"hosts": "a:9200,b:9200", "index": "orders"}, nil)
	require.NoError(t, err)
	assert.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, 500, cfg.MaxBatchSize)
	assert.Equal(t, 5, cfg.MaxInFlightRequests)
	assert.Equal(t, 1000, cfg.MaxBufferedRequests)
	assert.Equal(t, 5*1024*1024, cfg.MaxBatchBytes)
	assert.Equal(t, 5*time.Second, cfg.MaxBufferTime)
	assert.Equal(t, 10*1024*1024, cfg.MaxRecordBytes)
	assert.Equal(t, time.Local, cfg.Location)

	_, err = ConfigFromOptions(factory.Configuration{"hosts": "a:9200,,b", "index": "orders"}, nil)
	require.Error(t, err)

	_, err = ConfigFromOptions(factory.Configuration{"index": "orders"}, nil)
	require.ErrorIs(t, err, factory.ErrMissingOption)

	_, err = ConfigFromOptions(factory.Configuration{"hosts": "a", "index": "orders", "max-batch-size": "0"}, nil)
	require.ErrorIs(t, err, factory.ErrInvalidOption)

	_, err = ConfigFromOptions(factory.Configuration{"hosts": "a", "index": "orders", "max-buffer-time-ms": "-1"}, nil)
	require.ErrorIs(t, err, factory.ErrInvalidOption)

	_, err = ConfigFromOptions(factory.Configuration{"hosts": "a", "index": "orders", "max-batch-size": "2000"}, nil)
	require.ErrorIs(t, err, factory.ErrInvalidOption, "buffer must hold a full batch")

	_, err = ConfigFromOptions(factory.Configuration{"hosts": "a", "index": "orders"},
		factory.Configuration{factory.LocalTimeZoneKey: "Nowhere/Special"})
	require.ErrorIs(t, err, factory.ErrInvalidOption)
}

func TestFactoryCreatesSink(t *testing.T) {
	registry := factory.NewRegistry()
	require.NoError(t, registry.Register(Factory{}))

	s, err := registry.CreateSink(Identifier, factory.Context{
		Options: factory.Configuration{"hosts": "a:9200,b:9200", "index": "orders"},
	})
	require.NoError(t, err)
	require.IsType(t, &Sink{}, s)
	assert.Len(t, s.(*Sink).cfg.Endpoints, 2)

	_, err = registry.CreateSink(Identifier, factory.Context{
		Options: factory.Configuration{"hosts": "a:9200", "index": "orders", "shards": "2"},
	})
	require.ErrorIs(t, err, factory.ErrUnknownOption)
}
