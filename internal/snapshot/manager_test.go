package snapshot_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/memsource"
	"github.com/philippevezina/hybrid-cdc/internal/sink"
	"github.com/philippevezina/hybrid-cdc/internal/snapshot"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

type queueAssigner struct {
	mu       sync.Mutex
	all      []*split.SnapshotSplit
	pending  []*split.SnapshotSplit
	finished map[string]*split.FinishedSnapshotSplitInfo
	failed   []string
	want     int
	done     chan struct{}
	changed  chan struct{}
}

func newQueueAssigner(splits ...*split.SnapshotSplit) *queueAssigner {
	return &queueAssigner{
		all:      splits,
		pending:  append([]*split.SnapshotSplit(nil), splits...),
		finished: make(map[string]*split.FinishedSnapshotSplitInfo),
		want:     len(splits),
		done:     make(chan struct{}),
		changed:  make(chan struct{}),
	}
}

func (q *queueAssigner) NextSnapshotSplit(string) (*split.SnapshotSplit, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	s := q.pending[0]
	q.pending = q.pending[1:]
	return s, nil
}

func (q *queueAssigner) ReportFinished(_ string, info *split.FinishedSnapshotSplitInfo) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.finished[info.SplitID()]; dup {
		return errors.New("finished twice")
	}
	q.finished[info.SplitID()] = info
	if len(q.finished) == q.want {
		close(q.done)
	}
	return nil
}

func (q *queueAssigner) ReportFailed(_ string, splitID string, _ error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, splitID)
	for _, s := range q.all {
		if s.SplitID() == splitID {
			q.pending = append([]*split.SnapshotSplit{s}, q.pending...)
		}
	}
	close(q.changed)
	q.changed = make(chan struct{})
	return nil
}

func (q *queueAssigner) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

func fourChunks(t *testing.T, db *memsource.Database) []*split.SnapshotSplit {
	t.Helper()
	schema, err := db.DescribeTable(context.Background(), orders)
	require.NoError(t, err)
	bounds := []split.Key{nil, split.MustKey(26), split.MustKey(51), split.MustKey(76), nil}
	splits := make([]*split.SnapshotSplit, 4)
	for i := range splits {
		splits[i] = split.NewSnapshotSplit(
			orders.String()+":"+string(rune('0'+i)), orders, []string{"id"}, bounds[i], bounds[i+1], schema)
	}
	return splits
}

func runManager(t *testing.T, db *memsource.Database, q *queueAssigner, out sink.Sink) {
	t.Helper()
	reader := snapshot.NewSplitReader(db, db, db, snapshot.ReaderOptions{RetryDelay: time.Millisecond}, nil, zap.NewNop())
	loader := snapshot.NewLoader(out, "memory", nil, zap.NewNop(), 10)
	manager := snapshot.NewManager(q, reader, loader, snapshot.ManagerOptions{
		Parallelism:    2,
		FailureBackoff: time.Millisecond,
	}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- manager.Run(ctx) }()

	select {
	case <-q.done:
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot splits did not finish")
	}
	cancel()
	require.NoError(t, <-errCh)
}

func TestManagerReadsEverySplitOnce(t *testing.T) {
	db := newOrdersDB(t, 100)
	splits := fourChunks(t, db)
	q := newQueueAssigner(splits...)
	out := sink.NewMemory()

	runManager(t, db, q, out)

	assert.Len(t, q.finished, 4)
	assert.Empty(t, q.failed)

	reads := out.EventsOfType(common.EventTypeRead)
	require.Len(t, reads, 100)
	seen := make(map[string]bool)
	for _, e := range reads {
		assert.False(t, seen[e.Key.ID()], "row %s emitted twice", e.Key)
		seen[e.Key.ID()] = true
		assert.Equal(t, orders, e.Table)
		assert.NotEmpty(t, e.SplitID)
	}
}

func TestManagerRequeuesFailedSplit(t *testing.T) {
	db := newOrdersDB(t, 100)
	splits := fourChunks(t, db)
	q := newQueueAssigner(splits...)
	out := sink.NewMemory()

	var once sync.Once
	db.OnChunkRead(func(s *split.SnapshotSplit) error {
		var err error
		if s.SplitID() == splits[2].SplitID() {
			once.Do(func() { err = errors.New("lost connection") })
		}
		return err
	})

	runManager(t, db, q, out)

	assert.Len(t, q.finished, 4)
	assert.Equal(t, []string{splits[2].SplitID()}, q.failed)
	assert.Len(t, out.EventsOfType(common.EventTypeRead), 100)
}

func TestManagerTracksActiveSplits(t *testing.T) {
	db := newOrdersDB(t, 100)
	splits := fourChunks(t, db)
	q := newQueueAssigner(splits[0])

	reading := make(chan string, 1)
	release := make(chan struct{})
	db.OnChunkRead(func(s *split.SnapshotSplit) error {
		reading <- s.SplitID()
		<-release
		return nil
	})

	reader := snapshot.NewSplitReader(db, db, db, snapshot.ReaderOptions{RetryDelay: time.Millisecond}, nil, zap.NewNop())
	loader := snapshot.NewLoader(sink.NewMemory(), "memory", nil, zap.NewNop(), 10)
	manager := snapshot.NewManager(q, reader, loader, snapshot.ManagerOptions{Parallelism: 1}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- manager.Run(ctx) }()

	select {
	case id := <-reading:
		assert.Equal(t, map[string]string{"snapshot-reader-0": id}, manager.ActiveSplits())
	case <-time.After(5 * time.Second):
		t.Fatal("split was not read")
	}
	close(release)

	select {
	case <-q.done:
	case <-time.After(5 * time.Second):
		t.Fatal("split did not finish")
	}
	require.Eventually(t, func() bool {
		return len(manager.ActiveSplits()) == 0
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
}
