package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/philippevezina/hybrid-cdc/internal/metrics"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

// Assigner hands out snapshot splits and collects their outcome. The coordinator implements it.
type Assigner interface {
	// NextSnapshotSplit returns nil when nothing is pending for now.
	NextSnapshotSplit(readerID string) (*split.SnapshotSplit, error)
	ReportFinished(readerID string, info *split.FinishedSnapshotSplitInfo) error
	ReportFailed(readerID string, splitID string, cause error) error
	// Changed is closed on the next assignment-relevant state change.
	Changed() <-chan struct{}
}

type ManagerOptions struct {
	Parallelism int
	// FailureBackoff is how long a reader idles after giving a split back.
	FailureBackoff time.Duration
}

// Manager runs a bounded pool of snapshot readers. Each reader pulls one split at a
// time, so at most Parallelism chunks are in flight.
type Manager struct {
	assigner Assigner
	reader   *SplitReader
	loader   *Loader
	opts     ManagerOptions
	metrics  metrics.Metrics
	logger   *zap.Logger

	mu      sync.RWMutex
	running bool
	active  map[string]string
}

func NewManager(assigner Assigner, reader *SplitReader, loader *Loader, opts ManagerOptions, m metrics.Metrics, logger *zap.Logger) *Manager {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.FailureBackoff <= 0 {
		opts.FailureBackoff = time.Second
	}
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Manager{
		assigner: assigner,
		reader:   reader,
		loader:   loader,
		opts:     opts,
		metrics:  m,
		logger:   logger,
		active:   make(map[string]string),
	}
}

// Run blocks until ctx is cancelled or the coordinator rejects a report.
// Cancellation abandons in-flight splits; the coordinator reissues them after restore.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("snapshot manager is already running")
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.logger.Info("Starting snapshot readers", zap.Int("parallelism", m.opts.Parallelism))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Parallelism)
	for i := 0; i < m.opts.Parallelism; i++ {
		readerID := fmt.Sprintf("snapshot-reader-%d", i)
		g.Go(func() error {
			return m.worker(gctx, readerID)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// ActiveSplits returns the split each busy reader is working on.
func (m *Manager) ActiveSplits() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.active))
	for k, v := range m.active {
		out[k] = v
	}
	return out
}

func (m *Manager) worker(ctx context.Context, readerID string) error {
	logger := m.logger.With(zap.String("reader_id", readerID))
	for {
		// taken before asking so a change between the two calls is not missed
		changed := m.assigner.Changed()

		s, err := m.assigner.NextSnapshotSplit(readerID)
		if err != nil {
			return fmt.Errorf("failed to get next snapshot split: %w", err)
		}
		if s == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
				continue
			}
		}

		m.setActive(readerID, s.SplitID())
		err = m.process(ctx, readerID, s, logger)
		m.setActive(readerID, "")
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.metrics.IncChunksFailed(s.Table().String())
		if reportErr := m.assigner.ReportFailed(readerID, s.SplitID(), err); reportErr != nil {
			return fmt.Errorf("failed to report failed split %s: %w", s.SplitID(), reportErr)
		}
		logger.Error("Snapshot split failed, returned to the queue",
			zap.String("split_id", s.SplitID()),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.opts.FailureBackoff):
		}
	}
}

func (m *Manager) process(ctx context.Context, readerID string, s *split.SnapshotSplit, logger *zap.Logger) error {
	m.metrics.IncChunksAssigned()
	logger.Debug("Reading snapshot split",
		zap.String("split_id", s.SplitID()),
		zap.String("table", s.Table().String()),
		zap.Stringer("start", s.Start()),
		zap.Stringer("end", s.End()))

	result, err := m.reader.Read(ctx, s)
	if err != nil {
		return err
	}
	if err := m.loader.LoadChunk(ctx, result); err != nil {
		return err
	}
	m.metrics.AddBackfillEvents(s.Table().String(), result.BackfillEvents)

	if err := m.assigner.ReportFinished(readerID, result.Info); err != nil {
		return fmt.Errorf("failed to report finished split %s: %w", s.SplitID(), err)
	}
	m.metrics.IncChunksFinished(s.Table().String())
	return nil
}

func (m *Manager) setActive(readerID, splitID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if splitID == "" {
		delete(m.active, readerID)
		return
	}
	m.active[readerID] = splitID
}
