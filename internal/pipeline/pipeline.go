// Package pipeline runs one capture end to end: the coordinator, the snapshot reader
// pool, the stream reader and the checkpoint loop, all writing to one sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/philippevezina/hybrid-cdc/internal/chunk"
	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/config"
	"github.com/philippevezina/hybrid-cdc/internal/enumerator"
	"github.com/philippevezina/hybrid-cdc/internal/factory"
	"github.com/philippevezina/hybrid-cdc/internal/metrics"
	"github.com/philippevezina/hybrid-cdc/internal/observability"
	"github.com/philippevezina/hybrid-cdc/internal/schema"
	"github.com/philippevezina/hybrid-cdc/internal/sink"
	"github.com/philippevezina/hybrid-cdc/internal/snapshot"
	"github.com/philippevezina/hybrid-cdc/internal/source"
	"github.com/philippevezina/hybrid-cdc/internal/split"
	"github.com/philippevezina/hybrid-cdc/internal/state"
	"github.com/philippevezina/hybrid-cdc/internal/stream"
)

const (
	streamReaderID         = "stream-reader-0"
	finalCheckpointTimeout = 30 * time.Second
	suspendRetryInterval   = 100 * time.Millisecond
)

// Reporter receives errors that stop a pipeline component and the lifecycle
// milestones leading up to them. observability.Manager implements it.
type Reporter interface {
	Report(ctx context.Context, err error, errCtx *observability.ErrorContext)
	Milestone(m observability.Milestone)
}

type Options struct {
	// Registry resolves cfg.Sink.Type. Nil means DefaultRegistry.
	Registry *factory.Registry
	// State persists checkpoints. Nil keeps them in memory.
	State    *state.Manager
	Reporter Reporter
	// EndingOffset stops the pipeline once the stream reaches it. Nil streams forever.
	EndingOffset split.Offset
}

type Pipeline struct {
	cfg         *config.Config
	source      source.Source
	sink        sink.Sink
	coordinator *enumerator.Coordinator
	snapshots   *snapshot.Manager
	reader      *stream.Reader
	state       *state.Manager
	reporter    Reporter
	ddlParser   *schema.DDLParser
	metrics     metrics.Metrics
	logger      *zap.Logger

	startedAt time.Time
	streaming atomic.Bool
	mu        sync.RWMutex
	lastErr   error
}

func New(cfg *config.Config, src source.Source, opts Options, m metrics.Metrics, logger *zap.Logger) (*Pipeline, error) {
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	registry := opts.Registry
	if registry == nil {
		var err error
		if registry, err = DefaultRegistry(); err != nil {
			return nil, err
		}
	}

	filter, err := common.NewTableFilter(cfg.MySQL.TableFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to build table filter: %w", err)
	}

	chunkOpts := chunk.DefaultOptions()
	chunkOpts.DistributionFactorLower = cfg.Source.DistributionFactorLower
	chunkOpts.DistributionFactorUpper = cfg.Source.DistributionFactorUpper
	splitter := chunk.NewSplitter(src, chunkOpts, common.LoggerWithComponent(logger, "splitter"))

	coordinator := enumerator.NewCoordinator(src, src, splitter, filter, enumerator.Options{
		ChunkSize:    cfg.Source.ChunkSize,
		EndingOffset: opts.EndingOffset,
	}, m, common.LoggerWithComponent(logger, "coordinator"))

	pipelineOpts := factory.Configuration{}
	if cfg.Sink.LocalTimeZone != "" {
		pipelineOpts[factory.LocalTimeZoneKey] = cfg.Sink.LocalTimeZone
	}
	out, err := registry.CreateSink(cfg.Sink.Type, factory.Context{
		Options:  factory.Configuration(cfg.Sink.Options),
		Pipeline: pipelineOpts,
		Schemas:  coordinator,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	stateManager := opts.State
	if stateManager == nil {
		stateManager = state.NewManagerWithStorage(cfg.State, state.NewMemoryStorage(), m, common.LoggerWithComponent(logger, "state"))
	}

	p := &Pipeline{
		cfg:         cfg,
		source:      src,
		sink:        out,
		coordinator: coordinator,
		state:       stateManager,
		reporter:    opts.Reporter,
		ddlParser:   schema.NewDDLParser(common.LoggerWithComponent(logger, "ddl")),
		metrics:     m,
		logger:      logger,
	}

	loader := snapshot.NewLoader(out, cfg.Sink.Type, m, common.LoggerWithComponent(logger, "loader"), cfg.Source.LoaderBatchSize)
	splitReader := snapshot.NewSplitReader(src, src, src, snapshot.ReaderOptions{
		MaxRetries: cfg.Source.SnapshotMaxRetries,
		RetryDelay: cfg.Source.SnapshotRetryDelay,
	}, m, common.LoggerWithComponent(logger, "snapshot-reader"))
	p.snapshots = snapshot.NewManager(coordinator, splitReader, loader, snapshot.ManagerOptions{
		Parallelism:    cfg.Source.Parallelism,
		FailureBackoff: cfg.Source.SnapshotRetryDelay,
	}, m, common.LoggerWithComponent(logger, "snapshot"))

	p.reader = stream.NewReader(src, out, p, coordinator.UpdateStreamOffset, stream.Options{
		ReconnectMaxBackoff: cfg.Source.StreamReconnectMaxBackoff,
		SinkName:            cfg.Sink.Type,
	}, m, common.LoggerWithComponent(logger, "stream-reader"))

	return p, nil
}

// Run restores the last checkpoint, then snapshots and streams until ctx is cancelled
// or the stream reaches the ending offset. A final checkpoint is taken on the way out.
func (p *Pipeline) Run(ctx context.Context) error {
	p.startedAt = time.Now()

	if err := p.restore(ctx); err != nil {
		return err
	}
	if err := p.coordinator.Start(ctx); err != nil {
		p.recordError(ctx, err, observability.NewErrorContext("coordinator", "start"))
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	runCtx, finish := context.WithCancel(ctx)
	defer finish()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := p.snapshots.Run(gctx); err != nil {
			p.recordError(gctx, err, observability.NewErrorContext("snapshot", "run"))
			return err
		}
		return nil
	})
	g.Go(func() error {
		return p.runStream(gctx, finish)
	})
	if interval := p.cfg.Source.TableDiscoveryInterval; interval > 0 {
		g.Go(func() error {
			return p.discoveryLoop(gctx, interval)
		})
	}
	if interval := p.cfg.State.CheckpointInterval; interval > 0 {
		g.Go(func() error {
			return p.checkpointLoop(gctx, interval)
		})
	}

	err := g.Wait()

	checkpointCtx, cancel := context.WithTimeout(context.Background(), finalCheckpointTimeout)
	defer cancel()
	if cpErr := p.checkpoint(checkpointCtx); cpErr != nil {
		p.logger.Error("Failed to take final checkpoint", zap.Error(cpErr))
		err = multierr.Append(err, cpErr)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pipeline) restore(ctx context.Context) error {
	if err := p.state.Initialize(ctx); err != nil {
		return err
	}
	cp := p.state.GetCurrentCheckpoint()
	if cp == nil {
		return nil
	}
	if err := p.coordinator.Restore(cp.State); err != nil {
		return fmt.Errorf("failed to restore checkpoint %s: %w", cp.ID, err)
	}
	p.logger.Info("Restored coordinator from checkpoint",
		zap.String("checkpoint_id", cp.ID),
		zap.String("phase", cp.Phase),
		zap.String("offset", cp.StreamOffset))
	p.milestone("restored", map[string]interface{}{"checkpoint_id": cp.ID})
	return nil
}

// runStream waits for the stream split, reads it and picks it up again after every
// suspension. finish is called once the split reached its ending offset.
func (p *Pipeline) runStream(ctx context.Context, finish context.CancelFunc) error {
	for {
		changed := p.coordinator.Changed()
		s, err := p.coordinator.NextStreamSplit(ctx, streamReaderID)
		if errors.Is(err, enumerator.ErrNotReady) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
				continue
			}
		}
		if err != nil {
			p.recordError(ctx, err, observability.NewErrorContext("stream", "assign"))
			return err
		}

		p.milestone("stream_assigned", map[string]interface{}{"split_id": s.SplitID()})
		p.streaming.Store(true)
		err = p.reader.Run(ctx, s)
		p.streaming.Store(false)

		switch {
		case err == nil:
			p.logger.Info("Stream finished, stopping pipeline", zap.String("split_id", s.SplitID()))
			p.milestone("stream_finished", nil)
			finish()
			return nil
		case errors.Is(err, stream.ErrSuspended):
			position := p.reader.Position()
			if ackErr := p.coordinator.AcknowledgeSuspension(streamReaderID, position); ackErr != nil {
				p.recordError(ctx, ackErr, observability.NewErrorContext("stream", "acknowledge_suspension").WithOffset(position))
				return ackErr
			}
			p.milestone("stream_suspended", nil)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			p.recordError(ctx, err, observability.NewErrorContext("stream", "read").
				WithSplit(s.SplitID()).
				WithOffset(p.reader.Position()))
			return err
		}
	}
}

// discoveryLoop captures tables that appeared without a DDL event being seen, for
// example while the stream was not yet running.
func (p *Pipeline) discoveryLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := p.discoverNewTables(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("Table discovery failed", zap.Error(err))
		}
	}
}

func (p *Pipeline) discoverNewTables(ctx context.Context) error {
	schemas, err := p.source.DiscoverTables(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover tables: %w", err)
	}
	var fresh []*split.SchemaSnapshot
	for _, s := range schemas {
		if !p.coordinator.IsCaptured(s.Table()) && p.coordinator.Accepts(s.Table()) {
			fresh = append(fresh, s)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	suspended, err := p.coordinator.AddTables(ctx, fresh)
	if err != nil {
		return fmt.Errorf("failed to add discovered tables: %w", err)
	}
	if suspended != nil {
		return p.suspendStream(ctx)
	}
	return nil
}

// suspendStream stops the stream reader after the coordinator suspended its split.
// The reader may not have started the split yet, so ErrNotRunning is retried while the
// suspension is still unacknowledged.
func (p *Pipeline) suspendStream(ctx context.Context) error {
	for p.coordinator.Phase() == enumerator.PhaseSuspended {
		offset, err := p.reader.Suspend(ctx)
		if err == nil {
			p.logger.Info("Stream reader suspended for new tables", zap.Stringer("offset", offset))
			return nil
		}
		if !errors.Is(err, stream.ErrNotRunning) {
			return fmt.Errorf("failed to suspend stream reader: %w", err)
		}
		if p.coordinator.Status().StreamReader == "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(suspendRetryInterval):
		}
	}
	return nil
}

func (p *Pipeline) checkpointLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := p.checkpoint(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.recordError(ctx, err, observability.NewErrorContext("state", "checkpoint"))
		}
	}
}

// checkpoint encodes the coordinator before flushing the sink, so everything the
// checkpoint counts as finished or streamed is durable when it is saved.
func (p *Pipeline) checkpoint(ctx context.Context) error {
	data, err := p.coordinator.Checkpoint()
	if err != nil {
		return fmt.Errorf("failed to encode coordinator state: %w", err)
	}
	status := p.coordinator.Status()

	if err := p.sink.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush sink: %w", err)
	}

	offset := ""
	if status.StreamOffset != nil {
		offset = status.StreamOffset.String()
	}
	if _, err := p.state.CreateCheckpoint(ctx, data, status.Phase.String(), offset); err != nil {
		return err
	}
	return nil
}

// Checkpoint takes a checkpoint now.
func (p *Pipeline) Checkpoint(ctx context.Context) error {
	return p.checkpoint(ctx)
}

// Coordinator exposes the split coordinator for inspection.
func (p *Pipeline) Coordinator() *enumerator.Coordinator {
	return p.coordinator
}

func (p *Pipeline) Health() common.HealthStatus {
	status := p.coordinator.Status()
	health := common.HealthStatus{
		Status:         "healthy",
		StreamRunning:  p.streaming.Load(),
		Phase:          status.Phase.String(),
		PendingSplits:  status.PendingSplits,
		InFlightSplits: status.InFlightSplits,
		FinishedSplits: status.FinishedSplits,
		ActiveSplits:   p.snapshots.ActiveSplits(),
		PureStreaming:  p.reader.IsPureStreaming(),
		Version:        common.GetVersion(),
	}
	if status.StreamOffset != nil {
		health.StreamOffset = status.StreamOffset.String()
	}
	if !p.startedAt.IsZero() {
		health.Uptime = time.Since(p.startedAt)
	}

	p.mu.RLock()
	if p.lastErr != nil {
		health.Status = "degraded"
		health.LastError = p.lastErr.Error()
	}
	p.mu.RUnlock()
	return health
}

func (p *Pipeline) Close() error {
	return multierr.Combine(
		p.sink.Close(),
		p.state.Close(),
		p.source.Close(),
	)
}

func (p *Pipeline) milestone(name string, attrs map[string]interface{}) {
	if p.reporter == nil {
		return
	}
	status := p.coordinator.Status()
	m := observability.Milestone{Name: name, Phase: status.Phase.String(), Attrs: attrs}
	if status.StreamOffset != nil {
		m.Offset = status.StreamOffset.String()
	}
	p.reporter.Milestone(m)
}

func (p *Pipeline) recordError(ctx context.Context, err error, errCtx *observability.ErrorContext) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()

	if p.reporter != nil {
		p.reporter.Report(ctx, err, errCtx)
		return
	}
	p.logger.Error("Pipeline component failed",
		zap.String("component", errCtx.Component),
		zap.String("operation", errCtx.Operation),
		zap.Error(err))
}
