package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/metrics"
	"github.com/philippevezina/hybrid-cdc/internal/sink"
	"github.com/philippevezina/hybrid-cdc/internal/source"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

var (
	// ErrSuspended is returned by Run when the reader stopped for a suspension.
	ErrSuspended = errors.New("stream split suspended")
	// ErrNotRunning is returned by Suspend when no split is being read.
	ErrNotRunning = errors.New("stream reader is not running")
	// ErrSuspendedSplit is returned by Run when given a suspended split.
	ErrSuspendedSplit = errors.New("cannot read a suspended stream split")
)

// DDLListener is told about every schema change the reader passes.
type DDLListener interface {
	// OnDDL returns suspend=true when the change requires the stream to pause
	// after this event, for example when a new captured table was created.
	OnDDL(ctx context.Context, e *common.Event) (suspend bool, err error)
}

// OffsetCommitter is called with the offset of every handled event, in order.
type OffsetCommitter func(offset split.Offset)

type Options struct {
	Comparator          split.KeyComparator
	ReconnectBackoff    time.Duration
	ReconnectMaxBackoff time.Duration
	// MaxReconnects bounds consecutive failed reconnects; 0 means unlimited.
	MaxReconnects int
	SinkName      string
}

// Reader consumes the change log for one stream split at a time.
type Reader struct {
	changeLog source.ChangeLog
	sink      sink.Sink
	listener  DDLListener
	committer OffsetCommitter
	opts      Options
	metrics   metrics.Metrics
	logger    *zap.Logger

	mu       sync.Mutex
	running  bool
	position split.Offset
	pure     bool
	suspend  chan chan split.Offset
	stopped  chan struct{}
}

func NewReader(
	changeLog source.ChangeLog,
	out sink.Sink,
	listener DDLListener,
	committer OffsetCommitter,
	opts Options,
	m metrics.Metrics,
	logger *zap.Logger,
) *Reader {
	if opts.Comparator == nil {
		opts.Comparator = split.DefaultComparator
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = time.Second
	}
	if opts.ReconnectMaxBackoff < opts.ReconnectBackoff {
		opts.ReconnectMaxBackoff = 60 * opts.ReconnectBackoff
	}
	if opts.SinkName == "" {
		opts.SinkName = "sink"
	}
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Reader{
		changeLog: changeLog,
		sink:      out,
		listener:  listener,
		committer: committer,
		opts:      opts,
		metrics:   m,
		logger:    logger,
		suspend:   make(chan chan split.Offset),
	}
}

// Position is the offset of the last handled event, or the split's starting offset.
func (r *Reader) Position() split.Offset {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position
}

// IsPureStreaming reports whether the current split stopped filtering.
func (r *Reader) IsPureStreaming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pure
}

// Suspend asks the running reader to stop and returns the offset it stopped at.
// Run returns ErrSuspended. Resuming from that offset loses and repeats nothing.
func (r *Reader) Suspend(ctx context.Context) (split.Offset, error) {
	r.mu.Lock()
	running, stopped := r.running, r.stopped
	r.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	ack := make(chan split.Offset, 1)
	select {
	case r.suspend <- ack:
	case <-stopped:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case offset := <-ack:
		return offset, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run reads s until the ending offset is reached (nil), the reader is suspended
// (ErrSuspended) or ctx is cancelled. The last handled offset has been passed to the
// committer in every case.
func (r *Reader) Run(ctx context.Context, s *split.StreamSplit) error {
	if s.IsSuspended() {
		return ErrSuspendedSplit
	}

	filter, err := NewWatermarkFilter(s.FinishedSnapshotSplitInfos(), r.opts.Comparator)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("stream reader is already running")
	}
	r.running = true
	r.stopped = make(chan struct{})
	r.position = s.StartingOffset()
	r.pure = filter.IsPureStreaming()
	stopped := r.stopped
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(stopped)
	}()

	r.logger.Info("Starting stream split",
		zap.String("split_id", s.SplitID()),
		zap.Stringer("starting_offset", offsetStringer{s.StartingOffset()}),
		zap.Stringer("ending_offset", offsetStringer{s.EndingOffset()}),
		zap.Int("finished_splits", s.FinishedSplitCount()),
		zap.Stringer("max_high_watermark", offsetStringer{filter.MaxHighWatermark()}),
		zap.Bool("pure_streaming", filter.IsPureStreaming()))

	events := make(chan *common.Event)
	readErr := make(chan error, 1)
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	go func() {
		readErr <- r.readLoop(readCtx, s.StartingOffset(), events)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ack := <-r.suspend:
			cancelRead()
			position := r.Position()
			ack <- position
			r.metrics.IncSuspensions()
			r.logger.Info("Stream split suspended", zap.Stringer("offset", offsetStringer{position}))
			return ErrSuspended
		case err := <-readErr:
			return err
		case e := <-events:
			done, suspend, err := r.handle(ctx, s, filter, e)
			if err != nil {
				return err
			}
			if done {
				r.logger.Info("Stream split reached its ending offset",
					zap.String("split_id", s.SplitID()),
					zap.Stringer("offset", offsetStringer{e.Offset}))
				return nil
			}
			if suspend {
				r.metrics.IncSuspensions()
				r.logger.Info("Stream split suspended by schema change",
					zap.String("table", e.Table.String()),
					zap.Stringer("offset", offsetStringer{e.Offset}))
				return ErrSuspended
			}
		}
	}
}

// handle processes one event. done means the ending offset was reached.
func (r *Reader) handle(ctx context.Context, s *split.StreamSplit, filter *WatermarkFilter, e *common.Event) (done, suspend bool, err error) {
	if end := s.EndingOffset(); end != nil {
		order, err := split.CompareOffsets(e.Offset, end)
		if err != nil {
			return false, false, err
		}
		if order >= 0 {
			return true, false, nil
		}
	}

	switched, err := filter.Advance(e.Offset)
	if err != nil {
		return false, false, err
	}
	if switched {
		r.metrics.IncPureStreamingTransitions()
		r.logger.Info("Stream caught up with all snapshot chunks, filtering disabled",
			zap.Stringer("offset", offsetStringer{e.Offset}))
		r.mu.Lock()
		r.pure = true
		r.mu.Unlock()
	}

	if e.Type == common.EventTypeDDL {
		if r.listener != nil {
			suspend, err = r.listener.OnDDL(ctx, e)
			if err != nil {
				return false, false, fmt.Errorf("failed to handle schema change at %s: %w", e.Offset, err)
			}
		}
		r.commit(e.Offset)
		return false, suspend, nil
	}

	if _, captured := s.TableSchema(e.Table); !captured {
		r.commit(e.Offset)
		return false, false, nil
	}

	out, err := filter.Filter(e)
	if err != nil {
		return false, false, err
	}
	table := e.Table.String()
	if out == nil {
		r.metrics.IncStreamEventsSuppressed(table)
		r.commit(e.Offset)
		return false, false, nil
	}

	out.SplitID = s.SplitID()
	started := time.Now()
	if err := r.sink.Write(ctx, []*common.Event{out}); err != nil {
		r.metrics.IncSinkErrors(r.opts.SinkName)
		return false, false, fmt.Errorf("failed to write event at %s: %w", e.Offset, err)
	}
	r.metrics.ObserveSinkWrite(r.opts.SinkName, 1, time.Since(started))
	r.metrics.IncStreamEventsForwarded(table)
	if !e.Timestamp.IsZero() {
		r.metrics.SetStreamLag(time.Since(e.Timestamp))
	}
	r.commit(e.Offset)
	return false, false, nil
}

func (r *Reader) commit(offset split.Offset) {
	r.mu.Lock()
	r.position = offset
	r.mu.Unlock()
	if r.committer != nil {
		r.committer(offset)
	}
}

// readLoop feeds events into out, reopening the change log after the last delivered
// event whenever reading fails.
func (r *Reader) readLoop(ctx context.Context, from split.Offset, out chan<- *common.Event) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.opts.ReconnectBackoff
	policy.MaxInterval = r.opts.ReconnectMaxBackoff
	policy.MaxElapsedTime = 0

	var retry backoff.BackOff = policy
	if r.opts.MaxReconnects > 0 {
		retry = backoff.WithMaxRetries(policy, uint64(r.opts.MaxReconnects))
	}
	retry = backoff.WithContext(retry, ctx)

	position := from
	first := true
	return backoff.Retry(func() error {
		if !first {
			r.metrics.IncStreamReconnects()
		}
		first = false

		events, err := r.changeLog.Open(ctx, position)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			r.logger.Warn("Failed to open change log, retrying",
				zap.Stringer("offset", offsetStringer{position}),
				zap.Error(err))
			return err
		}
		defer events.Close()

		for {
			e, err := events.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				r.logger.Warn("Change log read failed, reconnecting",
					zap.Stringer("offset", offsetStringer{position}),
					zap.Error(err))
				return err
			}
			select {
			case out <- e:
				position = e.Offset
				retry.Reset()
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
	}, retry)
}

type offsetStringer struct{ offset split.Offset }

func (o offsetStringer) String() string {
	if o.offset == nil {
		return "<none>"
	}
	return o.offset.String()
}
