package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/metrics"
	"github.com/philippevezina/hybrid-cdc/internal/source"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

// RangeReader replays the change log between two watermarks.
type RangeReader interface {
	ReadRange(ctx context.Context, table split.TableID, from, to split.Offset, fn func(*common.Event) error) error
}

// Result is the consistent state of one chunk as of its high watermark.
type Result struct {
	Rows []common.Row
	// Split is the split as read, carrying its watermarks.
	Split          *split.SnapshotSplit
	Info           *split.FinishedSnapshotSplitInfo
	BackfillEvents int
}

type ReaderOptions struct {
	Comparator split.KeyComparator
	MaxRetries int
	RetryDelay time.Duration
}

// SplitReader executes one snapshot split: low watermark, bounded read, high watermark,
// then the backfill of the change events in between.
type SplitReader struct {
	watermarks source.WatermarkSource
	chunks     source.ChunkReader
	changeLog  RangeReader
	opts       ReaderOptions
	metrics    metrics.Metrics
	logger     *zap.Logger
}

func NewSplitReader(
	watermarks source.WatermarkSource,
	chunks source.ChunkReader,
	changeLog RangeReader,
	opts ReaderOptions,
	m metrics.Metrics,
	logger *zap.Logger,
) *SplitReader {
	if opts.Comparator == nil {
		opts.Comparator = split.DefaultComparator
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &SplitReader{
		watermarks: watermarks,
		chunks:     chunks,
		changeLog:  changeLog,
		opts:       opts,
		metrics:    m,
		logger:     logger,
	}
}

// Read runs the split, redoing it from scratch on failure up to MaxRetries times.
// Nothing from a failed attempt survives into the result.
func (r *SplitReader) Read(ctx context.Context, s *split.SnapshotSplit) (*Result, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.opts.RetryDelay
	policy.MaxInterval = 30 * r.opts.RetryDelay
	policy.MaxElapsedTime = 0

	var (
		result  *Result
		attempt int
	)
	operation := func() error {
		attempt++
		res, err := r.readOnce(ctx, s)
		if err == nil {
			result = res
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, split.ErrIncomparableOffset) {
			return backoff.Permanent(err)
		}
		r.logger.Warn("Snapshot split read failed, retrying",
			zap.String("split_id", s.SplitID()),
			zap.String("table", s.Table().String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}

	started := time.Now()
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(r.opts.MaxRetries, 0))), ctx)
	if err := backoff.Retry(operation, retry); err != nil {
		return nil, fmt.Errorf("failed to read snapshot split %s after %d attempts: %w", s.SplitID(), attempt, err)
	}
	r.metrics.ObserveChunkReadDuration(time.Since(started))
	return result, nil
}

func (r *SplitReader) readOnce(ctx context.Context, s *split.SnapshotSplit) (*Result, error) {
	low, err := r.watermarks.CurrentOffset(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture low watermark: %w", err)
	}

	rows, err := r.chunks.ReadChunk(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}

	high, err := r.watermarks.CurrentOffset(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture high watermark: %w", err)
	}

	order, err := split.CompareOffsets(low, high)
	if err != nil {
		return nil, err
	}
	if order > 0 {
		return nil, fmt.Errorf("high watermark %s is before low watermark %s", high, low)
	}

	buf := newMergeBuffer(s, r.opts.Comparator, rows)
	if order < 0 {
		err := r.changeLog.ReadRange(ctx, s.Table(), low, high, func(e *common.Event) error {
			buf.apply(e)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to backfill %s..%s: %w", low, high, err)
		}
	}

	info, err := s.Finish(low, high)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("Snapshot split read",
		zap.String("split_id", s.SplitID()),
		zap.String("low_watermark", low.String()),
		zap.String("high_watermark", high.String()),
		zap.Int("rows", len(rows)),
		zap.Int("backfill_events", buf.applied))

	return &Result{
		Rows:           buf.rows(),
		Split:          s.WithWatermarks(low, high),
		Info:           info,
		BackfillEvents: buf.applied,
	}, nil
}
