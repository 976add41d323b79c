package chunk

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/split"
)

// Statistics is what the splitter needs to know about a table to cut it into chunks.
type Statistics interface {
	RowCount(ctx context.Context, table split.TableID) (int64, error)
	// KeyRange returns the smallest and largest value of column, nil for an empty table.
	KeyRange(ctx context.Context, table split.TableID, column string) (min, max any, err error)
	// NextChunkEnd returns the key chunkSize rows past start in key order (start itself
	// counts as the first row), or nil when fewer rows remain. A nil start means the beginning.
	NextChunkEnd(ctx context.Context, table split.TableID, keyColumns []string, start split.Key, chunkSize int) (split.Key, error)
}

type Options struct {
	DistributionFactorLower float64
	DistributionFactorUpper float64
	Comparator              split.KeyComparator
}

func DefaultOptions() Options {
	return Options{
		DistributionFactorLower: 0.05,
		DistributionFactorUpper: 1000.0,
		Comparator:              split.DefaultComparator,
	}
}

// Splitter divides tables into primary-key chunks. Boundaries depend only on table
// statistics, so splitting an unchanged table again yields the same chunks.
type Splitter struct {
	stats  Statistics
	opts   Options
	logger *zap.Logger
}

func NewSplitter(stats Statistics, opts Options, logger *zap.Logger) *Splitter {
	if opts.Comparator == nil {
		opts.Comparator = split.DefaultComparator
	}
	return &Splitter{
		stats:  stats,
		opts:   opts,
		logger: logger,
	}
}

// Split returns the chunks of the table described by schema in key order. The first chunk
// starts unbounded and the last ends unbounded; adjacent chunks share their boundary key.
// An empty table has no chunks.
func (s *Splitter) Split(ctx context.Context, schema *split.SchemaSnapshot, chunkSize int) ([]*split.SnapshotSplit, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	table := schema.Table()
	keyColumns := schema.PrimaryKey()
	if len(keyColumns) == 0 {
		return nil, fmt.Errorf("table %s has no primary key to split on", table)
	}

	rowCount, err := s.stats.RowCount(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to count rows of %s: %w", table, err)
	}
	if rowCount == 0 {
		s.logger.Info("Table is empty, no chunks created", zap.String("table", table.String()))
		return nil, nil
	}

	var bounds []split.Key
	strategy := "sampled"
	if len(keyColumns) == 1 {
		bounds, err = s.evenBounds(ctx, table, keyColumns[0], rowCount, chunkSize)
		if err != nil {
			return nil, err
		}
		if bounds != nil {
			strategy = "even"
		}
	}
	if bounds == nil {
		if bounds, err = s.sampledBounds(ctx, table, keyColumns, chunkSize); err != nil {
			return nil, err
		}
	}

	splits := make([]*split.SnapshotSplit, 0, len(bounds)+1)
	var start split.Key
	for i := 0; i <= len(bounds); i++ {
		var end split.Key
		if i < len(bounds) {
			end = bounds[i]
		}
		splits = append(splits, split.NewSnapshotSplit(SplitID(table, i), table, keyColumns, start, end, schema))
		start = end
	}

	s.logger.Info("Split table into chunks",
		zap.String("table", table.String()),
		zap.String("strategy", strategy),
		zap.Int64("row_count", rowCount),
		zap.Int("chunk_size", chunkSize),
		zap.Int("chunks", len(splits)))

	return splits, nil
}

func SplitID(table split.TableID, index int) string {
	return fmt.Sprintf("%s:%d", table, index)
}

// evenBounds cuts an integral key range arithmetically. It returns nil bounds when the
// key is not integral or too sparse or dense for arithmetic steps to match chunkSize.
func (s *Splitter) evenBounds(ctx context.Context, table split.TableID, column string, rowCount int64, chunkSize int) ([]split.Key, error) {
	minValue, maxValue, err := s.stats.KeyRange(ctx, table, column)
	if err != nil {
		return nil, fmt.Errorf("failed to read key range of %s.%s: %w", table, column, err)
	}
	if minValue == nil || maxValue == nil {
		return nil, nil
	}
	minKey, err := split.NormalizeKey(minValue)
	if err != nil {
		return nil, nil
	}
	maxKey, err := split.NormalizeKey(maxValue)
	if err != nil {
		return nil, nil
	}
	lo, okLo := split.AsInt64(minKey[0])
	hi, okHi := split.AsInt64(maxKey[0])
	if !okLo || !okHi || hi < lo {
		return nil, nil
	}

	factor := (float64(hi) - float64(lo) + 1) / float64(rowCount)
	if factor < s.opts.DistributionFactorLower || factor > s.opts.DistributionFactorUpper {
		s.logger.Debug("Key distribution is uneven, falling back to sampling",
			zap.String("table", table.String()),
			zap.Float64("distribution_factor", factor))
		return nil, nil
	}

	step := int64(math.Max(math.Ceil(float64(chunkSize)*factor), 1))
	var bounds []split.Key
	for b := lo + step; b <= hi && b > lo; b += step {
		bounds = append(bounds, split.Key{b})
		if b > math.MaxInt64-step {
			break
		}
	}
	if bounds == nil {
		bounds = []split.Key{}
	}
	return bounds, nil
}

func (s *Splitter) sampledBounds(ctx context.Context, table split.TableID, keyColumns []string, chunkSize int) ([]split.Key, error) {
	var (
		bounds []split.Key
		start  split.Key
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end, err := s.stats.NextChunkEnd(ctx, table, keyColumns, start, chunkSize)
		if err != nil {
			return nil, fmt.Errorf("failed to find chunk end of %s after %s: %w", table, start, err)
		}
		if end == nil {
			return bounds, nil
		}
		if start != nil && s.opts.Comparator.Compare(end, start) <= 0 {
			return nil, fmt.Errorf("chunk end %s of %s does not advance past %s", end, table, start)
		}
		bounds = append(bounds, end)
		start = end
	}
}
