package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/metrics"
	"github.com/philippevezina/hybrid-cdc/internal/sink"
)

const defaultLoaderBatchSize = 1000

// Loader turns a finished chunk into READ events and writes them to the sink in batches.
type Loader struct {
	sink      sink.Sink
	sinkName  string
	metrics   metrics.Metrics
	logger    *zap.Logger
	batchSize int
}

func NewLoader(s sink.Sink, sinkName string, m metrics.Metrics, logger *zap.Logger, batchSize int) *Loader {
	if batchSize <= 0 {
		batchSize = defaultLoaderBatchSize
	}
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Loader{
		sink:      s,
		sinkName:  sinkName,
		metrics:   m,
		logger:    logger,
		batchSize: batchSize,
	}
}

// LoadChunk writes every row of the result. Rows carry the chunk's high watermark as
// their offset since that is the position they are consistent with.
func (l *Loader) LoadChunk(ctx context.Context, result *Result) error {
	read := result.Split
	if len(result.Rows) == 0 {
		return nil
	}

	readAt := time.Now()
	batches := splitIntoBatches(result.Rows, l.batchSize)
	for i, batch := range batches {
		events := make([]*common.Event, 0, len(batch))
		for _, row := range batch {
			events = append(events, &common.Event{
				ID:        uuid.NewString(),
				Type:      common.EventTypeRead,
				Table:     read.Table(),
				Key:       row.Key,
				Offset:    read.HighWatermark(),
				Timestamp: readAt,
				Data:      row.Data,
				SplitID:   read.SplitID(),
			})
		}

		started := time.Now()
		if err := l.sink.Write(ctx, events); err != nil {
			l.metrics.IncSinkErrors(l.sinkName)
			return fmt.Errorf("failed to write batch %d of split %s: %w", i, read.SplitID(), err)
		}
		l.metrics.ObserveSinkWrite(l.sinkName, len(events), time.Since(started))
	}

	l.metrics.AddSnapshotRows(read.Table().String(), len(result.Rows))
	l.logger.Debug("Chunk loaded successfully",
		zap.String("split_id", read.SplitID()),
		zap.String("table", read.Table().String()),
		zap.Int("rows", len(result.Rows)),
		zap.Int("batches", len(batches)))

	return nil
}

func splitIntoBatches(rows []common.Row, size int) [][]common.Row {
	if len(rows) <= size {
		return [][]common.Row{rows}
	}

	batches := make([][]common.Row, 0, (len(rows)+size-1)/size)
	for i := 0; i < len(rows); i += size {
		end := i + size
		if end > len(rows) {
			end = len(rows)
		}
		batches = append(batches, rows[i:end])
	}
	return batches
}
