// Package source declares the capabilities the split readers and the coordinator need
// from a captured database. The MySQL adapter and the in-memory source implement them.
package source

import (
	"context"
	"errors"

	"github.com/philippevezina/hybrid-cdc/internal/chunk"
	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

// ErrTableNotFound is returned when a table is described that does not exist (anymore).
var ErrTableNotFound = errors.New("table not found")

// WatermarkSource reports the current end of the change log.
type WatermarkSource interface {
	CurrentOffset(ctx context.Context) (split.Offset, error)
}

// ChunkReader performs the bounded, lock-free read of one chunk.
type ChunkReader interface {
	// ReadChunk returns the rows whose key lies in the split's [start, end) range.
	ReadChunk(ctx context.Context, s *split.SnapshotSplit) ([]common.Row, error)
}

// ChangeLog gives access to change events in offset order.
type ChangeLog interface {
	// ReadRange calls fn for every row change of table with from < offset <= to.
	ReadRange(ctx context.Context, table split.TableID, from, to split.Offset, fn func(*common.Event) error) error
	// Open starts reading after from. A nil from starts at the current end of the log.
	Open(ctx context.Context, from split.Offset) (EventStream, error)
}

// EventStream is an open change-log cursor.
type EventStream interface {
	// Next blocks until the next event is available or ctx is done.
	Next(ctx context.Context) (*common.Event, error)
	Close() error
}

// TableDiscoverer lists and describes the tables that can be captured.
type TableDiscoverer interface {
	DiscoverTables(ctx context.Context) ([]*split.SchemaSnapshot, error)
	DescribeTable(ctx context.Context, table split.TableID) (*split.SchemaSnapshot, error)
}

// Source bundles everything a pipeline reads from one database.
type Source interface {
	WatermarkSource
	ChunkReader
	ChangeLog
	TableDiscoverer
	chunk.Statistics
	Close() error
}
