package stream

import (
	"fmt"

	"github.com/google/btree"

	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

type chunkEntry struct {
	start split.Key
	info  *split.FinishedSnapshotSplitInfo
}

// WatermarkFilter decides per key whether a change event is already reflected in a
// finished snapshot chunk. An event at offset o for a key in chunk c is covered when
// o <= c.high: it either happened before the chunk's read or was merged by its backfill.
type WatermarkFilter struct {
	comparator split.KeyComparator
	tables     map[split.TableID]*btree.BTreeG[chunkEntry]
	maxHigh    split.Offset
	pure       bool
}

// NewWatermarkFilter indexes the finished chunks by table and start key.
func NewWatermarkFilter(infos []*split.FinishedSnapshotSplitInfo, comparator split.KeyComparator) (*WatermarkFilter, error) {
	if comparator == nil {
		comparator = split.DefaultComparator
	}
	less := func(a, b chunkEntry) bool {
		return compareStart(comparator, a.start, b.start) < 0
	}

	f := &WatermarkFilter{
		comparator: comparator,
		tables:     make(map[split.TableID]*btree.BTreeG[chunkEntry]),
	}
	highs := make([]split.Offset, 0, len(infos))
	for _, info := range infos {
		tree, ok := f.tables[info.Table()]
		if !ok {
			tree = btree.NewG(16, less)
			f.tables[info.Table()] = tree
		}
		tree.ReplaceOrInsert(chunkEntry{start: info.Start(), info: info})
		highs = append(highs, info.HighWatermark())
	}

	maxHigh, err := split.MaxOffset(highs...)
	if err != nil {
		return nil, fmt.Errorf("failed to compute maximum high watermark: %w", err)
	}
	f.maxHigh = maxHigh
	f.pure = maxHigh == nil
	return f, nil
}

// IsPureStreaming reports whether filtering has been switched off for good.
func (f *WatermarkFilter) IsPureStreaming() bool { return f.pure }

// MaxHighWatermark is the offset after which no event can be covered by a chunk.
func (f *WatermarkFilter) MaxHighWatermark() split.Offset { return f.maxHigh }

// Advance moves the filter to offset. Once offset is past every high watermark the
// filter stays in pure streaming mode. It reports whether this call made the switch.
func (f *WatermarkFilter) Advance(offset split.Offset) (bool, error) {
	if f.pure || offset == nil {
		return false, nil
	}
	order, err := split.CompareOffsets(offset, f.maxHigh)
	if err != nil {
		return false, err
	}
	if order > 0 {
		f.pure = true
		f.tables = nil
		return true, nil
	}
	return false, nil
}

// Filter returns the event to forward, or nil when the chunks already cover it.
// An update that moves a key is forwarded whole when its new key still needs it;
// when only the old key needs it a delete of the old key is forwarded instead.
func (f *WatermarkFilter) Filter(e *common.Event) (*common.Event, error) {
	if f.pure || e.Type == common.EventTypeDDL {
		return e, nil
	}

	needed, err := f.needs(e.Table, e.Key, e.Offset)
	if err != nil {
		return nil, err
	}
	if !e.KeyMoved(f.comparator) {
		if needed {
			return e, nil
		}
		return nil, nil
	}

	if needed {
		return e, nil
	}
	oldNeeded, err := f.needs(e.Table, e.OldKey, e.Offset)
	if err != nil {
		return nil, err
	}
	if !oldNeeded {
		return nil, nil
	}
	derived := *e
	derived.Type = common.EventTypeDelete
	derived.Key = e.OldKey
	derived.OldKey = nil
	derived.Data = nil
	return &derived, nil
}

// needs reports whether the state of key at offset is not yet reflected downstream.
func (f *WatermarkFilter) needs(table split.TableID, key split.Key, offset split.Offset) (bool, error) {
	info := f.chunkFor(table, key)
	if info == nil {
		return true, nil
	}
	order, err := split.CompareOffsets(offset, info.HighWatermark())
	if err != nil {
		return false, err
	}
	return order > 0, nil
}

func (f *WatermarkFilter) chunkFor(table split.TableID, key split.Key) *split.FinishedSnapshotSplitInfo {
	tree, ok := f.tables[table]
	if !ok || key == nil {
		return nil
	}
	var found *split.FinishedSnapshotSplitInfo
	tree.DescendLessOrEqual(chunkEntry{start: key}, func(entry chunkEntry) bool {
		if entry.info.Contains(f.comparator, key) {
			found = entry.info
		}
		return false
	})
	return found
}

// compareStart orders chunk start keys with the open start first.
func compareStart(comparator split.KeyComparator, a, b split.Key) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return comparator.Compare(a, b)
	}
}
