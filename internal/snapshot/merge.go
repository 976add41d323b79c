package snapshot

import (
	"sort"

	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

// mergeBuffer holds a chunk's rows by key while change events are applied on top.
type mergeBuffer struct {
	split      *split.SnapshotSplit
	comparator split.KeyComparator
	state      map[string]common.Row
	applied    int
}

func newMergeBuffer(s *split.SnapshotSplit, comparator split.KeyComparator, rows []common.Row) *mergeBuffer {
	state := make(map[string]common.Row, len(rows))
	for _, row := range rows {
		state[row.Key.ID()] = row
	}
	return &mergeBuffer{split: s, comparator: comparator, state: state}
}

// apply merges one change event. Keys outside the chunk are ignored; an update that
// moves a row out of the chunk removes it.
func (b *mergeBuffer) apply(e *common.Event) {
	touched := false
	switch e.Type {
	case common.EventTypeInsert, common.EventTypeUpdate:
		if e.Type == common.EventTypeUpdate && e.OldKey != nil && b.split.Contains(b.comparator, e.OldKey) {
			delete(b.state, e.OldKey.ID())
			touched = true
		}
		if b.split.Contains(b.comparator, e.Key) {
			b.state[e.Key.ID()] = common.Row{Key: e.Key, Data: e.Data}
			touched = true
		}
	case common.EventTypeDelete:
		if b.split.Contains(b.comparator, e.Key) {
			delete(b.state, e.Key.ID())
			touched = true
		}
	}
	if touched {
		b.applied++
	}
}

func (b *mergeBuffer) rows() []common.Row {
	rows := make([]common.Row, 0, len(b.state))
	for _, row := range b.state {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return b.comparator.Compare(rows[i].Key, rows[j].Key) < 0 })
	return rows
}
