package split

import (
	"fmt"
	"slices"
	"sync/atomic"
)

// Split is either a *SnapshotSplit or a *StreamSplit.
type Split interface {
	SplitID() string
	isSplit()
}

// identity is shared by both split kinds. The encoded form is a lazily filled
// cache; it is derived from the other fields and never part of equality.
type identity struct {
	id      string
	encoded atomic.Pointer[[]byte]
}

func (i *identity) SplitID() string { return i.id }

func (*identity) isSplit() {}

func (i *identity) cachedEncoding(encode func() []byte) []byte {
	if p := i.encoded.Load(); p != nil {
		return *p
	}
	b := encode()
	i.encoded.Store(&b)
	return b
}

// SnapshotSplit is one chunk of a table: rows whose split key lies in [start, end).
type SnapshotSplit struct {
	identity

	table         TableID
	keyColumns    []string
	start         Key
	end           Key
	schema        *SchemaSnapshot
	lowWatermark  Offset
	highWatermark Offset
}

// NewSnapshotSplit creates a chunk without watermarks. Nil start or end means the bound is open.
func NewSnapshotSplit(id string, table TableID, keyColumns []string, start, end Key, schema *SchemaSnapshot) *SnapshotSplit {
	s := &SnapshotSplit{
		table:      table,
		keyColumns: slices.Clone(keyColumns),
		start:      cloneKey(start),
		end:        cloneKey(end),
		schema:     schema,
	}
	s.id = id
	return s
}

func (s *SnapshotSplit) Table() TableID { return s.table }

func (s *SnapshotSplit) KeyColumns() []string { return slices.Clone(s.keyColumns) }

func (s *SnapshotSplit) Start() Key { return cloneKey(s.start) }

func (s *SnapshotSplit) End() Key { return cloneKey(s.end) }

func (s *SnapshotSplit) Schema() *SchemaSnapshot { return s.schema }

func (s *SnapshotSplit) LowWatermark() Offset { return s.lowWatermark }

func (s *SnapshotSplit) HighWatermark() Offset { return s.highWatermark }

func (s *SnapshotSplit) Contains(cmp KeyComparator, key Key) bool {
	return InRange(cmp, key, s.start, s.end)
}

// WithWatermarks returns a copy of the split carrying the watermarks of a completed read.
func (s *SnapshotSplit) WithWatermarks(low, high Offset) *SnapshotSplit {
	n := NewSnapshotSplit(s.id, s.table, s.keyColumns, s.start, s.end, s.schema)
	n.lowWatermark = low
	n.highWatermark = high
	return n
}

// Finish builds the completion record of a chunk read between low and high.
func (s *SnapshotSplit) Finish(low, high Offset) (*FinishedSnapshotSplitInfo, error) {
	if low == nil || high == nil {
		return nil, fmt.Errorf("split %s: both watermarks are required", s.id)
	}
	c, err := CompareOffsets(low, high)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", s.id, err)
	}
	if c > 0 {
		return nil, fmt.Errorf("split %s: low watermark %s is after high watermark %s", s.id, low, high)
	}
	return &FinishedSnapshotSplitInfo{
		splitID:       s.id,
		table:         s.table,
		start:         cloneKey(s.start),
		end:           cloneKey(s.end),
		lowWatermark:  low,
		highWatermark: high,
		schema:        s.schema,
	}, nil
}

func (s *SnapshotSplit) Equal(other *SnapshotSplit) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	return string(s.encode()) == string(other.encode())
}

func (s *SnapshotSplit) Hash() uint64 { return hashEncoding(s.encode()) }

func (s *SnapshotSplit) String() string {
	return fmt.Sprintf("SnapshotSplit{id=%s, table=%s, start=%s, end=%s}", s.id, s.table, s.start, s.end)
}

func (s *SnapshotSplit) encode() []byte {
	return s.cachedEncoding(func() []byte { return encodeSplit(kindSnapshot, appendSnapshotSplit(nil, s)) })
}

// FinishedSnapshotSplitInfo records a completed chunk: its bounds and the
// watermark window its backfill covered.
type FinishedSnapshotSplitInfo struct {
	splitID       string
	table         TableID
	start         Key
	end           Key
	lowWatermark  Offset
	highWatermark Offset
	schema        *SchemaSnapshot
}

func NewFinishedSnapshotSplitInfo(splitID string, table TableID, start, end Key, low, high Offset, schema *SchemaSnapshot) *FinishedSnapshotSplitInfo {
	return &FinishedSnapshotSplitInfo{
		splitID:       splitID,
		table:         table,
		start:         cloneKey(start),
		end:           cloneKey(end),
		lowWatermark:  low,
		highWatermark: high,
		schema:        schema,
	}
}

func (f *FinishedSnapshotSplitInfo) SplitID() string { return f.splitID }

func (f *FinishedSnapshotSplitInfo) Table() TableID { return f.table }

func (f *FinishedSnapshotSplitInfo) Start() Key { return cloneKey(f.start) }

func (f *FinishedSnapshotSplitInfo) End() Key { return cloneKey(f.end) }

func (f *FinishedSnapshotSplitInfo) LowWatermark() Offset { return f.lowWatermark }

func (f *FinishedSnapshotSplitInfo) HighWatermark() Offset { return f.highWatermark }

func (f *FinishedSnapshotSplitInfo) Schema() *SchemaSnapshot { return f.schema }

func (f *FinishedSnapshotSplitInfo) Contains(cmp KeyComparator, key Key) bool {
	return InRange(cmp, key, f.start, f.end)
}

func (f *FinishedSnapshotSplitInfo) Equal(other *FinishedSnapshotSplitInfo) bool {
	if f == nil || other == nil {
		return f == nil && other == nil
	}
	return string(appendFinishedInfo(nil, f)) == string(appendFinishedInfo(nil, other))
}

func (f *FinishedSnapshotSplitInfo) String() string {
	return fmt.Sprintf("FinishedSnapshotSplitInfo{id=%s, table=%s, start=%s, end=%s, low=%s, high=%s}",
		f.splitID, f.table, f.start, f.end, f.lowWatermark, f.highWatermark)
}

func cloneKey(k Key) Key {
	if k == nil {
		return nil
	}
	return slices.Clone(k)
}
