package split

import (
	"fmt"
	"maps"
	"slices"
)

// StreamSplit is the single change-log split that follows the snapshot phase. It carries every
// finished chunk so the reader can skip events the snapshot already reflects.
type StreamSplit struct {
	identity

	startingOffset         Offset
	endingOffset           Offset
	finishedSplitInfos     []*FinishedSnapshotSplitInfo
	tableSchemas           map[TableID]*SchemaSnapshot
	totalFinishedSplitSize int
	suspended              bool
}

// NewStreamSplit validates and copies its inputs. A nil endingOffset means the split is unbounded.
func NewStreamSplit(
	id string,
	startingOffset, endingOffset Offset,
	finishedSplitInfos []*FinishedSnapshotSplitInfo,
	tableSchemas map[TableID]*SchemaSnapshot,
	totalFinishedSplitSize int,
	suspended bool,
) (*StreamSplit, error) {
	if id == "" {
		return nil, fmt.Errorf("stream split id is required")
	}
	if totalFinishedSplitSize < 0 {
		return nil, fmt.Errorf("stream split %s: negative total finished split size %d", id, totalFinishedSplitSize)
	}
	if suspended && (len(finishedSplitInfos) > 0 || len(tableSchemas) > 0) {
		return nil, fmt.Errorf("stream split %s: a suspended split carries no finished splits or schemas", id)
	}
	if startingOffset != nil && endingOffset != nil {
		c, err := CompareOffsets(startingOffset, endingOffset)
		if err != nil {
			return nil, fmt.Errorf("stream split %s: %w", id, err)
		}
		if c > 0 {
			return nil, fmt.Errorf("stream split %s: starting offset %s is after ending offset %s", id, startingOffset, endingOffset)
		}
	}
	return newStreamSplit(id, startingOffset, endingOffset, slices.Clone(finishedSplitInfos),
		maps.Clone(tableSchemas), totalFinishedSplitSize, suspended), nil
}

// newStreamSplit takes ownership of infos and schemas.
func newStreamSplit(
	id string,
	startingOffset, endingOffset Offset,
	infos []*FinishedSnapshotSplitInfo,
	schemas map[TableID]*SchemaSnapshot,
	total int,
	suspended bool,
) *StreamSplit {
	if infos == nil {
		infos = []*FinishedSnapshotSplitInfo{}
	}
	if schemas == nil {
		schemas = map[TableID]*SchemaSnapshot{}
	}
	s := &StreamSplit{
		startingOffset:         startingOffset,
		endingOffset:           endingOffset,
		finishedSplitInfos:     infos,
		tableSchemas:           schemas,
		totalFinishedSplitSize: total,
		suspended:              suspended,
	}
	s.id = id
	return s
}

func (s *StreamSplit) StartingOffset() Offset { return s.startingOffset }

// EndingOffset is nil for an unbounded split.
func (s *StreamSplit) EndingOffset() Offset { return s.endingOffset }

func (s *StreamSplit) FinishedSnapshotSplitInfos() []*FinishedSnapshotSplitInfo {
	return slices.Clone(s.finishedSplitInfos)
}

func (s *StreamSplit) FinishedSplitCount() int { return len(s.finishedSplitInfos) }

func (s *StreamSplit) TableSchemas() map[TableID]*SchemaSnapshot {
	return maps.Clone(s.tableSchemas)
}

func (s *StreamSplit) TableSchema(table TableID) (*SchemaSnapshot, bool) {
	schema, ok := s.tableSchemas[table]
	return schema, ok
}

func (s *StreamSplit) TotalFinishedSplitSize() int { return s.totalFinishedSplitSize }

func (s *StreamSplit) IsSuspended() bool { return s.suspended }

// IsCompletedSplit reports whether every expected chunk has been merged in.
func (s *StreamSplit) IsCompletedSplit() bool {
	return s.totalFinishedSplitSize == len(s.finishedSplitInfos)
}

func (s *StreamSplit) Equal(other *StreamSplit) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	return string(s.encode()) == string(other.encode())
}

func (s *StreamSplit) Hash() uint64 { return hashEncoding(s.encode()) }

func (s *StreamSplit) String() string {
	return fmt.Sprintf("StreamSplit{id=%s, offset=%s, endOffset=%s, finished=%d/%d, suspended=%t}",
		s.id, s.startingOffset, s.endingOffset, len(s.finishedSplitInfos), s.totalFinishedSplitSize, s.suspended)
}

func (s *StreamSplit) encode() []byte {
	return s.cachedEncoding(func() []byte { return encodeSplit(kindStream, appendStreamSplit(nil, s)) })
}

// AppendFinishedSplitInfos returns a copy of s with infos added. Infos whose
// split id is already present are skipped, so the result is the set union.
func AppendFinishedSplitInfos(s *StreamSplit, infos []*FinishedSnapshotSplitInfo) *StreamSplit {
	merged := make([]*FinishedSnapshotSplitInfo, 0, len(s.finishedSplitInfos)+len(infos))
	seen := make(map[string]struct{}, cap(merged))
	for _, group := range [][]*FinishedSnapshotSplitInfo{s.finishedSplitInfos, infos} {
		for _, info := range group {
			if _, dup := seen[info.splitID]; dup {
				continue
			}
			seen[info.splitID] = struct{}{}
			merged = append(merged, info)
		}
	}
	return newStreamSplit(s.id, s.startingOffset, s.endingOffset, merged,
		maps.Clone(s.tableSchemas), s.totalFinishedSplitSize, s.suspended)
}

// FillTableSchemas returns a copy of s with schemas merged in; entries in schemas win.
func FillTableSchemas(s *StreamSplit, schemas map[TableID]*SchemaSnapshot) *StreamSplit {
	merged := maps.Clone(s.tableSchemas)
	maps.Copy(merged, schemas)
	return newStreamSplit(s.id, s.startingOffset, s.endingOffset, slices.Clone(s.finishedSplitInfos),
		merged, s.totalFinishedSplitSize, s.suspended)
}

// ToNormalStreamSplit resumes a suspended split expecting totalFinishedSplitSize chunks.
// Finished infos and schemas start empty and are appended by the caller.
func ToNormalStreamSplit(suspended *StreamSplit, totalFinishedSplitSize int) *StreamSplit {
	return newStreamSplit(suspended.id, suspended.startingOffset, suspended.endingOffset,
		nil, nil, totalFinishedSplitSize, false)
}

// ToSuspendedStreamSplit strips the finished chunks and schemas and marks the split suspended.
func ToSuspendedStreamSplit(s *StreamSplit) *StreamSplit {
	return newStreamSplit(s.id, s.startingOffset, s.endingOffset,
		nil, nil, s.totalFinishedSplitSize, true)
}

// WithStartingOffset moves the resume position, keeping everything else.
func WithStartingOffset(s *StreamSplit, offset Offset) *StreamSplit {
	return newStreamSplit(s.id, offset, s.endingOffset, slices.Clone(s.finishedSplitInfos),
		maps.Clone(s.tableSchemas), s.totalFinishedSplitSize, s.suspended)
}
