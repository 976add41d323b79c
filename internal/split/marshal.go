package split

import "fmt"

// The helpers below expose the wire encoding of the split building blocks so other
// state (the coordinator checkpoint) can embed them without a second format.

func MarshalOffset(o Offset) []byte {
	if o == nil {
		return nil
	}
	return appendOffsetBody(nil, o)
}

// UnmarshalOffset decodes the output of MarshalOffset. Empty input yields a nil offset.
func UnmarshalOffset(b []byte) (Offset, error) {
	if len(b) == 0 {
		return nil, nil
	}
	return decodeOffset(b)
}

func MarshalSchema(s *SchemaSnapshot) []byte {
	if s == nil {
		return nil
	}
	return appendSchemaBody(nil, s)
}

func UnmarshalSchema(b []byte) (*SchemaSnapshot, error) {
	s, err := decodeSchema(b)
	if err != nil {
		return nil, err
	}
	if s.table.IsZero() {
		return nil, fmt.Errorf("%w: schema without table", ErrCorruptState)
	}
	return s, nil
}

func MarshalFinishedInfo(f *FinishedSnapshotSplitInfo) []byte {
	return appendFinishedInfo(nil, f)
}

func UnmarshalFinishedInfo(b []byte) (*FinishedSnapshotSplitInfo, error) {
	info, err := decodeFinishedInfo(b)
	if err != nil {
		return nil, err
	}
	if info.splitID == "" {
		return nil, fmt.Errorf("%w: finished split info without id", ErrCorruptState)
	}
	return info, nil
}

// MarshalSnapshotSplit returns the body of a snapshot split encoding, without the header.
func MarshalSnapshotSplit(s *SnapshotSplit) []byte {
	return appendSnapshotSplit(nil, s)
}

func UnmarshalSnapshotSplit(b []byte) (*SnapshotSplit, error) {
	return decodeSnapshotSplit(b)
}
