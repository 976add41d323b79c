package split

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// ErrIncomparableOffset is returned when two offsets from different change streams are compared.
var ErrIncomparableOffset = errors.New("offsets of different kinds are not comparable")

// Offset is a totally ordered position in a change stream. Implementations are
// value-like: once created an offset never changes.
type Offset interface {
	// Kind names the encoding, used to pick a decoder on restore.
	Kind() string
	// Compare returns -1, 0 or +1. Offsets of another kind are ordered by kind name.
	Compare(other Offset) int
	// Bytes returns the binary encoding understood by the decoder registered for Kind.
	Bytes() []byte
	String() string
}

// OffsetDecoder rebuilds an offset from the output of Offset.Bytes.
type OffsetDecoder func(data []byte) (Offset, error)

var (
	decodersMu sync.RWMutex
	decoders   = make(map[string]OffsetDecoder)
)

// RegisterOffsetKind makes an offset kind restorable. It panics if the kind is registered twice.
func RegisterOffsetKind(kind string, decoder OffsetDecoder) {
	decodersMu.Lock()
	defer decodersMu.Unlock()

	if decoder == nil {
		panic("split: nil offset decoder for kind " + kind)
	}
	if _, dup := decoders[kind]; dup {
		panic("split: offset kind registered twice: " + kind)
	}
	decoders[kind] = decoder
}

// DecodeOffset restores an offset of the given kind.
func DecodeOffset(kind string, data []byte) (Offset, error) {
	decodersMu.RLock()
	decoder, ok := decoders[kind]
	decodersMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: unknown offset kind %q", ErrCorruptState, kind)
	}
	offset, err := decoder(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s offset: %v", ErrCorruptState, kind, err)
	}
	return offset, nil
}

// CompareOffsets compares two offsets of the same kind.
func CompareOffsets(a, b Offset) (int, error) {
	if a == nil || b == nil {
		return 0, fmt.Errorf("cannot compare nil offset")
	}
	if a.Kind() != b.Kind() {
		return 0, fmt.Errorf("%w: %s vs %s", ErrIncomparableOffset, a.Kind(), b.Kind())
	}
	return a.Compare(b), nil
}

// OffsetsEqual reports exact equality. Two nil offsets are equal.
func OffsetsEqual(a, b Offset) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Kind() == b.Kind() && a.Compare(b) == 0
}

// MinOffset returns the smallest non-nil offset, or nil when none is given.
func MinOffset(offsets ...Offset) (Offset, error) {
	var lowest Offset
	for _, o := range offsets {
		if o == nil {
			continue
		}
		if lowest == nil {
			lowest = o
			continue
		}
		c, err := CompareOffsets(o, lowest)
		if err != nil {
			return nil, err
		}
		if c < 0 {
			lowest = o
		}
	}
	return lowest, nil
}

// MaxOffset returns the largest non-nil offset, or nil when none is given.
func MaxOffset(offsets ...Offset) (Offset, error) {
	var highest Offset
	for _, o := range offsets {
		if o == nil {
			continue
		}
		if highest == nil {
			highest = o
			continue
		}
		c, err := CompareOffsets(o, highest)
		if err != nil {
			return nil, err
		}
		if c > 0 {
			highest = o
		}
	}
	return highest, nil
}

// SequenceKind is the kind of SequenceOffset.
const SequenceKind = "sequence"

// SequenceOffset is a monotonically increasing log sequence number.
type SequenceOffset uint64

func (s SequenceOffset) Kind() string { return SequenceKind }

func (s SequenceOffset) Compare(other Offset) int {
	o, ok := other.(SequenceOffset)
	if !ok {
		return compareKinds(s, other)
	}
	switch {
	case s < o:
		return -1
	case s > o:
		return 1
	default:
		return 0
	}
}

func (s SequenceOffset) Bytes() []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(s))
}

func (s SequenceOffset) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

func compareKinds(a, b Offset) int {
	switch {
	case b == nil:
		return 1
	case a.Kind() < b.Kind():
		return -1
	case a.Kind() > b.Kind():
		return 1
	default:
		return 0
	}
}

func init() {
	RegisterOffsetKind(SequenceKind, func(data []byte) (Offset, error) {
		if len(data) != 8 {
			return nil, fmt.Errorf("sequence offset must be 8 bytes, got %d", len(data))
		}
		return SequenceOffset(binary.BigEndian.Uint64(data)), nil
	})
}
