package mysql

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/philippevezina/hybrid-cdc/internal/split"
)

// BinlogOffsetKind is the offset kind of BinlogOffset.
const BinlogOffsetKind = "mysql-binlog"

// BinlogOffset is a position in the MySQL binary log. File and Pos point at the start of
// the transaction the change belongs to, where a reader can restart; Event counts the
// changes emitted since that restart point. A watermark taken from the server has Event 0
// and sorts before every change of the transaction starting there.
type BinlogOffset struct {
	File  string
	Pos   uint32
	Event uint32
}

var _ split.Offset = BinlogOffset{}

func (o BinlogOffset) Kind() string { return BinlogOffsetKind }

func (o BinlogOffset) Compare(other split.Offset) int {
	b, ok := other.(BinlogOffset)
	if !ok {
		if other == nil {
			return 1
		}
		return strings.Compare(o.Kind(), other.Kind())
	}
	if c := compareBinlogFiles(o.File, b.File); c != 0 {
		return c
	}
	if c := cmp.Compare(o.Pos, b.Pos); c != 0 {
		return c
	}
	return cmp.Compare(o.Event, b.Event)
}

func (o BinlogOffset) Bytes() []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendString(b, o.File)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(o.Pos))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(o.Event))
}

func (o BinlogOffset) String() string {
	return fmt.Sprintf("%s:%d#%d", o.File, o.Pos, o.Event)
}

// reached reports whether a reader whose last event ended at pos in file has seen
// every change up to o. Changes of the transaction starting at o.Pos end after it.
func (o BinlogOffset) reached(file string, pos uint32) bool {
	if c := compareBinlogFiles(file, o.File); c != 0 {
		return c > 0
	}
	return pos > o.Pos || (pos == o.Pos && o.Event == 0)
}

// ParseBinlogOffset parses the String form "file:pos#event"; "#event" is optional.
func ParseBinlogOffset(s string) (BinlogOffset, error) {
	rest, eventPart, hasEvent := strings.Cut(s, "#")
	sep := strings.LastIndexByte(rest, ':')
	if sep <= 0 {
		return BinlogOffset{}, fmt.Errorf("invalid binlog offset %q: expected file:pos", s)
	}
	pos, err := strconv.ParseUint(rest[sep+1:], 10, 32)
	if err != nil {
		return BinlogOffset{}, fmt.Errorf("invalid binlog position in %q: %w", s, err)
	}
	o := BinlogOffset{File: rest[:sep], Pos: uint32(pos)}
	if hasEvent {
		event, err := strconv.ParseUint(eventPart, 10, 32)
		if err != nil {
			return BinlogOffset{}, fmt.Errorf("invalid event counter in %q: %w", s, err)
		}
		o.Event = uint32(event)
	}
	return o, nil
}

func decodeBinlogOffset(data []byte) (split.Offset, error) {
	var o BinlogOffset
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			o.File, data = v, data[n:]
		case (num == 2 || num == 3) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if v > uint64(^uint32(0)) {
				return nil, fmt.Errorf("field %d out of range: %d", num, v)
			}
			if num == 2 {
				o.Pos = uint32(v)
			} else {
				o.Event = uint32(v)
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if o.File == "" {
		return nil, fmt.Errorf("binlog offset without file name")
	}
	return o, nil
}

// compareBinlogFiles orders "mysql-bin.000009" before "mysql-bin.000010", comparing the
// numeric extension when the base names match.
func compareBinlogFiles(a, b string) int {
	if a == b {
		return 0
	}
	baseA, extA, okA := cutExtension(a)
	baseB, extB, okB := cutExtension(b)
	if okA && okB && baseA == baseB {
		return cmp.Compare(extA, extB)
	}
	return strings.Compare(a, b)
}

func cutExtension(file string) (string, uint64, bool) {
	dot := strings.LastIndexByte(file, '.')
	if dot < 0 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(file[dot+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return file[:dot], n, true
}

func init() {
	split.RegisterOffsetKind(BinlogOffsetKind, decodeBinlogOffset)
}
