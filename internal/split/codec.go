package split

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrCorruptState means persisted split state could not be decoded. Restore must not continue.
	ErrCorruptState = errors.New("corrupt split state")
	// ErrUnsupportedVersion means the state was written by a newer format version.
	ErrUnsupportedVersion = errors.New("unsupported split state version")
)

const (
	formatMagic   byte = 0xC5
	formatVersion byte = 2

	kindSnapshot byte = 1
	kindStream   byte = 2
)

// Serializer converts splits to and from their persisted binary form:
// a magic byte, the format version, the split kind and a protobuf wire-format body.
type Serializer struct{}

func (Serializer) Version() int { return int(formatVersion) }

// Serialize returns the cached encoding of the split. The returned slice must not be modified.
func (Serializer) Serialize(s Split) ([]byte, error) {
	switch v := s.(type) {
	case *SnapshotSplit:
		return v.encode(), nil
	case *StreamSplit:
		return v.encode(), nil
	default:
		return nil, fmt.Errorf("unknown split type %T", s)
	}
}

func (Serializer) Deserialize(data []byte) (Split, error) {
	if len(data) < 3 || data[0] != formatMagic {
		return nil, fmt.Errorf("%w: missing header", ErrCorruptState)
	}
	switch version := data[1]; {
	case version == 0:
		return nil, fmt.Errorf("%w: invalid version 0", ErrCorruptState)
	case version > formatVersion:
		return nil, fmt.Errorf("%w: %d (supported up to %d)", ErrUnsupportedVersion, version, formatVersion)
	}

	body := data[3:]
	switch data[2] {
	case kindSnapshot:
		return decodeSnapshotSplit(body)
	case kindStream:
		return decodeStreamSplit(body)
	default:
		return nil, fmt.Errorf("%w: unknown split kind %d", ErrCorruptState, data[2])
	}
}

func encodeSplit(kind byte, body []byte) []byte {
	out := make([]byte, 0, len(body)+3)
	out = append(out, formatMagic, formatVersion, kind)
	return append(out, body...)
}

func hashEncoding(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// field numbers
const (
	fTableCatalog = 1
	fTableSchema  = 2
	fTableName    = 3

	fOffsetKind = 1
	fOffsetData = 2

	fValueInt    = 1
	fValueUint   = 2
	fValueFloat  = 3
	fValueString = 4
	fValueBytes  = 5
	fValueBool   = 6
	// fValueTime is the version 1 encoding, Unix nanoseconds. It is still decoded.
	fValueTime      = 7
	fValueTimestamp = 8

	fTimestampSeconds = 1
	fTimestampNanos   = 2

	fKeyValue = 1

	fColumnName     = 1
	fColumnType     = 2
	fColumnNullable = 3

	fSchemaTable      = 1
	fSchemaColumn     = 2
	fSchemaPrimaryKey = 3
	fSchemaCapturedAt = 4

	fSnapID        = 1
	fSnapTable     = 2
	fSnapKeyColumn = 3
	fSnapStart     = 4
	fSnapEnd       = 5
	fSnapSchema    = 6
	fSnapLow       = 7
	fSnapHigh      = 8

	fInfoID     = 1
	fInfoTable  = 2
	fInfoStart  = 3
	fInfoEnd    = 4
	fInfoLow    = 5
	fInfoHigh   = 6
	fInfoSchema = 7

	fStreamID      = 1
	fStreamStart   = 2
	fStreamEnd     = 3
	fStreamInfo    = 4
	fStreamSchema  = 5
	fStreamTotal   = 6
	fStreamSuspend = 7

	fEntryTable  = 1
	fEntrySchema = 2
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	return appendBytes(b, num, msg)
}

func appendTable(b []byte, t TableID) []byte {
	b = appendString(b, fTableCatalog, t.Catalog)
	b = appendString(b, fTableSchema, t.Schema)
	return appendString(b, fTableName, t.Table)
}

func appendOffset(b []byte, num protowire.Number, o Offset) []byte {
	if o == nil {
		return b
	}
	return appendMessage(b, num, appendOffsetBody(nil, o))
}

func appendOffsetBody(msg []byte, o Offset) []byte {
	msg = appendString(msg, fOffsetKind, o.Kind())
	return appendBytes(msg, fOffsetData, o.Bytes())
}

func appendKey(b []byte, num protowire.Number, k Key) []byte {
	if len(k) == 0 {
		return b
	}
	var msg []byte
	for _, v := range k {
		msg = appendMessage(msg, fKeyValue, appendValue(nil, v))
	}
	return appendMessage(b, num, msg)
}

func appendValue(b []byte, v any) []byte {
	switch t := v.(type) {
	case nil:
		return b
	case int64:
		return appendVarint(b, fValueInt, protowire.EncodeZigZag(t))
	case uint64:
		return appendVarint(b, fValueUint, t)
	case float64:
		b = protowire.AppendTag(b, fValueFloat, protowire.Fixed64Type)
		return protowire.AppendFixed64(b, math.Float64bits(t))
	case string:
		return appendString(b, fValueString, t)
	case []byte:
		return appendBytes(b, fValueBytes, t)
	case bool:
		return appendVarint(b, fValueBool, protowire.EncodeBool(t))
	case time.Time:
		var ts []byte
		ts = appendVarint(ts, fTimestampSeconds, protowire.EncodeZigZag(t.Unix()))
		ts = appendVarint(ts, fTimestampNanos, uint64(t.Nanosecond()))
		return appendMessage(b, fValueTimestamp, ts)
	default:
		// keys are normalized on construction; anything else is encoded by its text form
		return appendString(b, fValueString, fmt.Sprint(t))
	}
}

func appendSchema(b []byte, num protowire.Number, s *SchemaSnapshot) []byte {
	if s == nil {
		return b
	}
	return appendMessage(b, num, appendSchemaBody(nil, s))
}

func appendSchemaBody(msg []byte, s *SchemaSnapshot) []byte {
	msg = appendMessage(msg, fSchemaTable, appendTable(nil, s.table))
	for _, c := range s.columns {
		var col []byte
		col = appendString(col, fColumnName, c.Name)
		col = appendString(col, fColumnType, c.Type)
		col = appendVarint(col, fColumnNullable, protowire.EncodeBool(c.Nullable))
		msg = appendMessage(msg, fSchemaColumn, col)
	}
	for _, pk := range s.primaryKey {
		msg = appendString(msg, fSchemaPrimaryKey, pk)
	}
	return appendOffset(msg, fSchemaCapturedAt, s.capturedAt)
}

func appendSnapshotSplit(b []byte, s *SnapshotSplit) []byte {
	b = appendString(b, fSnapID, s.id)
	b = appendMessage(b, fSnapTable, appendTable(nil, s.table))
	for _, c := range s.keyColumns {
		b = appendString(b, fSnapKeyColumn, c)
	}
	b = appendKey(b, fSnapStart, s.start)
	b = appendKey(b, fSnapEnd, s.end)
	b = appendSchema(b, fSnapSchema, s.schema)
	b = appendOffset(b, fSnapLow, s.lowWatermark)
	return appendOffset(b, fSnapHigh, s.highWatermark)
}

func appendFinishedInfo(b []byte, f *FinishedSnapshotSplitInfo) []byte {
	b = appendString(b, fInfoID, f.splitID)
	b = appendMessage(b, fInfoTable, appendTable(nil, f.table))
	b = appendKey(b, fInfoStart, f.start)
	b = appendKey(b, fInfoEnd, f.end)
	b = appendOffset(b, fInfoLow, f.lowWatermark)
	b = appendOffset(b, fInfoHigh, f.highWatermark)
	return appendSchema(b, fInfoSchema, f.schema)
}

func appendStreamSplit(b []byte, s *StreamSplit) []byte {
	b = appendString(b, fStreamID, s.id)
	b = appendOffset(b, fStreamStart, s.startingOffset)
	b = appendOffset(b, fStreamEnd, s.endingOffset)
	for _, info := range s.finishedSplitInfos {
		b = appendMessage(b, fStreamInfo, appendFinishedInfo(nil, info))
	}

	// map order is random; sort for a canonical encoding
	tables := make([]TableID, 0, len(s.tableSchemas))
	for t := range s.tableSchemas {
		tables = append(tables, t)
	}
	slices.SortFunc(tables, TableID.Compare)
	for _, t := range tables {
		var entry []byte
		entry = appendMessage(entry, fEntryTable, appendTable(nil, t))
		entry = appendSchema(entry, fEntrySchema, s.tableSchemas[t])
		b = appendMessage(b, fStreamSchema, entry)
	}

	b = appendVarint(b, fStreamTotal, uint64(s.totalFinishedSplitSize))
	return appendVarint(b, fStreamSuspend, protowire.EncodeBool(s.suspended))
}

// decoding

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	fixed  uint64
	bytes  []byte
}

// walk calls fn for every field in msg, failing with ErrCorruptState on malformed input.
func walk(msg []byte, fn func(f field) error) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorruptState, protowire.ParseError(n))
		}
		msg = msg[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(msg)
		case protowire.Fixed64Type:
			f.fixed, n = protowire.ConsumeFixed64(msg)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(msg)
		default:
			n = protowire.ConsumeFieldValue(num, typ, msg)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrCorruptState, num, protowire.ParseError(n))
		}
		msg = msg[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func expect(f field, typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("%w: field %d has wire type %d, want %d", ErrCorruptState, f.num, f.typ, typ)
	}
	return nil
}

func decodeTable(msg []byte) (TableID, error) {
	var t TableID
	err := walk(msg, func(f field) error {
		if err := expect(f, protowire.BytesType); err != nil {
			return err
		}
		switch f.num {
		case fTableCatalog:
			t.Catalog = string(f.bytes)
		case fTableSchema:
			t.Schema = string(f.bytes)
		case fTableName:
			t.Table = string(f.bytes)
		}
		return nil
	})
	return t, err
}

func decodeOffset(msg []byte) (Offset, error) {
	var (
		kind    string
		data    []byte
		hasKind bool
	)
	err := walk(msg, func(f field) error {
		if err := expect(f, protowire.BytesType); err != nil {
			return err
		}
		switch f.num {
		case fOffsetKind:
			kind, hasKind = string(f.bytes), true
		case fOffsetData:
			data = f.bytes
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !hasKind {
		return nil, fmt.Errorf("%w: offset without kind", ErrCorruptState)
	}
	return DecodeOffset(kind, data)
}

func decodeValue(msg []byte) (any, error) {
	var v any
	err := walk(msg, func(f field) error {
		switch f.num {
		case fValueInt:
			v = protowire.DecodeZigZag(f.varint)
		case fValueUint:
			v = f.varint
		case fValueFloat:
			v = math.Float64frombits(f.fixed)
		case fValueString:
			v = string(f.bytes)
		case fValueBytes:
			v = append([]byte{}, f.bytes...)
		case fValueBool:
			v = protowire.DecodeBool(f.varint)
		case fValueTime:
			v = time.Unix(0, protowire.DecodeZigZag(f.varint)).UTC()
		case fValueTimestamp:
			ts, err := decodeTimestamp(f.bytes)
			if err != nil {
				return err
			}
			v = ts
		default:
			return fmt.Errorf("%w: unknown key value field %d", ErrCorruptState, f.num)
		}
		return nil
	})
	return v, err
}

func decodeTimestamp(msg []byte) (time.Time, error) {
	var secs int64
	var nanos uint64
	err := walk(msg, func(f field) error {
		if err := expect(f, protowire.VarintType); err != nil {
			return err
		}
		switch f.num {
		case fTimestampSeconds:
			secs = protowire.DecodeZigZag(f.varint)
		case fTimestampNanos:
			nanos = f.varint
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	if nanos >= uint64(time.Second) {
		return time.Time{}, fmt.Errorf("%w: timestamp nanos %d out of range", ErrCorruptState, nanos)
	}
	return time.Unix(secs, int64(nanos)).UTC(), nil
}

func decodeKey(msg []byte) (Key, error) {
	key := Key{}
	err := walk(msg, func(f field) error {
		if f.num != fKeyValue {
			return nil
		}
		if err := expect(f, protowire.BytesType); err != nil {
			return err
		}
		v, err := decodeValue(f.bytes)
		if err != nil {
			return err
		}
		key = append(key, v)
		return nil
	})
	return key, err
}

func decodeSchema(msg []byte) (*SchemaSnapshot, error) {
	s := &SchemaSnapshot{}
	err := walk(msg, func(f field) error {
		var err error
		switch f.num {
		case fSchemaTable:
			s.table, err = decodeTable(f.bytes)
		case fSchemaColumn:
			var c Column
			err = walk(f.bytes, func(cf field) error {
				switch cf.num {
				case fColumnName:
					c.Name = string(cf.bytes)
				case fColumnType:
					c.Type = string(cf.bytes)
				case fColumnNullable:
					c.Nullable = protowire.DecodeBool(cf.varint)
				}
				return nil
			})
			s.columns = append(s.columns, c)
		case fSchemaPrimaryKey:
			s.primaryKey = append(s.primaryKey, string(f.bytes))
		case fSchemaCapturedAt:
			s.capturedAt, err = decodeOffset(f.bytes)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func decodeSnapshotSplit(body []byte) (*SnapshotSplit, error) {
	s := &SnapshotSplit{}
	err := walk(body, func(f field) error {
		var err error
		switch f.num {
		case fSnapID:
			s.id = string(f.bytes)
		case fSnapTable:
			s.table, err = decodeTable(f.bytes)
		case fSnapKeyColumn:
			s.keyColumns = append(s.keyColumns, string(f.bytes))
		case fSnapStart:
			s.start, err = decodeKey(f.bytes)
		case fSnapEnd:
			s.end, err = decodeKey(f.bytes)
		case fSnapSchema:
			s.schema, err = decodeSchema(f.bytes)
		case fSnapLow:
			s.lowWatermark, err = decodeOffset(f.bytes)
		case fSnapHigh:
			s.highWatermark, err = decodeOffset(f.bytes)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.id == "" {
		return nil, fmt.Errorf("%w: snapshot split without id", ErrCorruptState)
	}
	return s, nil
}

func decodeFinishedInfo(msg []byte) (*FinishedSnapshotSplitInfo, error) {
	info := &FinishedSnapshotSplitInfo{}
	err := walk(msg, func(f field) error {
		var err error
		switch f.num {
		case fInfoID:
			info.splitID = string(f.bytes)
		case fInfoTable:
			info.table, err = decodeTable(f.bytes)
		case fInfoStart:
			info.start, err = decodeKey(f.bytes)
		case fInfoEnd:
			info.end, err = decodeKey(f.bytes)
		case fInfoLow:
			info.lowWatermark, err = decodeOffset(f.bytes)
		case fInfoHigh:
			info.highWatermark, err = decodeOffset(f.bytes)
		case fInfoSchema:
			info.schema, err = decodeSchema(f.bytes)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func decodeStreamSplit(body []byte) (*StreamSplit, error) {
	var (
		id        string
		start     Offset
		end       Offset
		infos     []*FinishedSnapshotSplitInfo
		schemas   = map[TableID]*SchemaSnapshot{}
		total     uint64
		suspended bool
	)
	err := walk(body, func(f field) error {
		var err error
		switch f.num {
		case fStreamID:
			id = string(f.bytes)
		case fStreamStart:
			start, err = decodeOffset(f.bytes)
		case fStreamEnd:
			end, err = decodeOffset(f.bytes)
		case fStreamInfo:
			var info *FinishedSnapshotSplitInfo
			if info, err = decodeFinishedInfo(f.bytes); err == nil {
				infos = append(infos, info)
			}
		case fStreamSchema:
			var (
				table  TableID
				schema *SchemaSnapshot
			)
			err = walk(f.bytes, func(ef field) error {
				var err error
				switch ef.num {
				case fEntryTable:
					table, err = decodeTable(ef.bytes)
				case fEntrySchema:
					schema, err = decodeSchema(ef.bytes)
				}
				return err
			})
			schemas[table] = schema
		case fStreamTotal:
			if err = expect(f, protowire.VarintType); err == nil {
				total = f.varint
			}
		case fStreamSuspend:
			if err = expect(f, protowire.VarintType); err == nil {
				suspended = protowire.DecodeBool(f.varint)
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if total > math.MaxInt32 {
		return nil, fmt.Errorf("%w: total finished split size %d out of range", ErrCorruptState, total)
	}

	s, err := NewStreamSplit(id, start, end, infos, schemas, int(total), suspended)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return s, nil
}
