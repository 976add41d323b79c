package split

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"strings"
	"time"
)

// Key is a primary-key tuple. A nil Key used as a chunk bound means the bound is open.
// Values are normalized by NormalizeKey to int64, uint64, float64, string, []byte, bool,
// time.Time or nil.
type Key []any

func (k Key) String() string {
	if k == nil {
		return "<unbounded>"
	}
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = fmt.Sprint(v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// NormalizeKey converts every element to its canonical type. Unsupported types yield an error.
func NormalizeKey(values ...any) (Key, error) {
	if len(values) == 0 {
		return nil, nil
	}
	key := make(Key, len(values))
	for i, v := range values {
		n, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("key element %d: %w", i, err)
		}
		key[i] = n
	}
	return key, nil
}

// MustKey is NormalizeKey for literals known to be valid.
func MustKey(values ...any) Key {
	k, err := NormalizeKey(values...)
	if err != nil {
		panic(err)
	}
	return k
}

func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return uint64(t), nil
	case uint8:
		return uint64(t), nil
	case uint16:
		return uint64(t), nil
	case uint32:
		return uint64(t), nil
	case uint64:
		return t, nil
	case float32:
		return float64(t), nil
	case float64:
		return t, nil
	case string:
		return t, nil
	case []byte:
		return bytes.Clone(t), nil
	case bool:
		return t, nil
	case time.Time:
		return t.UTC(), nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", v)
	}
}

// KeyComparator orders key tuples. Chunk bounds, containment checks and
// the stream filter all use the same comparator.
type KeyComparator interface {
	Compare(a, b Key) int
}

// KeyComparatorFunc adapts a function to KeyComparator.
type KeyComparatorFunc func(a, b Key) int

func (f KeyComparatorFunc) Compare(a, b Key) int { return f(a, b) }

// DefaultComparator compares element-wise and then by length.
var DefaultComparator KeyComparator = KeyComparatorFunc(compareKeys)

func compareKeys(a, b Key) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}

// type ranks for values that cannot be compared directly
const (
	rankNil = iota
	rankBool
	rankNumber
	rankTime
	rankString
	rankBytes
	rankOther
)

func rank(v any) int {
	switch v.(type) {
	case nil:
		return rankNil
	case bool:
		return rankBool
	case int64, uint64, float64:
		return rankNumber
	case time.Time:
		return rankTime
	case string:
		return rankString
	case []byte:
		return rankBytes
	default:
		return rankOther
	}
}

// CompareValues orders two normalized key elements. Numbers of different
// representations compare by value; nil sorts first.
func CompareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}

	switch x := a.(type) {
	case nil:
		return 0
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case int64, uint64, float64:
		return compareNumbers(a, b)
	case time.Time:
		return x.Compare(b.(time.Time))
	case string:
		return strings.Compare(x, b.(string))
	case []byte:
		return bytes.Compare(x, b.([]byte))
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

func compareNumbers(a, b any) int {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp.Compare(x, y)
		case uint64:
			if x < 0 {
				return -1
			}
			return cmp.Compare(uint64(x), y)
		case float64:
			return cmp.Compare(float64(x), y)
		}
	case uint64:
		switch y := b.(type) {
		case int64:
			return -compareNumbers(y, x)
		case uint64:
			return cmp.Compare(x, y)
		case float64:
			return cmp.Compare(float64(x), y)
		}
	case float64:
		switch y := b.(type) {
		case int64, uint64:
			return -compareNumbers(y, x)
		case float64:
			return cmp.Compare(x, y)
		}
	}
	return 0
}

// InRange reports whether key lies in [start, end). Nil bounds are open.
func InRange(comparator KeyComparator, key, start, end Key) bool {
	if start != nil && comparator.Compare(key, start) < 0 {
		return false
	}
	if end != nil && comparator.Compare(key, end) >= 0 {
		return false
	}
	return true
}

// AsInt64 extracts an integral key element, used by even chunk distribution.
func AsInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	default:
		return 0, false
	}
}

// ID returns a compact binary identity of the key, usable as a map key.
// Two keys have the same ID iff they hold the same normalized values.
func (k Key) ID() string {
	var b []byte
	for _, v := range k {
		b = appendMessage(b, fKeyValue, appendValue(nil, v))
	}
	return string(b)
}
