// Key and metadata values.
//
// A tree stores five kinds of value: undefined (nil), bool, number (float64),
// string and time.Time. Integers of any width are widened to float64 on the
// way in so that 30 and 30.0 are the same key. The total order across kinds
// is bool < number < string < time < undefined; within a kind the natural
// order applies.
//
// On disk every value starts with a one byte tag. Variable length payloads
// carry a uvarint length so a reader can skip values it does not need.
package tree

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Value tags.
const (
	tagUndefined = 0
	tagFalse     = 1
	tagTrue      = 2
	tagNumber    = 3
	tagString    = 4
	tagTime      = 5
)

// Kind ranks used by Compare.
const (
	rankBool = iota
	rankNumber
	rankString
	rankTime
	rankUndefined
	rankInvalid
)

// Normalize converts v into one of the storable kinds. The second return is
// false when v has no storable form (maps, slices, structs).
func Normalize(v any) (any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, true
	case bool, string:
		return x, true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case time.Time:
		return x, true
	case *time.Time:
		if x == nil {
			return nil, true
		}
		return *x, true
	}
	return nil, false
}

func rank(v any) int {
	switch v.(type) {
	case bool:
		return rankBool
	case float64:
		return rankNumber
	case string:
		return rankString
	case time.Time:
		return rankTime
	case nil:
		return rankUndefined
	}
	return rankInvalid
}

// SameKind reports whether a and b belong to the same kind. Range operators
// only match keys of the parameter's kind.
func SameKind(a, b any) bool {
	return rank(a) == rank(b)
}

// Compare orders two normalized values. See the package comment for the
// cross-kind order.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
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
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case string:
		return strings.Compare(x, b.(string))
	case time.Time:
		return x.Compare(b.(time.Time))
	}
	return 0
}

// Equal reports whether two normalized values are the same key.
func Equal(a, b any) bool {
	return rank(a) == rank(b) && Compare(a, b) == 0
}

// AppendValue appends the tagged encoding of v to dst. v must already be
// normalized.
func AppendValue(dst []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(dst, tagUndefined), nil
	case bool:
		if x {
			return append(dst, tagTrue), nil
		}
		return append(dst, tagFalse), nil
	case float64:
		dst = append(dst, tagNumber)
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(x)), nil
	case string:
		dst = append(dst, tagString)
		dst = binary.AppendUvarint(dst, uint64(len(x)))
		return append(dst, x...), nil
	case time.Time:
		dst = append(dst, tagTime)
		return binary.BigEndian.AppendUint64(dst, uint64(x.UnixNano())), nil
	}
	return dst, fmt.Errorf("tree: unsupported value type %T", v)
}

// ReadValue decodes one tagged value from b and returns it with the number
// of bytes consumed.
func ReadValue(b []byte) (any, int, error) {
	if len(b) == 0 {
		return nil, 0, ErrCorruptLeaf
	}
	switch b[0] {
	case tagUndefined:
		return nil, 1, nil
	case tagFalse:
		return false, 1, nil
	case tagTrue:
		return true, 1, nil
	case tagNumber:
		if len(b) < 9 {
			return nil, 0, ErrCorruptLeaf
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b[1:9])), 9, nil
	case tagString:
		n, k := binary.Uvarint(b[1:])
		if k <= 0 || uint64(len(b)-1-k) < n {
			return nil, 0, ErrCorruptLeaf
		}
		start := 1 + k
		return string(b[start : start+int(n)]), start + int(n), nil
	case tagTime:
		if len(b) < 9 {
			return nil, 0, ErrCorruptLeaf
		}
		return time.Unix(0, int64(binary.BigEndian.Uint64(b[1:9]))).UTC(), 9, nil
	}
	return nil, 0, fmt.Errorf("%w: value tag %d", ErrCorruptLeaf, b[0])
}

// KeyString returns a map key that identifies v exactly. Used to group
// entries by key without repeated Compare calls.
func KeyString(v any) string {
	b, _ := AppendValue(nil, v)
	return string(b)
}
