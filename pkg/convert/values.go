package convert

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Normalize maps v to the representation used for index keys and equality:
// integers become int64, float32 becomes float64, time.Time becomes UTC
// without a monotonic reading. Other values are returned unchanged.
func Normalize(v any) any {
	switch val := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		i, _ := ToInt64(val)
		return i
	case float32:
		return float64(val)
	case time.Time:
		return val.UTC().Round(0)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC().Round(0)
	}
	return v
}

// ToTime converts a time.Time, an RFC 3339 string, a YYYY-MM-DD string or a
// Unix second count to time.Time.
func ToTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case *time.Time:
		if val != nil {
			return *val, true
		}
	case string:
		if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.DateOnly, val); err == nil {
			return t, true
		}
	case int, int32, int64, uint32, uint64:
		secs, _ := ToInt64(val)
		return time.Unix(secs, 0).UTC(), true
	}
	return time.Time{}, false
}

// Equal reports whether a and b denote the same value after normalisation.
// Integers and floats compare numerically.
func Equal(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if IsNumeric(a) && IsNumeric(b) {
		fa, _ := ToFloat64(a)
		fb, _ := ToFloat64(b)
		return fa == fb
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders a and b. It returns false when the two values are not
// mutually ordered (different kinds, nil, or NaN).
func Compare(a, b any) (int, bool) {
	a, b = Normalize(a), Normalize(b)
	if IsNumeric(a) && IsNumeric(b) {
		if ia, ok := a.(int64); ok {
			if ib, ok := b.(int64); ok {
				return cmpOrdered(ia, ib), true
			}
		}
		fa, _ := ToFloat64(a)
		fb, _ := ToFloat64(b)
		if math.IsNaN(fa) || math.IsNaN(fb) {
			return 0, false
		}
		return cmpOrdered(fa, fb), true
	}
	switch va := a.(type) {
	case string:
		if vb, ok := b.(string); ok {
			return strings.Compare(va, vb), true
		}
	case bool:
		if vb, ok := b.(bool); ok {
			switch {
			case va == vb:
				return 0, true
			case !va:
				return -1, true
			default:
				return 1, true
			}
		}
	case time.Time:
		if vb, ok := b.(time.Time); ok {
			return va.Compare(vb), true
		}
	}
	return 0, false
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Key encodes v as a self-delimiting string. Two values produce the same key
// exactly when Equal reports true for values of the same kind, which makes
// keys safe to concatenate into tuple keys.
func Key(v any) string {
	switch val := Normalize(v).(type) {
	case nil:
		return "n;"
	case string:
		return "s" + strconv.Itoa(len(val)) + ":" + val + ";"
	case int64:
		return "i" + strconv.FormatInt(val, 10) + ";"
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return "i" + strconv.FormatInt(int64(val), 10) + ";"
		}
		return "f" + strconv.FormatFloat(val, 'g', -1, 64) + ";"
	case bool:
		if val {
			return "b1;"
		}
		return "b0;"
	case time.Time:
		return "t" + strconv.FormatInt(val.UnixNano(), 10) + ";"
	default:
		s := fmt.Sprintf("%T:%v", val, val)
		return "x" + strconv.Itoa(len(s)) + ":" + s + ";"
	}
}

// TupleKey concatenates the keys of values.
func TupleKey(values ...any) string {
	var b strings.Builder
	for _, v := range values {
		b.WriteString(Key(v))
	}
	return b.String()
}
