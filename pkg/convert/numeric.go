// Package convert normalises property values so that indexes, filters and
// aggregations agree on what "equal" and "less than" mean.
//
// Every numeric Go type collapses to int64 or float64, times collapse to UTC
// without a monotonic reading, and everything else is kept as is. Index keys
// and scan comparisons both go through Normalize, which is what makes an
// index-assisted filter return the same objects as a linear scan.
//
// Example:
//
//	convert.Equal(int32(7), int64(7))          // true
//	convert.Compare("apple", "banana")         // -1, true
//	f, ok := convert.ToFloat64(uint16(12))     // 12.0, true
package convert

import (
	"strconv"
)

// ToFloat64 converts numeric values and numeric strings to float64.
// Returns (0, false) for anything else.
func ToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		// ParseFloat also accepts scientific notation, NaN and Inf
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// ToInt64 converts numeric values and integer strings to int64.
// Floats are truncated toward zero.
func ToInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case uint:
		return int64(val), true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		return int64(val), true
	case float64:
		return int64(val), true
	case float32:
		return int64(val), true
	case string:
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

// IsNumeric reports whether v is a Go integer or floating point value.
func IsNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}
