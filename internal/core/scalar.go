package core

import (
	"math"
	"strconv"
	"time"
)

// FormatScalar renders a context property value as a query parameter value.
// Non-scalar values (maps, slices, structs) are rejected.
func FormatScalar(value any) (string, bool) {
	if value == nil {
		return "", false
	}
	if s, ok := value.(string); ok {
		return s, true
	}
	if b, ok := value.(bool); ok {
		return strconv.FormatBool(b), true
	}
	if t, ok := value.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano), true
	}
	if i, ok := asInt64(value); ok {
		return strconv.FormatInt(i, 10), true
	}
	if u, ok := asUint64(value); ok {
		return strconv.FormatUint(u, 10), true
	}
	if f, ok := asFloat64(value); ok {
		if !isFinite(f) {
			return "", false
		}
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

// IsScalar reports whether value can be carried as a context property.
func IsScalar(value any) bool {
	_, ok := FormatScalar(value)
	return ok
}

// WholeInt converts f to an int when it is a finite whole number that fits.
func WholeInt(f float64) (int, bool) {
	if !isWholeFinite(f) {
		return 0, false
	}
	if f < float64(math.MinInt64) || f >= float64(math.MaxInt64) {
		return 0, false
	}
	converted := int64(f)
	if float64(converted) != f {
		return 0, false
	}
	if int64(int(converted)) != converted {
		return 0, false
	}
	return int(converted), true
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func isFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}

func isWholeFinite(value float64) bool {
	return isFinite(value) && math.Trunc(value) == value
}
