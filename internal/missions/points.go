package missions

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// CoercePoints truncates toward zero and clamps negative or non-finite input to zero.
func CoercePoints(value float64) int64 {
	if math.IsNaN(value) || math.IsInf(value, 0) || value <= 0 {
		return 0
	}
	if value >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(math.Trunc(value))
}

// ParsePoints coerces loosely typed input (JSON numbers, numeric strings) into points.
func ParsePoints(raw any) int64 {
	switch typed := raw.(type) {
	case nil:
		return 0
	case int:
		return CoercePoints(float64(typed))
	case int64:
		if typed < 0 {
			return 0
		}
		return typed
	case float64:
		return CoercePoints(typed)
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0
		}
		return CoercePoints(parsed)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0
		}
		return CoercePoints(parsed)
	default:
		return 0
	}
}

// FirstPositive returns the first strictly positive value, else zero.
func FirstPositive(values ...int64) int64 {
	for _, value := range values {
		if value > 0 {
			return value
		}
	}
	return 0
}
