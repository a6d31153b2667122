package core

import (
	"encoding/json"
	"math"
)

type numberKind uint8

const (
	kindInt numberKind = iota + 1
	kindUint
	kindFloat
)

// number is a normalised numeric value. Whole numbers are stored as int64
// when they fit, then uint64, so 3, uint8(3) and 3.0 all compare equal.
type number struct {
	kind numberKind
	i    int64
	u    uint64
	f    float64
}

// valuesEqual reports exact scalar equality. Strings, bools and nil only match
// their own type, numbers match across Go numeric types, and composite values
// never match anything.
func valuesEqual(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}

	if leftNumber, ok := asNumber(left); ok {
		rightNumber, ok := asNumber(right)
		return ok && leftNumber == rightNumber
	}

	switch l := left.(type) {
	case string:
		r, ok := right.(string)
		return ok && l == r
	case bool:
		r, ok := right.(bool)
		return ok && l == r
	default:
		return false
	}
}

func containsValue(values []any, value any) bool {
	for _, candidate := range values {
		if valuesEqual(value, candidate) {
			return true
		}
	}
	return false
}

func asNumber(value any) (number, bool) {
	if i, ok := asInt64(value); ok {
		return number{kind: kindInt, i: i}, true
	}
	if u, ok := asUint64(value); ok {
		return fromUint(u), true
	}

	switch n := value.(type) {
	case float32:
		return fromFloat(float64(n)), true
	case float64:
		return fromFloat(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return number{kind: kindInt, i: i}, true
		}
		f, err := n.Float64()
		if err != nil {
			return number{}, false
		}
		return fromFloat(f), true
	default:
		return number{}, false
	}
}

func fromUint(u uint64) number {
	if u <= math.MaxInt64 {
		return number{kind: kindInt, i: int64(u)}
	}
	return number{kind: kindUint, u: u}
}

func fromFloat(f float64) number {
	if !math.IsInf(f, 0) && math.Trunc(f) == f {
		switch {
		case f >= math.MinInt64 && f < math.MaxInt64:
			return number{kind: kindInt, i: int64(f)}
		case f >= 0 && f < math.MaxUint64:
			return number{kind: kindUint, u: uint64(f)}
		}
	}
	return number{kind: kindFloat, f: f}
}

func asInt64(value any) (int64, bool) {
	switch n := value.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch n := value.(type) {
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	default:
		return 0, false
	}
}
