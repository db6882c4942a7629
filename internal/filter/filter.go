// Package filter matches records against a subscription's filter map.
//
// A filter map is field name -> expected value, where the value is a scalar
// (string, number, bool) or a list of scalars. All entries must match (AND);
// a list entry matches when any member equals the field. Keys naming a field
// the record does not have never match.
package filter

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/austindbirch/harbor_feed/internal/apperr"
)

// Fields is implemented by anything a filter can be evaluated against
type Fields interface {
	Field(name string) (any, bool)
}

// Known lists the field names a filter may reference
var Known = map[string]struct{}{
	"id":          {},
	"scope_id":    {},
	"strategy_id": {},
	"type":        {},
	"symbol":      {},
	"status":      {},
	"source":      {},
}

// Match reports whether rec satisfies every entry of filters. A nil or empty
// map matches everything.
func Match(filters map[string]any, rec Fields) bool {
	for key, expected := range filters {
		actual, ok := rec.Field(key)
		if !ok {
			return false
		}
		if !matchValue(expected, actual) {
			return false
		}
	}
	return true
}

func matchValue(expected, actual any) bool {
	switch v := expected.(type) {
	case []any:
		for _, member := range v {
			if equal(member, actual) {
				return true
			}
		}
		return false
	case []string:
		for _, member := range v {
			if equal(member, actual) {
				return true
			}
		}
		return false
	default:
		return equal(expected, actual)
	}
}

// equal compares two scalars; numbers compare numerically regardless of Go type.
// Integral values compare exactly so ids above 2^53 stay distinct.
func equal(a, b any) bool {
	if ai, ok := toInt(a); ok {
		if bi, ok := toInt(b); ok {
			return ai == bi
		}
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toInt reports v as an int64 when it holds an integral value that fits
func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	}
	return 0, false
}

func floatToInt(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func isScalar(v any) bool {
	if _, ok := toFloat(v); ok {
		return true
	}
	switch v.(type) {
	case string, bool:
		return true
	}
	return false
}

// Validate rejects filter maps that could never be evaluated meaningfully:
// unknown field names, nested objects, or lists containing non-scalars.
func Validate(filters map[string]any) error {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, ok := Known[key]; !ok {
			return apperr.Invalid("unknown filter field %q", key)
		}
		if err := validateValue(filters[key]); err != nil {
			return apperr.Invalid("filter %q: %v", key, err)
		}
	}
	return nil
}

func validateValue(v any) error {
	switch vv := v.(type) {
	case []any:
		for i, member := range vv {
			if !isScalar(member) {
				return fmt.Errorf("list member %d is not a scalar", i)
			}
		}
		return nil
	case []string:
		return nil
	default:
		if !isScalar(v) {
			return fmt.Errorf("value must be a scalar or a list of scalars")
		}
		return nil
	}
}
