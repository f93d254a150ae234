package types

import (
	"fmt"
	"strconv"
)

// =============================================================================
// PARAM EXTRACTION UTILITIES
// =============================================================================
//
// Step params and results are map[string]any and routinely cross a JSON
// round-trip, which rewrites every number as float64. These helpers replace
// bare type assertions that panic on type mismatch.

// AsString renders a param value as a string. Numbers use %g, nil is "".
func AsString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

// AsFloat extracts a float64 from a param value.
// Returns (0, false) when the type is incompatible.
func AsFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// AsInt extracts an int from a param value, truncating floats.
func AsInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	case float32:
		return int(x), true
	default:
		return 0, false
	}
}

// AsBool extracts a bool from a param value.
func AsBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		if x == "true" {
			return true, true
		}
		if x == "false" {
			return false, true
		}
		return false, false
	default:
		return false, false
	}
}

// AsStringSlice converts a param value to []string. JSON arrays decode as
// []any, so each element goes through AsString.
func AsStringSlice(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, AsString(e))
		}
		return out
	default:
		return nil
	}
}

// ParamString reads params[key] as a string, with a default for missing keys.
func ParamString(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	return AsString(v)
}

// ParamFloat reads params[key] as a float64, with a default for missing or
// incompatible values.
func ParamFloat(params map[string]any, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	f, ok := AsFloat(v)
	if !ok {
		return def
	}
	return f
}

// ParamInt reads params[key] as an int, with a default for missing or
// incompatible values.
func ParamInt(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	n, ok := AsInt(v)
	if !ok {
		return def
	}
	return n
}

// ParamBool reads params[key] as a bool, with a default for missing or
// incompatible values.
func ParamBool(params map[string]any, key string, def bool) bool {
	v, ok := params[key]
	if !ok {
		return def
	}
	b, ok := AsBool(v)
	if !ok {
		return def
	}
	return b
}
