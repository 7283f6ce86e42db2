// Package match holds the value comparison rules shared by conditions and
// verification strategies.
package match

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// Normalize converts Go numeric types to float64 so values decoded from
// JSON compare equal to values produced in Go.
func Normalize(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	default:
		return v
	}
}

// StrictEqual compares two values after numeric normalization only. A
// string never equals a number or boolean.
func StrictEqual(actual, expected any) bool {
	return reflect.DeepEqual(Normalize(actual), Normalize(expected))
}

// Equal compares two values after normalization. A string compared against
// a number or boolean is compared by its text form, so "200" equals 200.
// Verification strategies use it because response and DOM values arrive as
// text; variable conditions use StrictEqual.
func Equal(actual, expected any) bool {
	a, e := Normalize(actual), Normalize(expected)
	if reflect.DeepEqual(a, e) {
		return true
	}
	as, aStr := a.(string)
	es, eStr := e.(string)
	switch {
	case aStr && !eStr && isScalar(e):
		return as == Stringify(e)
	case eStr && !aStr && isScalar(a):
		return es == Stringify(a)
	}
	return false
}

// ToFloat converts numbers and numeric strings to float64.
func ToFloat(v any) (float64, bool) {
	switch val := Normalize(v).(type) {
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}

// Compare applies a comparison operator. Ordering operators need two
// numbers, or two strings compared lexically.
func Compare(actual, expected any, op string) (bool, error) {
	switch op {
	case "", schema.OpEquals:
		return Equal(actual, expected), nil
	case schema.OpNotEquals:
		return !Equal(actual, expected), nil
	case schema.OpGreaterThan, schema.OpLessThan, schema.OpGreaterOrEqual, schema.OpLessOrEqual:
	default:
		return false, schema.NewErrorf(schema.ErrCodeConfig, "unknown operator %q", op)
	}

	af, aok := ToFloat(actual)
	ef, eok := ToFloat(expected)
	if aok && eok {
		return order(compareFloats(af, ef), op), nil
	}
	as, aStr := actual.(string)
	es, eStr := expected.(string)
	if aStr && eStr {
		return order(strings.Compare(as, es), op), nil
	}
	return false, schema.NewErrorf(schema.ErrCodeCondition,
		"operator %s needs comparable values, got %T and %T", op, actual, expected)
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func order(cmp int, op string) bool {
	switch op {
	case schema.OpGreaterThan:
		return cmp > 0
	case schema.OpLessThan:
		return cmp < 0
	case schema.OpGreaterOrEqual:
		return cmp >= 0
	default:
		return cmp <= 0
	}
}

// String matches actual against expected using kind.
func String(actual, expected, kind string, caseSensitive bool) (bool, error) {
	if kind == schema.MatchRegex {
		pattern := expected
		if !caseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeConfig, "invalid regex %q: %s", expected, err.Error())
		}
		return re.MatchString(actual), nil
	}

	if !caseSensitive {
		actual = strings.ToLower(actual)
		expected = strings.ToLower(expected)
	}
	switch kind {
	case "", schema.MatchEquals:
		return actual == expected, nil
	case schema.MatchContains:
		return strings.Contains(actual, expected), nil
	case schema.MatchStartsWith:
		return strings.HasPrefix(actual, expected), nil
	case schema.MatchEndsWith:
		return strings.HasSuffix(actual, expected), nil
	}
	return false, schema.NewErrorf(schema.ErrCodeConfig, "unknown match kind %q", kind)
}

// Truthy follows the usual scripting rules: nil, false, zero, "", "false",
// and empty collections are false.
func Truthy(v any) bool {
	switch val := Normalize(v).(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != "" && val != "false"
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	return true
}

// Stringify renders v for string matching: strings as-is, everything else
// as compact JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func isScalar(v any) bool {
	switch v.(type) {
	case float64, bool:
		return true
	}
	return false
}
