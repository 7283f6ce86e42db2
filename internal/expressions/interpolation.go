package expressions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/stepflow/internal/match"
	"github.com/rendis/stepflow/pkg/schema"
)

// namespaces that ${{...}} references may start with.
var namespaces = []string{"data", "variables"}

// Interpolator resolves ${{namespace.path}} references against run state.
// Paths are dot-delimited and may index into arrays: ${{data.api.body.items[0].id}}.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// String replaces every reference in s with the text form of its value.
func (interp *Interpolator) String(s string, src Source) (string, error) {
	if !strings.Contains(s, "${{") {
		return s, nil
	}
	var data, vars map[string]any
	if src != nil {
		data, vars = src.GetAllData(), src.GetAllVariables()
	}
	return interp.replace(s, data, vars)
}

// Value resolves s. When s is exactly one reference the referenced value is
// returned with its type intact; otherwise the interpolated string is returned.
func (interp *Interpolator) Value(s string, src Source) (any, error) {
	ref, whole := wholeReference(s)
	if !whole {
		return interp.String(s, src)
	}
	var data, vars map[string]any
	if src != nil {
		data, vars = src.GetAllData(), src.GetAllVariables()
	}
	return interp.resolveExpr(ref, data, vars)
}

// Resolve walks a decoded JSON value and interpolates every string in it.
func (interp *Interpolator) Resolve(v any, src Source) (any, error) {
	var data, vars map[string]any
	if src != nil {
		data, vars = src.GetAllData(), src.GetAllVariables()
	}
	return interp.walk(v, data, vars)
}

// ResolveJSON interpolates every string inside a raw JSON document and
// re-encodes it. Whole-string references keep the type of their value.
func (interp *Interpolator) ResolveJSON(raw json.RawMessage, src Source) (json.RawMessage, error) {
	if len(raw) == 0 || !HasInterpolation(raw) {
		return raw, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "invalid JSON config: %s", err.Error()).WithCause(err)
	}
	resolved, err := interp.Resolve(doc, src)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "re-encode config: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// Int resolves e to an integer, returning def when e is unset.
func (interp *Interpolator) Int(e schema.Expr, src Source, def int) (int, error) {
	if e.IsZero() {
		return def, nil
	}
	v, err := interp.Value(string(e), src)
	if err != nil {
		return 0, err
	}
	f, ok := match.ToFloat(v)
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeConfig, "expected a number, got %q", match.Stringify(v))
	}
	return int(f), nil
}

// Text resolves e to a string, returning def when e is unset.
func (interp *Interpolator) Text(e schema.Expr, src Source, def string) (string, error) {
	if e.IsZero() {
		return def, nil
	}
	s, err := interp.String(string(e), src)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return s, nil
}

func (interp *Interpolator) walk(v any, data, vars map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if ref, whole := wholeReference(val); whole {
			return interp.resolveExpr(ref, data, vars)
		}
		return interp.replace(val, data, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := interp.walk(item, data, vars)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := interp.walk(item, data, vars)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// replace scans input for ${{...}} tokens and substitutes their text form.
func (interp *Interpolator) replace(input string, data, vars map[string]any) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}
		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		ref := strings.TrimSpace(input[start:end])
		if strings.Contains(ref, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := interp.resolveExpr(ref, data, vars)
		if err != nil {
			return "", err
		}
		result.WriteString(match.Stringify(val))
		i = end + 2
	}
	return result.String(), nil
}

func (interp *Interpolator) resolveExpr(ref string, data, vars map[string]any) (any, error) {
	if ref == "" {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
	}

	namespace, rest, _ := strings.Cut(ref, ".")
	var root map[string]any
	switch namespace {
	case "data":
		root = data
	case "variables", "vars":
		root = vars
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, ref, strings.Join(namespaces, ", ")).
			WithDetails(map[string]any{"expression": ref, "available_namespaces": namespaces})
	}
	if rest == "" {
		return root, nil
	}
	return lookup(root, rest, ref)
}

// lookup resolves path inside root. Top-level keys may themselves contain
// dots (e.g. "login.selectedHandle"), so the longest matching key wins.
func lookup(root map[string]any, path, ref string) (any, error) {
	if v, ok := root[path]; ok {
		return v, nil
	}
	for i := len(path) - 1; i > 0; i-- {
		if path[i] != '.' && path[i] != '[' {
			continue
		}
		if v, ok := root[path[:i]]; ok {
			return traversePath(v, strings.TrimPrefix(path[i:], "."), ref)
		}
	}
	return traversePath(root, path, ref)
}

// traversePath navigates nested maps and slices along a path such as
// "body.items[0].name" or "rows.0.id".
func traversePath(root any, path, ref string) (any, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "%s in ${{%s}}", err.Error(), ref)
	}

	current := root
	for _, seg := range segments {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				available := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in ${{%s}}; available: [%s]", seg, ref, strings.Join(available, ", ")).
					WithDetails(map[string]any{"expression": ref, "available_fields": available})
			}
			current = val
		default:
			next, ok := indexValue(current, seg)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"cannot resolve %q in ${{%s}} (type: %T)", seg, ref, current).
					WithDetails(map[string]any{"expression": ref})
			}
			current = next
		}
	}
	return current, nil
}

// indexValue handles slices and string-keyed maps of any element type.
func indexValue(v any, seg string) (any, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		n, err := strconv.Atoi(seg)
		if err != nil || n < 0 || n >= rv.Len() {
			return nil, false
		}
		return rv.Index(n).Interface(), true
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		val := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	}
	return nil, false
}

// splitPath turns "a.b[0][1].c" into [a b 0 1 c].
func splitPath(path string) ([]string, error) {
	var segments []string
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, fmt.Errorf("empty segment in path %q", path)
		}
		for part != "" {
			open := strings.IndexByte(part, '[')
			if open == -1 {
				segments = append(segments, part)
				break
			}
			if open > 0 {
				segments = append(segments, part[:open])
			}
			closing := strings.IndexByte(part[open:], ']')
			if closing == -1 {
				return nil, fmt.Errorf("unclosed index in path %q", path)
			}
			segments = append(segments, part[open+1:open+closing])
			part = part[open+closing+1:]
		}
	}
	return segments, nil
}

// wholeReference reports whether s is exactly one ${{...}} token.
func wholeReference(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "${{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	inner := t[3 : len(t)-2]
	if strings.Contains(inner, "${{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasInterpolation checks if a JSON blob contains any ${{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}
