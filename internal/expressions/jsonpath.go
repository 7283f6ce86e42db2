package expressions

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rendis/stepflow/pkg/schema"
)

// LookupJSON evaluates a dotted path (with optional [n] indexes) against a
// JSON document. doc may be raw JSON text, bytes, or any JSON-encodable
// value. The boolean is false when the path does not exist.
func LookupJSON(doc any, path string) (any, bool, error) {
	raw, err := documentBytes(doc)
	if err != nil {
		return nil, false, err
	}
	if !gjson.ValidBytes(raw) {
		return nil, false, schema.NewError(schema.ErrCodeOperation, "document is not valid JSON")
	}

	p := ToGJSONPath(path)
	if p == "" {
		return gjson.ParseBytes(raw).Value(), true, nil
	}
	res := gjson.GetBytes(raw, p)
	if !res.Exists() {
		return nil, false, nil
	}
	return res.Value(), true, nil
}

// ToGJSONPath converts "items[0].name" and "$.items[0].name" into gjson's
// "items.0.name".
func ToGJSONPath(path string) string {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "$")
	p = strings.TrimPrefix(p, ".")
	p = strings.ReplaceAll(p, "[", ".")
	p = strings.ReplaceAll(p, "]", "")
	return strings.Trim(p, ".")
}

func documentBytes(doc any) ([]byte, error) {
	switch v := doc.(type) {
	case []byte:
		return v, nil
	case string:
		if gjson.Valid(v) {
			return []byte(v), nil
		}
	case json.RawMessage:
		return v, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperation, "encode document: %s", err.Error()).WithCause(err)
	}
	return b, nil
}

// toDocument converts v into plain JSON values (maps, slices, float64,
// strings, bools, nil).
func toDocument(v any) (any, error) {
	raw, err := documentBytes(v)
	if err != nil {
		return nil, err
	}
	return gjson.ParseBytes(raw).Value(), nil
}
