package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepflow/pkg/schema"
)

const graphSchemaURL = "https://stepflow.dev/schemas/graph.json"

// graphSchemaJSON describes the wire format of a graph document. Handler
// configs are open objects; only the engine-owned options are typed here.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepflow.dev/schemas/graph.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "name": { "type": "string" },
    "entry": { "type": "string", "minLength": 1 },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "intOrExpr": {
      "oneOf": [
        { "type": "integer", "minimum": 0 },
        { "type": "string", "minLength": 1 }
      ]
    },
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "config": { "$ref": "#/$defs/config" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "sourceHandle": { "type": "string" }
      },
      "additionalProperties": false
    },
    "config": {
      "type": ["object", "null"],
      "properties": {
        "timeout": { "$ref": "#/$defs/intOrExpr" },
        "failSilently": { "type": "boolean" },
        "waitAfterOperation": { "type": "boolean" },
        "retry": { "$ref": "#/$defs/retry" },
        "wait": { "$ref": "#/$defs/wait" }
      }
    },
    "retry": {
      "type": "object",
      "properties": {
        "enabled": { "type": "boolean" },
        "strategy": { "type": "string" },
        "count": { "$ref": "#/$defs/intOrExpr" },
        "condition": { "type": "object" },
        "delay": { "$ref": "#/$defs/intOrExpr" },
        "delayStrategy": { "type": "string" },
        "maxDelay": { "$ref": "#/$defs/intOrExpr" },
        "failSilently": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "wait": {
      "type": "object",
      "properties": {
        "selector": { "type": "string" },
        "selectorKind": { "enum": ["css", "xpath", "text", "role", "testid"] },
        "selectorState": { "enum": ["visible", "hidden", "attached", "detached"] },
        "selectorTimeout": { "$ref": "#/$defs/intOrExpr" },
        "url": { "type": "string" },
        "urlTimeout": { "$ref": "#/$defs/intOrExpr" },
        "expression": { "type": "string" },
        "expressionTimeout": { "$ref": "#/$defs/intOrExpr" },
        "strategy": { "enum": ["parallel", "sequential"] },
        "timing": { "enum": ["before", "after"] },
        "failSilently": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks graph documents against the graph schema and
// variables against caller-supplied schemas. It is safe for concurrent use.
type JSONSchemaValidator struct {
	graphSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the graph schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource(graphSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}
	compiled, err := c.Compile(graphSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}
	return &JSONSchemaValidator{
		graphSchema: compiled,
		cache:       make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument validates a JSON graph document.
func (v *JSONSchemaValidator) ValidateDocument(doc []byte) error {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(doc)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConfig, "graph document is not valid JSON: %s", err.Error()).WithCause(err)
	}
	if err := v.graphSchema.Validate(inst); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateGraph validates an already decoded graph.
func (v *JSONSchemaValidator) ValidateGraph(g *schema.Graph) error {
	if g == nil {
		return schema.NewError(schema.ErrCodeConfig, "graph is nil")
	}
	b, err := json.Marshal(g)
	if err != nil {
		return schema.NewError(schema.ErrCodeConfig, "failed to serialize graph").WithCause(err)
	}
	return v.ValidateDocument(b)
}

// ValidateInput validates input against a JSON Schema given as raw bytes.
// Compiled schemas are cached by their text.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}
	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeConfig, "invalid input schema").WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeConfig, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("stepflow://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number,
// which the schema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError flattens a schema validation error into a CONFIG_ERROR whose
// details list every leaf violation with its instance location.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeConfig, err.Error())
	}
	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeConfig, verr.Error())
	}
	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeConfig, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
