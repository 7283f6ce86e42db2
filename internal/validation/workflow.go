package validation

import (
	"encoding/json"

	"github.com/rendis/stepflow/pkg/schema"
)

// InputSchemaKey is the graph metadata key holding a JSON Schema for the
// run variables.
const InputSchemaKey = "inputSchema"

// GraphValidator runs the three validation stages:
//  1. structural (JSON Schema over the document)
//  2. semantic (types, handler configs, step options, edge handles)
//  3. DAG (cycles, reachability)
//
// Structural errors short-circuit the later stages, and the DAG stage only
// runs on a semantically valid graph.
type GraphValidator struct {
	jsonSchema *JSONSchemaValidator
	lookup     HandlerLookup
}

// NewGraphValidator creates a GraphValidator. lookup may be nil to skip the
// type, handler config and DAG checks.
func NewGraphValidator(lookup HandlerLookup) (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{jsonSchema: jsv, lookup: lookup}, nil
}

// ValidateDocument validates a JSON graph document and returns the decoded
// graph when it parses.
func (v *GraphValidator) ValidateDocument(doc []byte) (*schema.Graph, *schema.ValidationResult) {
	result := structural(v.jsonSchema.ValidateDocument(doc))
	if !result.Valid() {
		return nil, result
	}
	var g schema.Graph
	if err := json.Unmarshal(doc, &g); err != nil {
		result.AddError("/", schema.ErrCodeConfig, err.Error())
		return nil, result
	}
	result.Merge(v.validateDecoded(&g))
	return &g, result
}

// Validate runs every stage over a decoded graph.
func (v *GraphValidator) Validate(g *schema.Graph) *schema.ValidationResult {
	if g == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeConfig, "graph is nil")
		return r
	}
	result := structural(v.jsonSchema.ValidateGraph(g))
	if !result.Valid() {
		return result
	}
	result.Merge(v.validateDecoded(g))
	return result
}

func (v *GraphValidator) validateDecoded(g *schema.Graph) *schema.ValidationResult {
	result := validateSemantic(g, v.lookup)
	if result.Valid() && v.lookup != nil {
		result.Merge(validateDAG(g, v.lookup))
	}
	return result
}

// ValidateVariables checks vars against the graph's metadata input schema,
// if it declares one.
func (v *GraphValidator) ValidateVariables(g *schema.Graph, vars map[string]any) error {
	raw, ok := g.Metadata[InputSchemaKey]
	if !ok || raw == nil {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeConfig, "invalid input schema").WithCause(err)
	}
	return v.jsonSchema.ValidateInput(vars, b)
}

// structural converts a schema validation error into issues, one per violation.
func structural(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}
	fe := schema.AsFlowError(err, schema.ErrCodeConfig)
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", fe.Code, msg)
		}
		return result
	}
	result.AddError("/", fe.Code, fe.Message)
	return result
}
