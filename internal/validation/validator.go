package validation

import "github.com/rendis/stepflow/pkg/schema"

// Validator checks graphs for correctness before they are stored or run.
// Schemas follow JSON Schema Draft 2020-12.
type Validator interface {
	Validate(g *schema.Graph) *schema.ValidationResult
	ValidateVariables(g *schema.Graph, vars map[string]any) error
}

var _ Validator = (*GraphValidator)(nil)
