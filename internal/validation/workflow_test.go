package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func newGraphValidator(t *testing.T) *GraphValidator {
	t.Helper()
	v, err := NewGraphValidator(builtinLookup(t))
	require.NoError(t, err)
	return v
}

func TestGraphValidator_ValidDocument(t *testing.T) {
	v := newGraphValidator(t)
	g, r := v.ValidateDocument([]byte(`{
	  "name": "greet",
	  "steps": [
	    {"id": "set", "type": "variable.set", "config": {"name": "who", "value": "world"}},
	    {"id": "pause", "type": "delay", "config": {"ms": 10}}
	  ],
	  "edges": [{"source": "set", "target": "pause"}]
	}`))
	require.True(t, r.Valid(), "%v", r.Errors)
	require.NotNil(t, g)
	assert.Equal(t, "greet", g.Name)
	assert.Len(t, g.Steps, 2)
}

func TestGraphValidator_StructuralShortCircuits(t *testing.T) {
	v := newGraphValidator(t)
	g, r := v.ValidateDocument([]byte(`{"steps": [{"id": "a", "type": "no.such.type", "extra": 1}]}`))
	assert.Nil(t, g)
	require.False(t, r.Valid())
	for _, is := range r.Errors {
		assert.Equal(t, "/", is.Path, "only structural issues are reported")
	}
}

func TestGraphValidator_SemanticSkipsDAG(t *testing.T) {
	v := newGraphValidator(t)
	r := v.Validate(&schema.Graph{
		Steps: []schema.Step{step("a", "unknown", ""), step("b", "delay", `{"ms":1}`)},
		Edges: []schema.Edge{{Source: "b", Target: "a"}, {Source: "a", Target: "b"}},
	})
	require.False(t, r.Valid())
	assert.NotContains(t, issueCodes(r.Errors), schema.ErrCodeCycleDetected)
	assert.Contains(t, issueCodes(r.Errors), schema.ErrCodeNotFound)
}

func TestGraphValidator_CycleReported(t *testing.T) {
	v := newGraphValidator(t)
	r := v.Validate(&schema.Graph{
		Steps: []schema.Step{step("a", "delay", `{"ms":1}`), step("b", "delay", `{"ms":1}`)},
		Edges: []schema.Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	})
	assert.Equal(t, []string{schema.ErrCodeCycleDetected}, issueCodes(r.Errors))

	err := r.ToError()
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfig))
}

func TestGraphValidator_Nil(t *testing.T) {
	v := newGraphValidator(t)
	assert.False(t, v.Validate(nil).Valid())
}

func TestGraphValidator_ValidateVariables(t *testing.T) {
	v := newGraphValidator(t)
	g := &schema.Graph{
		Steps: []schema.Step{step("a", "delay", `{"ms":1}`)},
		Metadata: map[string]any{
			InputSchemaKey: map[string]any{
				"type":     "object",
				"required": []any{"env"},
				"properties": map[string]any{
					"env": map[string]any{"enum": []any{"dev", "prod"}},
				},
			},
		},
	}
	assert.NoError(t, v.ValidateVariables(g, map[string]any{"env": "prod"}))
	assert.True(t, schema.HasCode(v.ValidateVariables(g, map[string]any{"env": "qa"}), schema.ErrCodeConfig))
	assert.Error(t, v.ValidateVariables(g, nil))

	assert.NoError(t, v.ValidateVariables(&schema.Graph{}, map[string]any{"x": 1}))
}
