package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/handlers"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- helpers ---

func stubFlow(stepType string) (handlers.FlowKind, error) {
	switch stepType {
	case "switch":
		return handlers.FlowSwitch, nil
	case "loop":
		return handlers.FlowLoop, nil
	case "noop", "record", "fail":
		return handlers.FlowSequential, nil
	}
	return 0, schema.NotFoundError("handler", stepType, []string{"fail", "loop", "noop", "record", "switch"})
}

func step(id, typ string) schema.Step {
	return schema.Step{ID: id, Type: typ}
}

func edge(from, to string, handle ...string) schema.Edge {
	e := schema.Edge{Source: from, Target: to}
	if len(handle) > 0 {
		e.SourceHandle = handle[0]
	}
	return e
}

// --- tests ---

func TestParseGraph_Linear(t *testing.T) {
	g := &schema.Graph{
		Steps: []schema.Step{step("a", "noop"), step("b", "noop"), step("c", "noop")},
		Edges: []schema.Edge{edge("a", "b"), edge("b", "c")},
	}
	p, err := ParseGraph(g, stubFlow)
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, p.Entries)
	assert.Equal(t, []string{"a", "b", "c"}, p.Sorted)
	assert.Equal(t, []string{"b"}, p.Successors("a", func(string) bool { return true }))
}

func TestParseGraph_FanOutFanIn(t *testing.T) {
	g := &schema.Graph{
		Steps: []schema.Step{step("start", "noop"), step("left", "noop"), step("right", "noop"), step("join", "noop")},
		Edges: []schema.Edge{edge("start", "left"), edge("start", "right"), edge("left", "join"), edge("right", "join")},
	}
	p, err := ParseGraph(g, stubFlow)
	require.NoError(t, err)

	assert.Equal(t, []string{"start"}, p.Entries)
	assert.Equal(t, "join", p.Sorted[3])
}

func TestParseGraph_MultipleRootsAndExplicitEntry(t *testing.T) {
	g := &schema.Graph{
		Steps: []schema.Step{step("a", "noop"), step("b", "noop")},
	}
	p, err := ParseGraph(g, stubFlow)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, p.Entries)

	g.Entry = "b"
	p, err = ParseGraph(g, stubFlow)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, p.Entries)

	g.Entry = "z"
	_, err = ParseGraph(g, stubFlow)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestParseGraph_LoopBackEdgeAllowed(t *testing.T) {
	g := &schema.Graph{
		Steps: []schema.Step{
			step("init", "noop"), step("each", "loop"),
			step("visit", "noop"), step("log", "noop"), step("after", "noop"),
		},
		Edges: []schema.Edge{
			edge("init", "each"),
			edge("each", "visit", schema.HandleBody),
			edge("visit", "log"),
			edge("log", "each"), // back-edge
			edge("each", "after", schema.HandleDone),
		},
	}
	p, err := ParseGraph(g, stubFlow)
	require.NoError(t, err)

	assert.Equal(t, []string{"visit"}, p.Body["each"])
	assert.True(t, p.InBody("each", "visit"))
	assert.True(t, p.InBody("each", "log"))
	assert.False(t, p.InBody("each", "after"))
	assert.Empty(t, p.Out["log"], "back-edge must be set aside")
	assert.Equal(t, []string{"init"}, p.Entries)
}

func TestParseGraph_NestedLoops(t *testing.T) {
	g := &schema.Graph{
		Steps: []schema.Step{step("outer", "loop"), step("inner", "loop"), step("leaf", "noop")},
		Edges: []schema.Edge{
			edge("outer", "inner", schema.HandleBody),
			edge("inner", "leaf", schema.HandleBody),
			edge("leaf", "inner"),
		},
	}
	p, err := ParseGraph(g, stubFlow)
	require.NoError(t, err)

	assert.True(t, p.InBody("outer", "inner"))
	assert.True(t, p.InBody("outer", "leaf"))
	assert.True(t, p.InBody("inner", "leaf"))
	assert.False(t, p.InBody("inner", "inner"))
}

func TestParseGraph_CycleRejected(t *testing.T) {
	g := &schema.Graph{
		Steps: []schema.Step{step("a", "noop"), step("b", "noop"), step("c", "noop")},
		Edges: []schema.Edge{edge("a", "b"), edge("b", "c"), edge("c", "b")},
	}
	_, err := ParseGraph(g, stubFlow)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCycleDetected))
	assert.Contains(t, err.Error(), "b")
}

func TestParseGraph_SelfEdgeRejected(t *testing.T) {
	g := &schema.Graph{
		Steps: []schema.Step{step("a", "noop")},
		Edges: []schema.Edge{edge("a", "a")},
	}
	_, err := ParseGraph(g, stubFlow)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCycleDetected))
}

func TestParseGraph_Errors(t *testing.T) {
	tests := []struct {
		name string
		g    *schema.Graph
		code string
	}{
		{"nil", nil, schema.ErrCodeConfig},
		{"empty", &schema.Graph{}, schema.ErrCodeConfig},
		{"empty id", &schema.Graph{Steps: []schema.Step{step("", "noop")}}, schema.ErrCodeConfig},
		{"duplicate id", &schema.Graph{Steps: []schema.Step{step("a", "noop"), step("a", "noop")}}, schema.ErrCodeConfig},
		{"missing type", &schema.Graph{Steps: []schema.Step{step("a", "")}}, schema.ErrCodeConfig},
		{"unknown type", &schema.Graph{Steps: []schema.Step{step("a", "teleport")}}, schema.ErrCodeNotFound},
		{"unknown edge target", &schema.Graph{
			Steps: []schema.Step{step("a", "noop")},
			Edges: []schema.Edge{edge("a", "ghost")},
		}, schema.ErrCodeNotFound},
		{"body edge from non-loop", &schema.Graph{
			Steps: []schema.Step{step("a", "noop"), step("b", "noop")},
			Edges: []schema.Edge{edge("a", "b", schema.HandleBody)},
		}, schema.ErrCodeConfig},
		{"loop without body", &schema.Graph{
			Steps: []schema.Step{step("l", "loop"), step("b", "noop")},
			Edges: []schema.Edge{edge("l", "b", schema.HandleDone)},
		}, schema.ErrCodeConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGraph(tt.g, stubFlow)
			require.Error(t, err)
			assert.Equal(t, tt.code, schema.ErrorCode(err), err.Error())
		})
	}
}

func TestParseGraph_UnknownTypeNamesStep(t *testing.T) {
	_, err := ParseGraph(&schema.Graph{Steps: []schema.Step{step("boot", "teleport")}}, stubFlow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boot")
	assert.Contains(t, err.Error(), "available: [fail, loop, noop, record, switch]")
}
