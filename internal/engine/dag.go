package engine

import (
	"fmt"

	"github.com/rendis/stepflow/internal/handlers"
	"github.com/rendis/stepflow/pkg/schema"
)

// FlowOf reports the control-flow kind of a step type. Unknown types
// return an error.
type FlowOf func(stepType string) (handlers.FlowKind, error)

// Plan is the validated, executable form of a Graph.
type Plan struct {
	Graph   *schema.Graph
	Steps   map[string]*schema.Step
	Order   []string // declaration order
	Flow    map[string]handlers.FlowKind
	Out     map[string][]schema.Edge // outgoing edges, loop back-edges removed
	Entries []string                 // top-level start steps
	Body    map[string][]string      // loop step → body entry steps
	Members map[string]map[string]bool
	Sorted  []string // topological order of the acyclic view
}

// Successors returns the targets of from's outgoing edges whose handle
// satisfies keep.
func (p *Plan) Successors(from string, keep func(handle string) bool) []string {
	var out []string
	for _, e := range p.Out[from] {
		if keep(e.SourceHandle) {
			out = append(out, e.Target)
		}
	}
	return out
}

// InBody reports whether id belongs to the body of loop.
func (p *Plan) InBody(loop, id string) bool {
	return p.Members[loop][id]
}

// ParseGraph validates g and builds its Plan. Step ids must be unique and
// non-empty, every edge must reference known steps, every step type must
// resolve, and the graph must be acyclic once loop back-edges (an edge from
// a loop's body back to the loop step) are set aside.
func ParseGraph(g *schema.Graph, flowOf FlowOf) (*Plan, error) {
	if g == nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "graph is nil")
	}
	if len(g.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfig, "graph has no steps")
	}

	p := &Plan{
		Graph:   g,
		Steps:   make(map[string]*schema.Step, len(g.Steps)),
		Flow:    make(map[string]handlers.FlowKind, len(g.Steps)),
		Out:     make(map[string][]schema.Edge, len(g.Steps)),
		Body:    make(map[string][]string),
		Members: make(map[string]map[string]bool),
	}

	for i := range g.Steps {
		step := &g.Steps[i]
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "step at index %d has empty id", i)
		}
		if _, dup := p.Steps[step.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "duplicate step id %q", step.ID)
		}
		if step.Type == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "step %q has no type", step.ID).WithStep(step.ID)
		}
		kind, err := flowOf(step.Type)
		if err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeNotFound).WithStep(step.ID)
		}
		p.Steps[step.ID] = step
		p.Flow[step.ID] = kind
		p.Order = append(p.Order, step.ID)
	}

	all := make(map[string][]schema.Edge, len(g.Steps))
	for i, e := range g.Edges {
		if _, ok := p.Steps[e.Source]; !ok {
			return nil, schema.NotFoundError("edge source step", e.Source, p.Order).
				WithDetails(map[string]any{"edge": edgeName(e, i)})
		}
		if _, ok := p.Steps[e.Target]; !ok {
			return nil, schema.NotFoundError("edge target step", e.Target, p.Order).
				WithDetails(map[string]any{"edge": edgeName(e, i)})
		}
		if e.Source == e.Target {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %q has an edge to itself", e.Source).WithStep(e.Source)
		}
		if e.SourceHandle == schema.HandleBody {
			if p.Flow[e.Source] != handlers.FlowLoop {
				return nil, schema.NewErrorf(schema.ErrCodeConfig,
					"edge %s uses handle %q but step %q is not a loop", edgeName(e, i), schema.HandleBody, e.Source).WithStep(e.Source)
			}
			p.Body[e.Source] = append(p.Body[e.Source], e.Target)
		}
		all[e.Source] = append(all[e.Source], e)
	}

	for _, id := range p.Order {
		if p.Flow[id] == handlers.FlowLoop && len(p.Body[id]) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "loop step %q has no %q edge", id, schema.HandleBody).WithStep(id)
		}
	}

	// Body membership: everything reachable from the body entries without
	// passing through the loop step itself.
	for loop, entries := range p.Body {
		members := make(map[string]bool)
		queue := append([]string(nil), entries...)
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if id == loop || members[id] {
				continue
			}
			members[id] = true
			for _, e := range all[id] {
				queue = append(queue, e.Target)
			}
		}
		p.Members[loop] = members
	}

	inDegree := make(map[string]int, len(p.Steps))
	for _, id := range p.Order {
		for _, e := range all[id] {
			if p.Flow[e.Target] == handlers.FlowLoop && p.Members[e.Target][e.Source] {
				continue // loop back-edge
			}
			p.Out[id] = append(p.Out[id], e)
			inDegree[e.Target]++
		}
	}

	if g.Entry != "" {
		if _, ok := p.Steps[g.Entry]; !ok {
			return nil, schema.NotFoundError("entry step", g.Entry, p.Order)
		}
		p.Entries = []string{g.Entry}
	} else {
		for _, id := range p.Order {
			if inDegree[id] == 0 {
				p.Entries = append(p.Entries, id)
			}
		}
	}

	sorted, err := topoSort(p, inDegree)
	if err != nil {
		return nil, err
	}
	p.Sorted = sorted
	return p, nil
}

// topoSort runs Kahn's algorithm over the back-edge-free view.
func topoSort(p *Plan, inDegree map[string]int) ([]string, error) {
	remaining := make(map[string]int, len(inDegree))
	for k, v := range inDegree {
		remaining[k] = v
	}

	var queue []string
	for _, id := range p.Order {
		if remaining[id] == 0 {
			queue = append(queue, id)
		}
	}

	sorted := make([]string, 0, len(p.Steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for _, e := range p.Out[id] {
			remaining[e.Target]--
			if remaining[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
	}

	if len(sorted) != len(p.Steps) {
		var cyclic []string
		for _, id := range p.Order {
			if remaining[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "graph contains a cycle through %v", cyclic).
			WithDetails(map[string]any{"steps": cyclic})
	}
	return sorted, nil
}

func edgeName(e schema.Edge, i int) string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("#%d (%s→%s)", i, e.Source, e.Target)
}
