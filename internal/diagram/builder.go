package diagram

import (
	"fmt"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/handlers"
	"github.com/rendis/stepflow/pkg/schema"
)

// Build constructs a DiagramModel from a graph and, optionally, the step
// results of one of its runs. Topology comes from engine.ParseGraph, so a
// graph the executor would reject cannot be drawn either.
func Build(g *schema.Graph, flowOf engine.FlowOf, results []*schema.StepResult) (*DiagramModel, error) {
	plan, err := engine.ParseGraph(g, flowOf)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse graph: %w", err)
	}
	overlays := indexResults(results)

	m := &DiagramModel{Title: g.Name}
	if m.Title == "" {
		m.Title = "graph"
	}

	m.Nodes = append(m.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, id := range plan.Sorted {
		step := plan.Steps[id]
		m.Nodes = append(m.Nodes, &Node{
			ID:     id,
			Label:  id + "\n" + step.Type,
			Kind:   kindOf(step.Type, plan.Flow[id]),
			Group:  innermostLoop(plan, id),
			Status: overlays[id],
		})
	}
	m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	for _, id := range plan.Sorted {
		if plan.Flow[id] != handlers.FlowLoop {
			continue
		}
		grp := &Group{ID: id, Label: id + " body"}
		for _, member := range plan.Sorted {
			if plan.Members[id][member] {
				grp.Members = append(grp.Members, member)
			}
		}
		m.Groups = append(m.Groups, grp)
	}

	m.Edges = buildEdges(g, plan, m)
	m.Levels = buildLevels(plan)
	return m, nil
}

func kindOf(typ string, flow handlers.FlowKind) NodeKind {
	switch {
	case flow == handlers.FlowSwitch:
		return NodeKindSwitch
	case flow == handlers.FlowLoop:
		return NodeKindLoop
	case typ == "delay":
		return NodeKindDelay
	}
	return NodeKindStep
}

func innermostLoop(plan *engine.Plan, id string) string {
	best := ""
	for loop, members := range plan.Members {
		if members[id] && (best == "" || len(members) < len(plan.Members[best])) {
			best = loop
		}
	}
	return best
}

// indexResults folds results by step id. Inside loop bodies a step has one
// result per iteration; the latest one wins.
func indexResults(results []*schema.StepResult) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	latest := make(map[string]*schema.StepResult)
	for _, r := range results {
		if r == nil {
			continue
		}
		o, ok := out[r.StepID]
		if !ok {
			o = &StatusOverlay{}
			out[r.StepID] = o
		}
		o.Iterations++
		if prev := latest[r.StepID]; prev != nil && r.CompletedAt.Before(prev.CompletedAt) {
			continue
		}
		latest[r.StepID] = r
		o.Status = string(r.Status)
		o.DurationMs = r.DurationMs
		o.Attempts = r.Attempts
		o.Error = ""
		if r.Error != nil {
			o.Error = r.Error.Message
		}
	}
	return out
}

func buildEdges(g *schema.Graph, plan *engine.Plan, m *DiagramModel) []Edge {
	var edges []Edge
	for _, id := range plan.Entries {
		edges = append(edges, Edge{From: startID, To: id})
	}
	for _, e := range g.Edges {
		edges = append(edges, Edge{
			From:  e.Source,
			To:    e.Target,
			Label: e.SourceHandle,
			Back:  !forward(plan, e),
		})
	}
	for _, n := range m.Nodes {
		if n.Kind == NodeKindStart || n.Kind == NodeKindEnd || n.Group != "" {
			continue
		}
		if !continues(plan, n.ID) {
			edges = append(edges, Edge{From: n.ID, To: endID})
		}
	}
	return edges
}

func forward(plan *engine.Plan, e schema.Edge) bool {
	for _, o := range plan.Out[e.Source] {
		if o.Target == e.Target && o.SourceHandle == e.SourceHandle {
			return true
		}
	}
	return false
}

// continues reports whether a top-level step has a successor outside its
// own loop body.
func continues(plan *engine.Plan, id string) bool {
	for _, e := range plan.Out[id] {
		if e.SourceHandle != schema.HandleBody {
			return true
		}
	}
	return false
}

// buildLevels assigns each node its longest distance from the start node.
func buildLevels(plan *engine.Plan) [][]string {
	depth := make(map[string]int, len(plan.Sorted))
	for _, id := range plan.Entries {
		depth[id] = 1
	}
	maxDepth := 1
	for _, id := range plan.Sorted {
		if depth[id] == 0 {
			depth[id] = 1
		}
		for _, e := range plan.Out[id] {
			if d := depth[id] + 1; d > depth[e.Target] {
				depth[e.Target] = d
			}
		}
		maxDepth = max(maxDepth, depth[id])
	}

	levels := make([][]string, maxDepth+2)
	levels[0] = []string{startID}
	for _, id := range plan.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	levels[maxDepth+1] = []string{endID}
	return levels
}
