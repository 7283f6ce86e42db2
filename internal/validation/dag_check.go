package validation

import (
	"fmt"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

// validateDAG builds the execution plan, which rejects cycles other than
// loop back-edges, then warns about steps no entry step can reach.
func validateDAG(g *schema.Graph, lookup HandlerLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	plan, err := engine.ParseGraph(g, lookup.FlowOf)
	if err != nil {
		fe := schema.AsFlowError(err, schema.ErrCodeConfig)
		path := "graph"
		if fe.StepID != "" {
			path = "steps." + fe.StepID
		}
		result.AddError(path, fe.Code, fe.Message)
		return result
	}

	reachable := make(map[string]bool, len(plan.Steps))
	queue := append([]string(nil), plan.Entries...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		for _, e := range plan.Out[id] {
			queue = append(queue, e.Target)
		}
	}

	for i, id := range plan.Order {
		if !reachable[id] {
			result.AddWarning(fmt.Sprintf("steps[%d]", i), schema.ErrCodeConfig,
				fmt.Sprintf("step %q is unreachable from the entry steps", id))
		}
	}
	return result
}
