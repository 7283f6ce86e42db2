package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/stepflow/internal/handlers"
	"github.com/rendis/stepflow/pkg/schema"
)

// HandlerLookup resolves step types. Satisfied by *handlers.Registry.
type HandlerLookup interface {
	Resolve(typ string) (handlers.Handler, error)
	FlowOf(typ string) (handlers.FlowKind, error)
}

// validateSemantic checks what the document schema cannot: unique ids,
// resolvable step types, handler configs, step options and edge handles.
// Every problem is collected rather than stopping at the first.
func validateSemantic(g *schema.Graph, lookup HandlerLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	flows := make(map[string]handlers.FlowKind, len(g.Steps))
	seen := make(map[string]bool, len(g.Steps))
	for i := range g.Steps {
		step := &g.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if seen[step.ID] {
			result.AddError(path+".id", schema.ErrCodeConfig, fmt.Sprintf("duplicate step id %q", step.ID))
			continue
		}
		seen[step.ID] = true

		validateStepOptions(step, path, result)

		if lookup == nil {
			continue
		}
		h, err := lookup.Resolve(step.Type)
		if err != nil {
			result.AddError(path+".type", schema.ErrCodeNotFound, err.Error())
			continue
		}
		flows[step.ID] = h.Flow()
		if err := h.Validate(step.Config); err != nil {
			result.AddError(path+".config", schema.ErrorCode(err), err.Error())
		}
	}

	if g.Entry != "" && !seen[g.Entry] {
		result.AddError("entry", schema.ErrCodeNotFound, fmt.Sprintf("entry step %q does not exist", g.Entry))
	}

	hasBody := make(map[string]bool)
	for i, e := range g.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if !seen[e.Source] {
			result.AddError(path+".source", schema.ErrCodeNotFound, fmt.Sprintf("references non-existent step %q", e.Source))
		}
		if !seen[e.Target] {
			result.AddError(path+".target", schema.ErrCodeNotFound, fmt.Sprintf("references non-existent step %q", e.Target))
		}
		if e.Source == e.Target {
			result.AddError(path, schema.ErrCodeCycleDetected, fmt.Sprintf("step %q has an edge to itself", e.Source))
		}

		flow, known := flows[e.Source]
		if !known {
			continue
		}
		switch flow {
		case handlers.FlowLoop:
			switch e.SourceHandle {
			case schema.HandleBody:
				hasBody[e.Source] = true
			case schema.HandleDone, "":
			default:
				result.AddError(path+".sourceHandle", schema.ErrCodeConfig,
					fmt.Sprintf("loop step %q has no handle %q (use %q or %q)", e.Source, e.SourceHandle, schema.HandleBody, schema.HandleDone))
			}
		case handlers.FlowSwitch:
			if e.SourceHandle == "" {
				result.AddWarning(path+".sourceHandle", schema.ErrCodeConfig,
					fmt.Sprintf("edge from switch step %q has no handle and is never followed", e.Source))
			}
		default:
			if e.SourceHandle == schema.HandleBody {
				result.AddError(path+".sourceHandle", schema.ErrCodeConfig,
					fmt.Sprintf("step %q is not a loop and cannot use handle %q", e.Source, schema.HandleBody))
			}
		}
	}

	for i, step := range g.Steps {
		if flows[step.ID] == handlers.FlowLoop && !hasBody[step.ID] {
			result.AddError(fmt.Sprintf("steps[%d]", i), schema.ErrCodeConfig,
				fmt.Sprintf("loop step %q has no %q edge", step.ID, schema.HandleBody))
		}
	}

	return result
}

// validateStepOptions checks the engine-owned options of one step.
func validateStepOptions(step *schema.Step, path string, result *schema.ValidationResult) {
	opts, err := schema.DecodeStepOptions(step.Config)
	if err != nil {
		result.AddError(path+".config", schema.ErrCodeConfig, err.Error())
		return
	}

	if r := opts.Retry; r != nil && r.Enabled {
		strategy := string(r.Strategy)
		switch strategy {
		case "", schema.RetryStrategyCount:
		case schema.RetryStrategyUntilCondition:
			if r.Condition == nil {
				result.AddError(path+".config.retry.condition", schema.ErrCodeConfig,
					"untilCondition retry requires a condition")
			}
		default:
			if !isExpression(strategy) {
				result.AddError(path+".config.retry.strategy", schema.ErrCodeConfig,
					fmt.Sprintf("unknown retry strategy %q", strategy))
			}
		}
		switch ds := string(r.DelayStrategy); ds {
		case "", schema.DelayFixed, schema.DelayExponential:
		default:
			if !isExpression(ds) {
				result.AddError(path+".config.retry.delayStrategy", schema.ErrCodeConfig,
					fmt.Sprintf("unknown delay strategy %q", ds))
			}
		}
	}

	if opts.Wait != nil && opts.Wait.Empty() {
		result.AddWarning(path+".config.wait", schema.ErrCodeConfig, "wait block sets no selector, url or expression")
	}
	if opts.WaitAfterOperation && opts.Wait.Empty() {
		result.AddWarning(path+".config.waitAfterOperation", schema.ErrCodeConfig, "waitAfterOperation is set but there is no wait block")
	}
}

func isExpression(s string) bool {
	return strings.Contains(s, "${{")
}
