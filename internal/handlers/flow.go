package handlers

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/match"
	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- switch ---

type switchCase struct {
	Handle    string                `json:"handle"`
	Condition *schema.ConditionSpec `json:"condition,omitempty"`
	When      string                `json:"when,omitempty"` // CEL over data and variables
}

type switchConfig struct {
	Cases   []switchCase `json:"cases"`
	Default string       `json:"default,omitempty"`
}

// switchHandler picks the first case whose condition passes and writes its
// handle to data[<id>.selectedHandle]. No match selects the default handle.
type switchHandler struct{ deps Deps }

func (h *switchHandler) Type() string   { return "switch" }
func (h *switchHandler) Flow() FlowKind { return FlowSwitch }

func (h *switchHandler) Validate(raw json.RawMessage) error {
	cfg, err := decode[switchConfig](h.Type(), raw)
	if err != nil {
		return err
	}
	for i, c := range cfg.Cases {
		if c.Handle == "" {
			return schema.NewErrorf(schema.ErrCodeConfig, "%s: cases[%d] has no handle", h.Type(), i)
		}
		if (c.Condition == nil) == (c.When == "") {
			return schema.NewErrorf(schema.ErrCodeConfig, "%s: cases[%d] needs exactly one of condition or when", h.Type(), i)
		}
	}
	return nil
}

func (h *switchHandler) Execute(ctx context.Context, step *schema.Step, rc *runctx.RunContext) (any, error) {
	cfg, err := decode[switchConfig](h.Type(), step.Config)
	if err != nil {
		return nil, err
	}

	selected := cfg.Default
	if selected == "" {
		selected = schema.HandleDefault
	}
	for i, c := range cfg.Cases {
		ok, err := h.matches(ctx, c, rc)
		if err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeCondition).
				WithDetails(map[string]any{"case": i, "handle": c.Handle})
		}
		if ok {
			selected = c.Handle
			break
		}
	}

	rc.SetData(schema.SelectedHandleKey(step.ID), selected)
	return map[string]any{"selectedHandle": selected}, nil
}

func (h *switchHandler) matches(ctx context.Context, c switchCase, rc *runctx.RunContext) (bool, error) {
	if c.Condition != nil {
		res, err := h.deps.Conditions.Evaluate(ctx, c.Condition, rc)
		if err != nil {
			return false, err
		}
		return res.Passed, nil
	}
	out, err := h.deps.CEL.Evaluate(ctx, c.When, expressions.Env(rc))
	if err != nil {
		return false, err
	}
	return match.Truthy(out), nil
}

// --- loop ---

// Loop modes.
const (
	LoopForEach = "forEach"
	LoopDoWhile = "doWhile"
)

// DefaultMaxIterations caps a loop that sets no maxIterations.
const DefaultMaxIterations = 1000

// LoopPlan is the resolved iteration state a loop step hands to the
// executor. It is also seeded into data[<id>.loop].
type LoopPlan struct {
	Mode          string                `json:"mode"`
	Items         []any                 `json:"items,omitempty"`
	Condition     *schema.ConditionSpec `json:"condition,omitempty"`
	MaxIterations int                   `json:"maxIterations"`
	ItemVariable  string                `json:"itemVariable"`
	IndexVariable string                `json:"indexVariable"`
}

type loopConfig struct {
	Mode          string                `json:"mode"`
	Items         any                   `json:"items,omitempty"` // array, or a ${{...}} reference to one
	Condition     *schema.ConditionSpec `json:"condition,omitempty"`
	MaxIterations schema.Expr           `json:"maxIterations,omitempty"`
	ItemVariable  string                `json:"itemVariable,omitempty"`
	IndexVariable string                `json:"indexVariable,omitempty"`
}

type loopHandler struct{ deps Deps }

func (h *loopHandler) Type() string   { return "loop" }
func (h *loopHandler) Flow() FlowKind { return FlowLoop }

func (h *loopHandler) Validate(raw json.RawMessage) error {
	cfg, err := decode[loopConfig](h.Type(), raw)
	if err != nil {
		return err
	}
	switch cfg.Mode {
	case LoopForEach:
		if cfg.Items == nil {
			return schema.NewErrorf(schema.ErrCodeConfig, "%s: forEach requires items", h.Type())
		}
	case LoopDoWhile:
		if cfg.Condition == nil {
			return schema.NewErrorf(schema.ErrCodeConfig, "%s: doWhile requires a condition", h.Type())
		}
	default:
		return schema.NewErrorf(schema.ErrCodeConfig, "%s: unknown mode %q (available: [%s, %s])", h.Type(), cfg.Mode, LoopDoWhile, LoopForEach)
	}
	return nil
}

func (h *loopHandler) Execute(_ context.Context, step *schema.Step, rc *runctx.RunContext) (any, error) {
	cfg, err := decode[loopConfig](h.Type(), step.Config)
	if err != nil {
		return nil, err
	}
	if err := h.Validate(step.Config); err != nil {
		return nil, err
	}

	maxIter, err := h.deps.Interp.Int(cfg.MaxIterations, rc, DefaultMaxIterations)
	if err != nil {
		return nil, err
	}
	if maxIter <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "%s: maxIterations must be positive, got %d", h.Type(), maxIter)
	}

	plan := &LoopPlan{
		Mode:          cfg.Mode,
		Condition:     cfg.Condition,
		MaxIterations: maxIter,
		ItemVariable:  orDefault(cfg.ItemVariable, "item"),
		IndexVariable: orDefault(cfg.IndexVariable, "index"),
	}
	if cfg.Mode == LoopForEach {
		if plan.Items, err = h.items(cfg.Items, rc); err != nil {
			return nil, err
		}
	}

	state := map[string]any{
		"mode":          plan.Mode,
		"index":         0,
		"maxIterations": plan.MaxIterations,
	}
	if plan.Mode == LoopForEach {
		state["items"] = plan.Items
		state["total"] = len(plan.Items)
	} else {
		state["condition"] = plan.Condition
	}
	rc.SetData(schema.LoopStateKey(step.ID), state)
	return plan, nil
}

func (h *loopHandler) items(raw any, rc *runctx.RunContext) ([]any, error) {
	v, err := h.deps.Interp.Resolve(raw, rc)
	if err != nil {
		return nil, err
	}
	if s, ok := v.(string); ok {
		var decoded []any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "%s: items must be an array, got %q", h.Type(), s)
		}
		return decoded, nil
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "%s: items must be an array, got %T", h.Type(), v)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
