// Package conditions evaluates declarative condition specs against a run.
package conditions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/match"
	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/internal/target"
	"github.com/rendis/stepflow/pkg/schema"
)

// Result is the outcome of one evaluation.
type Result struct {
	Passed   bool   `json:"passed"`
	Message  string `json:"message"`
	Actual   any    `json:"actual,omitempty"`
	Expected any    `json:"expected,omitempty"`
}

// Evaluator dispatches on the condition type. String fields are
// interpolated against the run context before evaluation.
type Evaluator struct {
	interp *expressions.Interpolator
	local  expressions.Engine
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator. local evaluates expression conditions
// when the run has no target page; nil selects the expr-lang engine.
func NewEvaluator(interp *expressions.Interpolator, local expressions.Engine, logger *slog.Logger) *Evaluator {
	if interp == nil {
		interp = expressions.NewInterpolator()
	}
	if local == nil {
		local = expressions.NewExprEngine()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{interp: interp, local: local, logger: logger}
}

// Evaluate checks spec against rc. A malformed spec yields a CONDITION_ERROR;
// a well-formed condition that does not hold yields Passed=false and no error.
func (e *Evaluator) Evaluate(ctx context.Context, spec *schema.ConditionSpec, rc *runctx.RunContext) (*Result, error) {
	if spec == nil {
		return nil, schema.NewError(schema.ErrCodeCondition, "condition is required")
	}

	var (
		res *Result
		err error
	)
	switch spec.Type {
	case schema.ConditionUIElement:
		res, err = e.uiElement(ctx, spec, rc)
	case schema.ConditionStatus:
		res, err = e.status(spec, rc)
	case schema.ConditionJSONPath:
		res, err = e.jsonPath(spec, rc)
	case schema.ConditionExpression:
		res, err = e.expression(ctx, spec, rc)
	case schema.ConditionVariable:
		res, err = e.variable(spec, rc)
	case "":
		return nil, schema.NewError(schema.ErrCodeCondition, "condition type is required")
	default:
		return nil, schema.NewErrorf(schema.ErrCodeCondition, "unknown condition type %q", spec.Type).
			WithDetails(map[string]any{"available": []string{
				schema.ConditionUIElement, schema.ConditionStatus, schema.ConditionJSONPath,
				schema.ConditionExpression, schema.ConditionVariable,
			}})
	}
	if err != nil {
		return nil, asConditionError(err)
	}

	e.logger.DebugContext(ctx, "condition evaluated",
		slog.String("condition", spec.Describe()),
		slog.Bool("passed", res.Passed),
	)
	return res, nil
}

func (e *Evaluator) uiElement(ctx context.Context, spec *schema.ConditionSpec, rc *runctx.RunContext) (*Result, error) {
	if spec.Locator == "" {
		return nil, missingField(spec, "locator")
	}
	check := spec.Check
	if check == "" {
		check = schema.CheckVisible
	}
	locator, err := e.interp.String(spec.Locator, rc)
	if err != nil {
		return nil, err
	}
	loc := target.Locator{Value: locator, Kind: spec.LocatorKind}

	page, err := rc.RequireTarget()
	if err != nil {
		return nil, err
	}

	timeoutMs, err := e.interp.Int(spec.Timeout, rc, 0)
	if err != nil {
		return nil, err
	}

	var want string
	switch check {
	case schema.CheckVisible:
		want = target.StateVisible
	case schema.CheckHidden:
		want = target.StateHidden
	case schema.CheckExists:
		want = target.StateAttached
	default:
		return nil, schema.NewErrorf(schema.ErrCodeCondition, "unknown ui-element check %q", check)
	}

	if timeoutMs > 0 {
		wctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
		werr := page.WaitForSelector(wctx, loc, want)
		if werr == nil {
			return &Result{Passed: true, Message: fmt.Sprintf("element %s is %s", loc, check), Expected: check}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(werr, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeOperation, "wait for %s: %s", loc, werr.Error()).WithCause(werr)
		}
		return &Result{
			Passed:   false,
			Message:  fmt.Sprintf("element %s not %s within %dms", loc, check, timeoutMs),
			Expected: check,
		}, nil
	}

	state, err := page.State(ctx, loc)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperation, "query %s: %s", loc, err.Error()).WithCause(err)
	}
	var passed bool
	switch check {
	case schema.CheckVisible:
		passed = state.Exists && state.Visible
	case schema.CheckHidden:
		passed = !state.Exists || !state.Visible
	case schema.CheckExists:
		passed = state.Exists
	}
	return &Result{
		Passed:   passed,
		Message:  fmt.Sprintf("element %s %s check: %t", loc, check, passed),
		Actual:   state,
		Expected: check,
	}, nil
}

func (e *Evaluator) status(spec *schema.ConditionSpec, rc *runctx.RunContext) (*Result, error) {
	if spec.ConnectionKey == "" {
		return nil, missingField(spec, "connectionKey")
	}
	if spec.ExpectedStatus.IsZero() {
		return nil, missingField(spec, "expectedStatus")
	}
	expected, err := e.interp.Int(spec.ExpectedStatus, rc, 0)
	if err != nil {
		return nil, err
	}

	record, err := rc.RequireData(spec.ConnectionKey)
	if err != nil {
		return nil, err
	}
	raw, ok := field(record, "status")
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCondition,
			"data %q has no status field", spec.ConnectionKey)
	}
	actual, ok := match.ToFloat(raw)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCondition,
			"data %q status is not numeric: %v", spec.ConnectionKey, raw)
	}

	status := int(actual)
	return &Result{
		Passed:   status == expected,
		Message:  fmt.Sprintf("status %d, expected %d", status, expected),
		Actual:   status,
		Expected: expected,
	}, nil
}

func (e *Evaluator) jsonPath(spec *schema.ConditionSpec, rc *runctx.RunContext) (*Result, error) {
	if spec.ConnectionKey == "" {
		return nil, missingField(spec, "connectionKey")
	}
	if spec.Path == "" {
		return nil, missingField(spec, "path")
	}
	path, err := e.interp.String(spec.Path, rc)
	if err != nil {
		return nil, err
	}
	expected := spec.Expected
	if s, ok := expected.(string); ok {
		if expected, err = e.interp.Value(s, rc); err != nil {
			return nil, err
		}
	}

	record, err := rc.RequireData(spec.ConnectionKey)
	if err != nil {
		return nil, err
	}
	body, ok := field(record, "body")
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCondition, "data %q has no body field", spec.ConnectionKey)
	}

	actual, found, err := expressions.LookupJSON(body, path)
	if err != nil {
		return nil, err
	}
	if !found {
		return &Result{
			Passed:   false,
			Message:  fmt.Sprintf("path %q not found in %s body", path, spec.ConnectionKey),
			Expected: expected,
		}, nil
	}

	passed, err := match.String(match.Stringify(actual), match.Stringify(expected), spec.MatchKind, spec.IsCaseSensitive())
	if err != nil {
		return nil, err
	}
	kind := spec.MatchKind
	if kind == "" {
		kind = schema.MatchEquals
	}
	return &Result{
		Passed:   passed,
		Message:  fmt.Sprintf("%s at %q %s %q: %t", match.Stringify(actual), path, kind, match.Stringify(expected), passed),
		Actual:   actual,
		Expected: expected,
	}, nil
}

func (e *Evaluator) expression(ctx context.Context, spec *schema.ConditionSpec, rc *runctx.RunContext) (*Result, error) {
	if spec.Code == "" {
		return nil, missingField(spec, "code")
	}
	code, err := e.interp.String(spec.Code, rc)
	if err != nil {
		return nil, err
	}

	var out any
	if page := rc.Target(); page != nil {
		out, err = page.Evaluate(ctx, code)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCondition, "evaluate %q: %s", code, err.Error()).WithCause(err)
		}
	} else {
		out, err = e.local.Evaluate(ctx, code, expressions.Env(rc))
		if err != nil {
			return nil, err
		}
	}

	passed := match.Truthy(out)
	return &Result{
		Passed:  passed,
		Message: fmt.Sprintf("expression %q returned %v", code, out),
		Actual:  out,
	}, nil
}

func (e *Evaluator) variable(spec *schema.ConditionSpec, rc *runctx.RunContext) (*Result, error) {
	if spec.Name == "" {
		return nil, missingField(spec, "name")
	}
	op := spec.Operator
	if op == "" {
		op = schema.OpEquals
	}

	actual, err := rc.RequireVariable(spec.Name)
	if err != nil {
		return nil, err
	}
	expected := spec.Value
	if s, ok := expected.(string); ok {
		if expected, err = e.interp.Value(s, rc); err != nil {
			return nil, err
		}
	}

	var passed bool
	switch op {
	case schema.OpEquals:
		passed = match.StrictEqual(actual, expected)
	case schema.OpNotEquals:
		passed = !match.StrictEqual(actual, expected)
	default:
		if passed, err = match.Compare(actual, expected, op); err != nil {
			return nil, err
		}
	}
	return &Result{
		Passed:   passed,
		Message:  fmt.Sprintf("variable %s (%v) %s %v: %t", spec.Name, actual, op, expected, passed),
		Actual:   actual,
		Expected: expected,
	}, nil
}

// field reads key from a map-shaped record.
func field(record any, key string) (any, bool) {
	switch r := record.(type) {
	case map[string]any:
		v, ok := r[key]
		return v, ok
	case map[string]string:
		v, ok := r[key]
		return v, ok
	}
	return nil, false
}

func missingField(spec *schema.ConditionSpec, name string) error {
	return schema.NewErrorf(schema.ErrCodeCondition, "%s condition requires %q", spec.Type, name)
}

// asConditionError keeps lookup errors as-is and reclassifies configuration
// errors raised while evaluating so callers see a single fatal code.
func asConditionError(err error) error {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		return err
	}
	switch fe.Code {
	case schema.ErrCodeConfig, schema.ErrCodeInterpolation:
		return schema.NewError(schema.ErrCodeCondition, fe.Message).WithCause(err)
	}
	return err
}
