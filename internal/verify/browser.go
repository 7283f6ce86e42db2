package verify

import (
	"context"
	"fmt"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/internal/target"
	"github.com/rendis/stepflow/pkg/schema"
)

func browserStrategies(interp *expressions.Interpolator) map[string]Strategy {
	return map[string]Strategy{
		"url":            newStrategy(interp, verifyURL, "expected"),
		"text":           newStrategy(interp, verifyText, "locator", "expected"),
		"element-state":  newStrategy(interp, verifyElementState, "locator", "state"),
		"attribute":      newStrategy(interp, verifyAttribute, "locator", "attribute"),
		"form-field":     newStrategy(interp, verifyFormField, "locator", "expected"),
		"cookie":         newStrategy(interp, verifyCookie, "name"),
		"storage":        newStrategy(interp, verifyStorage, "key"),
		"computed-style": newStrategy(interp, verifyComputedStyle, "locator", "property", "expected"),
	}
}

func locatorOf(cfg Config) target.Locator {
	return target.Locator{Value: cfg.String("locator"), Kind: cfg.String("locatorKind")}
}

func targetError(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeOperation, "%s: %s", op, err.Error()).WithCause(err)
}

func verifyURL(ctx context.Context, rc *runctx.RunContext, cfg Config) (*Result, error) {
	page, err := rc.RequireTarget()
	if err != nil {
		return nil, err
	}
	url, err := page.URL(ctx)
	if err != nil {
		return nil, targetError("read url", err)
	}
	return compareResult("url", url, cfg)
}

func verifyText(ctx context.Context, rc *runctx.RunContext, cfg Config) (*Result, error) {
	page, err := rc.RequireTarget()
	if err != nil {
		return nil, err
	}
	loc := locatorOf(cfg)
	text, err := page.Text(ctx, loc)
	if err != nil {
		return nil, targetError("read text of "+loc.String(), err)
	}
	return compareResult("text of "+loc.String(), text, cfg)
}

func verifyElementState(ctx context.Context, rc *runctx.RunContext, cfg Config) (*Result, error) {
	page, err := rc.RequireTarget()
	if err != nil {
		return nil, err
	}
	loc := locatorOf(cfg)
	st, err := page.State(ctx, loc)
	if err != nil {
		return nil, targetError("query state of "+loc.String(), err)
	}

	want := cfg.String("state")
	var passed bool
	switch want {
	case "exists":
		passed = st.Exists
	case "visible":
		passed = st.Exists && st.Visible
	case "hidden":
		passed = !st.Exists || !st.Visible
	case "enabled":
		passed = st.Exists && st.Enabled
	case "disabled":
		passed = st.Exists && !st.Enabled
	case "checked":
		passed = st.Exists && st.Checked
	case "unchecked":
		passed = st.Exists && !st.Checked
	case "editable":
		passed = st.Exists && st.Editable
	case "focused":
		passed = st.Exists && st.Focused
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "unknown element state %q", want)
	}
	return &Result{
		Passed:        passed,
		Message:       fmt.Sprintf("element %s %s: %t", loc, want, passed),
		ActualValue:   st,
		ExpectedValue: want,
	}, nil
}

func verifyAttribute(ctx context.Context, rc *runctx.RunContext, cfg Config) (*Result, error) {
	page, err := rc.RequireTarget()
	if err != nil {
		return nil, err
	}
	loc := locatorOf(cfg)
	name := cfg.String("attribute")
	val, ok, err := page.Attribute(ctx, loc, name)
	if err != nil {
		return nil, targetError("read attribute "+name, err)
	}
	if !cfg.Has("expected") {
		return &Result{
			Passed:        ok,
			Message:       fmt.Sprintf("attribute %s on %s present: %t", name, loc, ok),
			ActualValue:   ok,
			ExpectedValue: true,
		}, nil
	}
	if !ok {
		return &Result{
			Passed:        false,
			Message:       fmt.Sprintf("attribute %s not present on %s", name, loc),
			ExpectedValue: cfg["expected"],
		}, nil
	}
	return compareResult("attribute "+name, val, cfg)
}

func verifyFormField(ctx context.Context, rc *runctx.RunContext, cfg Config) (*Result, error) {
	page, err := rc.RequireTarget()
	if err != nil {
		return nil, err
	}
	loc := locatorOf(cfg)
	val, err := page.InputValue(ctx, loc)
	if err != nil {
		return nil, targetError("read value of "+loc.String(), err)
	}
	return compareResult("field "+loc.String(), val, cfg)
}

func verifyCookie(ctx context.Context, rc *runctx.RunContext, cfg Config) (*Result, error) {
	page, err := rc.RequireTarget()
	if err != nil {
		return nil, err
	}
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return nil, targetError("read cookies", err)
	}
	name := cfg.String("name")
	for _, c := range cookies {
		if c.Name != name {
			continue
		}
		if !cfg.Has("expected") {
			return &Result{Passed: true, Message: fmt.Sprintf("cookie %s present", name), ActualValue: c.Value}, nil
		}
		return compareResult("cookie "+name, c.Value, cfg)
	}
	return &Result{
		Passed:        false,
		Message:       fmt.Sprintf("cookie %s not set", name),
		ExpectedValue: cfg["expected"],
	}, nil
}

func verifyStorage(ctx context.Context, rc *runctx.RunContext, cfg Config) (*Result, error) {
	page, err := rc.RequireTarget()
	if err != nil {
		return nil, err
	}
	area := cfg.String("area")
	if area == "" {
		area = "local"
	}
	key := cfg.String("key")
	val, ok, err := page.Storage(ctx, area, key)
	if err != nil {
		return nil, targetError("read "+area+" storage", err)
	}
	if !ok {
		return &Result{
			Passed:        false,
			Message:       fmt.Sprintf("%s storage has no key %s", area, key),
			ExpectedValue: cfg["expected"],
		}, nil
	}
	if !cfg.Has("expected") {
		return &Result{Passed: true, Message: fmt.Sprintf("%s storage key %s present", area, key), ActualValue: val}, nil
	}
	return compareResult(area+" storage "+key, val, cfg)
}

func verifyComputedStyle(ctx context.Context, rc *runctx.RunContext, cfg Config) (*Result, error) {
	page, err := rc.RequireTarget()
	if err != nil {
		return nil, err
	}
	loc := locatorOf(cfg)
	prop := cfg.String("property")
	val, err := page.ComputedStyle(ctx, loc, prop)
	if err != nil {
		return nil, targetError("read style "+prop, err)
	}
	return compareResult("style "+prop+" of "+loc.String(), val, cfg)
}

func compareResult(subject string, actual any, cfg Config) (*Result, error) {
	passed, err := compareExpected(actual, cfg)
	if err != nil {
		return nil, err
	}
	return &Result{
		Passed:        passed,
		Message:       describe(subject, actual, cfg["expected"], passed),
		ActualValue:   actual,
		ExpectedValue: cfg["expected"],
	}, nil
}
