package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/match"
	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/pkg/schema"
)

func apiStrategies(interp *expressions.Interpolator) map[string]Strategy {
	return map[string]Strategy{
		"status":     newStrategy(interp, verifyStatus, "connectionKey", "expected"),
		"header":     newStrategy(interp, verifyHeader, "connectionKey", "header"),
		"body-path":  newStrategy(interp, verifyBodyPath, "connectionKey", "path"),
		"body-value": newStrategy(interp, verifyBodyValue, "connectionKey", "expected"),
	}
}

// responseRecord returns the map stored at cfg["connectionKey"].
func responseRecord(rc *runctx.RunContext, cfg Config) (map[string]any, error) {
	key := cfg.String("connectionKey")
	v, err := rc.RequireData(key)
	if err != nil {
		return nil, err
	}
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeOperation, "data %q is not a response record (%T)", key, v)
	}
	return rec, nil
}

func verifyStatus(_ context.Context, rc *runctx.RunContext, cfg Config) (*Result, error) {
	rec, err := responseRecord(rc, cfg)
	if err != nil {
		return nil, err
	}
	status, ok := match.ToFloat(rec["status"])
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeOperation, "data %q has no numeric status", cfg.String("connectionKey"))
	}

	op := cfg.String("operator")
	if op == "" {
		op = schema.OpEquals
	}
	passed, err := match.Compare(int(status), cfg["expected"], op)
	if err != nil {
		return nil, err
	}
	return &Result{
		Passed:        passed,
		Message:       describe("status", int(status), cfg["expected"], passed),
		ActualValue:   int(status),
		ExpectedValue: cfg["expected"],
	}, nil
}

func verifyHeader(_ context.Context, rc *runctx.RunContext, cfg Config) (*Result, error) {
	rec, err := responseRecord(rc, cfg)
	if err != nil {
		return nil, err
	}
	name := cfg.String("header")
	val, found := headerValue(rec["headers"], name)
	if !found {
		return &Result{
			Passed:        false,
			Message:       fmt.Sprintf("header %s not present", name),
			ExpectedValue: cfg["expected"],
		}, nil
	}
	if !cfg.Has("expected") {
		return &Result{Passed: true, Message: fmt.Sprintf("header %s present", name), ActualValue: val}, nil
	}
	return compareResult("header "+name, val, cfg)
}

// headerValue finds name case-insensitively in any common header shape.
func headerValue(headers any, name string) (string, bool) {
	switch h := headers.(type) {
	case map[string]string:
		for k, v := range h {
			if strings.EqualFold(k, name) {
				return v, true
			}
		}
	case map[string][]string:
		for k, v := range h {
			if strings.EqualFold(k, name) {
				return strings.Join(v, ", "), true
			}
		}
	case map[string]any:
		for k, v := range h {
			if !strings.EqualFold(k, name) {
				continue
			}
			if list, ok := v.([]any); ok {
				parts := make([]string, len(list))
				for i, p := range list {
					parts[i] = match.Stringify(p)
				}
				return strings.Join(parts, ", "), true
			}
			return match.Stringify(v), true
		}
	}
	return "", false
}

func verifyBodyPath(_ context.Context, rc *runctx.RunContext, cfg Config) (*Result, error) {
	rec, err := responseRecord(rc, cfg)
	if err != nil {
		return nil, err
	}
	path := cfg.String("path")
	val, found, err := expressions.LookupJSON(rec["body"], path)
	if err != nil {
		return nil, err
	}
	if !found {
		return &Result{
			Passed:        false,
			Message:       fmt.Sprintf("path %q not found in response body", path),
			ExpectedValue: cfg["expected"],
		}, nil
	}
	if !cfg.Has("expected") {
		return &Result{Passed: true, Message: fmt.Sprintf("path %q present", path), ActualValue: val}, nil
	}
	return compareResult("body "+path, val, cfg)
}

func verifyBodyValue(_ context.Context, rc *runctx.RunContext, cfg Config) (*Result, error) {
	rec, err := responseRecord(rc, cfg)
	if err != nil {
		return nil, err
	}
	body := rec["body"]
	if _, isString := cfg["expected"].(string); isString && cfg.String("matchKind") == "" {
		cfg = withDefault(cfg, "matchKind", schema.MatchContains)
	}
	return compareResult("body", body, cfg)
}

func withDefault(cfg Config, key string, value any) Config {
	out := make(Config, len(cfg)+1)
	for k, v := range cfg {
		out[k] = v
	}
	out[key] = value
	return out
}
