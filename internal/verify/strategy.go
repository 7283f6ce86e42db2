package verify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/match"
	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/pkg/schema"
)

type execFunc func(ctx context.Context, rc *runctx.RunContext, cfg Config) (*Result, error)

// strategy is the shared Strategy implementation: required-field checks,
// config interpolation, then the type-specific check.
type strategy struct {
	required []string
	interp   *expressions.Interpolator
	exec     execFunc
}

func newStrategy(interp *expressions.Interpolator, exec execFunc, required ...string) *strategy {
	return &strategy{required: required, interp: interp, exec: exec}
}

func (s *strategy) RequiredFields() []string {
	return append([]string(nil), s.required...)
}

func (s *strategy) ValidateConfig(cfg Config) *schema.ValidationResult {
	res := &schema.ValidationResult{}
	for _, f := range s.required {
		if v, ok := cfg[f]; !ok || v == nil || v == "" {
			res.AddError(f, schema.ErrCodeConfig, fmt.Sprintf("%q is required", f))
		}
	}
	if kind := cfg.String("matchKind"); kind != "" {
		if _, err := match.String("", "", kind, true); err != nil {
			res.AddError("matchKind", schema.ErrCodeConfig, err.Error())
		}
	}
	if op := cfg.String("operator"); op != "" {
		if _, err := match.Compare(0, 0, op); err != nil {
			res.AddError("operator", schema.ErrCodeConfig, err.Error())
		}
	}
	return res
}

func (s *strategy) Execute(ctx context.Context, rc *runctx.RunContext, cfg Config) (*Result, error) {
	if err := s.ValidateConfig(cfg).ToError(); err != nil {
		return nil, err
	}
	resolved, err := ResolveConfig(s.interp, cfg, rc)
	if err != nil {
		return nil, err
	}
	return s.exec(ctx, rc, resolved)
}

// ResolveConfig resolves every top-level value of cfg with ResolveValue.
func ResolveConfig(interp *expressions.Interpolator, cfg Config, rc *runctx.RunContext) (Config, error) {
	if interp == nil {
		interp = expressions.NewInterpolator()
	}
	out := make(Config, len(cfg))
	for k, v := range cfg {
		r, err := ResolveValue(interp, v, rc)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

var domainRef = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_-]*)\.([^{}]+)\}$`)

// ResolveValue resolves one config value in two passes. First every
// ${{...}} reference is interpolated; a value that is exactly one reference
// keeps the referenced value's type. A string left in the form ${ns.key} is
// then read from run state: ns "data" or "variables" names that store, any
// other ns names a data record, so ${api.status} reads data.api.status.
// Anything else, including a ${ns.key} whose record does not exist, is
// returned as a literal.
func ResolveValue(interp *expressions.Interpolator, v any, rc *runctx.RunContext) (any, error) {
	if interp == nil {
		interp = expressions.NewInterpolator()
	}
	r, err := interp.Resolve(v, rc)
	if err != nil {
		return nil, err
	}
	s, ok := r.(string)
	if !ok || rc == nil {
		return r, nil
	}
	m := domainRef.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return s, nil
	}
	ns, key := m[1], strings.TrimSpace(m[2])
	switch ns {
	case "data", "variables", "vars":
		return interp.Value("${{"+ns+"."+key+"}}", rc)
	}
	if _, found := rc.GetData(ns); !found {
		return s, nil
	}
	return interp.Value("${{data."+ns+"."+key+"}}", rc)
}

// String returns cfg[key] as a string, or "".
func (c Config) String(key string) string {
	v, ok := c[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return match.Stringify(v)
}

// Bool returns cfg[key] as a bool, or def.
func (c Config) Bool(key string, def bool) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return def
}

// Int returns cfg[key] as an int, or def.
func (c Config) Int(key string, def int) int {
	if f, ok := match.ToFloat(c[key]); ok {
		return int(f)
	}
	return def
}

// Duration reads a millisecond value.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	if f, ok := match.ToFloat(c[key]); ok && f > 0 {
		return time.Duration(f) * time.Millisecond
	}
	return def
}

// Has reports whether key is present and non-nil.
func (c Config) Has(key string) bool {
	v, ok := c[key]
	return ok && v != nil
}

// compareExpected checks actual against cfg["expected"]. An explicit
// operator selects a comparison; a string expectation selects a string
// match (matchKind, caseSensitive); anything else is deep equality.
func compareExpected(actual any, cfg Config) (bool, error) {
	expected := cfg["expected"]
	if op := cfg.String("operator"); op != "" {
		return match.Compare(actual, expected, op)
	}
	if s, ok := expected.(string); ok {
		return match.String(match.Stringify(actual), s, cfg.String("matchKind"), cfg.Bool("caseSensitive", true))
	}
	return match.Equal(actual, expected), nil
}

func describe(subject string, actual, expected any, passed bool) string {
	if passed {
		return fmt.Sprintf("%s matched: %s", subject, match.Stringify(actual))
	}
	return fmt.Sprintf("%s mismatch: expected %s, got %s", subject, match.Stringify(expected), match.Stringify(actual))
}

// RegisterBuiltins installs every built-in strategy.
func RegisterBuiltins(r *Registry, interp *expressions.Interpolator) error {
	if interp == nil {
		interp = expressions.NewInterpolator()
	}
	groups := map[string]map[string]Strategy{
		DomainBrowser:  browserStrategies(interp),
		DomainAPI:      apiStrategies(interp),
		DomainDatabase: databaseStrategies(interp),
	}
	for domain, byType := range groups {
		for typ, s := range byType {
			if err := r.Register(domain, typ, s); err != nil {
				return err
			}
		}
	}
	return nil
}
