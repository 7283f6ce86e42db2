package handlers

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- config.load ---

type configLoadConfig struct {
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
	Format  string `json:"format,omitempty"` // yaml | json (default: from extension, else yaml)
	Target  string `json:"target,omitempty"` // data | variables (default: data)
	Key     string `json:"key,omitempty"`    // store the whole document under one key
}

// configLoadHandler reads a YAML or JSON document from a file or inline
// content and merges it into data or variables. Without a key the document
// must be a mapping and each top-level entry is set individually.
type configLoadHandler struct{ deps Deps }

func (h *configLoadHandler) Type() string   { return "config.load" }
func (h *configLoadHandler) Flow() FlowKind { return FlowSequential }

func (h *configLoadHandler) Validate(raw json.RawMessage) error {
	cfg, err := decode[configLoadConfig](h.Type(), raw)
	if err != nil {
		return err
	}
	if (cfg.Path == "") == (cfg.Content == "") {
		return schema.NewErrorf(schema.ErrCodeConfig, "%s: exactly one of path or content is required", h.Type())
	}
	switch cfg.Format {
	case "", "yaml", "yml", "json":
	default:
		return schema.NewErrorf(schema.ErrCodeConfig, "%s: unknown format %q (available: [json, yaml])", h.Type(), cfg.Format)
	}
	switch cfg.Target {
	case "", "data", "variables":
	default:
		return schema.NewErrorf(schema.ErrCodeConfig, "%s: target must be data or variables, got %q", h.Type(), cfg.Target)
	}
	return nil
}

func (h *configLoadHandler) Execute(_ context.Context, step *schema.Step, rc *runctx.RunContext) (any, error) {
	cfg, err := resolveInto[configLoadConfig](h.deps.Interp, h.Type(), step.Config, rc)
	if err != nil {
		return nil, err
	}

	content := []byte(cfg.Content)
	if cfg.Path != "" {
		content, err = os.ReadFile(cfg.Path)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeOperation, "%s: read %s: %s", h.Type(), cfg.Path, err.Error()).WithCause(err)
		}
	}

	doc, err := parseDocument(content, documentFormat(cfg.Format, cfg.Path))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "%s: parse document: %s", h.Type(), err.Error()).WithCause(err)
	}

	set := rc.SetData
	if cfg.Target == "variables" {
		set = rc.SetVariable
	}

	if cfg.Key != "" {
		set(cfg.Key, doc)
		return map[string]any{"keys": []string{cfg.Key}}, nil
	}
	m, ok := doc.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "%s: document must be a mapping when no key is given, got %T", h.Type(), doc)
	}
	keys := make([]string, 0, len(m))
	for k, v := range m {
		set(k, v)
		keys = append(keys, k)
	}
	return map[string]any{"keys": keys}, nil
}

func documentFormat(format, path string) string {
	if format != "" {
		return format
	}
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		return "json"
	}
	return "yaml"
}

func parseDocument(content []byte, format string) (any, error) {
	var doc any
	if format == "json" {
		if err := json.Unmarshal(content, &doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, err
	}
	return normalizeYAML(doc), nil
}

// normalizeYAML converts map[any]any nodes left by non-string keys.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[stringKey(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	}
	return v
}

func stringKey(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	b, _ := json.Marshal(k)
	return strings.Trim(string(b), `"`)
}

// --- variable.set ---

type variableSetConfig struct {
	Name      string         `json:"name,omitempty"`
	Value     any            `json:"value,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

type variableSetHandler struct{ deps Deps }

func (h *variableSetHandler) Type() string   { return "variable.set" }
func (h *variableSetHandler) Flow() FlowKind { return FlowSequential }

func (h *variableSetHandler) Validate(raw json.RawMessage) error {
	cfg, err := decode[variableSetConfig](h.Type(), raw)
	if err != nil {
		return err
	}
	if cfg.Name == "" && len(cfg.Variables) == 0 {
		return schema.NewErrorf(schema.ErrCodeConfig, "%s: name or variables is required", h.Type())
	}
	return nil
}

func (h *variableSetHandler) Execute(_ context.Context, step *schema.Step, rc *runctx.RunContext) (any, error) {
	cfg, err := resolveInto[variableSetConfig](h.deps.Interp, h.Type(), step.Config, rc)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(cfg.Variables)+1)
	for k, v := range cfg.Variables {
		rc.SetVariable(k, v)
		out[k] = v
	}
	if cfg.Name != "" {
		rc.SetVariable(cfg.Name, cfg.Value)
		out[cfg.Name] = cfg.Value
	}
	return out, nil
}

// --- transform ---

type transformConfig struct {
	Expression string `json:"expression"`
	Input      any    `json:"input,omitempty"`
	ResultKey  string `json:"resultKey,omitempty"`
}

// transformHandler runs a jq expression over {data, variables, input} and
// stores the result at data[resultKey] (the step id when unset).
type transformHandler struct{ deps Deps }

func (h *transformHandler) Type() string   { return "transform" }
func (h *transformHandler) Flow() FlowKind { return FlowSequential }

func (h *transformHandler) Validate(raw json.RawMessage) error {
	cfg, err := decode[transformConfig](h.Type(), raw)
	if err != nil {
		return err
	}
	return required(h.Type(), "expression", cfg.Expression)
}

func (h *transformHandler) Execute(ctx context.Context, step *schema.Step, rc *runctx.RunContext) (any, error) {
	cfg, err := decode[transformConfig](h.Type(), step.Config)
	if err != nil {
		return nil, err
	}
	input, err := h.deps.Interp.Resolve(cfg.Input, rc)
	if err != nil {
		return nil, err
	}

	env := expressions.Env(rc)
	env["input"] = input
	out, err := h.deps.JQ.Evaluate(ctx, cfg.Expression, env)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeOperation).WithStep(step.ID)
	}

	key := cfg.ResultKey
	if key == "" {
		key = step.ID
	}
	rc.SetData(key, out)
	return out, nil
}

// --- delay ---

type delayConfig struct {
	Ms schema.Expr `json:"ms"`
}

type delayHandler struct{ deps Deps }

func (h *delayHandler) Type() string   { return "delay" }
func (h *delayHandler) Flow() FlowKind { return FlowSequential }

func (h *delayHandler) Validate(raw json.RawMessage) error {
	cfg, err := decode[delayConfig](h.Type(), raw)
	if err != nil {
		return err
	}
	return required(h.Type(), "ms", string(cfg.Ms))
}

func (h *delayHandler) Execute(ctx context.Context, step *schema.Step, rc *runctx.RunContext) (any, error) {
	cfg, err := decode[delayConfig](h.Type(), step.Config)
	if err != nil {
		return nil, err
	}
	ms, err := h.deps.Interp.Int(cfg.Ms, rc, 0)
	if err != nil {
		return nil, err
	}
	if ms < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "%s: ms must not be negative, got %d", h.Type(), ms)
	}

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"delayed": ms}, nil
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "delay interrupted after less than %dms", ms).WithCause(ctx.Err())
	}
}
