package handlers

import (
	"context"
	"encoding/json"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/httpclient"
	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/pkg/schema"
)

// stepOptionKeys are the config keys the executor owns. They are left out
// of handler-side interpolation so they resolve at their own time of use.
var stepOptionKeys = []string{"timeout", "failSilently", "retry", "wait", "waitAfterOperation"}

// resolveInto interpolates every handler-owned field of raw against rc and
// decodes the result into T.
func resolveInto[T any](interp *expressions.Interpolator, typ string, raw json.RawMessage, rc *runctx.RunContext) (T, error) {
	var zero T
	resolved, err := ResolveConfig(interp, typ, raw, rc)
	if err != nil {
		return zero, err
	}
	b, err := json.Marshal(resolved)
	if err != nil {
		return zero, schema.NewErrorf(schema.ErrCodeConfig, "%s: re-encode config: %s", typ, err.Error()).WithCause(err)
	}
	return decode[T](typ, b)
}

// ResolveConfig returns the handler-owned part of a step config as a map,
// with every ${{...}} reference resolved against rc.
func ResolveConfig(interp *expressions.Interpolator, typ string, raw json.RawMessage, rc *runctx.RunContext) (map[string]any, error) {
	m, err := decode[map[string]any](typ, raw)
	if err != nil {
		return nil, err
	}
	for _, k := range stepOptionKeys {
		delete(m, k)
	}
	resolved, err := interp.Resolve(m, rc)
	if err != nil {
		return nil, err
	}
	out, _ := resolved.(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

type httpRequestConfig struct {
	httpclient.Request
	ConnectionKey string `json:"connectionKey,omitempty"`
}

// httpRequestHandler performs an HTTP call and stores the response record
// at data[connectionKey] (the step id when unset).
type httpRequestHandler struct{ deps Deps }

func (h *httpRequestHandler) Type() string   { return "http.request" }
func (h *httpRequestHandler) Flow() FlowKind { return FlowSequential }

func (h *httpRequestHandler) Validate(raw json.RawMessage) error {
	cfg, err := decode[httpRequestConfig](h.Type(), raw)
	if err != nil {
		return err
	}
	if expressions.HasInterpolation(raw) {
		return required(h.Type(), "url", cfg.URL)
	}
	return httpclient.Validate(&cfg.Request)
}

func (h *httpRequestHandler) Execute(ctx context.Context, step *schema.Step, rc *runctx.RunContext) (any, error) {
	cfg, err := resolveInto[httpRequestConfig](h.deps.Interp, h.Type(), step.Config, rc)
	if err != nil {
		return nil, err
	}
	key := cfg.ConnectionKey
	if key == "" {
		key = step.ID
	}

	resp, err := h.deps.HTTP.Execute(ctx, &cfg.Request)
	if resp != nil {
		rc.SetData(key, resp.Record())
	}
	if err != nil {
		return nil, err
	}
	return resp.Record(), nil
}
