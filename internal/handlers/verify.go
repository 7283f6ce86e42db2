package handlers

import (
	"context"
	"encoding/json"

	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/internal/verify"
	"github.com/rendis/stepflow/pkg/schema"
)

type verifyConfig struct {
	Domain         string        `json:"domain"`
	Check          string        `json:"type"`
	Config         verify.Config `json:"config,omitempty"`
	ResultKey      string        `json:"resultKey,omitempty"`
	FailOnMismatch *bool         `json:"failOnMismatch,omitempty"`
}

// verifyHandler runs one registered verification strategy and stores its
// result at data[resultKey] (the step id when unset). A failed check fails
// the step unless failOnMismatch is false.
type verifyHandler struct{ deps Deps }

func (h *verifyHandler) Type() string   { return "verify" }
func (h *verifyHandler) Flow() FlowKind { return FlowSequential }

func (h *verifyHandler) Validate(raw json.RawMessage) error {
	cfg, err := decode[verifyConfig](h.Type(), raw)
	if err != nil {
		return err
	}
	if err := required(h.Type(), "domain", cfg.Domain); err != nil {
		return err
	}
	if err := required(h.Type(), "type", cfg.Check); err != nil {
		return err
	}
	s, err := h.deps.Verify.Lookup(cfg.Domain, cfg.Check)
	if err != nil {
		return err
	}
	return s.ValidateConfig(cfg.Config).ToError()
}

func (h *verifyHandler) Execute(ctx context.Context, step *schema.Step, rc *runctx.RunContext) (any, error) {
	cfg, err := decode[verifyConfig](h.Type(), step.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Config == nil {
		cfg.Config = verify.Config{}
	}

	res, err := h.deps.Verify.Verify(ctx, rc, cfg.Domain, cfg.Check, cfg.Config)
	if err != nil {
		return nil, err
	}

	key := cfg.ResultKey
	if key == "" {
		key = step.ID
	}
	rc.SetData(key, res)

	if !res.Passed && (cfg.FailOnMismatch == nil || *cfg.FailOnMismatch) {
		return res, schema.NewErrorf(schema.ErrCodeVerification, "%s.%s: %s", cfg.Domain, cfg.Check, res.Message).
			WithDetails(map[string]any{
				"domain":   cfg.Domain,
				"check":    cfg.Check,
				"actual":   res.ActualValue,
				"expected": res.ExpectedValue,
			})
	}
	return res, nil
}
