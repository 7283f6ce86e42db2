package handlers

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/internal/target"
	"github.com/rendis/stepflow/pkg/schema"
)

var interactActions = []string{"click", "dblclick", "fill", "type", "press", "hover", "check", "uncheck", "select", "clear", "focus"}

// --- browser.navigate ---

type navigateConfig struct {
	URL string `json:"url"`
}

type navigateHandler struct{ deps Deps }

func (h *navigateHandler) Type() string   { return "browser.navigate" }
func (h *navigateHandler) Flow() FlowKind { return FlowSequential }

func (h *navigateHandler) Validate(raw json.RawMessage) error {
	cfg, err := decode[navigateConfig](h.Type(), raw)
	if err != nil {
		return err
	}
	return required(h.Type(), "url", cfg.URL)
}

func (h *navigateHandler) Execute(ctx context.Context, step *schema.Step, rc *runctx.RunContext) (any, error) {
	cfg, err := decode[navigateConfig](h.Type(), step.Config)
	if err != nil {
		return nil, err
	}
	url, err := h.deps.Interp.String(cfg.URL, rc)
	if err != nil {
		return nil, err
	}
	page, err := rc.RequireTarget()
	if err != nil {
		return nil, err
	}
	if err := page.Navigate(ctx, url); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperation, "navigate to %q: %s", url, err.Error()).WithCause(err)
	}
	return map[string]any{"url": url}, nil
}

// --- browser.interact ---

type interactConfig struct {
	Locator     string `json:"locator"`
	LocatorKind string `json:"locatorKind,omitempty"`
	Action      string `json:"action"`
	Value       string `json:"value,omitempty"`
}

type interactHandler struct{ deps Deps }

func (h *interactHandler) Type() string   { return "browser.interact" }
func (h *interactHandler) Flow() FlowKind { return FlowSequential }

func (h *interactHandler) Validate(raw json.RawMessage) error {
	cfg, err := decode[interactConfig](h.Type(), raw)
	if err != nil {
		return err
	}
	if err := required(h.Type(), "locator", cfg.Locator); err != nil {
		return err
	}
	if !slices.Contains(interactActions, cfg.Action) {
		return schema.NewErrorf(schema.ErrCodeConfig, "%s: unknown action %q (available: %v)", h.Type(), cfg.Action, interactActions)
	}
	return nil
}

func (h *interactHandler) Execute(ctx context.Context, step *schema.Step, rc *runctx.RunContext) (any, error) {
	cfg, err := decode[interactConfig](h.Type(), step.Config)
	if err != nil {
		return nil, err
	}
	sel, err := h.deps.Interp.String(cfg.Locator, rc)
	if err != nil {
		return nil, err
	}
	value, err := h.deps.Interp.String(cfg.Value, rc)
	if err != nil {
		return nil, err
	}
	page, err := rc.RequireTarget()
	if err != nil {
		return nil, err
	}

	loc := target.Locator{Value: sel, Kind: cfg.LocatorKind}
	if err := page.Interact(ctx, loc, cfg.Action, value); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperation, "%s on %s: %s", cfg.Action, loc, err.Error()).
			WithDetails(map[string]any{"locator": loc.String(), "action": cfg.Action}).
			WithCause(err)
	}
	return map[string]any{"action": cfg.Action, "locator": loc.String()}, nil
}

// --- browser.context ---

type browserContextConfig struct {
	Action string `json:"action"` // create | switch
	Name   string `json:"name"`
}

type browserContextHandler struct{ deps Deps }

func (h *browserContextHandler) Type() string   { return "browser.context" }
func (h *browserContextHandler) Flow() FlowKind { return FlowSequential }

func (h *browserContextHandler) Validate(raw json.RawMessage) error {
	cfg, err := decode[browserContextConfig](h.Type(), raw)
	if err != nil {
		return err
	}
	if cfg.Action != "create" && cfg.Action != "switch" {
		return schema.NewErrorf(schema.ErrCodeConfig, "%s: action must be create or switch, got %q", h.Type(), cfg.Action)
	}
	return required(h.Type(), "name", cfg.Name)
}

func (h *browserContextHandler) Execute(ctx context.Context, step *schema.Step, rc *runctx.RunContext) (any, error) {
	cfg, err := decode[browserContextConfig](h.Type(), step.Config)
	if err != nil {
		return nil, err
	}
	name, err := h.deps.Interp.String(cfg.Name, rc)
	if err != nil {
		return nil, err
	}
	switch cfg.Action {
	case "create":
		if _, err := rc.CreateSubContext(ctx, name, h.deps.Launcher); err != nil {
			return nil, err
		}
	case "switch":
		if err := rc.SwitchSubContext(name); err != nil {
			return nil, err
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "%s: action must be create or switch, got %q", h.Type(), cfg.Action)
	}
	return map[string]any{"context": name}, nil
}
