// Package handlers maps step type tags to their implementations.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/pkg/schema"
)

// FlowKind tells the executor how to pick a step's successors.
type FlowKind int

const (
	// FlowSequential follows every outgoing edge.
	FlowSequential FlowKind = iota
	// FlowSwitch follows the edges matching the handle the step selected.
	FlowSwitch
	// FlowLoop repeats the body subgraph, then follows the done edges.
	FlowLoop
)

func (k FlowKind) String() string {
	switch k {
	case FlowSwitch:
		return "switch"
	case FlowLoop:
		return "loop"
	}
	return "sequential"
}

// Handler implements one step type.
type Handler interface {
	Type() string
	Flow() FlowKind
	// Validate checks a step config before the run starts.
	Validate(config json.RawMessage) error
	// Execute runs the step. The returned value is recorded as the step output.
	Execute(ctx context.Context, step *schema.Step, rc *runctx.RunContext) (any, error)
}

// Info is a summary of a registered handler for listing.
type Info struct {
	Type   string `json:"type"`
	Flow   string `json:"flow"`
	Plugin string `json:"plugin,omitempty"`
}

// Registry is the thread-safe dispatch table. Built-in handlers are
// consulted first, then the plugin table.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]Handler
	plugins  map[string]Handler
	origin   map[string]string // plugin type → prefix
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		builtins: make(map[string]Handler),
		plugins:  make(map[string]Handler),
		origin:   make(map[string]string),
	}
}

// Register adds a built-in handler. Returns CONFLICT on a duplicate type.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeConfig, "handler is nil")
	}
	typ := h.Type()
	if typ == "" {
		return schema.NewError(schema.ErrCodeConfig, "handler type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builtins[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", typ)
	}
	r.builtins[typ] = h
	return nil
}

// RegisterPlugin adds handlers under a namespace: each type becomes
// "prefix.type". Returns how many were registered before any conflict.
func (r *Registry) RegisterPlugin(prefix string, hs []Handler) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeConfig, "plugin prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, h := range hs {
		typ := prefix + "." + h.Type()
		if _, exists := r.plugins[typ]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "plugin handler %q already registered", typ)
		}
		if _, exists := r.builtins[typ]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "plugin handler %q shadows a built-in", typ)
		}
		r.plugins[typ] = &prefixedHandler{inner: h, typ: typ}
		r.origin[typ] = prefix
		registered++
	}
	return registered, nil
}

// Resolve returns the handler for a step type.
func (r *Registry) Resolve(typ string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.builtins[typ]; ok {
		return h, nil
	}
	if strings.Contains(typ, ".") {
		if h, ok := r.plugins[typ]; ok {
			return h, nil
		}
	}
	return nil, schema.NotFoundError("handler", typ, r.typesLocked())
}

// FlowOf resolves typ and reports its flow kind.
func (r *Registry) FlowOf(typ string) (FlowKind, error) {
	h, err := r.Resolve(typ)
	if err != nil {
		return FlowSequential, err
	}
	return h.Flow(), nil
}

// Has reports whether typ resolves.
func (r *Registry) Has(typ string) bool {
	_, err := r.Resolve(typ)
	return err == nil
}

// List returns every registered handler, sorted by type.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.builtins)+len(r.plugins))
	for typ, h := range r.builtins {
		out = append(out, Info{Type: typ, Flow: h.Flow().String()})
	}
	for typ, h := range r.plugins {
		out = append(out, Info{Type: typ, Flow: h.Flow().String(), Plugin: r.origin[typ]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func (r *Registry) typesLocked() []string {
	keys := make([]string, 0, len(r.builtins)+len(r.plugins))
	for k := range r.builtins {
		keys = append(keys, k)
	}
	for k := range r.plugins {
		keys = append(keys, k)
	}
	return keys
}

// prefixedHandler exposes a plugin handler under its namespaced type.
type prefixedHandler struct {
	inner Handler
	typ   string
}

func (p *prefixedHandler) Type() string                          { return p.typ }
func (p *prefixedHandler) Flow() FlowKind                        { return p.inner.Flow() }
func (p *prefixedHandler) Validate(config json.RawMessage) error { return p.inner.Validate(config) }

func (p *prefixedHandler) Execute(ctx context.Context, step *schema.Step, rc *runctx.RunContext) (any, error) {
	return p.inner.Execute(ctx, step, rc)
}

// decode unmarshals a step config into T. An empty config yields T's zero value.
func decode[T any](typ string, raw json.RawMessage) (T, error) {
	var cfg T
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, schema.NewErrorf(schema.ErrCodeConfig, "%s: invalid config: %s", typ, err.Error()).WithCause(err)
	}
	return cfg, nil
}

func required(typ, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return schema.NewErrorf(schema.ErrCodeConfig, "%s: missing required field %q", typ, field)
	}
	return nil
}
