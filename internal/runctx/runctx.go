// Package runctx holds the mutable state of one workflow run.
package runctx

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/stepflow/internal/target"
	"github.com/rendis/stepflow/pkg/schema"
)

// RunContext is the state shared by every step of a single run: step
// outputs (data), user variables, the current target handle, named
// sub-contexts, and named connection handles. Each method is atomic; a
// read-modify-write spanning several calls is not.
type RunContext struct {
	mu sync.RWMutex

	data      map[string]any
	variables map[string]any

	target      target.Page
	subContexts map[string]target.Page
	currentSub  string

	connections map[string]any
}

// New returns an empty run context.
func New() *RunContext {
	return &RunContext{
		data:        make(map[string]any),
		variables:   make(map[string]any),
		subContexts: make(map[string]target.Page),
		connections: make(map[string]any),
	}
}

// GetData returns the value stored at key.
func (rc *RunContext) GetData(key string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.data[key]
	return v, ok
}

// SetData stores value at key, replacing any previous value.
func (rc *RunContext) SetData(key string, value any) {
	rc.mu.Lock()
	rc.data[key] = value
	rc.mu.Unlock()
}

// DeleteData removes key.
func (rc *RunContext) DeleteData(key string) {
	rc.mu.Lock()
	delete(rc.data, key)
	rc.mu.Unlock()
}

// GetAllData returns a shallow copy of the data map. Nested maps and
// slices are still shared with the context; mutating them mutates run state.
func (rc *RunContext) GetAllData() map[string]any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return copyMap(rc.data)
}

// DataKeys returns the sorted data keys.
func (rc *RunContext) DataKeys() []string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return sortedKeys(rc.data)
}

// GetVariable returns the variable stored at name.
func (rc *RunContext) GetVariable(name string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.variables[name]
	return v, ok
}

// SetVariable stores value under name.
func (rc *RunContext) SetVariable(name string, value any) {
	rc.mu.Lock()
	rc.variables[name] = value
	rc.mu.Unlock()
}

// GetAllVariables returns a shallow copy of the variables map.
func (rc *RunContext) GetAllVariables() map[string]any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return copyMap(rc.variables)
}

// VariableKeys returns the sorted variable names.
func (rc *RunContext) VariableKeys() []string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return sortedKeys(rc.variables)
}

// Target returns the current target handle, or nil if none is set.
func (rc *RunContext) Target() target.Page {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.target
}

// SetTarget replaces the current target handle.
func (rc *RunContext) SetTarget(p target.Page) {
	rc.mu.Lock()
	rc.target = p
	rc.mu.Unlock()
}

// SubContext returns the named sub-context.
func (rc *RunContext) SubContext(name string) (target.Page, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	p, ok := rc.subContexts[name]
	return p, ok
}

// SetSubContext registers p under name without switching to it.
func (rc *RunContext) SetSubContext(name string, p target.Page) {
	rc.mu.Lock()
	rc.subContexts[name] = p
	rc.mu.Unlock()
}

// CreateSubContext opens a new page through launcher, registers it under
// name, and makes it the current target.
func (rc *RunContext) CreateSubContext(ctx context.Context, name string, launcher target.Launcher) (target.Page, error) {
	if launcher == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "cannot create sub-context %q: no launcher configured", name)
	}
	p, err := launcher.NewPage(ctx, name)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperation, "create sub-context %q: %s", name, err.Error()).WithCause(err)
	}

	rc.mu.Lock()
	rc.subContexts[name] = p
	rc.currentSub = name
	rc.target = p
	rc.mu.Unlock()
	return p, nil
}

// SwitchSubContext makes the named sub-context the current target.
func (rc *RunContext) SwitchSubContext(name string) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	p, ok := rc.subContexts[name]
	if !ok {
		return schema.NotFoundError("sub-context", name, sortedPageKeys(rc.subContexts))
	}
	rc.currentSub = name
	rc.target = p
	return nil
}

// CurrentSubContextKey returns the name of the active sub-context, or "".
func (rc *RunContext) CurrentSubContextKey() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.currentSub
}

// Connection returns the named connection handle.
func (rc *RunContext) Connection(name string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	c, ok := rc.connections[name]
	return c, ok
}

// SetConnection registers a connection handle under name.
func (rc *RunContext) SetConnection(name string, conn any) {
	rc.mu.Lock()
	rc.connections[name] = conn
	rc.mu.Unlock()
}

// RemoveConnection unregisters name and returns the removed handle so the
// caller can close it.
func (rc *RunContext) RemoveConnection(name string) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	c, ok := rc.connections[name]
	delete(rc.connections, name)
	return c, ok
}

// ConnectionKeys returns the sorted connection names.
func (rc *RunContext) ConnectionKeys() []string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return sortedKeys(rc.connections)
}

// Reset clears data and variables. Target, sub-contexts, and connections
// are left alone.
func (rc *RunContext) Reset() {
	rc.mu.Lock()
	rc.data = make(map[string]any)
	rc.variables = make(map[string]any)
	rc.mu.Unlock()
}

// RequireData returns data[key] or a NOT_FOUND error listing the available keys.
func (rc *RunContext) RequireData(key string) (any, error) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.data[key]
	if !ok {
		return nil, schema.NotFoundError("data key", key, sortedKeys(rc.data))
	}
	return v, nil
}

// RequireVariable returns variables[name] or a NOT_FOUND error listing the
// available names.
func (rc *RunContext) RequireVariable(name string) (any, error) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.variables[name]
	if !ok {
		return nil, schema.NotFoundError("variable", name, sortedKeys(rc.variables))
	}
	return v, nil
}

// RequireTarget returns the current target or a NOT_FOUND error.
func (rc *RunContext) RequireTarget() (target.Page, error) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.target == nil {
		return nil, schema.NotFoundError("target", "current", sortedPageKeys(rc.subContexts))
	}
	return rc.target, nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedPageKeys(m map[string]target.Page) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
