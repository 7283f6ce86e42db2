package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/handlers"
	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Config describes how to launch and namespace a plugin server.
type Config struct {
	ID      string   `json:"id"`
	Prefix  string   `json:"prefix"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// Recorder persists plugin health. Satisfied by store.Store.
type Recorder interface {
	UpsertPlugin(ctx context.Context, p *store.PluginRecord) error
	UpdatePluginStatus(ctx context.Context, id, status, errMsg string) error
}

// Plugin lifecycle states.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusCrashed   = "crashed"
	StatusStopped   = "stopped"
)

const (
	defaultHealthInterval = 30 * time.Second
	maxHealthFailures     = 3
	maxRestartBackoff     = 60 * time.Second
)

// ManagerConfig holds Manager options. Zero values take defaults.
type ManagerConfig struct {
	Dial           Dialer
	Recorder       Recorder
	Interp         *expressions.Interpolator
	HealthInterval time.Duration
	RestartBackoff time.Duration // base of the exponential restart delay
	Logger         *slog.Logger
}

// Manager launches plugin servers, registers their tools as namespaced
// step handlers and keeps the servers alive.
type Manager struct {
	registry *handlers.Registry
	cfg      ManagerConfig
	plugins  map[string]*managedPlugin
	mu       sync.RWMutex
	logger   *slog.Logger
}

type managedPlugin struct {
	config   Config
	mu       sync.RWMutex
	client   ToolClient
	status   string
	errCount int
	lastErr  string
	cancel   context.CancelFunc
}

func (mp *managedPlugin) currentClient() ToolClient {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.client
}

// NewManager creates a Manager registering plugin tools into registry.
func NewManager(registry *handlers.Registry, cfg ManagerConfig) *Manager {
	if cfg.Dial == nil {
		cfg.Dial = DialStdio
	}
	if cfg.Interp == nil {
		cfg.Interp = expressions.NewInterpolator()
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		cfg:      cfg,
		plugins:  make(map[string]*managedPlugin),
		logger:   cfg.Logger,
	}
}

// Load starts a plugin, discovers its tools and registers each as the
// step type "prefix.tool". It returns the number of registered tools.
func (m *Manager) Load(ctx context.Context, cfg Config) (int, error) {
	if cfg.ID == "" {
		return 0, schema.NewError(schema.ErrCodeConfig, "plugin id is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = cfg.ID
	}
	if cfg.Command == "" {
		return 0, schema.NewErrorf(schema.ErrCodeConfig, "plugin %q: command is required", cfg.ID)
	}

	m.mu.Lock()
	if _, exists := m.plugins[cfg.ID]; exists {
		m.mu.Unlock()
		return 0, schema.NewErrorf(schema.ErrCodeConflict, "plugin %q already loaded", cfg.ID)
	}
	m.mu.Unlock()

	c, err := m.cfg.Dial(ctx, cfg)
	if err != nil {
		m.record(ctx, cfg, store.PluginError, 0, err.Error())
		return 0, err
	}
	tools, err := c.ListTools(ctx)
	if err != nil {
		_ = c.Close()
		m.record(ctx, cfg, store.PluginError, 0, err.Error())
		return 0, err
	}

	mp := &managedPlugin{config: cfg, client: c, status: StatusHealthy}
	hs := make([]handlers.Handler, 0, len(tools))
	for _, t := range tools {
		hs = append(hs, &toolHandler{tool: t, plugin: mp, interp: m.cfg.Interp})
	}
	n, err := m.registry.RegisterPlugin(cfg.Prefix, hs)
	if err != nil {
		_ = c.Close()
		m.record(ctx, cfg, store.PluginError, n, err.Error())
		return n, fmt.Errorf("register plugin %q: %w", cfg.ID, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	mp.cancel = cancel

	m.mu.Lock()
	m.plugins[cfg.ID] = mp
	m.mu.Unlock()

	m.record(ctx, cfg, store.PluginActive, n, "")
	go m.healthLoop(loopCtx, mp)

	m.logger.InfoContext(ctx, "plugin loaded",
		slog.String("id", cfg.ID),
		slog.String("prefix", cfg.Prefix),
		slog.Int("tools", n),
	)
	return n, nil
}

// LoadAll loads every configured plugin, logging and collecting failures.
func (m *Manager) LoadAll(ctx context.Context, cfgs []Config) error {
	var errs []error
	for _, cfg := range cfgs {
		if _, err := m.Load(ctx, cfg); err != nil {
			m.logger.ErrorContext(ctx, "failed to load plugin",
				slog.String("id", cfg.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) healthLoop(ctx context.Context, mp *managedPlugin) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.checkHealth(ctx, mp) {
				continue
			}
			if !m.restart(ctx, mp) {
				return
			}
		}
	}
}

// checkHealth pings the plugin once. It reports false when the plugin has
// failed enough consecutive pings to need a restart.
func (m *Manager) checkHealth(ctx context.Context, mp *managedPlugin) bool {
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthInterval)
	err := mp.currentClient().Ping(pingCtx)
	cancel()

	mp.mu.Lock()
	if err == nil {
		mp.errCount = 0
		mp.lastErr = ""
		mp.status = StatusHealthy
		mp.mu.Unlock()
		m.updateStatus(ctx, mp.config.ID, store.PluginActive, "")
		return true
	}
	mp.errCount++
	mp.lastErr = err.Error()
	failures := mp.errCount
	if failures >= maxHealthFailures {
		mp.status = StatusUnhealthy
	}
	mp.mu.Unlock()

	m.logger.WarnContext(ctx, "plugin ping failed",
		slog.String("id", mp.config.ID),
		slog.Int("consecutive_errors", failures),
		slog.String("error", err.Error()),
	)
	m.updateStatus(ctx, mp.config.ID, store.PluginActive, err.Error())
	return failures < maxHealthFailures
}

// restart replaces the plugin's client after an exponential backoff.
// Registered handlers keep pointing at mp, so they pick up the new client.
// It reports false when the loop should stop.
func (m *Manager) restart(ctx context.Context, mp *managedPlugin) bool {
	mp.mu.Lock()
	delay := restartBackoff(m.cfg.RestartBackoff, mp.errCount)
	mp.status = StatusCrashed
	lastErr := mp.lastErr
	old := mp.client
	mp.mu.Unlock()

	m.updateStatus(ctx, mp.config.ID, store.PluginError, lastErr)
	m.logger.InfoContext(ctx, "restarting plugin",
		slog.String("id", mp.config.ID),
		slog.Duration("backoff", delay),
	)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
	}

	_ = old.Close()
	c, err := m.cfg.Dial(ctx, mp.config)
	if err != nil {
		mp.mu.Lock()
		mp.errCount++
		mp.lastErr = err.Error()
		mp.mu.Unlock()
		m.logger.ErrorContext(ctx, "failed to restart plugin",
			slog.String("id", mp.config.ID),
			slog.String("error", err.Error()),
		)
		return true
	}

	mp.mu.Lock()
	mp.client = c
	mp.errCount = 0
	mp.lastErr = ""
	mp.status = StatusHealthy
	mp.mu.Unlock()
	m.updateStatus(ctx, mp.config.ID, store.PluginActive, "")
	return true
}

// restartBackoff is min(base * 2^failures, 60s).
func restartBackoff(base time.Duration, failures int) time.Duration {
	return time.Duration(math.Min(
		float64(base)*math.Pow(2, float64(failures)),
		float64(maxRestartBackoff),
	))
}

// Stop closes one plugin. Its handlers stay registered and fail with
// OPERATION_ERROR until the process exits.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	mp, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return schema.NotFoundError("plugin", id, m.idsLocked())
	}
	delete(m.plugins, id)
	m.mu.Unlock()

	mp.cancel()
	mp.mu.Lock()
	mp.status = StatusStopped
	err := mp.client.Close()
	mp.mu.Unlock()

	m.updateStatus(ctx, id, store.PluginInactive, "")
	m.logger.InfoContext(ctx, "plugin stopped", slog.String("id", id))
	return err
}

// StopAll stops every managed plugin.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	ids := m.idsLocked()
	m.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status returns the current state of every managed plugin.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.plugins))
	for id, mp := range m.plugins {
		mp.mu.RLock()
		out[id] = mp.status
		mp.mu.RUnlock()
	}
	return out
}

func (m *Manager) idsLocked() []string {
	ids := make([]string, 0, len(m.plugins))
	for id := range m.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) record(ctx context.Context, cfg Config, status string, tools int, errMsg string) {
	if m.cfg.Recorder == nil {
		return
	}
	raw, _ := json.Marshal(cfg)
	now := time.Now().UTC()
	if err := m.cfg.Recorder.UpsertPlugin(ctx, &store.PluginRecord{
		ID:              cfg.ID,
		Prefix:          cfg.Prefix,
		Command:         strings.TrimSpace(cfg.Command + " " + strings.Join(cfg.Args, " ")),
		Config:          raw,
		Status:          status,
		Tools:           tools,
		ErrorMessage:    errMsg,
		LastHealthCheck: &now,
	}); err != nil {
		m.logger.WarnContext(ctx, "failed to persist plugin", slog.String("id", cfg.ID), slog.String("error", err.Error()))
	}
}

func (m *Manager) updateStatus(ctx context.Context, id, status, errMsg string) {
	if m.cfg.Recorder == nil {
		return
	}
	if err := m.cfg.Recorder.UpdatePluginStatus(ctx, id, status, errMsg); err != nil {
		m.logger.WarnContext(ctx, "failed to persist plugin status", slog.String("id", id), slog.String("error", err.Error()))
	}
}

// toolHandler exposes one plugin tool as a sequential step handler. The
// resolved step config (minus the engine-owned options) becomes the tool
// arguments and the tool result becomes the step output.
type toolHandler struct {
	tool   Tool
	plugin *managedPlugin
	interp *expressions.Interpolator
}

func (h *toolHandler) Type() string            { return h.tool.Name }
func (h *toolHandler) Flow() handlers.FlowKind { return handlers.FlowSequential }

func (h *toolHandler) Validate(config json.RawMessage) error {
	_, err := schema.DecodeStepOptions(config)
	return err
}

func (h *toolHandler) Execute(ctx context.Context, step *schema.Step, rc *runctx.RunContext) (any, error) {
	args, err := handlers.ResolveConfig(h.interp, step.Type, step.Config, rc)
	if err != nil {
		return nil, err
	}
	out, err := h.plugin.currentClient().CallTool(ctx, h.tool.Name, args)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperation, "%s: %s", step.Type, err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	return out, nil
}
