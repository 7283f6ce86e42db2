package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/rendis/stepflow/internal/plugins"
)

// Config holds all stepflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string           `json:"db_path"`
	LogLevel      string           `json:"log_level"`
	LogFormat     string           `json:"log_format"`
	PoolSize      int              `json:"pool_size"`
	StepTimeoutMs int              `json:"step_timeout_ms"`
	Plugins       []plugins.Config `json:"plugins,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(stepflowDir(), "stepflow.db"),
		LogLevel:      "info",
		LogFormat:     "text",
		PoolSize:      10,
		StepTimeoutMs: 30000,
	}
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(stepflowDir(), "stepflow.pid")
}

// StepTimeout is the per-attempt default step timeout.
func (c Config) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutMs) * time.Millisecond
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

func loadConfigFrom(path string, getenv func(string) string) Config {
	cfg := defaultConfig()

	// settings.json is optional.
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	if v := getenv("STEPFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("STEPFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("STEPFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PoolSize = n
		}
	}
	if v := getenv("STEPFLOW_STEP_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.StepTimeoutMs = n
		}
	}
	if v := getenv("STEPFLOW_PLUGINS"); v != "" {
		var ps []plugins.Config
		if err := json.Unmarshal([]byte(v), &ps); err == nil {
			cfg.Plugins = ps
		}
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.StepTimeoutMs <= 0 {
		cfg.StepTimeoutMs = 30000
	}
	return cfg
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	PluginsAdded    []plugins.Config
	PluginsRemoved  []string
	RestartNeeded   []string // fields that require a restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.LogFormat != new.LogFormat {
		d.RestartNeeded = append(d.RestartNeeded, "log_format")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.StepTimeoutMs != new.StepTimeoutMs {
		d.RestartNeeded = append(d.RestartNeeded, "step_timeout_ms")
	}

	before := make(map[string]plugins.Config, len(old.Plugins))
	for _, p := range old.Plugins {
		before[p.ID] = p
	}
	after := make(map[string]bool, len(new.Plugins))
	for _, p := range new.Plugins {
		after[p.ID] = true
		prev, ok := before[p.ID]
		if !ok {
			d.PluginsAdded = append(d.PluginsAdded, p)
			continue
		}
		// A changed plugin is reloaded as remove + add.
		if !reflect.DeepEqual(prev, p) {
			d.PluginsRemoved = append(d.PluginsRemoved, p.ID)
			d.PluginsAdded = append(d.PluginsAdded, p)
		}
	}
	for _, p := range old.Plugins {
		if !after[p.ID] {
			d.PluginsRemoved = append(d.PluginsRemoved, p.ID)
		}
	}
	return d
}
