package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

// runInstall writes settings.json from flags, keeping plugins already
// configured there, and asks a running server to reload.
func runInstall(args []string) error {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	dbPath := fs.String("db-path", "", "database path (default: ~/.stepflow/stepflow.db)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "log format: text, json")
	poolSize := fs.Int("pool-size", 10, "max concurrently executing steps per run")
	stepTimeout := fs.Int("step-timeout-ms", 30000, "default per-attempt step timeout in ms")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir := stepflowDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}

	cfg := Config{
		LogLevel:      *logLevel,
		LogFormat:     *logFormat,
		PoolSize:      *poolSize,
		StepTimeoutMs: *stepTimeout,
		DBPath:        *dbPath,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(dir, "stepflow.db")
	}

	path := settingsPath()
	if data, err := os.ReadFile(path); err == nil {
		var prev Config
		if json.Unmarshal(data, &prev) == nil {
			cfg.Plugins = prev.Plugins
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	fmt.Printf("Config written to %s\n", path)

	signalRunningServer()
	return nil
}
