package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/scheduler"
)

// runServe runs the scheduler and plugin servers until SIGINT or SIGTERM.
// SIGHUP reloads settings.json: log level and plugins apply live, other
// changes are reported as needing a restart.
func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	interval := fs.Duration("interval", time.Minute, "schedule poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig()
	a, err := newApp(ctx, cfg, appOptions{loadPlugins: true})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	if err := writePID(); err != nil {
		a.logger.WarnContext(ctx, "cannot write pid file", "error", err)
	}
	defer os.Remove(pidPath())

	sched := scheduler.NewScheduler(a.store, a.executor, a.logger, scheduler.WithInterval(*interval))
	if n, err := sched.RecoverMissed(ctx); err != nil {
		a.logger.WarnContext(ctx, "recovering missed schedules", "error", err)
	} else if n > 0 {
		a.logger.InfoContext(ctx, "recovered missed schedules", "count", n)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	a.logger.InfoContext(ctx, "stepflow serving",
		"version", version,
		"db", cfg.DBPath,
		"plugins", len(cfg.Plugins),
		"handlers", len(a.registry.List()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			if sig != syscall.SIGHUP {
				a.logger.InfoContext(ctx, "shutting down", "signal", sig.String())
				return nil
			}
			cfg = a.reload(ctx, cfg, loadConfig())
		}
	}
}

// reload applies the live-reloadable part of next and returns the config
// now in effect.
func (a *app) reload(ctx context.Context, cur, next Config) Config {
	d := diffConfigs(cur, next)
	if d.LogLevelChanged {
		a.level.Set(logging.ParseLevel(next.LogLevel))
		cur.LogLevel = next.LogLevel
		a.logger.InfoContext(ctx, "log level changed", "level", next.LogLevel)
	}
	for _, id := range d.PluginsRemoved {
		if err := a.plugins.Stop(ctx, id); err != nil {
			a.logger.WarnContext(ctx, "stopping plugin", "plugin", id, "error", err)
		}
	}
	for _, p := range d.PluginsAdded {
		if _, err := a.plugins.Load(ctx, p); err != nil {
			a.logger.WarnContext(ctx, "loading plugin", "plugin", p.ID, "error", err)
		}
	}
	cur.Plugins = next.Plugins
	if len(d.RestartNeeded) > 0 {
		a.logger.WarnContext(ctx, "settings changed that need a restart", "fields", strings.Join(d.RestartNeeded, ","))
	}
	return cur
}

func writePID() error {
	if err := os.MkdirAll(stepflowDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// signalRunningServer sends SIGHUP to a running server found via the pid
// file. Returns true if one was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}
