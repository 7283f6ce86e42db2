package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/handlers"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/plugins"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// app is the wired set of components shared by the subcommands.
type app struct {
	cfg       Config
	level     *slog.LevelVar
	logger    *slog.Logger
	store     *store.LibSQLStore
	registry  *handlers.Registry
	plugins   *plugins.Manager
	executor  *engine.Executor
	validator *validation.GraphValidator
	hub       *streaming.MemoryHub // nil unless appOptions.stream
}

type appOptions struct {
	noStore     bool // run without persistence
	loadPlugins bool
	stream      bool // publish run events to a.hub
}

func newApp(ctx context.Context, cfg Config, opts appOptions) (*app, error) {
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveled(os.Stderr, level, cfg.LogFormat)

	a := &app{cfg: cfg, level: level, logger: logger, registry: handlers.NewRegistry()}

	interp := expressions.NewInterpolator()
	if err := handlers.RegisterBuiltins(a.registry, handlers.Deps{Interp: interp, Logger: logger}); err != nil {
		return nil, fmt.Errorf("register handlers: %w", err)
	}

	var recorder engine.Recorder
	if !opts.noStore {
		s, err := openStore(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		a.store = s
		recorder = s
	}

	mcfg := plugins.ManagerConfig{Dial: plugins.DialStdio, Interp: interp, Logger: logger}
	if a.store != nil {
		mcfg.Recorder = a.store
	}
	a.plugins = plugins.NewManager(a.registry, mcfg)
	if opts.loadPlugins && len(cfg.Plugins) > 0 {
		if err := a.plugins.LoadAll(ctx, cfg.Plugins); err != nil {
			logger.WarnContext(ctx, "some plugins failed to load", "error", err)
		}
	}

	if opts.stream {
		a.hub = streaming.NewMemoryHub()
		recorder = streaming.NewRecorder(recorder, a.hub)
	}

	a.executor = engine.NewExecutor(a.registry, recorder, engine.ExecutorConfig{
		PoolSize:       cfg.PoolSize,
		DefaultTimeout: cfg.StepTimeout(),
		Logger:         logger,
		Interp:         interp,
	})

	v, err := validation.NewGraphValidator(a.registry)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("graph validator: %w", err)
	}
	a.validator = v
	return a, nil
}

func openStore(ctx context.Context, dbPath string) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (a *app) requireStore() error {
	if a.store == nil {
		return schema.NewError(schema.ErrCodeConfig, "command needs the run store")
	}
	return nil
}

func (a *app) close(ctx context.Context) {
	if a.plugins != nil {
		if err := a.plugins.StopAll(ctx); err != nil {
			a.logger.WarnContext(ctx, "stopping plugins", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WarnContext(ctx, "closing store", "error", err)
		}
	}
}

// loadGraph resolves a graph from a file path or, when file is empty, from
// the graph store by name. The result has passed validation; warnings are
// logged.
func (a *app) loadGraph(ctx context.Context, file, name string) (*schema.Graph, error) {
	var g *schema.Graph
	switch {
	case file != "":
		doc, err := readGraphDocument(file)
		if err != nil {
			return nil, err
		}
		parsed, res := a.validator.ValidateDocument(doc)
		if err := a.report(ctx, res); err != nil {
			return nil, err
		}
		g = parsed
	case name != "":
		if err := a.requireStore(); err != nil {
			return nil, err
		}
		rec, err := a.store.GetGraph(ctx, name)
		if err != nil {
			return nil, err
		}
		g = &rec.Graph
		if g.Name == "" {
			g.Name = rec.Name
		}
		if err := a.report(ctx, a.validator.Validate(g)); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("either -f or -graph is required")
	}
	return g, nil
}

func (a *app) report(ctx context.Context, res *schema.ValidationResult) error {
	for _, w := range res.Warnings {
		a.logger.WarnContext(ctx, "graph warning", "path", w.Path, "code", w.Code, "message", w.Message)
	}
	return res.ToError()
}
