package handlers

import (
	"context"
	"log/slog"

	"github.com/rendis/stepflow/internal/conditions"
	"github.com/rendis/stepflow/internal/dbclient"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/httpclient"
	"github.com/rendis/stepflow/internal/target"
	"github.com/rendis/stepflow/internal/verify"
)

// Deps are the collaborators built-in handlers call into. Nil fields are
// filled with defaults by RegisterBuiltins; Launcher may stay nil, in which
// case browser.context cannot create sub-contexts.
type Deps struct {
	Interp     *expressions.Interpolator
	Conditions *conditions.Evaluator
	Verify     *verify.Registry
	HTTP       *httpclient.Client
	Launcher   target.Launcher
	OpenDB     func(ctx context.Context, cfg dbclient.Config) (*dbclient.Client, error)
	CEL        *expressions.CELEngine
	JQ         *expressions.GoJQEngine
	Logger     *slog.Logger
}

func (d *Deps) withDefaults() error {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Interp == nil {
		d.Interp = expressions.NewInterpolator()
	}
	if d.Conditions == nil {
		d.Conditions = conditions.NewEvaluator(d.Interp, nil, d.Logger)
	}
	if d.Verify == nil {
		d.Verify = verify.NewRegistry()
		if err := verify.RegisterBuiltins(d.Verify, d.Interp); err != nil {
			return err
		}
	}
	if d.HTTP == nil {
		d.HTTP = httpclient.New(httpclient.Config{})
	}
	if d.OpenDB == nil {
		logger := d.Logger
		d.OpenDB = func(ctx context.Context, cfg dbclient.Config) (*dbclient.Client, error) {
			return dbclient.Open(ctx, cfg, logger)
		}
	}
	if d.CEL == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return err
		}
		d.CEL = cel
	}
	if d.JQ == nil {
		d.JQ = expressions.NewGoJQEngine()
	}
	return nil
}

// RegisterBuiltins registers every built-in handler in reg.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	if err := deps.withDefaults(); err != nil {
		return err
	}

	all := []Handler{
		&navigateHandler{deps: deps},
		&interactHandler{deps: deps},
		&browserContextHandler{deps: deps},
		&httpRequestHandler{deps: deps},
		&dbConnectHandler{deps: deps},
		&dbQueryHandler{deps: deps},
		&dbCloseHandler{deps: deps},
		&configLoadHandler{deps: deps},
		&variableSetHandler{deps: deps},
		&transformHandler{deps: deps},
		&delayHandler{deps: deps},
		&switchHandler{deps: deps},
		&loopHandler{deps: deps},
		&verifyHandler{deps: deps},
	}
	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
