// Package wait gates step execution on readiness conditions of the target:
// an element state, a URL, or a page expression.
package wait

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/internal/target"
	"github.com/rendis/stepflow/pkg/schema"
)

// condition is one resolved wait.
type condition struct {
	kind    string // selector | url | expression
	subject string
	timeout time.Duration
	run     func(ctx context.Context, page target.Page) error
}

// Orchestrator runs the waits declared by a WaitSpec.
type Orchestrator struct {
	interp *expressions.Interpolator
	logger *slog.Logger
}

// NewOrchestrator creates a wait orchestrator.
func NewOrchestrator(interp *expressions.Interpolator, logger *slog.Logger) *Orchestrator {
	if interp == nil {
		interp = expressions.NewInterpolator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{interp: interp, logger: logger}
}

// Placement reports whether spec runs before or after the step's own
// operation. An explicit timing wins; otherwise waitAfterOperation decides.
func Placement(spec *schema.WaitSpec, waitAfterOperation bool) string {
	if spec != nil {
		switch spec.Timing {
		case schema.TimingBefore, schema.TimingAfter:
			return spec.Timing
		}
	}
	if waitAfterOperation {
		return schema.TimingAfter
	}
	return schema.TimingBefore
}

// Wait blocks until every configured condition holds. Parallel strategy
// runs them concurrently and fails on the first failure; sequential runs
// selector, url, then expression and stops at the first failure. With
// failSilently a failure is logged and swallowed.
func (o *Orchestrator) Wait(ctx context.Context, page target.Page, spec *schema.WaitSpec, rc *runctx.RunContext) error {
	if spec.Empty() {
		return nil
	}

	conds, err := o.resolve(spec, rc)
	if err != nil {
		return err
	}
	if page == nil {
		err := schema.NewError(schema.ErrCodeNotFound, "wait requires a target page but none is set")
		return o.settle(ctx, spec, err)
	}

	strategy := spec.Strategy
	if strategy == "" {
		strategy = schema.WaitParallel
	}

	o.logger.DebugContext(ctx, "waiting",
		slog.String("strategy", strategy),
		slog.Int("conditions", len(conds)),
	)

	switch strategy {
	case schema.WaitParallel:
		g, gctx := errgroup.WithContext(ctx)
		for _, c := range conds {
			g.Go(func() error {
				return o.await(gctx, page, c)
			})
		}
		err = g.Wait()
	case schema.WaitSequential:
		for _, c := range conds {
			if err = o.await(ctx, page, c); err != nil {
				break
			}
		}
	default:
		return schema.NewErrorf(schema.ErrCodeConfig, "unknown wait strategy %q", strategy)
	}
	return o.settle(ctx, spec, err)
}

func (o *Orchestrator) settle(ctx context.Context, spec *schema.WaitSpec, err error) error {
	if err == nil {
		return nil
	}
	if spec.FailSilently && ctx.Err() == nil {
		o.logger.WarnContext(ctx, "wait failed, continuing", slog.String("error", err.Error()))
		return nil
	}
	return err
}

// await runs one condition under its own deadline.
func (o *Orchestrator) await(ctx context.Context, page target.Page, c condition) error {
	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.run(wctx, page)
	switch {
	case err == nil:
		o.logger.DebugContext(ctx, "wait satisfied",
			slog.String("kind", c.kind),
			slog.String("subject", c.subject),
			slog.Duration("elapsed", time.Since(start)),
		)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) || wctx.Err() != nil:
		ms := c.timeout.Milliseconds()
		return schema.NewErrorf(schema.ErrCodeTimeout, "%s wait for %q timed out after %dms", c.kind, c.subject, ms).
			WithDetails(map[string]any{"kind": c.kind, "subject": c.subject, "timeout_ms": ms}).
			WithCause(err)
	default:
		return schema.NewErrorf(schema.ErrCodeOperation, "%s wait for %q failed: %s", c.kind, c.subject, err.Error()).
			WithCause(err)
	}
}

// resolve interpolates the spec into concrete conditions in sequential order.
func (o *Orchestrator) resolve(spec *schema.WaitSpec, rc *runctx.RunContext) ([]condition, error) {
	var conds []condition

	if spec.Selector != "" {
		sel, err := o.interp.String(spec.Selector, rc)
		if err != nil {
			return nil, err
		}
		timeout, err := o.timeout(spec.SelectorTimeout, rc)
		if err != nil {
			return nil, err
		}
		state := spec.SelectorState
		if state == "" {
			state = target.StateVisible
		}
		loc := target.Locator{Value: sel, Kind: spec.SelectorKind}
		conds = append(conds, condition{
			kind:    "selector",
			subject: loc.String(),
			timeout: timeout,
			run: func(ctx context.Context, page target.Page) error {
				return page.WaitForSelector(ctx, loc, state)
			},
		})
	}

	if spec.URL != "" {
		pattern, err := o.interp.String(spec.URL, rc)
		if err != nil {
			return nil, err
		}
		timeout, err := o.timeout(spec.URLTimeout, rc)
		if err != nil {
			return nil, err
		}
		conds = append(conds, condition{
			kind:    "url",
			subject: pattern,
			timeout: timeout,
			run: func(ctx context.Context, page target.Page) error {
				return page.WaitForURL(ctx, pattern)
			},
		})
	}

	if spec.Expression != "" {
		code, err := o.interp.String(spec.Expression, rc)
		if err != nil {
			return nil, err
		}
		timeout, err := o.timeout(spec.ExpressionTimeout, rc)
		if err != nil {
			return nil, err
		}
		conds = append(conds, condition{
			kind:    "expression",
			subject: code,
			timeout: timeout,
			run: func(ctx context.Context, page target.Page) error {
				return page.WaitForFunction(ctx, code)
			},
		})
	}
	return conds, nil
}

func (o *Orchestrator) timeout(e schema.Expr, rc *runctx.RunContext) (time.Duration, error) {
	ms, err := o.interp.Int(e, rc, schema.DefaultTimeoutMs)
	if err != nil {
		return 0, err
	}
	if ms <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeConfig, "wait timeout must be positive, got %d", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
