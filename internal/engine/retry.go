package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/rendis/stepflow/internal/conditions"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultPollInterval is how often an untilCondition retry re-checks its
// condition while an attempt is in flight.
const DefaultPollInterval = 100 * time.Millisecond

// Action is one attempt of a retried operation. attempt starts at 1.
type Action func(ctx context.Context, attempt int) (any, error)

// Outcome describes how a retried operation settled.
type Outcome struct {
	Result       any
	Attempts     int
	ConditionMet bool  // untilCondition ended on the condition, not the action
	Suppressed   bool  // the operation failed but failSilently swallowed it
	Cause        error // set when Suppressed
}

// Retrier wraps actions with a RetryPolicy.
type Retrier struct {
	interp       *expressions.Interpolator
	conds        *conditions.Evaluator
	logger       *slog.Logger
	pollInterval time.Duration
}

// NewRetrier creates a Retrier. Nil arguments select defaults.
func NewRetrier(interp *expressions.Interpolator, conds *conditions.Evaluator, logger *slog.Logger) *Retrier {
	if interp == nil {
		interp = expressions.NewInterpolator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if conds == nil {
		conds = conditions.NewEvaluator(interp, nil, logger)
	}
	return &Retrier{interp: interp, conds: conds, logger: logger, pollInterval: DefaultPollInterval}
}

// WithPollInterval overrides the condition poll interval.
func (r *Retrier) WithPollInterval(d time.Duration) *Retrier {
	if d > 0 {
		r.pollInterval = d
	}
	return r
}

// Do runs action under policy. A nil or disabled policy runs it once.
// When the operation finally fails and policy.FailSilently is set, Do
// returns a suppressed Outcome and a nil error.
func (r *Retrier) Do(ctx context.Context, policy *schema.RetryPolicy, rc *runctx.RunContext, action Action) (Outcome, error) {
	var (
		out Outcome
		err error
	)
	if policy == nil || !policy.Enabled {
		out.Attempts = 1
		out.Result, err = action(ctx, 1)
	} else {
		strategy, serr := r.interp.Text(policy.Strategy, rc, schema.RetryStrategyCount)
		if serr != nil {
			return Outcome{}, serr
		}
		switch strategy {
		case schema.RetryStrategyCount:
			out, err = r.count(ctx, policy, rc, action)
		case schema.RetryStrategyUntilCondition:
			out, err = r.untilCondition(ctx, policy, rc, action)
		default:
			return Outcome{}, schema.NewErrorf(schema.ErrCodeConfig, "unknown retry strategy %q", strategy)
		}
	}

	if err != nil && policy != nil && policy.FailSilently && ctx.Err() == nil {
		r.logger.WarnContext(ctx, "operation failed, suppressed by retry policy",
			slog.Int("attempts", out.Attempts),
			slog.String("error", err.Error()),
		)
		return Outcome{Attempts: out.Attempts, Suppressed: true, Cause: err}, nil
	}
	return out, err
}

func (r *Retrier) count(ctx context.Context, policy *schema.RetryPolicy, rc *runctx.RunContext, action Action) (Outcome, error) {
	retries, err := r.interp.Int(policy.Count, rc, 0)
	if err != nil {
		return Outcome{}, err
	}
	if retries < 0 {
		return Outcome{}, schema.NewErrorf(schema.ErrCodeConfig, "retry count must not be negative, got %d", retries)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		res, err := action(ctx, attempt)
		if err == nil {
			return Outcome{Result: res, Attempts: attempt}, nil
		}
		lastErr = err
		if schema.IsFatal(err) || ctx.Err() != nil {
			return Outcome{Attempts: attempt}, err
		}
		if attempt > retries {
			if retries == 0 {
				return Outcome{Attempts: attempt}, err
			}
			return Outcome{Attempts: attempt}, exhausted(attempt, lastErr)
		}

		delay, derr := r.backoff(policy, rc, attempt)
		if derr != nil {
			return Outcome{Attempts: attempt}, derr
		}
		r.logger.InfoContext(ctx, "attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", retries+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := WaitForBackoff(ctx, delay); err != nil {
			return Outcome{Attempts: attempt}, cancelled(err, lastErr)
		}
	}
}

// untilCondition retries until the action succeeds or the condition
// passes, whichever comes first. The condition timeout bounds the total.
func (r *Retrier) untilCondition(ctx context.Context, policy *schema.RetryPolicy, rc *runctx.RunContext, action Action) (Outcome, error) {
	cond := policy.Condition
	if cond == nil {
		return Outcome{}, schema.NewError(schema.ErrCodeConfig, "untilCondition retry requires a condition")
	}
	timeoutMs, err := r.interp.Int(cond.Timeout, rc, schema.DefaultTimeoutMs)
	if err != nil {
		return Outcome{}, err
	}
	if timeoutMs <= 0 {
		return Outcome{}, schema.NewErrorf(schema.ErrCodeConfig, "condition timeout must be positive, got %d", timeoutMs)
	}

	uctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	timedOut := func(attempt int, last error) (Outcome, error) {
		fe := schema.NewErrorf(schema.ErrCodeTimeout, "retry until %s timed out after %dms", cond.Describe(), timeoutMs).
			WithDetails(map[string]any{"condition": cond.Type, "timeout_ms": timeoutMs, "attempts": attempt})
		if last != nil {
			fe = fe.WithCause(last)
		}
		return Outcome{Attempts: attempt}, fe
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		res, met, err := r.race(uctx, cond, rc, action, attempt)
		switch {
		case err == nil:
			return Outcome{Result: res, Attempts: attempt, ConditionMet: met}, nil
		case ctx.Err() != nil:
			return Outcome{Attempts: attempt}, cancelled(ctx.Err(), lastErr)
		case uctx.Err() != nil:
			return timedOut(attempt, lastErr)
		case schema.IsFatal(err):
			return Outcome{Attempts: attempt}, err
		}
		lastErr = err

		passed, cerr := r.check(uctx, cond, rc)
		if cerr != nil {
			if uctx.Err() != nil && ctx.Err() == nil {
				return timedOut(attempt, lastErr)
			}
			return Outcome{Attempts: attempt}, cerr
		}
		if passed {
			return Outcome{Attempts: attempt, ConditionMet: true}, nil
		}

		delay, derr := r.backoff(policy, rc, attempt)
		if derr != nil {
			return Outcome{Attempts: attempt}, derr
		}
		r.logger.InfoContext(ctx, "attempt failed, condition not met, retrying",
			slog.Int("attempt", attempt),
			slog.String("condition", cond.Describe()),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := WaitForBackoff(uctx, delay); err != nil {
			if ctx.Err() != nil {
				return Outcome{Attempts: attempt}, cancelled(ctx.Err(), lastErr)
			}
			return timedOut(attempt, lastErr)
		}
	}
}

type attemptResult struct {
	value any
	err   error
}

// race runs one attempt while polling cond. The first of "action
// succeeded" or "condition passed" wins; the other is cancelled.
func (r *Retrier) race(ctx context.Context, cond *schema.ConditionSpec, rc *runctx.RunContext, action Action, attempt int) (any, bool, error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		v, err := action(actx, attempt)
		done <- attemptResult{value: v, err: err}
	}()

	type pollResult struct {
		passed bool
		err    error
	}
	// At most one condition poll is in flight; a slow poll never hides a
	// finished attempt.
	polls := make(chan pollResult, 1)
	polling := false

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case res := <-done:
			return res.value, false, res.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-ticker.C:
			if polling {
				continue
			}
			polling = true
			go func() {
				passed, err := r.check(actx, cond, rc)
				polls <- pollResult{passed: passed, err: err}
			}()
		case p := <-polls:
			polling = false
			if p.err != nil {
				if ctx.Err() != nil {
					return nil, false, ctx.Err()
				}
				return nil, false, p.err
			}
			if p.passed {
				r.logger.DebugContext(ctx, "condition met before attempt finished",
					slog.Int("attempt", attempt),
					slog.String("condition", cond.Describe()),
				)
				return nil, true, nil
			}
		}
	}
}

func (r *Retrier) check(ctx context.Context, cond *schema.ConditionSpec, rc *runctx.RunContext) (bool, error) {
	res, err := r.conds.Evaluate(ctx, cond, rc)
	if err != nil {
		return false, err
	}
	return res.Passed, nil
}

// backoff resolves the delay before retry number n (1-based).
func (r *Retrier) backoff(policy *schema.RetryPolicy, rc *runctx.RunContext, n int) (time.Duration, error) {
	delayMs, err := r.interp.Int(policy.Delay, rc, 0)
	if err != nil {
		return 0, err
	}
	maxMs, err := r.interp.Int(policy.MaxDelay, rc, 0)
	if err != nil {
		return 0, err
	}
	strategy, err := r.interp.Text(policy.DelayStrategy, rc, schema.DelayFixed)
	if err != nil {
		return 0, err
	}
	if strategy != schema.DelayFixed && strategy != schema.DelayExponential {
		return 0, schema.NewErrorf(schema.ErrCodeConfig, "unknown delay strategy %q", strategy)
	}
	return ComputeBackoff(strategy,
		time.Duration(delayMs)*time.Millisecond,
		time.Duration(maxMs)*time.Millisecond, n), nil
}

// ComputeBackoff returns the delay before retry number n (1-based). Fixed
// returns base; exponential returns base*2^(n-1). A positive maxDelay caps
// the result. Without a cap the delay saturates instead of overflowing.
func ComputeBackoff(strategy string, base, maxDelay time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	if strategy == schema.DelayExponential {
		for i := 1; i < n; i++ {
			if delay > math.MaxInt64/2 {
				delay = math.MaxInt64
				break
			}
			delay *= 2
			if maxDelay > 0 && delay >= maxDelay {
				break
			}
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if ctx is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func exhausted(attempts int, last error) error {
	return schema.NewErrorf(schema.ErrCodeRetryExhausted, "failed after %d attempts: %s", attempts, last.Error()).
		WithDetails(map[string]any{"attempts": attempts}).
		WithCause(last)
}

func cancelled(ctxErr, last error) error {
	fe := schema.NewErrorf(schema.ErrCodeCancelled, "retry interrupted: %s", ctxErr.Error()).WithCause(ctxErr)
	if last != nil && !errors.Is(last, ctxErr) {
		fe.Details = map[string]any{"last_error": last.Error()}
	}
	return fe
}
