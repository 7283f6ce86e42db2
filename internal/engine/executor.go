package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/conditions"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/handlers"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/internal/target"
	"github.com/rendis/stepflow/internal/wait"
	"github.com/rendis/stepflow/pkg/schema"
)

// Recorder persists a run as it executes. Satisfied by *store.LibSQLStore
// and test mocks.
type Recorder interface {
	EventAppender
	CreateRun(ctx context.Context, run *schema.Run) error
	UpdateRun(ctx context.Context, run *schema.Run) error
	SaveStepResult(ctx context.Context, runID string, result *schema.StepResult) error
}

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	PoolSize       int           // max steps executing at once per run
	DefaultTimeout time.Duration // per-attempt step timeout when the step sets none
	PollInterval   time.Duration // untilCondition poll interval (0 = DefaultPollInterval)
	Logger         *slog.Logger
	Interp         *expressions.Interpolator
	Conditions     *conditions.Evaluator
}

// RunOptions seed a single run.
type RunOptions struct {
	RunID     string         // generated when empty
	Variables map[string]any // initial variables
	Data      map[string]any // initial data
	Target    target.Page    // initial target handle, may be nil
	Context   *runctx.RunContext
}

// RunResult is returned by Run with the run outcome. Steps is keyed by
// result key: the step id, or "<loop>.iter_<n>.<id>" inside loop bodies.
type RunResult struct {
	RunID       string                        `json:"run_id"`
	Status      schema.RunStatus              `json:"status"`
	Steps       map[string]*schema.StepResult `json:"steps"`
	Warnings    []string                      `json:"warnings,omitempty"`
	Error       *schema.FlowError             `json:"error,omitempty"`
	StartedAt   time.Time                     `json:"started_at"`
	CompletedAt time.Time                     `json:"completed_at"`

	// Context is the run's final state, retained for diagnostics.
	Context *runctx.RunContext `json:"-"`
}

// Executor walks step graphs. One Executor serves many concurrent runs;
// each run gets its own worker pool and Run Context.
type Executor struct {
	registry *handlers.Registry
	recorder Recorder
	retrier  *Retrier
	waits    *wait.Orchestrator
	interp   *expressions.Interpolator
	conds    *conditions.Evaluator
	cfg      ExecutorConfig
	logger   *slog.Logger
}

// NewExecutor creates an Executor resolving step types through registry.
// recorder may be nil.
func NewExecutor(registry *handlers.Registry, recorder Recorder, cfg ExecutorConfig) *Executor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = schema.DefaultTimeoutMs * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interp == nil {
		cfg.Interp = expressions.NewInterpolator()
	}
	if cfg.Conditions == nil {
		cfg.Conditions = conditions.NewEvaluator(cfg.Interp, nil, cfg.Logger)
	}

	return &Executor{
		registry: registry,
		recorder: recorder,
		retrier:  NewRetrier(cfg.Interp, cfg.Conditions, cfg.Logger).WithPollInterval(cfg.PollInterval),
		waits:    wait.NewOrchestrator(cfg.Interp, cfg.Logger),
		interp:   cfg.Interp,
		conds:    cfg.Conditions,
		cfg:      cfg,
		logger:   cfg.Logger,
	}
}

// Validate parses g and checks every step's options and config without
// running anything.
func (e *Executor) Validate(g *schema.Graph) (*Plan, error) {
	plan, err := ParseGraph(g, e.registry.FlowOf)
	if err != nil {
		return nil, err
	}
	for _, id := range plan.Order {
		step := plan.Steps[id]
		if _, err := schema.DecodeStepOptions(step.Config); err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeConfig).WithStep(id)
		}
		h, err := e.registry.Resolve(step.Type)
		if err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeNotFound).WithStep(id)
		}
		if err := h.Validate(step.Config); err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeConfig).WithStep(id)
		}
	}
	return plan, nil
}

// Run validates g and executes it to completion. Graph and config errors
// are returned before anything runs; step failures are reported in the
// result, whose Status is failed.
func (e *Executor) Run(ctx context.Context, g *schema.Graph, opts RunOptions) (*RunResult, error) {
	plan, err := e.Validate(g)
	if err != nil {
		return nil, err
	}

	rc := opts.Context
	if rc == nil {
		rc = runctx.New()
	}
	for k, v := range opts.Variables {
		rc.SetVariable(k, v)
	}
	for k, v := range opts.Data {
		rc.SetData(k, v)
	}
	if opts.Target != nil {
		rc.SetTarget(opts.Target)
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	ctx = logging.WithGraph(logging.WithRunID(ctx, runID), g.Name)

	var appender EventAppender
	if e.recorder != nil {
		appender = e.recorder
	}
	r := &runState{
		exec:    e,
		plan:    plan,
		rc:      rc,
		pool:    NewWorkerPool(e.cfg.PoolSize),
		runFSM:  NewRunFSM(appender),
		stepFSM: NewStepFSM(appender),
		run: &schema.Run{
			ID:        runID,
			GraphName: g.Name,
			Status:    schema.RunStatusPending,
			StartedAt: time.Now().UTC(),
		},
		results: make(map[string]*schema.StepResult, len(plan.Steps)),
		ran:     make(map[string]bool, len(plan.Steps)),
	}
	defer r.pool.Shutdown()

	if e.recorder != nil {
		if err := e.recorder.CreateRun(ctx, r.run); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
		}
	}
	if err := r.runFSM.Transition(ctx, runID, schema.RunStatusPending, schema.RunStatusActive,
		map[string]any{"graph": g.Name, "steps": len(plan.Steps)}); err != nil {
		return nil, err
	}
	r.run.Status = schema.RunStatusActive
	e.logger.InfoContext(ctx, "run started", slog.Int("steps", len(plan.Steps)))

	top := newScope(r, "", "")
	for _, id := range plan.Entries {
		top.schedule(ctx, id)
	}
	top.wg.Wait()

	r.skipUnreached(ctx)
	return r.finish(ctx), nil
}

// runState is the bookkeeping of one Run call.
type runState struct {
	exec    *Executor
	plan    *Plan
	rc      *runctx.RunContext
	pool    *WorkerPool
	runFSM  *RunFSM
	stepFSM *StepFSM

	mu       sync.Mutex
	run      *schema.Run
	results  map[string]*schema.StepResult
	ran      map[string]bool // step ids executed in any scope
	warnings []string
	firstErr *schema.FlowError
}

func (r *runState) record(ctx context.Context, res *schema.StepResult) {
	r.mu.Lock()
	r.results[res.Key] = res
	r.mu.Unlock()

	if r.exec.recorder == nil {
		return
	}
	if err := r.exec.recorder.SaveStepResult(context.WithoutCancel(ctx), r.run.ID, res); err != nil {
		r.exec.logger.WarnContext(ctx, "save step result failed", slog.String("error", err.Error()))
	}
}

func (r *runState) warn(msg string) {
	r.mu.Lock()
	r.warnings = append(r.warnings, msg)
	r.mu.Unlock()
}

func (r *runState) fail(fe *schema.FlowError) {
	r.mu.Lock()
	if r.firstErr == nil {
		r.firstErr = fe
	}
	r.mu.Unlock()
}

func (r *runState) markRan(id string) {
	r.mu.Lock()
	r.ran[id] = true
	r.mu.Unlock()
}

// emit appends a non-transition event. Store errors are logged.
func (r *runState) emit(ctx context.Context, key, typ string, payload map[string]any) {
	if r.exec.recorder == nil {
		return
	}
	ev := &schema.Event{RunID: r.run.ID, StepID: key, Type: typ, Payload: payload, Timestamp: time.Now().UTC()}
	if err := r.exec.recorder.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		r.exec.logger.WarnContext(ctx, "append event failed", slog.String("event", typ), slog.String("error", err.Error()))
	}
}

func (r *runState) stepTransition(ctx context.Context, res *schema.StepResult, to schema.StepStatus, payload map[string]any) {
	if err := r.stepFSM.Transition(context.WithoutCancel(ctx), r.run.ID, res.Key, res.Status, to, payload); err != nil {
		r.exec.logger.WarnContext(ctx, "step transition failed",
			slog.String("from", string(res.Status)),
			slog.String("to", string(to)),
			slog.String("error", err.Error()),
		)
	}
	res.Status = to
}

// skipUnreached records every step that no scope executed as skipped.
func (r *runState) skipUnreached(ctx context.Context) {
	for _, id := range r.plan.Order {
		r.mu.Lock()
		ran := r.ran[id]
		r.mu.Unlock()
		if ran {
			continue
		}
		step := r.plan.Steps[id]
		res := &schema.StepResult{Key: id, StepID: id, Type: step.Type, Status: schema.StepStatusPending}
		r.stepTransition(logging.WithStepID(ctx, id), res, schema.StepStatusSkipped, nil)
		r.record(ctx, res)
	}
}

func (r *runState) finish(ctx context.Context) *RunResult {
	r.mu.Lock()
	firstErr := r.firstErr
	warnings := append([]string(nil), r.warnings...)
	steps := make(map[string]*schema.StepResult, len(r.results))
	for k, v := range r.results {
		steps[k] = v
	}
	r.mu.Unlock()

	status := schema.RunStatusCompleted
	switch {
	case ctx.Err() != nil:
		status = schema.RunStatusCancelled
		if firstErr == nil {
			firstErr = schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(ctx.Err())
		}
	case firstErr != nil:
		status = schema.RunStatusFailed
	}

	// The run's final bookkeeping must land even when ctx was cancelled.
	persistCtx := context.WithoutCancel(ctx)
	payload := map[string]any{"steps": len(steps), "warnings": len(warnings)}
	if firstErr != nil {
		payload["error"] = firstErr.Error()
	}
	if err := r.runFSM.Transition(persistCtx, r.run.ID, schema.RunStatusActive, status, payload); err != nil {
		r.exec.logger.WarnContext(persistCtx, "run transition failed", slog.String("error", err.Error()))
	}

	now := time.Now().UTC()
	r.run.Status = status
	r.run.Error = firstErr
	r.run.Warnings = warnings
	r.run.CompletedAt = &now
	if r.exec.recorder != nil {
		if err := r.exec.recorder.UpdateRun(persistCtx, r.run); err != nil {
			r.exec.logger.WarnContext(persistCtx, "update run failed", slog.String("error", err.Error()))
		}
	}

	r.exec.logger.InfoContext(persistCtx, "run finished",
		slog.String("status", string(status)),
		slog.Int("steps", len(steps)),
		slog.Int("warnings", len(warnings)),
		slog.Int64("duration_ms", now.Sub(r.run.StartedAt).Milliseconds()),
	)
	m := r.pool.Metrics()
	r.exec.logger.DebugContext(persistCtx, "worker pool",
		slog.Int64("completed", m.Completed),
		slog.Int64("failed", m.Failed),
		slog.Int64("panics", m.Panics),
	)

	return &RunResult{
		RunID:       r.run.ID,
		Status:      status,
		Steps:       steps,
		Warnings:    warnings,
		Error:       firstErr,
		StartedAt:   r.run.StartedAt,
		CompletedAt: now,
		Context:     r.rc,
	}
}

// scope is one pass over a set of steps: the top-level graph, or a single
// iteration of a loop body. Each step runs at most once per scope, on the
// first edge that reaches it.
type scope struct {
	run    *runState
	prefix string // result key prefix, "" at top level
	loop   string // enclosing loop step id, "" at top level

	mu      sync.Mutex
	started map[string]bool
	failed  atomic.Bool
	wg      sync.WaitGroup
}

func newScope(r *runState, prefix, loop string) *scope {
	return &scope{run: r, prefix: prefix, loop: loop, started: make(map[string]bool)}
}

func (s *scope) schedule(ctx context.Context, id string) {
	if s.loop != "" && !s.run.plan.InBody(s.loop, id) {
		return
	}
	s.mu.Lock()
	if s.started[id] {
		s.mu.Unlock()
		return
	}
	s.started[id] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runStep(ctx, id)
	}()
}

// runStep executes one step and schedules its successors.
func (s *scope) runStep(ctx context.Context, id string) {
	r := s.run
	if ctx.Err() != nil {
		return
	}
	r.markRan(id)

	step := r.plan.Steps[id]
	key := s.prefix + id
	sctx := logging.WithStepID(ctx, key)

	res := &schema.StepResult{
		Key:       key,
		StepID:    id,
		Type:      step.Type,
		Status:    schema.StepStatusPending,
		StartedAt: time.Now().UTC(),
	}
	r.stepTransition(sctx, res, schema.StepStatusRunning, map[string]any{"type": step.Type})

	out, err := r.execute(sctx, step, res)

	flow := r.plan.Flow[id]
	if err == nil && flow == handlers.FlowLoop && res.Status != schema.StepStatusSuppressed {
		if lp, ok := out.(*handlers.LoopPlan); ok {
			var n int
			n, err = s.runLoop(sctx, id, lp)
			out = map[string]any{"mode": lp.Mode, "iterations": n}
		}
	}

	res.CompletedAt = time.Now().UTC()
	res.DurationMs = res.CompletedAt.Sub(res.StartedAt).Milliseconds()

	if err != nil {
		fe := schema.AsFlowError(err, schema.ErrCodeOperation)
		if fe.StepID == "" {
			fe = fe.WithStep(key)
		}
		res.Error = fe
		r.stepTransition(sctx, res, schema.StepStatusFailed, map[string]any{"error": fe.Error(), "attempts": res.Attempts})
		r.record(sctx, res)
		s.failed.Store(true)
		r.fail(fe)
		r.exec.logger.ErrorContext(sctx, "step failed",
			slog.String("code", fe.Code),
			slog.Int("attempts", res.Attempts),
			slog.String("error", fe.Error()),
		)
		return
	}

	if res.Status == schema.StepStatusSuppressed {
		r.record(sctx, res)
	} else {
		res.Output = out
		r.stepTransition(sctx, res, schema.StepStatusCompleted, map[string]any{"attempts": res.Attempts})
		r.record(sctx, res)
		r.exec.logger.DebugContext(sctx, "step completed",
			slog.Int("attempts", res.Attempts),
			slog.Int64("duration_ms", res.DurationMs),
		)
	}

	for _, next := range s.successors(sctx, id, flow) {
		s.schedule(ctx, next)
	}
}

// successors picks the edges to follow once step id has settled.
func (s *scope) successors(ctx context.Context, id string, flow handlers.FlowKind) []string {
	plan := s.run.plan
	switch flow {
	case handlers.FlowSwitch:
		selected := schema.HandleDefault
		if v, ok := s.run.rc.GetData(schema.SelectedHandleKey(id)); ok {
			if h, ok := v.(string); ok && h != "" {
				selected = h
			}
		}
		next := plan.Successors(id, func(h string) bool { return h == selected })
		if len(next) == 0 {
			next = plan.Successors(id, func(h string) bool { return h == schema.HandleDefault || h == "" })
		}
		s.run.emit(ctx, s.prefix+id, schema.EventSwitchSelected, map[string]any{"handle": selected, "next": next})
		return next
	case handlers.FlowLoop:
		return plan.Successors(id, func(h string) bool { return h == schema.HandleDone || h == "" })
	}
	return plan.Successors(id, func(string) bool { return true })
}

// execute runs a step's handler pipeline while holding a pool slot: wait
// before, retried handler call bounded by the step timeout, wait after.
// A failure the step's failSilently swallows leaves res suppressed and
// returns a nil error.
func (r *runState) execute(ctx context.Context, step *schema.Step, res *schema.StepResult) (any, error) {
	e := r.exec
	opts, err := schema.DecodeStepOptions(step.Config)
	if err != nil {
		return nil, err
	}
	h, err := e.registry.Resolve(step.Type)
	if err != nil {
		return nil, err
	}

	var out any
	runErr := r.pool.Do(ctx, func(ctx context.Context) error {
		timeoutMs, err := e.interp.Int(opts.Timeout, r.rc, int(e.cfg.DefaultTimeout/time.Millisecond))
		if err != nil {
			return err
		}
		if timeoutMs <= 0 {
			return schema.NewErrorf(schema.ErrCodeConfig, "step timeout must be positive, got %d", timeoutMs)
		}
		timeout := time.Duration(timeoutMs) * time.Millisecond

		placement := wait.Placement(opts.Wait, opts.WaitAfterOperation)
		if placement == schema.TimingBefore {
			if err := r.wait(ctx, res.Key, opts.Wait, placement); err != nil {
				return err
			}
		}

		// An untilCondition attempt that lost its race may still be running
		// when Do returns; settled stops it from touching res afterwards.
		var (
			attemptMu sync.Mutex
			settled   bool
		)
		action := func(ctx context.Context, attempt int) (any, error) {
			attemptMu.Lock()
			if settled {
				attemptMu.Unlock()
				return nil, context.Canceled
			}
			if attempt > 1 {
				r.stepTransition(ctx, res, schema.StepStatusRetrying, map[string]any{"attempt": attempt})
				r.stepTransition(ctx, res, schema.StepStatusRunning, map[string]any{"attempt": attempt})
			}
			res.Attempts = attempt
			attemptMu.Unlock()

			actx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			v, err := callHandler(actx, h, step, r.rc)
			if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, schema.NewErrorf(schema.ErrCodeTimeout, "step %s timed out after %dms", res.Key, timeoutMs).
					WithDetails(map[string]any{"timeout": timeoutMs, "attempt": attempt}).
					WithCause(err)
			}
			return v, err
		}

		outcome, err := e.retrier.Do(ctx, opts.Retry, r.rc, action)
		attemptMu.Lock()
		settled = true
		attemptMu.Unlock()
		if err != nil {
			return err
		}
		if outcome.Attempts > 0 {
			res.Attempts = outcome.Attempts
		}
		if outcome.Suppressed {
			r.suppress(ctx, res, outcome.Cause)
			return nil
		}
		out = outcome.Result

		if placement == schema.TimingAfter {
			if err := r.wait(ctx, res.Key, opts.Wait, placement); err != nil {
				return err
			}
		}
		return nil
	})

	if runErr != nil && opts.FailSilently && ctx.Err() == nil {
		r.suppress(ctx, res, runErr)
		return nil, nil
	}
	if runErr != nil {
		return nil, runErr
	}
	return out, nil
}

type handlerOutcome struct {
	value any
	err   error
}

// callHandler runs h on its own goroutine and returns when it does or when
// ctx ends, whichever is first. A handler that ignores ctx keeps running in
// the background; its late result is discarded.
func callHandler(ctx context.Context, h handlers.Handler, step *schema.Step, rc *runctx.RunContext) (any, error) {
	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- handlerOutcome{err: schema.NewErrorf(schema.ErrCodeOperation, "step %s panicked: %v", step.ID, p)}
			}
		}()
		v, err := h.Execute(ctx, step, rc)
		done <- handlerOutcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *runState) wait(ctx context.Context, key string, spec *schema.WaitSpec, placement string) error {
	if spec.Empty() {
		return nil
	}
	r.emit(ctx, key, schema.EventWaitStarted, map[string]any{"timing": placement})
	start := time.Now()
	err := r.exec.waits.Wait(ctx, r.rc.Target(), spec, r.rc)
	payload := map[string]any{"timing": placement, "duration_ms": time.Since(start).Milliseconds()}
	if err != nil {
		payload["error"] = err.Error()
	}
	r.emit(ctx, key, schema.EventWaitCompleted, payload)
	return err
}

// suppress marks res suppressed and records a run warning.
func (r *runState) suppress(ctx context.Context, res *schema.StepResult, cause error) {
	fe := schema.AsFlowError(cause, schema.ErrCodeOperation)
	res.Error = fe
	r.stepTransition(ctx, res, schema.StepStatusSuppressed, map[string]any{"error": fe.Error()})
	msg := fmt.Sprintf("step %s failed silently: %s", res.Key, fe.Message)
	r.warn(msg)
	r.exec.logger.WarnContext(ctx, "step failure suppressed", slog.String("error", fe.Error()))
}

// runLoop repeats the body of loop id in a fresh scope per iteration. It
// holds no pool slot, so body steps can always acquire one. It returns the
// number of completed iterations.
func (s *scope) runLoop(ctx context.Context, id string, lp *handlers.LoopPlan) (int, error) {
	r := s.run
	key := s.prefix + id
	stateKey := schema.LoopStateKey(id)

	iterations := 0
	for i := 0; ; i++ {
		if lp.Mode == handlers.LoopForEach && i >= len(lp.Items) {
			break
		}
		if i >= lp.MaxIterations {
			r.warn(fmt.Sprintf("loop %s stopped at maxIterations (%d)", key, lp.MaxIterations))
			break
		}
		if err := ctx.Err(); err != nil {
			return iterations, schema.NewErrorf(schema.ErrCodeCancelled, "loop %s cancelled at iteration %d", key, i).WithCause(err)
		}

		r.rc.SetVariable(lp.IndexVariable, i)
		state := map[string]any{"mode": lp.Mode, "index": i, "maxIterations": lp.MaxIterations}
		iterPayload := map[string]any{"index": i}
		if lp.Mode == handlers.LoopForEach {
			item := lp.Items[i]
			r.rc.SetVariable(lp.ItemVariable, item)
			state["item"] = item
			state["total"] = len(lp.Items)
			iterPayload["item"] = item
		}
		r.rc.SetData(stateKey, state)
		r.emit(ctx, key, schema.EventLoopIterStarted, iterPayload)

		body := newScope(r, fmt.Sprintf("%s.iter_%d.", key, i), id)
		for _, entry := range r.plan.Body[id] {
			body.schedule(ctx, entry)
		}
		body.wg.Wait()

		if body.failed.Load() {
			return iterations, schema.NewErrorf(schema.ErrCodeStepFailed, "loop %s body failed at iteration %d", key, i).
				WithDetails(map[string]any{"iteration": i})
		}
		iterations++
		r.emit(ctx, key, schema.EventLoopIterCompleted, iterPayload)

		if lp.Mode == handlers.LoopDoWhile {
			cres, err := r.exec.conds.Evaluate(ctx, lp.Condition, r.rc)
			if err != nil {
				return iterations, err
			}
			if !cres.Passed {
				break
			}
		}
	}

	r.emit(ctx, key, schema.EventLoopCompleted, map[string]any{"iterations": iterations})
	return iterations, nil
}
