package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Store is the persistence the scheduler needs. Satisfied by store.Store.
type Store interface {
	GetGraph(ctx context.Context, name string) (*store.GraphRecord, error)
	CreateSchedule(ctx context.Context, s *store.Schedule) error
	UpdateSchedule(ctx context.Context, id string, update store.ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter store.ScheduleFilter) ([]*store.Schedule, error)
}

// GraphRunner executes a graph. Satisfied by *engine.Executor.
type GraphRunner interface {
	Run(ctx context.Context, g *schema.Graph, opts engine.RunOptions) (*engine.RunResult, error)
}

const defaultInterval = 60 * time.Second

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets how often the store is polled for due schedules.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// Scheduler polls the store for due schedules and runs their graphs.
type Scheduler struct {
	store    Store
	runner   GraphRunner
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s Store, runner GraphRunner, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	sc := &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: defaultInterval,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(sc)
	}
	return sc
}

// Create validates and stores a new enabled schedule for a stored graph.
func (s *Scheduler) Create(ctx context.Context, graphName, cronExpr string, vars map[string]any) (*store.Schedule, error) {
	if _, err := s.store.GetGraph(ctx, graphName); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	next, err := s.CalculateNextRun(cronExpr, now)
	if err != nil {
		return nil, err
	}
	sc := &store.Schedule{
		ID:             uuid.New().String(),
		GraphName:      graphName,
		CronExpression: cronExpr,
		Variables:      vars,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.store.CreateSchedule(ctx, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.InfoContext(ctx, "scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled schedule whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sc := range schedules {
		if sc.NextRunAt != nil && sc.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sc.ID) {
			continue
		}
		if err := s.runSchedule(ctx, sc, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to run schedule",
				slog.String("schedule_id", sc.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sc.ID)
	}
}

// runSchedule executes the schedule's graph and records the outcome.
func (s *Scheduler) runSchedule(ctx context.Context, sc *store.Schedule, now time.Time) error {
	s.logger.InfoContext(ctx, "running schedule",
		slog.String("schedule_id", sc.ID),
		slog.String("graph", sc.GraphName),
	)

	rec, err := s.store.GetGraph(ctx, sc.GraphName)
	if err != nil {
		return s.finish(ctx, sc, now, "", string(schema.RunStatusFailed), err)
	}
	g := rec.Graph
	if g.Name == "" {
		g.Name = rec.Name
	}

	runID := uuid.New().String()
	res, err := s.runner.Run(ctx, &g, engine.RunOptions{RunID: runID, Variables: sc.Variables})
	if err != nil {
		return s.finish(ctx, sc, now, runID, string(schema.RunStatusFailed), err)
	}
	if res.Status != schema.RunStatusCompleted {
		s.logger.WarnContext(ctx, "scheduled run did not complete",
			slog.String("schedule_id", sc.ID),
			slog.String("run_id", res.RunID),
			slog.String("status", string(res.Status)),
		)
	}
	return s.finish(ctx, sc, now, res.RunID, string(res.Status), nil)
}

func (s *Scheduler) finish(ctx context.Context, sc *store.Schedule, now time.Time, runID, status string, runErr error) error {
	if runErr != nil {
		s.logger.ErrorContext(ctx, "scheduled run failed",
			slog.String("schedule_id", sc.ID),
			slog.String("error", runErr.Error()),
		)
	}
	next, err := s.CalculateNextRun(sc.CronExpression, now)
	if err != nil {
		return fmt.Errorf("next run for schedule %q: %w", sc.ID, err)
	}
	return s.store.UpdateSchedule(ctx, sc.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
		LastRunID:     runID,
	})
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun returns the first activation of cronExpr after from.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeConfig, "invalid cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return sched.Next(from), nil
}

// Stop shuts down the polling loop and waits for the current tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs, once, every enabled schedule whose next run time
// passed while the process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) (int, error) {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return 0, fmt.Errorf("list missed schedules: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, sc := range schedules {
		if sc.NextRunAt == nil || !sc.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(sc.ID) {
			continue
		}
		err := s.runSchedule(ctx, sc, now)
		s.release(sc.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to recover missed schedule",
				slog.String("schedule_id", sc.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.InfoContext(ctx, "recovered missed schedules", slog.Int("count", recovered))
	}
	return recovered, nil
}
