package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/handlers"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// mockStore is an in-memory Store.
type mockStore struct {
	mu        sync.Mutex
	graphs    map[string]*store.GraphRecord
	schedules map[string]*store.Schedule
}

func newMockStore() *mockStore {
	return &mockStore{
		graphs:    make(map[string]*store.GraphRecord),
		schedules: make(map[string]*store.Schedule),
	}
}

func (m *mockStore) GetGraph(_ context.Context, name string) (*store.GraphRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.graphs[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "graph %q not found", name)
	}
	return g, nil
}

func (m *mockStore) CreateSchedule(_ context.Context, sc *store.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sc
	m.schedules[sc.ID] = &cp
	return nil
}

func (m *mockStore) UpdateSchedule(_ context.Context, id string, u store.ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.schedules[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id)
	}
	if u.Enabled != nil {
		sc.Enabled = *u.Enabled
	}
	if u.LastRunAt != nil {
		sc.LastRunAt = u.LastRunAt
	}
	if u.NextRunAt != nil {
		sc.NextRunAt = u.NextRunAt
	}
	if u.LastRunStatus != "" {
		sc.LastRunStatus = u.LastRunStatus
	}
	if u.LastRunID != "" {
		sc.LastRunID = u.LastRunID
	}
	return nil
}

func (m *mockStore) ListSchedules(_ context.Context, f store.ScheduleFilter) ([]*store.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Schedule
	for _, sc := range m.schedules {
		if f.Enabled != nil && sc.Enabled != *f.Enabled {
			continue
		}
		cp := *sc
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) get(id string) store.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.schedules[id]
}

func (m *mockStore) addGraph(name string) {
	m.graphs[name] = &store.GraphRecord{Name: name, Graph: schema.Graph{
		Steps: []schema.Step{{ID: "a", Type: "delay", Config: json.RawMessage(`{"ms":1}`)}},
	}}
}

func (m *mockStore) addSchedule(id, graph string, next *time.Time, enabled bool) {
	m.schedules[id] = &store.Schedule{
		ID: id, GraphName: graph, CronExpression: "*/5 * * * *",
		Enabled: enabled, NextRunAt: next, Variables: map[string]any{"env": "test"},
	}
}

// mockRunner records graph runs.
type mockRunner struct {
	mu     sync.Mutex
	runs   []engine.RunOptions
	graphs []string
	status schema.RunStatus
	err    error
	block  chan struct{}
}

func (r *mockRunner) Run(_ context.Context, g *schema.Graph, opts engine.RunOptions) (*engine.RunResult, error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, opts)
	r.graphs = append(r.graphs, g.Name)
	if r.err != nil {
		return nil, r.err
	}
	status := r.status
	if status == "" {
		status = schema.RunStatusCompleted
	}
	return &engine.RunResult{RunID: opts.RunID, Status: status}, nil
}

func (r *mockRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func past() *time.Time {
	t := time.Now().UTC().Add(-time.Minute)
	return &t
}

func future() *time.Time {
	t := time.Now().UTC().Add(time.Hour)
	return &t
}

func TestCalculateNextRun(t *testing.T) {
	s := NewScheduler(newMockStore(), &mockRunner{}, slog.Default())
	from := time.Date(2026, 1, 1, 10, 2, 0, 0, time.UTC)

	next, err := s.CalculateNextRun("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("not a cron", from)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfig))
}

func TestCreate(t *testing.T) {
	ms := newMockStore()
	ms.addGraph("nightly")
	s := NewScheduler(ms, &mockRunner{}, nil)
	ctx := context.Background()

	sc, err := s.Create(ctx, "nightly", "0 3 * * *", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.NotEmpty(t, sc.ID)
	assert.True(t, sc.Enabled)
	require.NotNil(t, sc.NextRunAt)
	assert.True(t, sc.NextRunAt.After(time.Now().UTC()))
	assert.Equal(t, "nightly", ms.get(sc.ID).GraphName)

	_, err = s.Create(ctx, "ghost", "0 3 * * *", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	_, err = s.Create(ctx, "nightly", "61 * * * *", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfig))
}

func TestTickRunsDueSchedules(t *testing.T) {
	ms := newMockStore()
	ms.addGraph("g")
	ms.addSchedule("due", "g", past(), true)
	ms.addSchedule("later", "g", future(), true)
	ms.addSchedule("off", "g", past(), false)
	ms.addSchedule("never-run", "g", nil, true)
	runner := &mockRunner{}
	s := NewScheduler(ms, runner, nil)

	s.tick(context.Background())

	assert.Equal(t, 2, runner.count())
	assert.Equal(t, []string{"g", "g"}, runner.graphs, "graph name defaults to the record name")
	assert.Equal(t, map[string]any{"env": "test"}, runner.runs[0].Variables)
	assert.NotEmpty(t, runner.runs[0].RunID)
	assert.Nil(t, ms.get("later").LastRunAt)
	assert.Nil(t, ms.get("off").LastRunAt)
}

func TestScheduleUpdatedAfterRun(t *testing.T) {
	ms := newMockStore()
	ms.addGraph("g")
	ms.addSchedule("s1", "g", past(), true)
	runner := &mockRunner{status: schema.RunStatusFailed}
	s := NewScheduler(ms, runner, nil)

	before := time.Now().UTC()
	s.tick(context.Background())

	got := ms.get("s1")
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.False(t, got.LastRunAt.Before(before))
	assert.True(t, got.NextRunAt.After(*got.LastRunAt))
	assert.Equal(t, "failed", got.LastRunStatus)
	assert.Equal(t, runner.runs[0].RunID, got.LastRunID)
}

func TestRunnerErrorStillAdvancesSchedule(t *testing.T) {
	ms := newMockStore()
	ms.addGraph("g")
	ms.addSchedule("s1", "g", past(), true)
	s := NewScheduler(ms, &mockRunner{err: errors.New("invalid graph")}, nil)

	s.tick(context.Background())

	got := ms.get("s1")
	assert.Equal(t, "failed", got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestMissingGraphMarksFailed(t *testing.T) {
	ms := newMockStore()
	ms.addSchedule("s1", "deleted", past(), true)
	runner := &mockRunner{}
	s := NewScheduler(ms, runner, nil)

	s.tick(context.Background())

	assert.Zero(t, runner.count())
	got := ms.get("s1")
	assert.Equal(t, "failed", got.LastRunStatus)
	assert.Empty(t, got.LastRunID)
}

func TestRecoverMissed(t *testing.T) {
	ms := newMockStore()
	ms.addGraph("g")
	ms.addSchedule("missed", "g", past(), true)
	ms.addSchedule("unscheduled", "g", nil, true)
	ms.addSchedule("upcoming", "g", future(), true)
	runner := &mockRunner{}
	s := NewScheduler(ms, runner, nil)

	n, err := s.RecoverMissed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, runner.count())
	assert.NotNil(t, ms.get("missed").LastRunAt)
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := newMockStore()
	ms.addGraph("g")
	ms.addSchedule("s1", "g", past(), true)
	runner := &mockRunner{block: make(chan struct{})}
	s := NewScheduler(ms, runner, nil)

	done := make(chan struct{})
	go func() {
		s.tick(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool {
		s.inflightMu.Lock()
		defer s.inflightMu.Unlock()
		_, ok := s.inflight["s1"]
		return ok
	}, time.Second, 5*time.Millisecond)

	s.tick(context.Background())
	close(runner.block)
	<-done

	assert.Equal(t, 1, runner.count())
	assert.True(t, s.tryAcquire("s1"), "released after the tick")
}

func TestStartStop(t *testing.T) {
	ms := newMockStore()
	ms.addGraph("g")
	ms.addSchedule("s1", "g", past(), true)
	runner := &mockRunner{}
	s := NewScheduler(ms, runner, nil, WithInterval(10*time.Millisecond))

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, schema.HasCode(s.Start(context.Background()), schema.ErrCodeConflict))

	require.Eventually(t, func() bool { return runner.count() >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestScheduledRunThroughExecutor(t *testing.T) {
	ms := newMockStore()
	ms.graphs["vars"] = &store.GraphRecord{Name: "vars", Graph: schema.Graph{
		Steps: []schema.Step{{ID: "set", Type: "variable.set", Config: json.RawMessage(`{"name":"seen","value":"${{variables.env}}"}`)}},
	}}
	ms.addSchedule("s1", "vars", past(), true)

	reg := handlers.NewRegistry()
	require.NoError(t, handlers.RegisterBuiltins(reg, handlers.Deps{}))
	exec := engine.NewExecutor(reg, nil, engine.ExecutorConfig{})
	s := NewScheduler(ms, exec, nil)

	s.tick(context.Background())
	assert.Equal(t, "completed", ms.get("s1").LastRunStatus)
}
