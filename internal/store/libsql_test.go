package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

var _ engine.Recorder = (*LibSQLStore)(nil)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewLibSQLStore("file:" + filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedRun(t *testing.T, s *LibSQLStore, graphName string) *schema.Run {
	t.Helper()
	run := &schema.Run{
		ID:        uuid.New().String(),
		GraphName: graphName,
		Status:    schema.RunStatusActive,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func seedGraph(t *testing.T, s *LibSQLStore, name string) *GraphRecord {
	t.Helper()
	g := &GraphRecord{
		Name:        name,
		Description: "test graph",
		Graph: schema.Graph{
			Name: name,
			Steps: []schema.Step{
				{ID: "a", Type: "delay", Config: json.RawMessage(`{"ms":1}`)},
				{ID: "b", Type: "variable.set", Config: json.RawMessage(`{"name":"x","value":1}`)},
			},
			Edges: []schema.Edge{{Source: "a", Target: "b"}},
		},
	}
	require.NoError(t, s.SaveGraph(context.Background(), g))
	return g
}

// --- Migrations ---

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSplitStatements_DropsComments(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment\n;CREATE INDEX i ON a(x);")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, stmts)
}

// --- Runs ---

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "orders")

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "orders", got.GraphName)
	assert.Equal(t, schema.RunStatusActive, got.Status)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.CompletedAt)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "nope")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestUpdateRun_PersistsErrorAndWarnings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "orders")

	done := time.Now().UTC()
	run.Status = schema.RunStatusFailed
	run.CompletedAt = &done
	run.Warnings = []string{"step b suppressed"}
	run.Error = schema.NewError(schema.ErrCodeStepFailed, "step a failed").WithStep("a")
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{"step b suppressed"}, got.Warnings)
	require.NotNil(t, got.Error)
	assert.Equal(t, schema.ErrCodeStepFailed, got.Error.Code)
	assert.Equal(t, "a", got.Error.StepID)
}

func TestUpdateRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateRun(context.Background(), &schema.Run{ID: "missing", Status: schema.RunStatusCompleted})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestListRuns_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedRun(t, s, "orders")
	seedRun(t, s, "orders")
	seedRun(t, s, "billing")

	a.Status = schema.RunStatusCompleted
	require.NoError(t, s.UpdateRun(ctx, a))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	orders, err := s.ListRuns(ctx, RunFilter{GraphName: "orders"})
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	completed := schema.RunStatusCompleted
	done, err := s.ListRuns(ctx, RunFilter{Status: &completed})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, a.ID, done[0].ID)

	page, err := s.ListRuns(ctx, RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

// --- Step results ---

func TestSaveStepResult_Upserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "")

	start := time.Now().UTC()
	res := &schema.StepResult{
		Key: "fetch", StepID: "fetch", Type: "http.request",
		Status: schema.StepStatusRunning, Attempts: 1, StartedAt: start,
	}
	require.NoError(t, s.SaveStepResult(ctx, run.ID, res))

	res.Status = schema.StepStatusCompleted
	res.Output = map[string]any{"status": float64(200)}
	res.Attempts = 2
	res.CompletedAt = start.Add(50 * time.Millisecond)
	res.DurationMs = 50
	require.NoError(t, s.SaveStepResult(ctx, run.ID, res))

	results, err := s.ListStepResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	got := results[0]
	assert.Equal(t, schema.StepStatusCompleted, got.Status)
	assert.Equal(t, map[string]any{"status": float64(200)}, got.Output)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, int64(50), got.DurationMs)
	assert.Nil(t, got.Error)
}

func TestSaveStepResult_LoopKeysAndErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "")

	for i, key := range []string{"each.iter_0.body", "each.iter_1.body"} {
		res := &schema.StepResult{Key: key, StepID: "body", Status: schema.StepStatusCompleted, Output: i}
		require.NoError(t, s.SaveStepResult(ctx, run.ID, res))
	}
	require.NoError(t, s.SaveStepResult(ctx, run.ID, &schema.StepResult{
		Key: "bad", StepID: "bad", Status: schema.StepStatusFailed,
		Error: schema.NewError(schema.ErrCodeOperation, "boom"),
	}))

	results, err := s.ListStepResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byKey := make(map[string]*schema.StepResult)
	for _, r := range results {
		byKey[r.Key] = r
	}
	assert.Equal(t, "body", byKey["each.iter_1.body"].StepID)
	assert.Equal(t, float64(1), byKey["each.iter_1.body"].Output)
	require.NotNil(t, byKey["bad"].Error)
	assert.Equal(t, "boom", byKey["bad"].Error.Message)
}

// --- Graphs ---

func TestSaveAndGetGraph(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedGraph(t, s, "pipeline")

	got, err := s.GetGraph(ctx, "pipeline")
	require.NoError(t, err)
	assert.Equal(t, "test graph", got.Description)
	require.Len(t, got.Graph.Steps, 2)
	assert.Equal(t, "delay", got.Graph.Steps[0].Type)
	assert.JSONEq(t, `{"ms":1}`, string(got.Graph.Steps[0].Config))
	assert.Equal(t, []schema.Edge{{Source: "a", Target: "b"}}, got.Graph.Edges)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSaveGraph_OverwritesDefinition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := seedGraph(t, s, "pipeline")

	g.Description = "v2"
	g.Graph.Edges = nil
	require.NoError(t, s.SaveGraph(ctx, g))

	got, err := s.GetGraph(ctx, "pipeline")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Description)
	assert.Empty(t, got.Graph.Edges)

	graphs, err := s.ListGraphs(ctx)
	require.NoError(t, err)
	assert.Len(t, graphs, 1)
}

func TestSaveGraph_RequiresName(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveGraph(context.Background(), &GraphRecord{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfig))
}

func TestDeleteGraph(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedGraph(t, s, "pipeline")

	require.NoError(t, s.DeleteGraph(ctx, "pipeline"))
	_, err := s.GetGraph(ctx, "pipeline")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.HasCode(s.DeleteGraph(ctx, "pipeline"), schema.ErrCodeNotFound))
}

// --- Schedules ---

func TestScheduleLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedGraph(t, s, "nightly")

	next := time.Now().UTC().Add(time.Hour)
	sc := &Schedule{
		ID:             uuid.New().String(),
		GraphName:      "nightly",
		CronExpression: "0 3 * * *",
		Variables:      map[string]any{"env": "prod"},
		Enabled:        true,
		NextRunAt:      &next,
	}
	require.NoError(t, s.CreateSchedule(ctx, sc))

	got, err := s.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", got.CronExpression)
	assert.Equal(t, map[string]any{"env": "prod"}, got.Variables)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)

	ran := time.Now().UTC()
	disabled := false
	require.NoError(t, s.UpdateSchedule(ctx, sc.ID, ScheduleUpdate{
		Enabled:       &disabled,
		LastRunAt:     &ran,
		LastRunStatus: string(schema.RunStatusCompleted),
		LastRunID:     "run-1",
	}))

	got, err = s.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "completed", got.LastRunStatus)
	assert.Equal(t, "run-1", got.LastRunID)
	require.NotNil(t, got.LastRunAt)

	enabled := true
	list, err := s.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = s.ListSchedules(ctx, ScheduleFilter{GraphName: "nightly"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteSchedule(ctx, sc.ID))
	_, err = s.GetSchedule(ctx, sc.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestUpdateSchedule_EmptyUpdateIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdateSchedule(context.Background(), "whatever", ScheduleUpdate{}))
}

func TestCreateSchedule_UnknownGraph(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateSchedule(context.Background(), &Schedule{
		ID: "s1", GraphName: "ghost", CronExpression: "* * * * *", Enabled: true,
	})
	assert.Error(t, err)
}

// --- Plugins ---

func TestPluginUpsertAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &PluginRecord{
		ID:      "crm",
		Prefix:  "crm",
		Command: "crm-mcp --stdio",
		Config:  json.RawMessage(`{"env":{"TOKEN":"x"}}`),
		Status:  PluginActive,
		Tools:   3,
	}
	require.NoError(t, s.UpsertPlugin(ctx, p))

	p.Tools = 4
	require.NoError(t, s.UpsertPlugin(ctx, p))
	require.NoError(t, s.UpdatePluginStatus(ctx, "crm", PluginError, "ping failed"))

	list, err := s.ListPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	got := list[0]
	assert.Equal(t, 4, got.Tools)
	assert.Equal(t, PluginError, got.Status)
	assert.Equal(t, "ping failed", got.ErrorMessage)
	assert.JSONEq(t, `{"env":{"TOKEN":"x"}}`, string(got.Config))
	assert.NotNil(t, got.LastHealthCheck)

	assert.True(t, schema.HasCode(s.UpdatePluginStatus(ctx, "ghost", PluginActive, ""), schema.ErrCodeNotFound))
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	seedRun(t, s, "")
	assert.NoError(t, s.Vacuum(context.Background()))
}
