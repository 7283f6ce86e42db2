package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepflow/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork). It also
// satisfies engine.Recorder, so an executor can persist runs into it.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/stepflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.Run) error {
	errJSON, warnings, err := runColumns(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, graph_name, status, error, warnings, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.GraphName), string(run.Status), errJSON, warnings,
		timeOrNow(run.StartedAt), nullTime(run.CompletedAt), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, run *schema.Run) error {
	errJSON, warnings, err := runColumns(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, warnings = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(run.Status), errJSON, warnings, nullTime(run.CompletedAt), time.Now().UTC(), run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, graph_name, status, error, warnings, started_at, completed_at FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error) {
	query := `SELECT id, graph_name, status, error, warnings, started_at, completed_at FROM runs`
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.GraphName != "" {
		where = append(where, "graph_name = ?")
		args = append(args, filter.GraphName)
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*schema.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*schema.Run, error) {
	run := &schema.Run{}
	var graphName, errJSON, warnings sql.NullString
	var status string
	var completed sql.NullTime
	if err := row.Scan(&run.ID, &graphName, &status, &errJSON, &warnings, &run.StartedAt, &completed); err != nil {
		return nil, err
	}
	run.GraphName = graphName.String
	run.Status = schema.RunStatus(status)
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	if errJSON.Valid && errJSON.String != "" {
		run.Error = &schema.FlowError{}
		if err := json.Unmarshal([]byte(errJSON.String), run.Error); err != nil {
			return nil, fmt.Errorf("unmarshal run error: %w", err)
		}
	}
	if warnings.Valid && warnings.String != "" {
		if err := json.Unmarshal([]byte(warnings.String), &run.Warnings); err != nil {
			return nil, fmt.Errorf("unmarshal run warnings: %w", err)
		}
	}
	return run, nil
}

func runColumns(run *schema.Run) (errJSON, warnings any, err error) {
	if run.Error != nil {
		b, err := json.Marshal(run.Error)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal run error: %w", err)
		}
		errJSON = string(b)
	}
	if len(run.Warnings) > 0 {
		b, err := json.Marshal(run.Warnings)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal run warnings: %w", err)
		}
		warnings = string(b)
	}
	return errJSON, warnings, nil
}

// --- Step results ---

// SaveStepResult upserts the latest state of one step execution.
func (s *LibSQLStore) SaveStepResult(ctx context.Context, runID string, r *schema.StepResult) error {
	output, err := marshalNullable(r.Output)
	if err != nil {
		return fmt.Errorf("marshal output of %s: %w", r.Key, err)
	}
	errJSON, err := marshalNullable(r.Error)
	if err != nil {
		return fmt.Errorf("marshal error of %s: %w", r.Key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO step_results (run_id, key, step_id, type, status, output, error, attempts, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, key) DO UPDATE SET
		   status=excluded.status, output=excluded.output, error=excluded.error, attempts=excluded.attempts,
		   started_at=excluded.started_at, completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		runID, r.Key, r.StepID, nullStr(r.Type), string(r.Status), output, errJSON, r.Attempts,
		nullZeroTime(r.StartedAt), nullZeroTime(r.CompletedAt), r.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("save step result %s/%s: %w", runID, r.Key, err)
	}
	return nil
}

// ListStepResults returns every result of a run ordered by start time.
func (s *LibSQLStore) ListStepResults(ctx context.Context, runID string) ([]*schema.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, step_id, type, status, output, error, attempts, started_at, completed_at, duration_ms
		 FROM step_results WHERE run_id = ? ORDER BY started_at, key`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*schema.StepResult
	for rows.Next() {
		r := &schema.StepResult{}
		var typ, output, errJSON sql.NullString
		var status string
		var started, completed sql.NullTime
		if err := rows.Scan(&r.Key, &r.StepID, &typ, &status, &output, &errJSON, &r.Attempts, &started, &completed, &r.DurationMs); err != nil {
			return nil, err
		}
		r.Type = typ.String
		r.Status = schema.StepStatus(status)
		r.StartedAt = started.Time
		r.CompletedAt = completed.Time
		if output.Valid && output.String != "" {
			if err := json.Unmarshal([]byte(output.String), &r.Output); err != nil {
				return nil, fmt.Errorf("unmarshal output of %s: %w", r.Key, err)
			}
		}
		if errJSON.Valid && errJSON.String != "" {
			r.Error = &schema.FlowError{}
			if err := json.Unmarshal([]byte(errJSON.String), r.Error); err != nil {
				return nil, fmt.Errorf("unmarshal error of %s: %w", r.Key, err)
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Graphs ---

func (s *LibSQLStore) SaveGraph(ctx context.Context, g *GraphRecord) error {
	if g.Name == "" {
		return schema.NewError(schema.ErrCodeConfig, "graph name is required")
	}
	def, err := json.Marshal(g.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO graphs (name, description, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET description=excluded.description, definition=excluded.definition, updated_at=excluded.updated_at`,
		g.Name, nullStr(g.Description), string(def), timeOrNow(g.CreatedAt), now,
	)
	if err != nil {
		return fmt.Errorf("save graph %s: %w", g.Name, err)
	}
	return nil
}

func (s *LibSQLStore) GetGraph(ctx context.Context, name string) (*GraphRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, description, definition, created_at, updated_at FROM graphs WHERE name = ?`, name)
	g, err := scanGraph(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("graph", name)
	}
	return g, err
}

func (s *LibSQLStore) ListGraphs(ctx context.Context) ([]*GraphRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, description, definition, created_at, updated_at FROM graphs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var graphs []*GraphRecord
	for rows.Next() {
		g, err := scanGraph(rows)
		if err != nil {
			return nil, err
		}
		graphs = append(graphs, g)
	}
	return graphs, rows.Err()
}

func (s *LibSQLStore) DeleteGraph(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graphs WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "graph", name)
}

func scanGraph(row rowScanner) (*GraphRecord, error) {
	g := &GraphRecord{}
	var desc sql.NullString
	var def string
	if err := row.Scan(&g.Name, &desc, &def, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	g.Description = desc.String
	if err := json.Unmarshal([]byte(def), &g.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal graph %s: %w", g.Name, err)
	}
	return g, nil
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sc *Schedule) error {
	vars, err := marshalMapOrDefault(sc.Variables)
	if err != nil {
		return fmt.Errorf("marshal schedule variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, graph_name, cron_expression, variables, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.GraphName, sc.CronExpression, string(vars), sc.Enabled, nullTime(sc.NextRunAt), timeOrNow(sc.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert schedule %s: %w", sc.ID, err)
	}
	return nil
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelect+` WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("schedule", id)
	}
	return sc, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastRunID != "" {
		sets = append(sets, "last_run_id = ?")
		args = append(args, update.LastRunID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", id, err)
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	query := scheduleSelect
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.GraphName != "" {
		where = append(where, "graph_name = ?")
		args = append(args, filter.GraphName)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

const scheduleSelect = `SELECT id, graph_name, cron_expression, variables, enabled, last_run_at, next_run_at,
	last_run_status, last_run_id, created_at FROM schedules`

func scanSchedule(row rowScanner) (*Schedule, error) {
	sc := &Schedule{}
	var vars, lastStatus, lastID sql.NullString
	var lastRun, nextRun sql.NullTime
	if err := row.Scan(&sc.ID, &sc.GraphName, &sc.CronExpression, &vars, &sc.Enabled,
		&lastRun, &nextRun, &lastStatus, &lastID, &sc.CreatedAt); err != nil {
		return nil, err
	}
	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &sc.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal schedule variables: %w", err)
		}
	}
	if lastRun.Valid {
		t := lastRun.Time
		sc.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		sc.NextRunAt = &t
	}
	sc.LastRunStatus = lastStatus.String
	sc.LastRunID = lastID.String
	return sc, nil
}

// --- Plugins ---

func (s *LibSQLStore) UpsertPlugin(ctx context.Context, p *PluginRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugins (id, prefix, command, config, status, tools, error_message, last_health_check, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET prefix=excluded.prefix, command=excluded.command, config=excluded.config,
		   status=excluded.status, tools=excluded.tools, error_message=excluded.error_message,
		   last_health_check=excluded.last_health_check`,
		p.ID, p.Prefix, p.Command, nullRaw(p.Config), p.Status, p.Tools, nullStr(p.ErrorMessage),
		nullTime(p.LastHealthCheck), timeOrNow(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert plugin %s: %w", p.ID, err)
	}
	return nil
}

func (s *LibSQLStore) UpdatePluginStatus(ctx context.Context, id, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plugins SET status = ?, error_message = ?, last_health_check = ? WHERE id = ?`,
		status, nullStr(errMsg), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update plugin %s: %w", id, err)
	}
	return checkRowsAffected(res, "plugin", id)
}

func (s *LibSQLStore) ListPlugins(ctx context.Context) ([]*PluginRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, prefix, command, config, status, tools, error_message, last_health_check, created_at
		 FROM plugins ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PluginRecord
	for rows.Next() {
		p := &PluginRecord{}
		var config, errMsg sql.NullString
		var health sql.NullTime
		if err := rows.Scan(&p.ID, &p.Prefix, &p.Command, &config, &p.Status, &p.Tools, &errMsg, &health, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Config = rawOrNil(config)
		p.ErrorMessage = errMsg.String
		if health.Valid {
			t := health.Time
			p.LastHealthCheck = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// marshalNullable encodes v as JSON text, or SQL NULL for a nil value.
func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if fe, ok := v.(*schema.FlowError); ok && fe == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
