package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// AppendEvent appends an event and assigns it the next per-run sequence,
// stored in event.ID. The sequence is read and written inside one write
// transaction so concurrent appends for the same run stay contiguous.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	// A deferred transaction in WAL mode takes no lock until its first
	// write, so force one before reading the sequence.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("release write lock row: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := marshalNullable(mapOrNil(event.Payload))
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_id, event_type, payload, timestamp, sequence) VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepID), event.Type, payload, event.Timestamp, seq,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	event.ID = seq
	return nil
}

// GetEvents returns a run's events with sequence > since, oldest first.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, run_id, step_id, event_type, payload, timestamp FROM events
		 WHERE run_id = ? AND sequence > ? ORDER BY sequence`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByType returns events of one type across runs, oldest first.
func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*schema.Event, error) {
	query := `SELECT sequence, run_id, step_id, event_type, payload, timestamp FROM events WHERE event_type = ?`
	args := []any{eventType}
	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.StepID != "" {
		query += " AND step_id = ?"
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *filter.Since)
	}
	query += " ORDER BY timestamp, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*schema.Event, error) {
	var events []*schema.Event
	for rows.Next() {
		e := &schema.Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event %d payload: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ReplaySteps folds a run's event log into per-key step snapshots.
// A gap in the sequence is reported as a STORE_ERROR.
func (s *LibSQLStore) ReplaySteps(ctx context.Context, runID string) (map[string]*StepSnapshot, error) {
	events, err := s.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	steps := make(map[string]*StepSnapshot)
	for i, e := range events {
		if want := int64(i + 1); e.ID != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, want, e.ID)
		}
		if e.StepID == "" {
			continue
		}
		ss, ok := steps[e.StepID]
		if !ok {
			ss = &StepSnapshot{Key: e.StepID, Status: schema.StepStatusPending}
			steps[e.StepID] = ss
		}
		ts := e.Timestamp

		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = schema.StepStatusRunning
			if ss.StartedAt == nil {
				ss.StartedAt = &ts
			}
		case schema.EventStepRetrying:
			ss.Status = schema.StepStatusRetrying
			ss.Retries++
		case schema.EventStepCompleted:
			ss.Status = schema.StepStatusCompleted
			ss.CompletedAt = &ts
		case schema.EventStepSuppressed, schema.EventStepFailed:
			if e.Type == schema.EventStepFailed {
				ss.Status = schema.StepStatusFailed
			} else {
				ss.Status = schema.StepStatusSuppressed
			}
			ss.CompletedAt = &ts
			if msg, ok := e.Payload["error"].(string); ok {
				ss.Error = msg
			}
		case schema.EventStepSkipped:
			ss.Status = schema.StepStatusSkipped
		}
	}
	return steps, nil
}

func mapOrNil(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}
