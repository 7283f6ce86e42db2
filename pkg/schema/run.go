package schema

import (
	"errors"
	"time"
)

// Run is the persisted summary of one graph execution.
type Run struct {
	ID          string     `json:"id"`
	GraphName   string     `json:"graph_name,omitempty"`
	Status      RunStatus  `json:"status"`
	Error       *FlowError `json:"error,omitempty"`
	Warnings    []string   `json:"warnings,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StepResult is the outcome of one step execution. Key equals StepID at the
// top level; inside a loop body it is namespaced as loopID.iter_N.stepID.
type StepResult struct {
	Key         string     `json:"key"`
	StepID      string     `json:"step_id"`
	Type        string     `json:"type,omitempty"`
	Status      StepStatus `json:"status"`
	Output      any        `json:"output,omitempty"`
	Error       *FlowError `json:"error,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
}

// Event is one entry of a run's append-only event log.
type Event struct {
	ID        int64          `json:"id,omitempty"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AsFlowError returns err as a *FlowError, wrapping foreign errors with code.
func AsFlowError(err error, code string) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return NewError(code, err.Error()).WithCause(err)
}
