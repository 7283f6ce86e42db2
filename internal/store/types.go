package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// GraphRecord is a stored graph document.
type GraphRecord struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Graph       schema.Graph `json:"graph"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Schedule is a cron-triggered run of a stored graph.
type Schedule struct {
	ID             string         `json:"id"`
	GraphName      string         `json:"graph_name"`
	CronExpression string         `json:"cron_expression"`
	Variables      map[string]any `json:"variables,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	LastRunID      string         `json:"last_run_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Plugin statuses.
const (
	PluginActive   = "active"
	PluginInactive = "inactive"
	PluginError    = "error"
)

// PluginRecord is a configured MCP plugin server and its last known health.
type PluginRecord struct {
	ID              string          `json:"id"`
	Prefix          string          `json:"prefix"`
	Command         string          `json:"command"`
	Config          json.RawMessage `json:"config,omitempty"`
	Status          string          `json:"status"`
	Tools           int             `json:"tools"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	LastHealthCheck *time.Time      `json:"last_health_check,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// StepSnapshot is a step's state reconstructed from the event log.
type StepSnapshot struct {
	Key         string            `json:"key"`
	Status      schema.StepStatus `json:"status"`
	Retries     int               `json:"retries"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status    *schema.RunStatus `json:"status,omitempty"`
	GraphName string            `json:"graph_name,omitempty"`
	Since     *time.Time        `json:"since,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	Offset    int               `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID  string     `json:"run_id,omitempty"`
	StepID string     `json:"step_id,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	GraphName string `json:"graph_name,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}
