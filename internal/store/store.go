package store

import (
	"context"

	"github.com/rendis/stepflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *schema.Run) error
	UpdateRun(ctx context.Context, run *schema.Run) error
	GetRun(ctx context.Context, id string) (*schema.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error)

	// Step results (latest state per result key)
	SaveStepResult(ctx context.Context, runID string, result *schema.StepResult) error
	ListStepResults(ctx context.Context, runID string) ([]*schema.StepResult, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *schema.Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*schema.Event, error)

	// Graphs
	SaveGraph(ctx context.Context, g *GraphRecord) error
	GetGraph(ctx context.Context, name string) (*GraphRecord, error)
	ListGraphs(ctx context.Context) ([]*GraphRecord, error)
	DeleteGraph(ctx context.Context, name string) error

	// Schedules
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Plugins
	UpsertPlugin(ctx context.Context, p *PluginRecord) error
	UpdatePluginStatus(ctx context.Context, id, status, errMsg string) error
	ListPlugins(ctx context.Context) ([]*PluginRecord, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
