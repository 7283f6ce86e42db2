package schema

// Event type constants for the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventStepStarted    = "step_started"
	EventStepCompleted  = "step_completed"
	EventStepFailed     = "step_failed"
	EventStepSkipped    = "step_skipped"
	EventStepRetrying   = "step_retrying"
	EventStepSuppressed = "step_suppressed"

	EventSwitchSelected    = "switch_selected"
	EventLoopIterStarted   = "loop_iter_started"
	EventLoopIterCompleted = "loop_iter_completed"
	EventLoopCompleted     = "loop_completed"
	EventWaitStarted       = "wait_started"
	EventWaitCompleted     = "wait_completed"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusRunning    StepStatus = "running"
	StepStatusRetrying   StepStatus = "retrying"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusSuppressed StepStatus = "suppressed" // failed, but failSilently let the run continue
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// Terminal reports whether no further transition is possible.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusSuppressed, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}
