package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender receives the events emitted on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
}

type hookKey[S ~string] struct {
	from, to S
}

// machine is the transition-table core shared by the run and step FSMs.
type machine[S ~string] struct {
	kind     string
	table    map[S][]S
	eventFor func(S) string
	appender EventAppender

	mu     sync.Mutex
	before map[hookKey[S]][]TransitionHook
	after  map[hookKey[S]][]TransitionHook
}

func newMachine[S ~string](kind string, table map[S][]S, eventFor func(S) string, appender EventAppender) *machine[S] {
	return &machine[S]{
		kind:     kind,
		table:    table,
		eventFor: eventFor,
		appender: appender,
		before:   make(map[hookKey[S]][]TransitionHook),
		after:    make(map[hookKey[S]][]TransitionHook),
	}
}

func (m *machine[S]) onBefore(from, to S, hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := hookKey[S]{from, to}
	m.before[k] = append(m.before[k], hook)
}

func (m *machine[S]) onAfter(from, to S, hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := hookKey[S]{from, to}
	m.after[k] = append(m.after[k], hook)
}

func (m *machine[S]) valid(from, to S) bool {
	allowed, ok := m.table[from]
	return ok && slices.Contains(allowed, to)
}

func (m *machine[S]) transition(ctx context.Context, ev *schema.Event, from, to S) error {
	if !m.valid(from, to) {
		fe := schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid %s transition: %s -> %s", m.kind, from, to).
			WithDetails(map[string]any{"run_id": ev.RunID, "from": string(from), "to": string(to)})
		if ev.StepID != "" {
			fe = fe.WithStep(ev.StepID)
		}
		return fe
	}

	m.mu.Lock()
	k := hookKey[S]{from, to}
	before := slices.Clone(m.before[k])
	after := slices.Clone(m.after[k])
	m.mu.Unlock()

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if ev.Type = m.eventFor(to); ev.Type != "" && m.appender != nil {
		ev.Timestamp = time.Now().UTC()
		if err := m.appender.AppendEvent(ctx, ev); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit %s event: %s", m.kind, err.Error()).WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

// --- Run FSM ---

// RunFSM manages run lifecycle transitions.
type RunFSM struct {
	m *machine[schema.RunStatus]
}

// NewRunFSM creates a RunFSM emitting events through appender (nil = none).
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{m: newMachine("run", ValidRunTransitions, runEventType, appender)}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.m.onBefore(from, to, hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) { f.m.onAfter(from, to, hook) }

// Transition validates a run transition and emits its event.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload map[string]any) error {
	return f.m.transition(ctx, &schema.Event{RunID: runID, Payload: payload}, from, to)
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusActive:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	}
	return ""
}

// --- Step FSM ---

// StepFSM manages step lifecycle transitions.
type StepFSM struct {
	m *machine[schema.StepStatus]
}

// NewStepFSM creates a StepFSM emitting events through appender (nil = none).
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{m: newMachine("step", ValidStepTransitions, stepEventType, appender)}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.m.onBefore(from, to, hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.m.onAfter(from, to, hook)
}

// Transition validates a step transition and emits its event. key is the
// step's result key (namespaced inside loop bodies).
func (f *StepFSM) Transition(ctx context.Context, runID, key string, from, to schema.StepStatus, payload map[string]any) error {
	return f.m.transition(ctx, &schema.Event{RunID: runID, StepID: key, Payload: payload}, from, to)
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusRetrying:
		return schema.EventStepRetrying
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusSuppressed:
		return schema.EventStepSuppressed
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	}
	return ""
}

// ValidRunTransitions defines the allowed run state transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusActive, schema.RunStatusCancelled},
	schema.RunStatusActive:    {schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// ValidStepTransitions defines the allowed step state transitions.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:    {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:    {schema.StepStatusCompleted, schema.StepStatusSuppressed, schema.StepStatusFailed, schema.StepStatusRetrying},
	schema.StepStatusRetrying:   {schema.StepStatusRunning},
	schema.StepStatusCompleted:  {},
	schema.StepStatusSuppressed: {},
	schema.StepStatusFailed:     {},
	schema.StepStatusSkipped:    {},
}
