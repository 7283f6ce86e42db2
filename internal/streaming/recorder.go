package streaming

import (
	"context"
	"maps"
	"sync"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

// Recorder is an engine.Recorder that publishes every appended event to a
// hub after the wrapped recorder has stored it. With no wrapped recorder
// it numbers events per run itself and persists nothing.
type Recorder struct {
	inner engine.Recorder
	hub   EventHub

	mu  sync.Mutex
	seq map[string]int64
}

var _ engine.Recorder = (*Recorder)(nil)

// NewRecorder wraps inner, which may be nil.
func NewRecorder(inner engine.Recorder, hub EventHub) *Recorder {
	return &Recorder{inner: inner, hub: hub, seq: make(map[string]int64)}
}

// AppendEvent stores the event, then publishes a copy of it. Publishing is
// best-effort and never fails the append.
func (r *Recorder) AppendEvent(ctx context.Context, event *schema.Event) error {
	if r.inner != nil {
		if err := r.inner.AppendEvent(ctx, event); err != nil {
			return err
		}
	} else {
		r.mu.Lock()
		r.seq[event.RunID]++
		event.ID = r.seq[event.RunID]
		r.mu.Unlock()
	}

	out := *event
	out.Payload = maps.Clone(event.Payload)
	_ = r.hub.Publish(context.WithoutCancel(ctx), out)
	return nil
}

func (r *Recorder) CreateRun(ctx context.Context, run *schema.Run) error {
	if r.inner == nil {
		return nil
	}
	return r.inner.CreateRun(ctx, run)
}

// UpdateRun forwards the update. Once a run is terminal its local
// sequence counter is released.
func (r *Recorder) UpdateRun(ctx context.Context, run *schema.Run) error {
	if run.CompletedAt != nil {
		r.mu.Lock()
		delete(r.seq, run.ID)
		r.mu.Unlock()
	}
	if r.inner == nil {
		return nil
	}
	return r.inner.UpdateRun(ctx, run)
}

func (r *Recorder) SaveStepResult(ctx context.Context, runID string, result *schema.StepResult) error {
	if r.inner == nil {
		return nil
	}
	return r.inner.SaveStepResult(ctx, runID, result)
}
