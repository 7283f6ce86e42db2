package streaming

import (
	"context"

	"github.com/rendis/stepflow/pkg/schema"
)

// EventFilter selects which run events a subscriber receives. Zero
// fields match everything.
type EventFilter struct {
	RunID string   `json:"run_id,omitempty"`
	Types []string `json:"types,omitempty"`
}

// EventHub fans run events out to live subscribers.
type EventHub interface {
	Publish(ctx context.Context, event schema.Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error)
}
