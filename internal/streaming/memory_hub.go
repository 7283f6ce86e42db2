package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/stepflow/pkg/schema"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan schema.Event
	filter EventFilter
}

// MemoryHub is an in-process EventHub backed by buffered channels.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewMemoryHub creates an empty MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscriber)}
}

// Publish delivers event to every matching subscriber. It never blocks: a
// subscriber whose buffer is full misses the event.
func (h *MemoryHub) Publish(ctx context.Context, event schema.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber. The returned cancel func removes it and
// closes the channel; it is safe to call more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan schema.Event, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

func matchFilter(f EventFilter, e schema.Event) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, e.Type)
}
