package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

const subscriptionBuffer = 64

// subscription is one observer's mailbox. dropped counts events discarded
// because the mailbox was full when Publish tried to deliver.
type subscription struct {
	events  chan schema.StreamEvent
	filter  EventFilter
	dropped atomic.Int64
}

func (s *subscription) deliver(ev schema.StreamEvent) {
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

// MemoryHub is the in-process EventHub. Delivery is best effort: a
// subscriber that stops draining loses events rather than stalling the
// publishing run.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[*subscription]struct{})}
}

// Publish fans event out to every subscriber whose filter matches.
func (h *MemoryHub) Publish(ctx context.Context, event schema.StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.filter.Matches(event) {
			sub.deliver(event)
		}
	}
	return nil
}

// Subscribe registers an observer. The returned cancel deregisters it;
// events already buffered remain readable afterwards.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscription{
		events: make(chan schema.StreamEvent, subscriptionBuffer),
		filter: filter,
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		})
	}
	return sub.events, cancel, nil
}

// SubscriberCount reports how many observers are currently registered.
func (h *MemoryHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
