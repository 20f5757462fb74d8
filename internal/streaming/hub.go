package streaming

import (
	"context"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// EventFilter specifies which events a subscriber wants to receive. A zero
// filter matches everything.
type EventFilter struct {
	ThreadID   string                   `json:"thread_id,omitempty"`
	RunID      string                   `json:"run_id,omitempty"`
	EventTypes []schema.StreamEventType `json:"event_types,omitempty"`
}

// Matches reports whether the filter admits event.
func (f EventFilter) Matches(event schema.StreamEvent) bool {
	if f.ThreadID != "" && f.ThreadID != event.ThreadID {
		return false
	}
	if f.RunID != "" && f.RunID != event.RunID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == event.Type {
			return true
		}
	}
	return false
}

// EventHub provides pub/sub for observers of in-flight runs (status tools,
// admin surfaces). It is distinct from the per-turn Queue: the hub fans out
// best-effort, the queue is the ordered client stream.
type EventHub interface {
	Publish(ctx context.Context, event schema.StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.StreamEvent, func(), error)
}
