package engine

import (
	"context"
	"sync"

	"github.com/fpoisson2/test-chatkit-sub001/internal/store"
	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// EventAppender is satisfied by the store and the event log; the run FSM
// emits lifecycle events through it on every transition.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidRunTransitions defines the allowed lifecycle transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusActive, schema.RunStatusCancelled},
	schema.RunStatusActive:    {schema.RunStatusSuspended, schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusSuspended: {schema.RunStatusActive, schema.RunStatusCancelled, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// RunFSM validates run lifecycle transitions and appends the matching event
// to the run log.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewRunFSM creates a RunFSM emitting events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{appender: appender}
}

// Transition validates and records a run state transition. The caller is
// responsible for persisting the new status to the store.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrKindInternal, "invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := runEventType(to)
	if from == schema.RunStatusSuspended && to == schema.RunStatusActive {
		eventType = schema.EventRunResumed
	}
	if eventType == "" {
		return nil
	}
	event := &store.Event{RunID: runID, Type: eventType}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrKindStore, "emit run event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusActive:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusSuspended:
		return schema.EventRunSuspended
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}
