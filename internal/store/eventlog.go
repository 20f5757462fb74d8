package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run
// sequence. The sequence read and the insert run in one transaction so
// concurrent writers cannot interleave them.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// StepTrace is the reconstructed state of one step, derived from the log.
type StepTrace struct {
	StepSlug    string               `json:"step_slug"`
	Status      schema.StepRunStatus `json:"status"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	DurationMs  int64                `json:"duration_ms,omitempty"`
	Iterations  int                  `json:"iterations,omitempty"`
}

// Replay replays all events for a run and returns the reconstructed
// per-step traces. Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, runID string) (map[string]*StepTrace, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	traces := make(map[string]*StepTrace)
	if len(events) == 0 {
		return traces, nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrKindStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		if e.StepSlug == "" {
			continue
		}

		tr, ok := traces[e.StepSlug]
		if !ok {
			tr = &StepTrace{StepSlug: e.StepSlug, Status: schema.StepRunPending}
			traces[e.StepSlug] = tr
		}

		switch e.Type {
		case schema.EventStepStarted:
			tr.Status = schema.StepRunRunning
			ts := e.Timestamp
			tr.StartedAt = &ts

		case schema.EventStepCompleted:
			tr.Status = schema.StepRunCompleted
			ts := e.Timestamp
			tr.CompletedAt = &ts
			if tr.StartedAt != nil {
				tr.DurationMs = ts.Sub(*tr.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			tr.Status = schema.StepRunFailed

		case schema.EventStepSkipped:
			tr.Status = schema.StepRunSkipped

		case schema.EventWidgetWaitStarted:
			tr.Status = schema.StepRunSuspended

		case schema.EventLoopIteration:
			tr.Iterations++

		case schema.EventSignalReceived:
			// Resume is driven by the waiter registry; the interpreter will
			// transition the step when it re-enters.
		}
	}

	return traces, nil
}
