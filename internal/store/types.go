package store

import (
	"encoding/json"
	"time"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// Thread is the persisted representation of a conversation thread.
type Thread struct {
	ID           string                  `json:"id"`
	Status       schema.ThreadStatusType `json:"status"`
	StatusReason string                  `json:"status_reason,omitempty"`
	Metadata     json.RawMessage         `json:"metadata,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// Run is the persisted representation of one workflow run on a thread.
type Run struct {
	ID            string                    `json:"id"`
	ThreadID      string                    `json:"thread_id"`
	Definition    schema.WorkflowDefinition `json:"definition"`
	Status        schema.RunStatus          `json:"status"`
	Input         map[string]any            `json:"input,omitempty"`
	Summary       json.RawMessage           `json:"summary,omitempty"`
	Error         json.RawMessage           `json:"error,omitempty"`
	FinalNodeSlug string                    `json:"final_node_slug,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	StartedAt     *time.Time                `json:"started_at,omitempty"`
	CompletedAt   *time.Time                `json:"completed_at,omitempty"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

// Suspension is the durable resume token for a thread waiting on a widget
// action. At most one per thread; saving a new one replaces the old.
type Suspension struct {
	ThreadID     string          `json:"thread_id"`
	RunID        string          `json:"run_id"`
	StepSlug     string          `json:"step_slug"`
	WidgetSlug   string          `json:"widget_slug,omitempty"`
	WidgetItemID string          `json:"widget_item_id,omitempty"`
	MatchAny     bool            `json:"match_any,omitempty"`
	State        json.RawMessage `json:"state,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
}

// Token converts the persisted record back into the engine's resume token.
func (s *Suspension) Token() *schema.ResumeToken {
	return &schema.ResumeToken{
		ThreadID:     s.ThreadID,
		RunID:        s.RunID,
		StepSlug:     s.StepSlug,
		WidgetSlug:   s.WidgetSlug,
		WidgetItemID: s.WidgetItemID,
	}
}

// Event is an immutable entry in the append-only run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepSlug  string          `json:"step_slug,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status        *schema.RunStatus `json:"status,omitempty"`
	Summary       json.RawMessage   `json:"summary,omitempty"`
	Error         json.RawMessage   `json:"error,omitempty"`
	FinalNodeSlug string            `json:"final_node_slug,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	ThreadID string            `json:"thread_id,omitempty"`
	Status   *schema.RunStatus `json:"status,omitempty"`
	Since    *time.Time        `json:"since,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	Offset   int               `json:"offset,omitempty"`
}
