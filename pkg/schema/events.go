package schema

// Event type constants for the append-only run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunSuspended = "run_suspended"
	EventRunResumed   = "run_resumed"
	EventRunCancelled = "run_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	EventWidgetWaitStarted = "widget_wait_started"
	EventSignalReceived    = "signal_received"
	EventSignalDropped     = "signal_dropped"

	EventCallStarted   = "call_started"
	EventCallCompleted = "call_completed"

	EventConditionEvaluated = "condition_evaluated"
	EventLoopIteration      = "loop_iteration"
	EventThreadStatusSet    = "thread_status_set"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusActive    RunStatus = "active"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// StepRunStatus represents the lifecycle state of a step within a run.
type StepRunStatus string

const (
	StepRunPending   StepRunStatus = "pending"
	StepRunRunning   StepRunStatus = "running"
	StepRunCompleted StepRunStatus = "completed"
	StepRunFailed    StepRunStatus = "failed"
	StepRunSkipped   StepRunStatus = "skipped"
	StepRunSuspended StepRunStatus = "suspended"
)

// StreamEventType enumerates the UI events the orchestration loop places on
// the client-facing queue.
type StreamEventType string

const (
	StreamMessageAdded   StreamEventType = "message-added"
	StreamMessageDone    StreamEventType = "message-done"
	StreamWidgetAdded    StreamEventType = "widget-added"
	StreamWidgetUpdated  StreamEventType = "widget-updated"
	StreamProgressUpdate StreamEventType = "progress-update"
	StreamError          StreamEventType = "error"
	StreamEndOfTurn      StreamEventType = "end-of-turn"
)

// StreamEvent is one entry on the ordered UI event queue.
// Events are delivered to the client in the order the orchestration loop
// enqueues them; there is no reordering or coalescing beyond the explicit
// progress-update collapsing done by the orchestrator.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	ThreadID   string          `json:"thread_id,omitempty"`
	RunID      string          `json:"run_id,omitempty"`
	StepSlug   string          `json:"step_slug,omitempty"`
	ItemID     string          `json:"item_id,omitempty"`
	Text       string          `json:"text,omitempty"`
	Done       bool            `json:"done,omitempty"`
	AllowRetry bool            `json:"allow_retry,omitempty"`
	Payload    any             `json:"payload,omitempty"`
}
