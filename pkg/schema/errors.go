package schema

import "fmt"

// Error kinds for structured error reporting. Configuration errors are
// detected before any side-effecting call is made and are never retried;
// step-kind kinds wrap failures inside a handler's collaborator call.
const (
	ErrKindValidation    = "validation"
	ErrKindConfiguration = "configuration"
	ErrKindMissingStep   = "missing_step"
	ErrKindAgent         = "agent"
	ErrKindCondition     = "condition"
	ErrKindState         = "state"
	ErrKindTransform     = "transform"
	ErrKindWidget        = "widget"
	ErrKindVectorStore   = "json_vector_store"
	ErrKindOutboundCall  = "outbound_call"
	ErrKindExpression    = "expression"
	ErrKindStore         = "store"
	ErrKindNotFound      = "not_found"
	ErrKindCancelled     = "cancelled"
	ErrKindInternal      = "internal"
)

// ExecutionError is the structured error type raised by node handlers and the
// interpreter. It always carries the offending step's slug and the summaries
// of steps executed so far, so the orchestrator can build a diagnostic
// display without inspecting handler internals.
type ExecutionError struct {
	Kind      string                `json:"kind"`
	Message   string                `json:"message"`
	StepSlug  string                `json:"step_slug,omitempty"`
	StepTitle string                `json:"step_title,omitempty"`
	Steps     []WorkflowStepSummary `json:"steps,omitempty"`
	Details   map[string]any        `json:"details,omitempty"`
	Cause     error                 `json:"-"`
}

func (e *ExecutionError) Error() string {
	if e.StepSlug != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Kind, e.StepSlug, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether resending the user input could plausibly succeed.
// Configuration and validation failures will hit the same misconfiguration
// again, so no retry is offered for them.
func (e *ExecutionError) Retryable() bool {
	return e.Kind != ErrKindConfiguration && e.Kind != ErrKindValidation
}

// NewError creates a new ExecutionError.
func NewError(kind, message string) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: message}
}

// NewErrorf creates a new ExecutionError with a formatted message.
func NewErrorf(kind, format string, args ...any) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches the offending step's slug and title.
func (e *ExecutionError) WithStep(slug, title string) *ExecutionError {
	e.StepSlug = slug
	e.StepTitle = title
	return e
}

// WithSteps attaches the summaries of steps executed before the failure.
func (e *ExecutionError) WithSteps(steps []WorkflowStepSummary) *ExecutionError {
	e.Steps = steps
	return e
}

// WithCause attaches an underlying cause.
func (e *ExecutionError) WithCause(err error) *ExecutionError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ExecutionError) WithDetails(details map[string]any) *ExecutionError {
	e.Details = details
	return e
}
