package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/fpoisson2/test-chatkit-sub001/internal/expressions"
	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// AgentMessage is one entry in the input history handed to the agent runner.
type AgentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AgentRequest carries one agent invocation.
type AgentRequest struct {
	Instructions string         `json:"instructions"`
	Model        string         `json:"model,omitempty"`
	Input        []AgentMessage `json:"input"`
}

// AgentResult is the terminal output of one agent invocation.
type AgentResult struct {
	Text             string         `json:"text"`
	StructuredOutput map[string]any `json:"structured_output,omitempty"`
}

// AgentRunner is the external LLM collaborator. onDelta is invoked zero or
// more times with partial output before the terminal result is returned; a
// nil onDelta disables streaming.
type AgentRunner interface {
	Run(ctx context.Context, req AgentRequest, onDelta func(delta string)) (*AgentResult, error)
}

// VectorStore is the external document-ingestion collaborator.
type VectorStore interface {
	Ingest(ctx context.Context, storeSlug, docID string, document, metadata map[string]any) (string, error)
}

// CallRequest carries one outbound call placement.
type CallRequest struct {
	ToNumber     string         `json:"to_number"`
	FromNumber   string         `json:"from_number,omitempty"`
	WorkflowID   string         `json:"workflow_id"`
	SIPAccountID string         `json:"sip_account_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// CallSession is the handle to an in-flight outbound call. The session object
// itself is the rendezvous for the call-completion wait; there is no registry.
type CallSession interface {
	CallID() string
	Status() string
	WaitUntilComplete(ctx context.Context) error
}

// Telephony is the external outbound-call collaborator.
type Telephony interface {
	InitiateCall(ctx context.Context, req CallRequest) (CallSession, error)
}

// ThreadItem is one persisted entry in a conversation thread.
type ThreadItem struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ThreadStore is the conversation persistence collaborator.
type ThreadStore interface {
	GenerateItemID(kind, threadID string) string
	AddThreadItem(ctx context.Context, threadID string, item *ThreadItem) error
	LoadThreadItems(ctx context.Context, threadID string) ([]*ThreadItem, error)
}

// WidgetResolver resolves a widget UI definition by slug. Steps may instead
// carry an inline definition, in which case the resolver is not consulted.
type WidgetResolver interface {
	Resolve(ctx context.Context, widgetSlug string) (map[string]any, error)
}

// Collaborators bundles the external interfaces a run may touch. Any of them
// may be nil; handlers that need a missing one fail with a configuration error.
type Collaborators struct {
	Agents  AgentRunner
	Vectors VectorStore
	Phone   Telephony
	Threads ThreadStore
	Widgets WidgetResolver
}

// Callbacks are the orchestration loop's view into a run in progress.
type Callbacks struct {
	// OnStep fires once per finished step with its terminal summary.
	OnStep func(ctx context.Context, summary schema.WorkflowStepSummary)
	// OnStepStream fires for each partial update of a long-running step.
	OnStepStream func(ctx context.Context, update schema.WorkflowStepStreamUpdate)
	// OnStreamEvent passes a lower-level UI event through to the client.
	OnStreamEvent func(ctx context.Context, event schema.StreamEvent)
	// OnEvent records a structured entry in the run's append-only event
	// log. Step traces are replayed from these entries.
	OnEvent func(ctx context.Context, stepSlug, eventType string, payload json.RawMessage)
}

// WorkflowInput is the per-turn input handed to a run.
type WorkflowInput struct {
	UserMessage   string         `json:"user_message,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	ResumePayload map[string]any `json:"resume_payload,omitempty"`
}

// ExecutionContext is the mutable per-run state. It is owned exclusively by
// one run for its lifetime; handlers read it and propose changes through the
// returned NodeResult, never by writing State directly. The one exception is
// LastOutput, the previous-step output channel, which the producing handler
// assigns before returning.
type ExecutionContext struct {
	ThreadID string
	RunID    string

	// Def is the read-only definition being executed, set by the
	// interpreter before the first dispatch.
	Def *schema.WorkflowDefinition

	State      map[string]any
	Steps      []schema.WorkflowStepSummary
	Input      *WorkflowInput
	LastOutput any

	Collab    Collaborators
	Waiters   *WidgetWaiterRegistry
	Engines   *Engines
	Callbacks Callbacks
	Logger    *slog.Logger
}

// NewExecutionContext creates a context for one run. State starts empty
// unless the input carries resume payload or preset variables.
func NewExecutionContext(threadID, runID string, input *WorkflowInput, collab Collaborators, engines *Engines, waiters *WidgetWaiterRegistry, logger *slog.Logger) *ExecutionContext {
	if input == nil {
		input = &WorkflowInput{}
	}
	state := make(map[string]any)
	for k, v := range input.ResumePayload {
		state[k] = v
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionContext{
		ThreadID: threadID,
		RunID:    runID,
		State:    state,
		Input:    input,
		Collab:   collab,
		Engines:  engines,
		Waiters:  waiters,
		Logger:   logger,
	}
}

// RecordStep appends a finished step's summary and notifies the orchestrator.
func (ec *ExecutionContext) RecordStep(ctx context.Context, summary schema.WorkflowStepSummary) {
	ec.Steps = append(ec.Steps, summary)
	if ec.Callbacks.OnStep != nil {
		ec.Callbacks.OnStep(ctx, summary)
	}
}

// StreamUpdate forwards a partial step update to the orchestrator.
func (ec *ExecutionContext) StreamUpdate(ctx context.Context, update schema.WorkflowStepStreamUpdate) {
	if ec.Callbacks.OnStepStream != nil {
		ec.Callbacks.OnStepStream(ctx, update)
	}
}

// RecordEvent appends a structured entry to the run's event log.
func (ec *ExecutionContext) RecordEvent(ctx context.Context, stepSlug, eventType string, payload json.RawMessage) {
	if ec.Callbacks.OnEvent != nil {
		ec.Callbacks.OnEvent(ctx, stepSlug, eventType, payload)
	}
}

// EmitEvent passes a UI event through to the orchestrator.
func (ec *ExecutionContext) EmitEvent(ctx context.Context, event schema.StreamEvent) {
	event.ThreadID = ec.ThreadID
	event.RunID = ec.RunID
	if ec.Callbacks.OnStreamEvent != nil {
		ec.Callbacks.OnStreamEvent(ctx, event)
	}
}

// Scope projects the context into the expression namespaces.
func (ec *ExecutionContext) Scope() *expressions.Scope {
	steps := make(map[string]any, len(ec.Steps))
	for _, s := range ec.Steps {
		steps[s.Key] = s.Output
	}
	input := map[string]any{"user_message": ec.Input.UserMessage}
	for k, v := range ec.Input.Variables {
		input[k] = v
	}
	return &expressions.Scope{
		State:  ec.State,
		Steps:  steps,
		Input:  input,
		Thread: map[string]any{"id": ec.ThreadID},
		Last:   ec.LastOutput,
	}
}

// History converts the accumulated step summaries plus the user message into
// the agent runner's input history, so later agents see earlier step outputs
// as conversation-like context.
func (ec *ExecutionContext) History() []AgentMessage {
	var history []AgentMessage
	if ec.Input.UserMessage != "" {
		history = append(history, AgentMessage{Role: "user", Content: ec.Input.UserMessage})
	}
	for _, s := range ec.Steps {
		if s.Output == "" {
			continue
		}
		history = append(history, AgentMessage{Role: "assistant", Content: s.Output})
	}
	return history
}

// Engines bundles the expression evaluators shared by all handlers.
type Engines struct {
	CEL    *expressions.CELEngine
	Expr   *expressions.ExprEngine
	JQ     *expressions.GoJQEngine
	Interp *expressions.Interpolator
}

// NewEngines constructs the full evaluator set.
func NewEngines() (*Engines, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	ex := expressions.NewExprEngine()
	return &Engines{
		CEL:    cel,
		Expr:   ex,
		JQ:     expressions.NewGoJQEngine(),
		Interp: expressions.NewInterpolator(ex),
	}, nil
}
