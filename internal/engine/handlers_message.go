package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// defaultNext returns the target of the step's unconditional outgoing edge,
// or "" when the step has none (implicit end).
func defaultNext(ec *ExecutionContext, step *schema.Step) string {
	if t := ec.Def.DefaultTransition(step.Slug); t != nil {
		return t.TargetSlug
	}
	return ""
}

// itemID asks the thread collaborator for an item id, falling back to a UUID
// when no thread store is wired.
func itemID(ec *ExecutionContext, kind string) string {
	if ec.Collab.Threads != nil {
		return ec.Collab.Threads.GenerateItemID(kind, ec.ThreadID)
	}
	return uuid.New().String()
}

// StartHandler runs the graph's entry step. The step itself does nothing; the
// auto-start behavior its parameters may declare is resolved by the
// orchestration layer before the run begins.
type StartHandler struct{}

func (h *StartHandler) Kind() schema.StepKind { return schema.StepKindStart }

func (h *StartHandler) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.NodeResult, error) {
	return &schema.NodeResult{
		NextSlug: defaultNext(ec, step),
		Status:   schema.ResultContinue,
	}, nil
}

// EndHandler terminates the run with the step's declared end state.
type EndHandler struct{}

func (h *EndHandler) Kind() schema.StepKind { return schema.StepKindEnd }

func (h *EndHandler) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.NodeResult, error) {
	es := schema.EndStateFromStep(step)

	if es.Message != "" {
		msg, err := ec.Engines.Interp.ResolveString(ctx, es.Message, ec.Scope())
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrKindExpression, "resolve end message: %s", err.Error()).WithCause(err)
		}
		es.Message = msg
		emitMessage(ctx, ec, "assistant", msg)
	}

	return &schema.NodeResult{
		Status:   schema.ResultEnd,
		EndState: es,
	}, nil
}

// messageParams is shared by the assistant_message and user_message kinds.
type messageParams struct {
	Message string `json:"message"`
}

// AssistantMessageHandler synthesizes a literal assistant message without
// invoking an agent.
type AssistantMessageHandler struct{}

func (h *AssistantMessageHandler) Kind() schema.StepKind { return schema.StepKindAssistantMessage }

func (h *AssistantMessageHandler) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.NodeResult, error) {
	return executeMessage(ctx, step, ec, "assistant")
}

// UserMessageHandler synthesizes a literal user message, used by auto-start
// and canned prompts.
type UserMessageHandler struct{}

func (h *UserMessageHandler) Kind() schema.StepKind { return schema.StepKindUserMessage }

func (h *UserMessageHandler) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.NodeResult, error) {
	return executeMessage(ctx, step, ec, "user")
}

func executeMessage(ctx context.Context, step *schema.Step, ec *ExecutionContext, role string) (*schema.NodeResult, error) {
	var params messageParams
	if len(step.Parameters) > 0 {
		if err := json.Unmarshal(step.Parameters, &params); err != nil {
			return nil, schema.NewErrorf(schema.ErrKindConfiguration, "decode %s parameters: %s", step.Kind, err.Error()).WithCause(err)
		}
	}
	if params.Message == "" {
		return nil, schema.NewErrorf(schema.ErrKindConfiguration, "%s step requires a message", step.Kind)
	}

	msg, err := ec.Engines.Interp.ResolveString(ctx, params.Message, ec.Scope())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrKindExpression, "resolve message: %s", err.Error()).WithCause(err)
	}

	emitMessage(ctx, ec, role, msg)

	var summary *schema.WorkflowStepSummary
	if role == "assistant" {
		summary = &schema.WorkflowStepSummary{Key: step.Slug, Title: step.Title(), Output: msg}
		ec.LastOutput = msg
	}

	return &schema.NodeResult{
		NextSlug: defaultNext(ec, step),
		Status:   schema.ResultContinue,
		Summary:  summary,
	}, nil
}

// emitMessage persists the message when a thread store is wired and sends
// the paired added/done events downstream.
func emitMessage(ctx context.Context, ec *ExecutionContext, role, text string) {
	id := itemID(ec, "message")
	if ec.Collab.Threads != nil {
		item := &ThreadItem{ID: id, Kind: "message", Payload: map[string]any{"role": role, "text": text}}
		if err := ec.Collab.Threads.AddThreadItem(ctx, ec.ThreadID, item); err != nil {
			// Persisting the synthesized message is best effort.
			ec.Logger.WarnContext(ctx, "save thread message failed", "error", err)
		}
	}
	ec.EmitEvent(ctx, schema.StreamEvent{
		Type:   schema.StreamMessageAdded,
		ItemID: id,
		Text:   text,
		Payload: map[string]any{
			"role": role,
		},
	})
	ec.EmitEvent(ctx, schema.StreamEvent{
		Type:   schema.StreamMessageDone,
		ItemID: id,
		Done:   true,
	})
}
