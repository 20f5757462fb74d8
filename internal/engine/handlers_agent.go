package engine

import (
	"context"
	"encoding/json"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

type agentParams struct {
	Instructions string `json:"instructions"`
	Model        string `json:"model,omitempty"`
}

// AgentHandler invokes the external agent runner with the step's configured
// instructions and the accumulated step history. Partial output is streamed
// as step updates; the terminal text becomes the step summary and a message
// in the conversation.
type AgentHandler struct{}

func (h *AgentHandler) Kind() schema.StepKind { return schema.StepKindAgent }

func (h *AgentHandler) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.NodeResult, error) {
	return runAgentStep(ctx, step, ec, false)
}

// VoiceAgentHandler runs the same agent contract for voice-driven steps. The
// output is not rendered as a chat message; the voice transport delivers it.
type VoiceAgentHandler struct{}

func (h *VoiceAgentHandler) Kind() schema.StepKind { return schema.StepKindVoiceAgent }

func (h *VoiceAgentHandler) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.NodeResult, error) {
	return runAgentStep(ctx, step, ec, true)
}

func runAgentStep(ctx context.Context, step *schema.Step, ec *ExecutionContext, voice bool) (*schema.NodeResult, error) {
	if ec.Collab.Agents == nil {
		return nil, schema.NewError(schema.ErrKindConfiguration, "no agent runner configured")
	}

	var params agentParams
	if len(step.Parameters) > 0 {
		if err := json.Unmarshal(step.Parameters, &params); err != nil {
			return nil, schema.NewErrorf(schema.ErrKindConfiguration, "decode agent parameters: %s", err.Error()).WithCause(err)
		}
	}
	if params.Instructions == "" {
		return nil, schema.NewError(schema.ErrKindConfiguration, "agent step requires instructions")
	}

	instructions, err := ec.Engines.Interp.ResolveString(ctx, params.Instructions, ec.Scope())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrKindExpression, "resolve instructions: %s", err.Error()).WithCause(err)
	}

	title := step.Title()
	var partial string
	onDelta := func(delta string) {
		partial += delta
		ec.StreamUpdate(ctx, schema.WorkflowStepStreamUpdate{
			Key:   step.Slug,
			Title: title,
			Text:  partial,
			Delta: delta,
		})
	}

	result, err := ec.Collab.Agents.Run(ctx, AgentRequest{
		Instructions: instructions,
		Model:        params.Model,
		Input:        ec.History(),
	}, onDelta)
	if err != nil {
		kind := schema.ErrKindAgent
		if ctx.Err() != nil {
			kind = schema.ErrKindCancelled
		}
		return nil, schema.NewErrorf(kind, "agent run failed: %s", err.Error()).WithCause(err)
	}

	if !voice && result.Text != "" {
		emitMessage(ctx, ec, "assistant", result.Text)
	}

	if result.StructuredOutput != nil {
		ec.LastOutput = result.StructuredOutput
	} else {
		ec.LastOutput = result.Text
	}

	return &schema.NodeResult{
		NextSlug: defaultNext(ec, step),
		Status:   schema.ResultContinue,
		Summary: &schema.WorkflowStepSummary{
			Key:    step.Slug,
			Title:  title,
			Output: result.Text,
		},
	}, nil
}
