package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// OutboundCallHandler places a call through the telephony collaborator.
// Every required parameter is validated before initiate_call is invoked, so
// a misconfigured step never places a call. When configured to block, the
// handler waits on the call session itself; the session object is the
// rendezvous, with no registry involved.
type OutboundCallHandler struct{}

func (h *OutboundCallHandler) Kind() schema.StepKind { return schema.StepKindOutboundCall }

func (h *OutboundCallHandler) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.NodeResult, error) {
	var params struct {
		ToNumber        string         `json:"to_number"`
		FromNumber      string         `json:"from_number,omitempty"`
		VoiceWorkflowID string         `json:"voice_workflow_id"`
		SIPAccountID    string         `json:"sip_account_id"`
		Blocking        bool           `json:"blocking,omitempty"`
		Metadata        map[string]any `json:"metadata,omitempty"`
	}
	if len(step.Parameters) > 0 {
		if err := json.Unmarshal(step.Parameters, &params); err != nil {
			return nil, schema.NewErrorf(schema.ErrKindConfiguration, "decode outbound_call parameters: %s", err.Error()).WithCause(err)
		}
	}

	scope := ec.Scope()
	toNumber, err := ec.Engines.Interp.ResolveString(ctx, params.ToNumber, scope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrKindExpression, "resolve to_number: %s", err.Error()).WithCause(err)
	}

	switch {
	case toNumber == "":
		return nil, schema.NewError(schema.ErrKindConfiguration, "outbound_call step requires a to_number")
	case params.VoiceWorkflowID == "":
		return nil, schema.NewError(schema.ErrKindConfiguration, "outbound_call step requires a voice_workflow_id")
	case params.SIPAccountID == "":
		return nil, schema.NewError(schema.ErrKindConfiguration, "outbound_call step requires a sip_account_id")
	}
	if ec.Collab.Phone == nil {
		return nil, schema.NewError(schema.ErrKindConfiguration, "no telephony collaborator configured")
	}

	session, err := ec.Collab.Phone.InitiateCall(ctx, CallRequest{
		ToNumber:     toNumber,
		FromNumber:   params.FromNumber,
		WorkflowID:   params.VoiceWorkflowID,
		SIPAccountID: params.SIPAccountID,
		Metadata:     params.Metadata,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrKindOutboundCall, "initiate call to %s: %s", toNumber, err.Error()).WithCause(err)
	}

	callPayload, _ := json.Marshal(map[string]any{"call_id": session.CallID()})
	ec.RecordEvent(ctx, step.Slug, schema.EventCallStarted, callPayload)
	ec.EmitEvent(ctx, schema.StreamEvent{
		Type:     schema.StreamProgressUpdate,
		StepSlug: step.Slug,
		Text:     fmt.Sprintf("Call started (%s)", session.CallID()),
	})

	if params.Blocking {
		if err := session.WaitUntilComplete(ctx); err != nil {
			return nil, schema.NewErrorf(schema.ErrKindOutboundCall, "wait for call %s: %s", session.CallID(), err.Error()).WithCause(err)
		}
		donePayload, _ := json.Marshal(map[string]any{"call_id": session.CallID(), "status": session.Status()})
		ec.RecordEvent(ctx, step.Slug, schema.EventCallCompleted, donePayload)
	}

	return &schema.NodeResult{
		NextSlug: defaultNext(ec, step),
		ContextUpdates: map[string]any{
			"call_id":     session.CallID(),
			"call_status": session.Status(),
		},
		Status: schema.ResultContinue,
		Summary: &schema.WorkflowStepSummary{
			Key:    step.Slug,
			Title:  step.Title(),
			Output: session.Status(),
		},
	}, nil
}
