package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// WidgetHandler resolves a widget UI definition, emits it to the client, and
// waits for the user's action. A wait that outlives the configured window is
// converted into a durable suspension: the run result carries a resume token
// and a later turn restarts from this step's follow-up edge with the action
// payload merged into state.
type WidgetHandler struct{}

func (h *WidgetHandler) Kind() schema.StepKind { return schema.StepKindWidget }

func (h *WidgetHandler) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.NodeResult, error) {
	var params struct {
		WidgetSlug string         `json:"widget_slug,omitempty"`
		Definition map[string]any `json:"definition,omitempty"`
		Bindings   map[string]any `json:"bindings,omitempty"`
	}
	if len(step.Parameters) > 0 {
		if err := json.Unmarshal(step.Parameters, &params); err != nil {
			return nil, schema.NewErrorf(schema.ErrKindConfiguration, "decode widget parameters: %s", err.Error()).WithCause(err)
		}
	}

	definition, err := resolveWidgetDefinition(ctx, ec, params.WidgetSlug, params.Definition)
	if err != nil {
		return nil, err
	}

	if len(params.Bindings) > 0 {
		bound, err := ec.Engines.Interp.ResolveMap(ctx, params.Bindings, ec.Scope())
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrKindExpression, "resolve widget bindings: %s", err.Error()).WithCause(err)
		}
		definition["bindings"] = bound
	}

	id := itemID(ec, "widget")
	ec.EmitEvent(ctx, schema.StreamEvent{
		Type:     schema.StreamWidgetAdded,
		StepSlug: step.Slug,
		ItemID:   id,
		Payload:  definition,
	})

	payload, err := ec.Waiters.WaitForAction(ctx, ec.ThreadID, params.WidgetSlug, id)
	if err != nil {
		if errors.Is(err, ErrWaitTimeout) {
			return &schema.NodeResult{
				Status: schema.ResultSuspend,
				Resume: &schema.ResumeToken{
					StepSlug:     step.Slug,
					WidgetSlug:   params.WidgetSlug,
					WidgetItemID: id,
				},
			}, nil
		}
		return nil, err
	}

	ec.LastOutput = payload

	return &schema.NodeResult{
		NextSlug:       defaultNext(ec, step),
		ContextUpdates: payload,
		Status:         schema.ResultContinue,
		Summary: &schema.WorkflowStepSummary{
			Key:    step.Slug,
			Title:  step.Title(),
			Output: stringifyValue(payload),
		},
	}, nil
}

// resolveWidgetDefinition prefers an inline definition; otherwise the widget
// library collaborator is consulted by slug.
func resolveWidgetDefinition(ctx context.Context, ec *ExecutionContext, slug string, inline map[string]any) (map[string]any, error) {
	if len(inline) > 0 {
		out := make(map[string]any, len(inline))
		for k, v := range inline {
			out[k] = v
		}
		return out, nil
	}
	if slug == "" {
		return nil, schema.NewError(schema.ErrKindConfiguration, "widget step requires a widget_slug or an inline definition")
	}
	if ec.Collab.Widgets == nil {
		return nil, schema.NewError(schema.ErrKindConfiguration, "no widget resolver configured")
	}
	def, err := ec.Collab.Widgets.Resolve(ctx, slug)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrKindWidget, "resolve widget %q: %s", slug, err.Error()).WithCause(err)
	}
	return def, nil
}
