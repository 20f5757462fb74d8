package engine

import (
	"context"
	"encoding/json"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// pickTransition evaluates the step's outgoing transitions in declaration
// order against the current scope. The first condition that evaluates true
// wins; if none match, the unconditional fallback edge is taken. Editors rely
// on declaration order to express else-semantics, so it is authoritative.
func pickTransition(ctx context.Context, step *schema.Step, ec *ExecutionContext) (string, error) {
	data := ec.Scope().Data()

	var fallback string
	for _, t := range ec.Def.OutgoingTransitions(step.Slug) {
		if t.IsDefault() {
			if fallback == "" {
				fallback = t.TargetSlug
			}
			continue
		}
		ok, err := ec.Engines.CEL.EvaluateBool(ctx, t.Condition, data)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrKindCondition,
				"evaluate condition %q: %s", t.Condition, err.Error()).WithCause(err)
		}
		if ok {
			return t.TargetSlug, nil
		}
	}
	return fallback, nil
}

// ConditionHandler routes to the first outgoing edge whose condition holds.
type ConditionHandler struct{}

func (h *ConditionHandler) Kind() schema.StepKind { return schema.StepKindCondition }

func (h *ConditionHandler) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.NodeResult, error) {
	next, err := pickTransition(ctx, step, ec)
	if err != nil {
		return nil, err
	}
	recordBranch(ctx, step, ec, next)
	return &schema.NodeResult{
		NextSlug: next,
		Status:   schema.ResultContinue,
	}, nil
}

// WhileHandler routes like a condition step, but its matching edge may point
// back at the step itself (directly or through a loop body), so the
// interpreter counts its entries against the iteration cap. A condition that
// is false on the very first visit exits through the fallback edge
// immediately; the handler re-evaluates from scratch on every entry and
// never caches a prior result.
type WhileHandler struct{}

func (h *WhileHandler) Kind() schema.StepKind { return schema.StepKindWhile }

func (h *WhileHandler) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.NodeResult, error) {
	next, err := pickTransition(ctx, step, ec)
	if err != nil {
		return nil, err
	}
	recordBranch(ctx, step, ec, next)
	return &schema.NodeResult{
		NextSlug: next,
		Status:   schema.ResultContinue,
	}, nil
}

// recordBranch logs which outgoing edge a routing step chose.
func recordBranch(ctx context.Context, step *schema.Step, ec *ExecutionContext, next string) {
	payload, _ := json.Marshal(map[string]any{"next_slug": next})
	ec.RecordEvent(ctx, step.Slug, schema.EventConditionEvaluated, payload)
}
