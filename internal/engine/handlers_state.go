package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fpoisson2/test-chatkit-sub001/internal/expressions"
	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// StateHandler evaluates the step's declared expressions and merges the
// results into the run state. Never suspends.
type StateHandler struct{}

func (h *StateHandler) Kind() schema.StepKind { return schema.StepKindState }

func (h *StateHandler) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.NodeResult, error) {
	var params struct {
		Expressions map[string]any `json:"expressions"`
	}
	if len(step.Parameters) > 0 {
		if err := json.Unmarshal(step.Parameters, &params); err != nil {
			return nil, schema.NewErrorf(schema.ErrKindConfiguration, "decode state parameters: %s", err.Error()).WithCause(err)
		}
	}
	if len(params.Expressions) == 0 {
		return nil, schema.NewError(schema.ErrKindConfiguration, "state step requires expressions")
	}

	scope := ec.Scope()
	updates := make(map[string]any, len(params.Expressions))
	for key, raw := range params.Expressions {
		val, err := evalStateValue(ctx, ec, raw, scope)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrKindState, "evaluate %q: %s", key, err.Error()).WithCause(err)
		}
		updates[key] = val
	}

	return &schema.NodeResult{
		NextSlug:       defaultNext(ec, step),
		ContextUpdates: updates,
		Status:         schema.ResultContinue,
	}, nil
}

// evalStateValue resolves one declared value: interpolation templates keep
// their templated form, plain strings are treated as expressions, and
// non-string values are literals.
func evalStateValue(ctx context.Context, ec *ExecutionContext, raw any, scope *expressions.Scope) (any, error) {
	s, isString := raw.(string)
	if !isString {
		return raw, nil
	}
	if expressions.HasInterpolation(s) {
		return ec.Engines.Interp.Resolve(ctx, s, scope)
	}
	return ec.Engines.Expr.Evaluate(ctx, s, scope.Data())
}

// WatchHandler reports the current value of each watched state key as a
// progress event. Purely observational; never suspends, never writes state.
type WatchHandler struct{}

func (h *WatchHandler) Kind() schema.StepKind { return schema.StepKindWatch }

func (h *WatchHandler) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.NodeResult, error) {
	var params struct {
		Keys []string `json:"keys"`
	}
	if len(step.Parameters) > 0 {
		if err := json.Unmarshal(step.Parameters, &params); err != nil {
			return nil, schema.NewErrorf(schema.ErrKindConfiguration, "decode watch parameters: %s", err.Error()).WithCause(err)
		}
	}
	if len(params.Keys) == 0 {
		return nil, schema.NewError(schema.ErrKindConfiguration, "watch step requires keys")
	}

	for _, key := range params.Keys {
		val, ok := ec.State[key]
		text := "<unset>"
		if ok {
			text = stringifyValue(val)
		}
		ec.EmitEvent(ctx, schema.StreamEvent{
			Type:     schema.StreamProgressUpdate,
			StepSlug: step.Slug,
			Text:     fmt.Sprintf("%s = %s", key, text),
		})
	}

	return &schema.NodeResult{
		NextSlug: defaultNext(ec, step),
		Status:   schema.ResultContinue,
	}, nil
}

// TransformHandler reshapes the previous step's structured output into a new
// mapping per the declared field expressions. Pure function, no suspension.
type TransformHandler struct{}

func (h *TransformHandler) Kind() schema.StepKind { return schema.StepKindTransform }

func (h *TransformHandler) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.NodeResult, error) {
	var params struct {
		Fields   map[string]string `json:"fields"`
		AssignTo string            `json:"assign_to,omitempty"`
	}
	if len(step.Parameters) > 0 {
		if err := json.Unmarshal(step.Parameters, &params); err != nil {
			return nil, schema.NewErrorf(schema.ErrKindConfiguration, "decode transform parameters: %s", err.Error()).WithCause(err)
		}
	}
	if len(params.Fields) == 0 {
		return nil, schema.NewError(schema.ErrKindConfiguration, "transform step requires fields")
	}

	data := ec.Scope().Data()
	result := make(map[string]any, len(params.Fields))
	for field, expr := range params.Fields {
		val, err := ec.Engines.JQ.Evaluate(ctx, expr, data)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrKindTransform, "field %q: %s", field, err.Error()).WithCause(err)
		}
		result[field] = val
	}

	ec.LastOutput = result

	updates := map[string]any{}
	if params.AssignTo != "" {
		updates[params.AssignTo] = result
	}

	return &schema.NodeResult{
		NextSlug:       defaultNext(ec, step),
		ContextUpdates: updates,
		Status:         schema.ResultContinue,
	}, nil
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
