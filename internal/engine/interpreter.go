package engine

import (
	"context"
	"encoding/json"

	"github.com/fpoisson2/test-chatkit-sub001/internal/logging"
	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// DefaultLoopIterationCap bounds while-loop re-entries per step when no
// explicit cap is configured.
const DefaultLoopIterationCap = 1000

// Interpreter owns the step-dispatch loop: resolve the current step, invoke
// its handler, apply the returned state mutation, follow the transition to
// the next slug, until a terminal node, an implicit end, or a suspension.
type Interpreter struct {
	registry *Registry
	loopCap  int
}

// NewInterpreter creates an Interpreter. loopCap <= 0 uses the default.
func NewInterpreter(registry *Registry, loopCap int) *Interpreter {
	if loopCap <= 0 {
		loopCap = DefaultLoopIterationCap
	}
	return &Interpreter{registry: registry, loopCap: loopCap}
}

// Run walks the definition from startSlug. The definition is read-only for
// the whole run; ec is owned exclusively by this call. Any handler error
// aborts the run immediately; the interpreter itself retries nothing.
func (it *Interpreter) Run(ctx context.Context, def *schema.WorkflowDefinition, startSlug string, ec *ExecutionContext) (*schema.WorkflowRunSummary, error) {
	ec.Def = def
	current := startSlug
	iterations := make(map[string]int)

	var (
		finalSlug string
		endState  *schema.EndState
		suspended *schema.ResumeToken
	)

	for current != "" && suspended == nil {
		if err := ctx.Err(); err != nil {
			return nil, schema.NewError(schema.ErrKindCancelled, "run cancelled").
				WithCause(err).WithSteps(ec.Steps)
		}

		step := def.StepBySlug(current)
		if step == nil {
			return nil, schema.NewErrorf(schema.ErrKindMissingStep, "step %q not found in definition", current).
				WithStep(current, "").WithSteps(ec.Steps)
		}

		// Disabled steps are never entered: an edge pointing to one is
		// treated as pointing through to that step's own default edge.
		if !step.Enabled {
			ec.RecordEvent(ctx, step.Slug, schema.EventStepSkipped, nil)
			dt := def.DefaultTransition(step.Slug)
			if dt == nil {
				finalSlug = step.Slug
				break
			}
			current = dt.TargetSlug
			continue
		}

		if step.Kind == schema.StepKindWhile {
			iterations[step.Slug]++
			if iterations[step.Slug] > it.loopCap {
				return nil, schema.NewErrorf(schema.ErrKindCondition,
					"loop exceeded %d iterations", it.loopCap).
					WithStep(step.Slug, step.Title()).WithSteps(ec.Steps)
			}
			ec.RecordEvent(ctx, step.Slug, schema.EventLoopIteration, nil)
		}

		handler, err := it.registry.Resolve(step.Kind)
		if err != nil {
			return nil, attachStep(err, step, ec)
		}

		stepCtx := logging.WithStepSlug(ctx, step.Slug)
		ec.Logger.DebugContext(stepCtx, "dispatching step", "kind", step.Kind)
		ec.RecordEvent(stepCtx, step.Slug, schema.EventStepStarted, nil)

		result, err := handler.Execute(stepCtx, step, ec)
		if err != nil {
			err = attachStep(err, step, ec)
			ec.RecordEvent(stepCtx, step.Slug, schema.EventStepFailed, errorEventPayload(err))
			return nil, err
		}

		for k, v := range result.ContextUpdates {
			ec.State[k] = v
		}
		if result.Summary != nil {
			ec.RecordStep(stepCtx, *result.Summary)
		}
		if result.EndState != nil {
			endState = result.EndState
		}
		finalSlug = step.Slug
		if result.Status != schema.ResultSuspend {
			ec.RecordEvent(stepCtx, step.Slug, schema.EventStepCompleted, nil)
		}

		switch result.Status {
		case schema.ResultEnd:
			current = ""
		case schema.ResultSuspend:
			suspended = result.Resume
			if suspended == nil {
				suspended = &schema.ResumeToken{}
			}
			if suspended.ThreadID == "" {
				suspended.ThreadID = ec.ThreadID
			}
			if suspended.RunID == "" {
				suspended.RunID = ec.RunID
			}
			if suspended.StepSlug == "" {
				suspended.StepSlug = step.Slug
			}
		default:
			current = result.NextSlug
		}
	}

	return &schema.WorkflowRunSummary{
		EndState:      endState,
		FinalNodeSlug: finalSlug,
		Steps:         ec.Steps,
		FinalOutput:   finalOutput(ec),
		Suspended:     suspended,
	}, nil
}

// attachStep guarantees the returned error is a *schema.ExecutionError
// carrying the offending step and the steps executed so far.
func attachStep(err error, step *schema.Step, ec *ExecutionContext) error {
	ee, ok := err.(*schema.ExecutionError)
	if !ok {
		ee = schema.NewError(string(step.Kind), err.Error()).WithCause(err)
	}
	if ee.StepSlug == "" {
		ee.StepSlug = step.Slug
		ee.StepTitle = step.Title()
	}
	if ee.Steps == nil {
		ee.Steps = ec.Steps
	}
	return ee
}

func errorEventPayload(err error) json.RawMessage {
	ee, ok := err.(*schema.ExecutionError)
	if !ok {
		payload, _ := json.Marshal(map[string]any{"message": err.Error()})
		return payload
	}
	payload, _ := json.Marshal(map[string]any{"kind": ee.Kind, "message": ee.Message})
	return payload
}

func finalOutput(ec *ExecutionContext) string {
	for i := len(ec.Steps) - 1; i >= 0; i-- {
		if ec.Steps[i].Output != "" {
			return ec.Steps[i].Output
		}
	}
	return ""
}
