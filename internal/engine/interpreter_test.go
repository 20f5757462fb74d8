package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mkStep(slug string, kind schema.StepKind, params string) schema.Step {
	s := schema.Step{Slug: slug, Kind: kind, Enabled: true}
	if params != "" {
		s.Parameters = json.RawMessage(params)
	}
	return s
}

func edge(src, dst string) schema.Transition {
	return schema.Transition{SourceSlug: src, TargetSlug: dst}
}

func condEdge(src, dst, cond string) schema.Transition {
	return schema.Transition{SourceSlug: src, TargetSlug: dst, Condition: cond}
}

// newTestEC builds an execution context wired with real engines, an empty
// waiter registry, and a discard logger.
func newTestEC(t *testing.T, collab Collaborators, input *WorkflowInput) *ExecutionContext {
	t.Helper()
	engines, err := NewEngines()
	require.NoError(t, err)
	return NewExecutionContext("thread-1", "run-1", input, collab, engines, NewWidgetWaiterRegistry(), testLogger())
}

func run(t *testing.T, def *schema.WorkflowDefinition, start string, ec *ExecutionContext) (*schema.WorkflowRunSummary, error) {
	t.Helper()
	return NewInterpreter(DefaultRegistry(), 0).Run(context.Background(), def, start, ec)
}

func TestInterpreter_GreetingFlow(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			mkStep("start", schema.StepKindStart, ""),
			mkStep("greet", schema.StepKindAgent, `{"instructions":"Greet the user warmly."}`),
			mkStep("end", schema.StepKindEnd, `{"status_type":"closed"}`),
		},
		Transitions: []schema.Transition{
			edge("start", "greet"),
			edge("greet", "end"),
		},
	}
	agent := &mockAgent{text: "Hello there!"}
	ec := newTestEC(t, Collaborators{Agents: agent}, &WorkflowInput{UserMessage: "hi"})

	summary, err := run(t, def, "start", ec)

	require.NoError(t, err)
	require.NotNil(t, summary.EndState)
	assert.Equal(t, schema.ThreadStatusClosed, summary.EndState.StatusType)
	assert.Equal(t, "end", summary.FinalNodeSlug)
	assert.Nil(t, summary.Suspended)
	assert.Equal(t, "Hello there!", summary.FinalOutput)

	require.Len(t, summary.Steps, 1)
	assert.Equal(t, "greet", summary.Steps[0].Key)
	assert.Equal(t, "Hello there!", summary.Steps[0].Output)

	require.Len(t, agent.requests, 1)
	require.Len(t, agent.requests[0].Input, 1)
	assert.Equal(t, "hi", agent.requests[0].Input[0].Content)
}

func TestInterpreter_ConditionFallsBackToDefaultEdge(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			mkStep("start", schema.StepKindStart, ""),
			mkStep("set", schema.StepKindState, `{"expressions":{"a":2}}`),
			mkStep("branch", schema.StepKindCondition, ""),
			mkStep("stepX", schema.StepKindAssistantMessage, `{"message":"from x"}`),
			mkStep("stepY", schema.StepKindAssistantMessage, `{"message":"from y"}`),
		},
		Transitions: []schema.Transition{
			edge("start", "set"),
			edge("set", "branch"),
			condEdge("branch", "stepX", "state.a == 1"),
			edge("branch", "stepY"),
		},
	}
	ec := newTestEC(t, Collaborators{}, nil)

	summary, err := run(t, def, "start", ec)

	require.NoError(t, err)
	assert.Equal(t, "stepY", summary.FinalNodeSlug)
	assert.Equal(t, "from y", summary.FinalOutput)
}

func TestInterpreter_ConditionFirstMatchWins(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			mkStep("branch", schema.StepKindCondition, ""),
			mkStep("first", schema.StepKindAssistantMessage, `{"message":"first"}`),
			mkStep("second", schema.StepKindAssistantMessage, `{"message":"second"}`),
		},
		Transitions: []schema.Transition{
			condEdge("branch", "first", "state.a == 1"),
			condEdge("branch", "second", "state.a >= 1"),
		},
	}
	ec := newTestEC(t, Collaborators{}, &WorkflowInput{ResumePayload: map[string]any{"a": 1}})

	summary, err := run(t, def, "branch", ec)

	require.NoError(t, err)
	assert.Equal(t, "first", summary.FinalOutput)
}

func TestInterpreter_DisabledStepIsTransparent(t *testing.T) {
	disabled := mkStep("skipped", schema.StepKindAssistantMessage, `{"message":"never shown"}`)
	disabled.Enabled = false
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			mkStep("start", schema.StepKindStart, ""),
			disabled,
			mkStep("after", schema.StepKindAssistantMessage, `{"message":"reached"}`),
		},
		Transitions: []schema.Transition{
			edge("start", "skipped"),
			edge("skipped", "after"),
		},
	}
	ec := newTestEC(t, Collaborators{}, nil)

	summary, err := run(t, def, "start", ec)

	require.NoError(t, err)
	assert.Equal(t, "after", summary.FinalNodeSlug)
	assert.Equal(t, "reached", summary.FinalOutput)
	for _, s := range summary.Steps {
		assert.NotEqual(t, "skipped", s.Key)
	}
}

func TestInterpreter_DisabledStepWithoutEdgeEndsRun(t *testing.T) {
	disabled := mkStep("skipped", schema.StepKindAssistantMessage, `{"message":"never shown"}`)
	disabled.Enabled = false
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			mkStep("start", schema.StepKindStart, ""),
			disabled,
		},
		Transitions: []schema.Transition{
			edge("start", "skipped"),
		},
	}
	ec := newTestEC(t, Collaborators{}, nil)

	summary, err := run(t, def, "start", ec)

	require.NoError(t, err)
	assert.Nil(t, summary.EndState)
	assert.Equal(t, "skipped", summary.FinalNodeSlug)
}

func TestInterpreter_WhileLoopCountsDown(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			mkStep("loop", schema.StepKindWhile, ""),
			mkStep("inc", schema.StepKindState, `{"expressions":{"count":"state.count + 1"}}`),
			mkStep("done", schema.StepKindAssistantMessage, `{"message":"done"}`),
		},
		Transitions: []schema.Transition{
			condEdge("loop", "inc", "state.count < 3"),
			edge("loop", "done"),
			edge("inc", "loop"),
		},
	}
	ec := newTestEC(t, Collaborators{}, &WorkflowInput{ResumePayload: map[string]any{"count": 0}})

	summary, err := run(t, def, "loop", ec)

	require.NoError(t, err)
	assert.Equal(t, "done", summary.FinalNodeSlug)
	assert.EqualValues(t, 3, ec.State["count"])
}

func TestInterpreter_WhileFalseOnFirstVisitExitsImmediately(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			mkStep("loop", schema.StepKindWhile, ""),
			mkStep("body", schema.StepKindAssistantMessage, `{"message":"body"}`),
			mkStep("done", schema.StepKindAssistantMessage, `{"message":"exited"}`),
		},
		Transitions: []schema.Transition{
			condEdge("loop", "body", "state.count < 3"),
			edge("loop", "done"),
			edge("body", "loop"),
		},
	}
	ec := newTestEC(t, Collaborators{}, &WorkflowInput{ResumePayload: map[string]any{"count": 10}})

	summary, err := run(t, def, "loop", ec)

	require.NoError(t, err)
	assert.Equal(t, "exited", summary.FinalOutput)
	for _, s := range summary.Steps {
		assert.NotEqual(t, "body", s.Key)
	}
}

func TestInterpreter_WhileIterationCap(t *testing.T) {
	// The loop edge points straight back at the step itself, which only
	// while steps are allowed to do.
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			mkStep("loop", schema.StepKindWhile, ""),
		},
		Transitions: []schema.Transition{
			condEdge("loop", "loop", "true"),
		},
	}
	ec := newTestEC(t, Collaborators{}, nil)

	_, err := NewInterpreter(DefaultRegistry(), 5).Run(context.Background(), def, "loop", ec)

	require.Error(t, err)
	var ee *schema.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrKindCondition, ee.Kind)
	assert.Contains(t, ee.Message, "5 iterations")
	assert.Equal(t, "loop", ee.StepSlug)
}

func TestInterpreter_MissingStep(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			mkStep("start", schema.StepKindStart, ""),
		},
		Transitions: []schema.Transition{
			edge("start", "ghost"),
		},
	}
	ec := newTestEC(t, Collaborators{}, nil)

	_, err := run(t, def, "start", ec)

	require.Error(t, err)
	var ee *schema.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrKindMissingStep, ee.Kind)
	assert.Equal(t, "ghost", ee.StepSlug)
}

func TestInterpreter_ImplicitEndLeavesEndStateNil(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			mkStep("start", schema.StepKindStart, ""),
			mkStep("say", schema.StepKindAssistantMessage, `{"message":"bye"}`),
		},
		Transitions: []schema.Transition{
			edge("start", "say"),
		},
	}
	ec := newTestEC(t, Collaborators{}, nil)

	summary, err := run(t, def, "start", ec)

	require.NoError(t, err)
	assert.Nil(t, summary.EndState)
	assert.Equal(t, "say", summary.FinalNodeSlug)
}

func TestInterpreter_CancelledContext(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			mkStep("start", schema.StepKindStart, ""),
		},
	}
	ec := newTestEC(t, Collaborators{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewInterpreter(DefaultRegistry(), 0).Run(ctx, def, "start", ec)

	require.Error(t, err)
	var ee *schema.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrKindCancelled, ee.Kind)
}

func TestInterpreter_ErrorCarriesPriorSteps(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			mkStep("say", schema.StepKindAssistantMessage, `{"message":"first"}`),
			mkStep("broken", schema.StepKindAssistantMessage, `{}`),
		},
		Transitions: []schema.Transition{
			edge("say", "broken"),
		},
	}
	ec := newTestEC(t, Collaborators{}, nil)

	_, err := run(t, def, "say", ec)

	require.Error(t, err)
	var ee *schema.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrKindConfiguration, ee.Kind)
	assert.Equal(t, "broken", ee.StepSlug)
	require.Len(t, ee.Steps, 1)
	assert.Equal(t, "say", ee.Steps[0].Key)
}

// eventRecorder captures trace-log entries emitted during a run.
type eventRecorder struct {
	entries []recordedEvent
}

type recordedEvent struct {
	stepSlug  string
	eventType string
}

func (r *eventRecorder) hook() func(context.Context, string, string, json.RawMessage) {
	return func(_ context.Context, stepSlug, eventType string, _ json.RawMessage) {
		r.entries = append(r.entries, recordedEvent{stepSlug: stepSlug, eventType: eventType})
	}
}

func (r *eventRecorder) count(eventType string) int {
	n := 0
	for _, e := range r.entries {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}

func TestInterpreter_RecordsLoopAndBranchEvents(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			mkStep("loop", schema.StepKindWhile, ""),
			mkStep("inc", schema.StepKindState, `{"expressions":{"count":"state.count + 1"}}`),
			mkStep("done", schema.StepKindAssistantMessage, `{"message":"done"}`),
		},
		Transitions: []schema.Transition{
			condEdge("loop", "inc", "state.count < 2"),
			edge("loop", "done"),
			edge("inc", "loop"),
		},
	}
	ec := newTestEC(t, Collaborators{}, &WorkflowInput{ResumePayload: map[string]any{"count": 0}})
	rec := &eventRecorder{}
	ec.Callbacks.OnEvent = rec.hook()

	_, err := run(t, def, "loop", ec)
	require.NoError(t, err)

	assert.Equal(t, 3, rec.count(schema.EventLoopIteration), "two body passes plus the exiting visit")
	assert.Equal(t, 3, rec.count(schema.EventConditionEvaluated))
	assert.Greater(t, rec.count(schema.EventStepStarted), 0)
	assert.Equal(t, rec.count(schema.EventStepStarted), rec.count(schema.EventStepCompleted))
}

func TestInterpreter_RecordsSkippedDisabledStep(t *testing.T) {
	disabled := mkStep("ghostly", schema.StepKindAssistantMessage, `{"message":"never"}`)
	disabled.Enabled = false
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			mkStep("start", schema.StepKindStart, ""),
			disabled,
			mkStep("done", schema.StepKindAssistantMessage, `{"message":"done"}`),
		},
		Transitions: []schema.Transition{
			edge("start", "ghostly"),
			edge("ghostly", "done"),
		},
	}
	ec := newTestEC(t, Collaborators{}, nil)
	rec := &eventRecorder{}
	ec.Callbacks.OnEvent = rec.hook()

	_, err := run(t, def, "start", ec)
	require.NoError(t, err)

	assert.Equal(t, 1, rec.count(schema.EventStepSkipped))
	for _, e := range rec.entries {
		if e.eventType == schema.EventStepSkipped {
			assert.Equal(t, "ghostly", e.stepSlug)
		}
	}
}
