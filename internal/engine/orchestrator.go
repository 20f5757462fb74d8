package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fpoisson2/test-chatkit-sub001/internal/logging"
	"github.com/fpoisson2/test-chatkit-sub001/internal/store"
	"github.com/fpoisson2/test-chatkit-sub001/internal/streaming"
	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// Config holds the orchestrator's tunable policies.
type Config struct {
	// QueueDepth bounds the per-turn UI event queue.
	QueueDepth int
	// LoopIterationCap bounds while-loop re-entries per step.
	LoopIterationCap int
	// WaiterTTL is how long a durable suspension stays resumable before the
	// sweeper expires it. Zero means suspensions never expire.
	WaiterTTL time.Duration
	// DetachOnDisconnect keeps the producing run alive when the consuming
	// client stream is cancelled. Suspension points and side effects are
	// then never aborted by a disconnect.
	DetachOnDisconnect bool
}

// TurnRequest describes one conversation turn to execute.
type TurnRequest struct {
	ThreadID   string
	Definition *schema.WorkflowDefinition
	Input      *WorkflowInput
	Collab     Collaborators
	// Resume restarts a suspended run from the waiting step's follow-up
	// edge instead of the graph's start step.
	Resume *schema.ResumeToken
}

// Orchestrator is the public entry point consumed by the chat server. It
// wraps the interpreter, converts step-level callbacks into an ordered queue
// of UI events, and closes out the thread's status when a run completes.
type Orchestrator struct {
	st      store.Store
	fsm     *RunFSM
	interp  *Interpreter
	waiters *WidgetWaiterRegistry
	engines *Engines
	hub     streaming.EventHub
	logger  *slog.Logger
	cfg     Config
}

// NewOrchestrator wires an orchestrator. registry may be nil to use the
// built-in handler set; hub may be nil to disable observer fan-out.
func NewOrchestrator(st store.Store, waiters *WidgetWaiterRegistry, engines *Engines, registry *Registry, hub streaming.EventHub, logger *slog.Logger, cfg Config) *Orchestrator {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		st:      st,
		fsm:     NewRunFSM(st),
		interp:  NewInterpreter(registry, cfg.LoopIterationCap),
		waiters: waiters,
		engines: engines,
		hub:     hub,
		logger:  logger,
		cfg:     cfg,
	}
}

// ExecuteTurn validates the request, records the run, and starts the
// producing goroutine. All output flows through the returned queue; the
// queue is always closed eventually, whatever the run's outcome.
func (o *Orchestrator) ExecuteTurn(ctx context.Context, req TurnRequest) (*streaming.Queue, error) {
	if req.Definition == nil {
		return nil, schema.NewError(schema.ErrKindValidation, "turn request has no definition")
	}
	if req.Input == nil {
		req.Input = &WorkflowInput{}
	}

	startSlug, err := o.resolveStartSlug(req)
	if err != nil {
		return nil, err
	}

	if err := o.st.UpsertThread(ctx, &store.Thread{ID: req.ThreadID, Status: schema.ThreadStatusActive}); err != nil {
		return nil, schema.NewErrorf(schema.ErrKindStore, "upsert thread: %s", err.Error()).WithCause(err)
	}

	if req.Resume != nil && req.Resume.RunID != "" {
		o.retireSuspendedRun(ctx, req.Resume.RunID)
	}

	run := &store.Run{
		ID:         uuid.New().String(),
		ThreadID:   req.ThreadID,
		Definition: *req.Definition,
		Status:     schema.RunStatusPending,
		Input:      map[string]any{"user_message": req.Input.UserMessage},
	}
	if err := o.st.CreateRun(ctx, run); err != nil {
		return nil, schema.NewErrorf(schema.ErrKindStore, "create run: %s", err.Error()).WithCause(err)
	}

	q := streaming.NewQueue(o.cfg.QueueDepth)
	go o.runTurn(ctx, q, req, run.ID, startSlug)
	return q, nil
}

// resolveStartSlug picks where the interpreter enters the graph: the single
// enabled start step for a fresh turn, or the suspended step's follow-up
// edge for a resume.
func (o *Orchestrator) resolveStartSlug(req TurnRequest) (string, error) {
	if req.Resume != nil {
		step := req.Definition.StepBySlug(req.Resume.StepSlug)
		if step == nil {
			return "", schema.NewErrorf(schema.ErrKindMissingStep,
				"resume step %q not found in definition", req.Resume.StepSlug)
		}
		if t := req.Definition.DefaultTransition(step.Slug); t != nil {
			return t.TargetSlug, nil
		}
		return "", nil
	}
	start := req.Definition.StartStep()
	if start == nil {
		return "", schema.NewError(schema.ErrKindValidation, "definition has no enabled start step")
	}
	return start.Slug, nil
}

// retireSuspendedRun closes out the run a resume turn supersedes. The
// resumed work continues under a fresh run, so the old record moves
// suspended -> active -> completed and stops reporting as suspended.
func (o *Orchestrator) retireSuspendedRun(ctx context.Context, runID string) {
	o.transitionRun(ctx, runID, schema.RunStatusSuspended, schema.RunStatusActive)
	o.transitionRun(ctx, runID, schema.RunStatusActive, schema.RunStatusCompleted)
	completed := schema.RunStatusCompleted
	now := time.Now().UTC()
	if err := o.st.UpdateRun(ctx, runID, store.RunUpdate{Status: &completed, CompletedAt: &now}); err != nil {
		o.logger.WarnContext(ctx, "retire resumed run", "run_id", runID, "error", err)
	}
}

// runTurn is the producing goroutine behind one turn's queue.
func (o *Orchestrator) runTurn(ctx context.Context, q *streaming.Queue, req TurnRequest, runID, startSlug string) {
	if o.cfg.DetachOnDisconnect {
		ctx = context.WithoutCancel(ctx)
	}
	ctx = logging.WithIDs(ctx, req.ThreadID, runID, "")

	publish := func(ectx context.Context, ev schema.StreamEvent) {
		ev.ThreadID = req.ThreadID
		ev.RunID = runID
		if err := q.Emit(ectx, ev); err != nil {
			o.logger.WarnContext(ectx, "event dropped", "type", ev.Type, "error", err)
		}
		if o.hub != nil {
			_ = o.hub.Publish(ectx, ev)
		}
	}
	emit := func(ev schema.StreamEvent) { publish(ctx, ev) }

	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "workflow run panicked", "panic", r)
			emit(schema.StreamEvent{
				Type:       schema.StreamError,
				Text:       fmt.Sprintf("Internal error: %v", r),
				AllowRetry: true,
			})
			o.markRunFailed(ctx, runID, schema.NewErrorf(schema.ErrKindInternal, "panic: %v", r))
		}
		// The end-of-turn marker is best effort with a deadline; the close
		// itself is the termination sentinel and is unconditional.
		final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		publish(final, schema.StreamEvent{Type: schema.StreamEndOfTurn})
		q.Close()
	}()

	ec := NewExecutionContext(req.ThreadID, runID, req.Input, req.Collab, o.engines, o.waiters, o.logger)
	progressSeen := make(map[string]bool)

	ec.Callbacks = Callbacks{
		OnStepStream: func(cctx context.Context, update schema.WorkflowStepStreamUpdate) {
			// Collapse repeated partial text into a single header line per
			// step; the terminal done marker comes from OnStep.
			if progressSeen[update.Key] {
				return
			}
			progressSeen[update.Key] = true
			emit(schema.StreamEvent{
				Type:     schema.StreamProgressUpdate,
				StepSlug: update.Key,
				Text:     update.Title,
			})
		},
		OnStep: func(cctx context.Context, summary schema.WorkflowStepSummary) {
			if !progressSeen[summary.Key] {
				return
			}
			emit(schema.StreamEvent{
				Type:     schema.StreamProgressUpdate,
				StepSlug: summary.Key,
				Text:     summary.Title,
				Done:     true,
			})
		},
		OnStreamEvent: func(cctx context.Context, ev schema.StreamEvent) {
			emit(ev)
		},
		OnEvent: func(cctx context.Context, stepSlug, eventType string, payload json.RawMessage) {
			o.appendEvent(cctx, runID, stepSlug, eventType, payload)
		},
	}

	if req.Resume == nil {
		o.applyAutoStart(ctx, req.Definition, ec)
	}

	o.transitionRun(ctx, runID, schema.RunStatusPending, schema.RunStatusActive)
	now := time.Now().UTC()
	active := schema.RunStatusActive
	_ = o.st.UpdateRun(ctx, runID, store.RunUpdate{Status: &active, StartedAt: &now})

	summary, err := o.interp.Run(ctx, req.Definition, startSlug, ec)
	if err != nil {
		o.finishWithError(ctx, emit, runID, err)
		return
	}

	if summary.Suspended != nil {
		o.finishSuspended(ctx, runID, req, summary)
		return
	}
	o.finishCompleted(ctx, runID, req.ThreadID, summary)
}

// applyAutoStart synthesizes the thread's first message when the start step
// declares one and the turn carries no real user input.
func (o *Orchestrator) applyAutoStart(ctx context.Context, def *schema.WorkflowDefinition, ec *ExecutionContext) {
	if ec.Input.UserMessage != "" {
		return
	}
	as := ResolveAutoStart(ctx, o.logger, def)
	if !as.Enabled {
		return
	}
	if as.UserMessage != "" {
		ec.Input.UserMessage = as.UserMessage
		emitMessage(ctx, ec, "user", as.UserMessage)
		return
	}
	emitMessage(ctx, ec, "assistant", as.AssistantMessage)
}

func (o *Orchestrator) finishWithError(ctx context.Context, emit func(schema.StreamEvent), runID string, err error) {
	ee, ok := err.(*schema.ExecutionError)
	if !ok {
		ee = schema.NewErrorf(schema.ErrKindInternal, "%T: %s", err, err.Error()).WithCause(err)
	}
	o.logger.ErrorContext(ctx, "workflow run failed", "kind", ee.Kind, "step", ee.StepSlug, "error", ee)

	text := "Something went wrong while running this workflow."
	if ee.StepTitle != "" {
		text = fmt.Sprintf("Step %q failed: %s", ee.StepTitle, ee.Message)
	} else if ee.Message != "" {
		text = ee.Message
	}

	// The thread keeps its prior status on failure so the user can retry.
	emit(schema.StreamEvent{
		Type:       schema.StreamError,
		StepSlug:   ee.StepSlug,
		Text:       text,
		AllowRetry: ee.Retryable(),
	})
	o.markRunFailed(ctx, runID, ee)
}

func (o *Orchestrator) markRunFailed(ctx context.Context, runID string, ee *schema.ExecutionError) {
	o.transitionRun(ctx, runID, schema.RunStatusActive, schema.RunStatusFailed)
	failed := schema.RunStatusFailed
	now := time.Now().UTC()
	errJSON, _ := json.Marshal(ee)
	if err := o.st.UpdateRun(ctx, runID, store.RunUpdate{
		Status:      &failed,
		Error:       errJSON,
		CompletedAt: &now,
	}); err != nil {
		o.logger.WarnContext(ctx, "persist failed run", "error", err)
	}
}

func (o *Orchestrator) finishSuspended(ctx context.Context, runID string, req TurnRequest, summary *schema.WorkflowRunSummary) {
	susp := &store.Suspension{
		ThreadID:     req.ThreadID,
		RunID:        runID,
		StepSlug:     summary.Suspended.StepSlug,
		WidgetSlug:   summary.Suspended.WidgetSlug,
		WidgetItemID: summary.Suspended.WidgetItemID,
		MatchAny:     o.waiters.MatchAny,
	}
	if o.cfg.WaiterTTL > 0 {
		exp := time.Now().UTC().Add(o.cfg.WaiterTTL)
		susp.ExpiresAt = &exp
	}
	if err := o.st.SaveSuspension(ctx, susp); err != nil {
		o.logger.ErrorContext(ctx, "persist suspension", "error", err)
	}

	o.transitionRun(ctx, runID, schema.RunStatusActive, schema.RunStatusSuspended)
	suspended := schema.RunStatusSuspended
	summaryJSON, _ := json.Marshal(summary)
	_ = o.st.UpdateRun(ctx, runID, store.RunUpdate{
		Status:        &suspended,
		Summary:       summaryJSON,
		FinalNodeSlug: summary.FinalNodeSlug,
	})
	o.appendEvent(ctx, runID, summary.Suspended.StepSlug, schema.EventWidgetWaitStarted, nil)
	o.logger.InfoContext(ctx, "run suspended awaiting widget action",
		"step", summary.Suspended.StepSlug, "widget_item_id", summary.Suspended.WidgetItemID)
}

func (o *Orchestrator) finishCompleted(ctx context.Context, runID, threadID string, summary *schema.WorkflowRunSummary) {
	o.applyEndState(ctx, threadID, runID, summary.EndState)

	o.transitionRun(ctx, runID, schema.RunStatusActive, schema.RunStatusCompleted)
	completed := schema.RunStatusCompleted
	now := time.Now().UTC()
	summaryJSON, _ := json.Marshal(summary)
	if err := o.st.UpdateRun(ctx, runID, store.RunUpdate{
		Status:        &completed,
		Summary:       summaryJSON,
		FinalNodeSlug: summary.FinalNodeSlug,
		CompletedAt:   &now,
	}); err != nil {
		o.logger.WarnContext(ctx, "persist completed run", "error", err)
	}
}

// applyEndState maps a declared end state to the thread's status. An implicit
// end (no end node reached) leaves the thread status untouched so the
// conversation can continue on the next turn.
func (o *Orchestrator) applyEndState(ctx context.Context, threadID, runID string, es *schema.EndState) {
	if es == nil {
		return
	}

	var status schema.ThreadStatusType
	switch es.StatusType {
	case "", schema.ThreadStatusClosed:
		status = schema.ThreadStatusClosed
	case schema.ThreadStatusLocked:
		status = schema.ThreadStatusLocked
	case schema.ThreadStatusWaiting, schema.ThreadStatusActive:
		status = schema.ThreadStatusActive
	default:
		o.logger.WarnContext(ctx, "unrecognized end-state status type, closing thread",
			"status_type", string(es.StatusType))
		status = schema.ThreadStatusClosed
	}

	if err := o.st.SetThreadStatus(ctx, threadID, status, es.StatusReason); err != nil {
		o.logger.ErrorContext(ctx, "apply thread status", "status", string(status), "error", err)
		return
	}
	payload, _ := json.Marshal(map[string]any{"status": string(status), "reason": es.StatusReason})
	o.appendEvent(ctx, runID, es.Slug, schema.EventThreadStatusSet, payload)
}

// Signal delivers a widget action for a thread. It first tries to wake an
// in-process waiter; failing that it consumes the thread's durable
// suspension, whose resume token the caller uses to start a resume turn.
// Returns whether anything was woken or consumed.
func (o *Orchestrator) Signal(ctx context.Context, threadID, widgetSlug, widgetItemID string, payload map[string]any) (bool, *store.Suspension, error) {
	if o.waiters.Signal(threadID, widgetSlug, widgetItemID, payload) {
		o.logger.InfoContext(ctx, "widget signal woke in-process waiter", "thread_id", threadID)
		return true, nil, nil
	}

	susp, err := o.st.GetSuspension(ctx, threadID)
	if store.IsNotFound(err) {
		o.logger.InfoContext(ctx, "widget signal dropped, no waiter", "thread_id", threadID)
		return false, nil, nil
	}
	if err != nil {
		return false, nil, schema.NewErrorf(schema.ErrKindStore, "load suspension: %s", err.Error()).WithCause(err)
	}

	if !suspensionMatches(susp, widgetSlug, widgetItemID) {
		o.appendEvent(ctx, susp.RunID, susp.StepSlug, schema.EventSignalDropped, nil)
		return false, nil, nil
	}

	if err := o.st.DeleteSuspension(ctx, threadID); err != nil && !store.IsNotFound(err) {
		return false, nil, schema.NewErrorf(schema.ErrKindStore, "consume suspension: %s", err.Error()).WithCause(err)
	}
	payloadJSON, _ := json.Marshal(payload)
	o.appendEvent(ctx, susp.RunID, susp.StepSlug, schema.EventSignalReceived, payloadJSON)
	return true, susp, nil
}

func suspensionMatches(susp *store.Suspension, widgetSlug, widgetItemID string) bool {
	slugOK := matchField(susp.WidgetSlug, widgetSlug)
	idOK := matchField(susp.WidgetItemID, widgetItemID)
	if susp.MatchAny {
		return slugOK || idOK
	}
	return slugOK && idOK
}

func (o *Orchestrator) transitionRun(ctx context.Context, runID string, from, to schema.RunStatus) {
	if err := o.fsm.Transition(ctx, runID, from, to); err != nil {
		o.logger.WarnContext(ctx, "run transition", "from", string(from), "to", string(to), "error", err)
	}
}

func (o *Orchestrator) appendEvent(ctx context.Context, runID, stepSlug, eventType string, payload json.RawMessage) {
	if err := o.st.AppendEvent(ctx, &store.Event{
		RunID:    runID,
		StepSlug: stepSlug,
		Type:     eventType,
		Payload:  payload,
	}); err != nil {
		o.logger.WarnContext(ctx, "append run event", "type", eventType, "error", err)
	}
}
