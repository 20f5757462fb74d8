package schema

// WorkflowStepSummary records one finished step. Summaries accumulate on the
// execution context and are surfaced to the agent runner's input history on
// subsequent steps, so later agents see earlier step outputs as context.
type WorkflowStepSummary struct {
	Key    string `json:"key"`
	Title  string `json:"title"`
	Output string `json:"output,omitempty"`
}

// WorkflowStepStreamUpdate is emitted zero or more times while a long-running
// step produces partial output, before its terminal WorkflowStepSummary.
type WorkflowStepStreamUpdate struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Text  string `json:"text"`
	Delta string `json:"delta,omitempty"`
}

// ResultStatus tells the interpreter what to do after a handler returns.
type ResultStatus string

const (
	ResultContinue ResultStatus = "continue"
	ResultSuspend  ResultStatus = "suspend"
	ResultEnd      ResultStatus = "end"
)

// NodeResult is the only contract between a handler and the interpreter:
// the interpreter never inspects kind-specific internals.
// NextSlug is empty when the step has no outgoing transition, which
// terminates the run implicitly.
type NodeResult struct {
	NextSlug       string               `json:"next_slug,omitempty"`
	ContextUpdates map[string]any       `json:"context_updates,omitempty"`
	Status         ResultStatus         `json:"status"`
	Summary        *WorkflowStepSummary `json:"summary,omitempty"`
	EndState       *EndState            `json:"end_state,omitempty"`
	Resume         *ResumeToken         `json:"resume,omitempty"`
}

// ResumeToken is the minimal state persisted when a run suspends waiting for
// an external event. A resumed run restarts the interpreter from the waiting
// step's follow-up slug rather than continuing a live coroutine, so the token
// only needs to locate that slug and describe the expected payload source.
type ResumeToken struct {
	ThreadID     string `json:"thread_id"`
	RunID        string `json:"run_id,omitempty"`
	StepSlug     string `json:"step_slug"`
	WidgetSlug   string `json:"widget_slug,omitempty"`
	WidgetItemID string `json:"widget_item_id,omitempty"`
}

// WorkflowRunSummary is the terminal artifact of one interpreter run.
// EndState is nil when the run terminated implicitly, i.e. a step had no
// outgoing transition; FinalNodeSlug is always set.
type WorkflowRunSummary struct {
	EndState      *EndState             `json:"end_state,omitempty"`
	FinalNodeSlug string                `json:"final_node_slug"`
	Steps         []WorkflowStepSummary `json:"steps"`
	FinalOutput   string                `json:"final_output,omitempty"`
	Suspended     *ResumeToken          `json:"suspended,omitempty"`
}
