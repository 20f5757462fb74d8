package schema

import (
	"encoding/json"
	"strings"
)

// WorkflowDefinition is the canonical, validated form of an editor graph.
// It is immutable for the lifetime of a run: the interpreter only reads it.
type WorkflowDefinition struct {
	Steps       []Step         `json:"steps"`
	Transitions []Transition   `json:"transitions"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Step is a single node in a workflow graph.
// Slug is the unique key within a definition; Position reflects editor order,
// which is not necessarily execution order.
type Step struct {
	Slug        string          `json:"slug"`
	Kind        StepKind        `json:"kind"`
	DisplayName string          `json:"display_name,omitempty"`
	Enabled     bool            `json:"is_enabled"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Position    int             `json:"position"`
}

// Title returns the display name, falling back to the slug.
func (s *Step) Title() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Slug
}

// Transition is a directed edge between two steps. Condition is an optional
// CEL expression evaluated against the run state; an empty Condition marks
// the unconditional default/fallback edge.
type Transition struct {
	SourceSlug string `json:"source_slug"`
	TargetSlug string `json:"target_slug"`
	Condition  string `json:"condition,omitempty"`
}

// IsDefault reports whether the transition is the unconditional fallback edge.
func (t Transition) IsDefault() bool {
	return strings.TrimSpace(t.Condition) == ""
}

// StepKind enumerates the kinds of steps in a workflow graph.
type StepKind string

const (
	StepKindStart            StepKind = "start"
	StepKindAgent            StepKind = "agent"
	StepKindVoiceAgent       StepKind = "voice_agent"
	StepKindCondition        StepKind = "condition"
	StepKindWhile            StepKind = "while"
	StepKindState            StepKind = "state"
	StepKindWatch            StepKind = "watch"
	StepKindAssistantMessage StepKind = "assistant_message"
	StepKindUserMessage      StepKind = "user_message"
	StepKindJSONVectorStore  StepKind = "json_vector_store"
	StepKindTransform        StepKind = "transform"
	StepKindWidget           StepKind = "widget"
	StepKindOutboundCall     StepKind = "outbound_call"
	StepKindEnd              StepKind = "end"
)

// KnownStepKinds lists every kind the engine can dispatch.
var KnownStepKinds = []StepKind{
	StepKindStart, StepKindAgent, StepKindVoiceAgent, StepKindCondition,
	StepKindWhile, StepKindState, StepKindWatch, StepKindAssistantMessage,
	StepKindUserMessage, StepKindJSONVectorStore, StepKindTransform,
	StepKindWidget, StepKindOutboundCall, StepKindEnd,
}

// IsKnownStepKind reports whether kind is one of the recognized tags.
func IsKnownStepKind(kind StepKind) bool {
	for _, k := range KnownStepKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// StepBySlug returns the step with the given slug, or nil if absent.
func (d *WorkflowDefinition) StepBySlug(slug string) *Step {
	for i := range d.Steps {
		if d.Steps[i].Slug == slug {
			return &d.Steps[i]
		}
	}
	return nil
}

// StartStep returns the single enabled start step, or nil if the definition
// has none. Validation guarantees exactly one on normalized definitions.
func (d *WorkflowDefinition) StartStep() *Step {
	for i := range d.Steps {
		if d.Steps[i].Kind == StepKindStart && d.Steps[i].Enabled {
			return &d.Steps[i]
		}
	}
	return nil
}

// OutgoingTransitions returns the transitions leaving slug in declaration
// order. Editors rely on that order to express else-semantics, so it must be
// preserved exactly.
func (d *WorkflowDefinition) OutgoingTransitions(slug string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.SourceSlug == slug {
			out = append(out, t)
		}
	}
	return out
}

// DefaultTransition returns the unconditional edge leaving slug, or nil.
func (d *WorkflowDefinition) DefaultTransition(slug string) *Transition {
	for i, t := range d.Transitions {
		if t.SourceSlug == slug && t.IsDefault() {
			return &d.Transitions[i]
		}
	}
	return nil
}

// ThreadStatusType is the terminal status a run assigns to its thread.
type ThreadStatusType string

const (
	ThreadStatusClosed  ThreadStatusType = "closed"
	ThreadStatusLocked  ThreadStatusType = "locked"
	ThreadStatusWaiting ThreadStatusType = "waiting"
	ThreadStatusActive  ThreadStatusType = "active"
)

// EndState is declared by an end step's parameters and translated 1:1 into
// the conversation thread's status when the run completes.
type EndState struct {
	Slug         string           `json:"slug"`
	StatusType   ThreadStatusType `json:"status_type,omitempty"`
	StatusReason string           `json:"status_reason,omitempty"`
	Message      string           `json:"message,omitempty"`
}

// EndStateFromStep decodes an EndState from an end step's parameters.
// Missing or malformed parameters yield a bare EndState carrying only the
// slug; the orchestrator treats an absent status type as closed.
func EndStateFromStep(step *Step) *EndState {
	es := &EndState{Slug: step.Slug}
	if len(step.Parameters) == 0 {
		return es
	}
	var params struct {
		StatusType   string `json:"status_type"`
		StatusReason string `json:"status_reason"`
		Message      string `json:"message"`
	}
	if err := json.Unmarshal(step.Parameters, &params); err != nil {
		return es
	}
	es.StatusType = ThreadStatusType(params.StatusType)
	es.StatusReason = params.StatusReason
	es.Message = params.Message
	return es
}
