package graph

import (
	"encoding/json"
	"sort"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// RawGraph is the untrusted node/edge structure submitted by an editor.
type RawGraph struct {
	Nodes    []RawNode      `json:"nodes"`
	Edges    []RawEdge      `json:"edges,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RawNode is a single editor node. Enabled defaults to true when omitted.
type RawNode struct {
	Slug        string          `json:"slug"`
	Kind        string          `json:"kind"`
	DisplayName string          `json:"display_name,omitempty"`
	Enabled     *bool           `json:"is_enabled,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Position    *int            `json:"position,omitempty"`
}

// RawEdge is a directed editor edge, optionally guarded by a condition.
type RawEdge struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
}

// Normalizer turns raw editor graphs into canonical WorkflowDefinitions
// through a three-stage pipeline: structural (JSON Schema), semantic, and
// reachability. Safe for concurrent use.
type Normalizer struct {
	structural *structuralValidator
}

// NewNormalizer creates a Normalizer with the graph schema pre-compiled.
func NewNormalizer() (*Normalizer, error) {
	sv, err := newStructuralValidator()
	if err != nil {
		return nil, err
	}
	return &Normalizer{structural: sv}, nil
}

// Normalize validates raw and converts it into a canonical definition.
// The returned ValidationResult always carries every violated rule, not just
// the first, because editors need batch feedback. The definition is non-nil
// only when the result has no errors; warnings alone do not block.
func (n *Normalizer) Normalize(raw *RawGraph) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	if raw == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrKindValidation, "graph is nil")
		return nil, r
	}

	// Stage 1: structural. Errors here make further analysis meaningless.
	result := n.structural.validate(raw)
	if !result.Valid() {
		return nil, result
	}

	def := buildDefinition(raw)

	// Stage 2: semantic.
	result.Merge(validateSemantic(raw, def))

	// Stage 3: reachability, skipped when semantic errors left the graph unsound.
	if result.Valid() {
		result.Merge(validateReachability(def))
	}

	if !result.Valid() {
		return nil, result
	}
	return def, result
}

// NormalizeJSON decodes and normalizes a JSON-encoded raw graph. Used by the
// agent-facing validation tool, which receives graphs as opaque payloads.
func (n *Normalizer) NormalizeJSON(data []byte) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	var raw RawGraph
	if err := json.Unmarshal(data, &raw); err != nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrKindValidation, "graph is not valid JSON: "+err.Error())
		return nil, r
	}
	return n.Normalize(&raw)
}

// buildDefinition converts raw nodes/edges into the canonical form. Steps are
// ordered by editor position (stable on ties, preserving submission order);
// transitions keep edge declaration order exactly, since first-match-wins
// condition evaluation depends on it.
func buildDefinition(raw *RawGraph) *schema.WorkflowDefinition {
	def := &schema.WorkflowDefinition{
		Steps:       make([]schema.Step, 0, len(raw.Nodes)),
		Transitions: make([]schema.Transition, 0, len(raw.Edges)),
		Metadata:    raw.Metadata,
	}

	for i, node := range raw.Nodes {
		enabled := true
		if node.Enabled != nil {
			enabled = *node.Enabled
		}
		position := i
		if node.Position != nil {
			position = *node.Position
		}
		def.Steps = append(def.Steps, schema.Step{
			Slug:        node.Slug,
			Kind:        schema.StepKind(node.Kind),
			DisplayName: node.DisplayName,
			Enabled:     enabled,
			Parameters:  node.Parameters,
			Position:    position,
		})
	}

	sort.SliceStable(def.Steps, func(i, j int) bool {
		return def.Steps[i].Position < def.Steps[j].Position
	})

	for _, edge := range raw.Edges {
		def.Transitions = append(def.Transitions, schema.Transition{
			SourceSlug: edge.Source,
			TargetSlug: edge.Target,
			Condition:  edge.Condition,
		})
	}

	return def
}

// GraphCheck is the standalone validation report returned by
// ValidateWorkflowGraph, shaped for inspection by an agent step.
type GraphCheck struct {
	Valid      bool                       `json:"valid"`
	Normalized *schema.WorkflowDefinition `json:"normalized_graph,omitempty"`
	Errors     []schema.ValidationIssue   `json:"errors,omitempty"`
	Warnings   []schema.ValidationIssue   `json:"warnings,omitempty"`
}

// ValidateWorkflowGraph runs the full pipeline and reports the outcome
// without failing: self-describing workflows use this to validate nested
// definitions before activating them.
func (n *Normalizer) ValidateWorkflowGraph(raw *RawGraph) *GraphCheck {
	def, result := n.Normalize(raw)
	return &GraphCheck{
		Valid:      result.Valid(),
		Normalized: def,
		Errors:     result.Errors,
		Warnings:   result.Warnings,
	}
}
