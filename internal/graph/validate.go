package graph

import (
	"fmt"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// validateSemantic checks raw-graph rules that JSON Schema cannot express:
// slug uniqueness, kind recognition, the single-start invariant, edge
// endpoint existence, and per-source edge shape (at most one unconditional
// edge; condition/while nodes need a default edge).
func validateSemantic(raw *RawGraph, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	slugs := make(map[string]bool, len(raw.Nodes))
	for i, node := range raw.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)

		if slugs[node.Slug] {
			result.AddError(path+".slug", schema.ErrKindValidation,
				fmt.Sprintf("duplicate slug %q", node.Slug))
		}
		slugs[node.Slug] = true

		if !schema.IsKnownStepKind(schema.StepKind(node.Kind)) {
			// Tolerated for forward-compatibility, but flagged.
			result.AddWarning(path+".kind", schema.ErrKindValidation,
				fmt.Sprintf("unrecognized step kind %q", node.Kind))
		}
	}

	// Exactly one enabled start node.
	startCount := 0
	for _, s := range def.Steps {
		if s.Kind == schema.StepKindStart && s.Enabled {
			startCount++
		}
	}
	switch {
	case startCount == 0:
		result.AddError("nodes", schema.ErrKindValidation, "graph has no enabled start node")
	case startCount > 1:
		result.AddError("nodes", schema.ErrKindValidation,
			fmt.Sprintf("graph has %d enabled start nodes, expected exactly one", startCount))
	}

	// Edge endpoints must exist.
	for i, edge := range raw.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if !slugs[edge.Source] {
			result.AddError(path+".source", schema.ErrKindValidation,
				fmt.Sprintf("references non-existent node %q", edge.Source))
		}
		if !slugs[edge.Target] {
			result.AddError(path+".target", schema.ErrKindValidation,
				fmt.Sprintf("references non-existent node %q", edge.Target))
		}
	}

	// Per-source edge shape.
	defaults := make(map[string]int)
	for _, t := range def.Transitions {
		if t.IsDefault() {
			defaults[t.SourceSlug]++
		}
	}
	for slug, count := range defaults {
		if count > 1 {
			result.AddError(fmt.Sprintf("edges[%s]", slug), schema.ErrKindValidation,
				fmt.Sprintf("node %q has %d unconditional edges, at most one fallback is allowed", slug, count))
		}
	}
	for _, s := range def.Steps {
		if s.Kind != schema.StepKindCondition && s.Kind != schema.StepKindWhile {
			continue
		}
		if len(def.OutgoingTransitions(s.Slug)) > 0 && defaults[s.Slug] == 0 {
			result.AddError(fmt.Sprintf("edges[%s]", s.Slug), schema.ErrKindValidation,
				fmt.Sprintf("%s node %q requires a default (unconditional) outgoing edge", s.Kind, s.Slug))
		}
	}

	return result
}

// validateReachability walks transitions from the start node and flags
// unreachable non-start nodes. Warning only, to tolerate in-progress editing.
func validateReachability(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	start := def.StartStep()
	if start == nil {
		return result // semantic stage already reported it
	}

	adjacent := make(map[string][]string, len(def.Steps))
	for _, t := range def.Transitions {
		adjacent[t.SourceSlug] = append(adjacent[t.SourceSlug], t.TargetSlug)
	}

	reachable := map[string]bool{start.Slug: true}
	queue := []string{start.Slug}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range adjacent[node] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for _, s := range def.Steps {
		if s.Kind == schema.StepKindStart || reachable[s.Slug] {
			continue
		}
		result.AddWarning(fmt.Sprintf("nodes[%s]", s.Slug), schema.ErrKindValidation,
			fmt.Sprintf("node %q is unreachable from the start node", s.Slug))
	}

	return result
}
