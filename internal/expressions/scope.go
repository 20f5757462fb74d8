package expressions

import "encoding/json"

// Scope is the variable environment every expression engine evaluates
// against. The namespaces mirror what handlers can legitimately see:
//
//   - state:  free-form variables set by state/transform steps
//   - steps:  finished step outputs keyed by slug
//   - input:  the turn's workflow input (user text, attachments)
//   - thread: thread metadata (id, status)
//   - last:   the previous step's structured output, also the jq input root
//
// Build snapshots are deep-copied, so a handler evaluating expressions cannot
// mutate interpreter-owned state through the scope.
type Scope struct {
	State  map[string]any
	Steps  map[string]any
	Input  map[string]any
	Thread map[string]any
	Last   any
}

// Data flattens the scope into the map shape the engines consume.
// Missing namespaces become empty maps so expressions referencing them fail
// softly instead of raising nil-reference errors.
func (s *Scope) Data() map[string]any {
	return map[string]any{
		"state":  orEmpty(deepCopyMap(s.State)),
		"steps":  orEmpty(deepCopyMap(s.Steps)),
		"input":  orEmpty(deepCopyMap(s.Input)),
		"thread": orEmpty(deepCopyMap(s.Thread)),
		"last":   deepCopyAny(s.Last),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
