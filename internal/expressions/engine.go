package expressions

import "context"

// Engine evaluates expressions inside workflow steps.
// Three implementations: CEL (transition conditions), Expr (state
// expressions), GoJQ (transform reshaping).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
