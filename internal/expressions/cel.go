package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// CELEngine implements the Engine interface using Google's Common Expression
// Language. It evaluates transition conditions and while-loop guards.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a new CEL expression engine with a sandboxed
// environment exposing the Scope namespaces as top-level variables:
//
//   - state:  map(string, dyn), variables set by state/transform steps
//   - steps:  map(string, dyn), step outputs keyed by slug
//   - input:  map(string, dyn), turn input
//   - thread: map(string, dyn), thread metadata
//   - last:   dyn, the previous step's structured output
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("state", mapType),
		cel.Variable("steps", mapType),
		cel.Variable("input", mapType),
		cel.Variable("thread", mapType),
		cel.Variable("last", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it against the provided data. Keys missing from data default to empty maps
// to avoid CEL runtime nil-ref errors.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrKindValidation, "empty condition expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrKindExpression,
			"condition evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// EvaluateBool evaluates an expression and coerces the result to a boolean.
// Non-boolean results are an error: transition conditions must be decisive,
// never truthy-by-accident.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrKindExpression,
			"condition %q evaluated to %T, expected bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"condition compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"condition program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation creates the evaluation activation map from the data.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, 5)

	for _, key := range []string{"state", "steps", "input", "thread"} {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	if v, ok := data["last"]; ok && v != nil {
		activation["last"] = v
	} else {
		activation["last"] = map[string]any{}
	}

	return activation
}
