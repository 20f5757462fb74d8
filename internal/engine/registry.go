package engine

import (
	"context"
	"sync"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// Handler is the kind-specific executable behavior bound to a step.
// Execute must not mutate the context's State directly; all state changes
// flow through the returned NodeResult's ContextUpdates. Failures are
// reported as *schema.ExecutionError so the orchestration loop can always
// extract the step slug and cause.
type Handler interface {
	Kind() schema.StepKind
	Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.NodeResult, error)
}

// Registry is the thread-safe handler registry keyed by step kind.
// Unknown kinds are rejected at validation time, so a dispatch miss here
// indicates a wiring bug, not bad input.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.StepKind]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[schema.StepKind]Handler)}
}

// Register adds a handler. Returns error on nil handler or duplicate kind.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrKindValidation, "handler is nil")
	}
	kind := h.Kind()
	if kind == "" {
		return schema.NewError(schema.ErrKindValidation, "handler kind is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[kind]; exists {
		return schema.NewErrorf(schema.ErrKindValidation, "handler for kind %q already registered", kind)
	}
	r.handlers[kind] = h
	return nil
}

// Resolve retrieves the handler for a kind.
func (r *Registry) Resolve(kind schema.StepKind) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrKindInternal, "no handler registered for kind %q", kind)
	}
	return h, nil
}

// Has checks whether a kind has a registered handler.
func (r *Registry) Has(kind schema.StepKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

// DefaultRegistry builds a registry with every built-in handler.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, h := range []Handler{
		&StartHandler{},
		&EndHandler{},
		&AssistantMessageHandler{},
		&UserMessageHandler{},
		&ConditionHandler{},
		&WhileHandler{},
		&StateHandler{},
		&WatchHandler{},
		&TransformHandler{},
		&AgentHandler{},
		&VoiceAgentHandler{},
		&WidgetHandler{},
		&VectorStoreHandler{},
		&OutboundCallHandler{},
	} {
		// Built-in kinds are distinct constants; Register cannot fail here.
		_ = r.Register(h)
	}
	return r
}
