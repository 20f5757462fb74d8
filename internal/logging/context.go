package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	threadIDKey ctxKey = iota
	runIDKey
	stepSlugKey
)

// WithThreadID returns a context with the conversation thread ID set.
func WithThreadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, threadIDKey, id)
}

// WithRunID returns a context with the workflow run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithStepSlug returns a context with the current step slug set.
func WithStepSlug(ctx context.Context, slug string) context.Context {
	return context.WithValue(ctx, stepSlugKey, slug)
}

// ThreadID extracts the thread ID from the context, or "" if absent.
func ThreadID(ctx context.Context) string {
	v, _ := ctx.Value(threadIDKey).(string)
	return v
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// StepSlug extracts the step slug from the context, or "" if absent.
func StepSlug(ctx context.Context) string {
	v, _ := ctx.Value(stepSlugKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, threadID, runID, stepSlug string) context.Context {
	ctx = WithThreadID(ctx, threadID)
	ctx = WithRunID(ctx, runID)
	ctx = WithStepSlug(ctx, stepSlug)
	return ctx
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := ThreadID(ctx); v != "" {
		r.AddAttrs(slog.String("thread_id", v))
	}
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := StepSlug(ctx); v != "" {
		r.AddAttrs(slog.String("step_slug", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
