package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// ErrWaitTimeout is returned by WaitForAction when the configured wait window
// elapses without a matching signal. The widget handler converts it into a
// durable suspension instead of failing the run.
var ErrWaitTimeout = errors.New("widget wait timed out")

// widgetWaiter is one in-process rendezvous entry. ch is buffered so the
// signaling side never blocks; done is closed when the waiter is superseded
// or cancelled.
type widgetWaiter struct {
	widgetSlug   string
	widgetItemID string
	matchAny     bool
	ch           chan map[string]any
	done         chan struct{}
}

func (w *widgetWaiter) matches(widgetSlug, widgetItemID string) bool {
	slugOK := matchField(w.widgetSlug, widgetSlug)
	idOK := matchField(w.widgetItemID, widgetItemID)
	if w.matchAny {
		return slugOK || idOK
	}
	return slugOK && idOK
}

// matchField treats an unset field on either side as a wildcard.
func matchField(want, got string) bool {
	return want == "" || got == "" || want == got
}

// WidgetWaiterRegistry is the per-thread rendezvous between a widget step
// awaiting a user action and the external request delivering it. At most one
// waiter exists per thread; registering a new one silently supersedes any
// prior, unsignaled one (the user can only act on one pending widget at a
// time).
type WidgetWaiterRegistry struct {
	mu      sync.Mutex
	waiters map[string]*widgetWaiter

	// WaitTimeout bounds each in-process wait; zero means wait indefinitely.
	// On expiry WaitForAction returns ErrWaitTimeout and the widget handler
	// suspends the run durably instead.
	WaitTimeout time.Duration

	// MatchAny switches new waiters to the permissive legacy matching where
	// a signal wakes a waiter if either the widget slug or the item id
	// matches. The default requires both fields to agree (unset = wildcard).
	MatchAny bool
}

// NewWidgetWaiterRegistry creates an empty registry with no wait timeout.
func NewWidgetWaiterRegistry() *WidgetWaiterRegistry {
	return &WidgetWaiterRegistry{waiters: make(map[string]*widgetWaiter)}
}

// WaitForAction registers a waiter for the thread and blocks until a matching
// signal arrives, the wait window expires, the context is cancelled, or a
// newer waiter supersedes this one. The blocking happens outside the lock so
// signals and new registrations are never starved.
func (r *WidgetWaiterRegistry) WaitForAction(ctx context.Context, threadID, widgetSlug, widgetItemID string) (map[string]any, error) {
	w := &widgetWaiter{
		widgetSlug:   widgetSlug,
		widgetItemID: widgetItemID,
		matchAny:     r.MatchAny,
		ch:           make(chan map[string]any, 1),
		done:         make(chan struct{}),
	}

	r.mu.Lock()
	if old, ok := r.waiters[threadID]; ok {
		close(old.done)
	}
	r.waiters[threadID] = w
	timeout := r.WaitTimeout
	r.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case payload := <-w.ch:
		return payload, nil
	case <-w.done:
		return nil, schema.NewError(schema.ErrKindCancelled, "widget wait superseded by a newer wait")
	case <-timer:
		r.remove(threadID, w)
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		r.remove(threadID, w)
		return nil, schema.NewError(schema.ErrKindCancelled, "widget wait cancelled").WithCause(ctx.Err())
	}
}

// Signal delivers a widget action payload to the thread's waiter, if one
// exists and matches. Returns whether a waiter was actually woken. A signaled
// waiter is removed before delivery, so a second identical signal returns
// false rather than double-waking.
func (r *WidgetWaiterRegistry) Signal(threadID, widgetSlug, widgetItemID string, payload map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.waiters[threadID]
	if !ok {
		return false
	}
	if !w.matches(widgetSlug, widgetItemID) {
		return false
	}
	delete(r.waiters, threadID)
	w.ch <- payload
	return true
}

// Cancel abandons the thread's waiter, if any, waking it with a cancellation.
// Used when a thread is deleted or a suspension expires.
func (r *WidgetWaiterRegistry) Cancel(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.waiters[threadID]
	if !ok {
		return false
	}
	delete(r.waiters, threadID)
	close(w.done)
	return true
}

// Pending reports whether the thread currently has an in-process waiter.
func (r *WidgetWaiterRegistry) Pending(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.waiters[threadID]
	return ok
}

// remove deletes the waiter only if it is still the thread's current one.
func (r *WidgetWaiterRegistry) remove(threadID string, w *widgetWaiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.waiters[threadID]; ok && cur == w {
		delete(r.waiters, threadID)
	}
}
