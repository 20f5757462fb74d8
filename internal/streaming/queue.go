package streaming

import (
	"context"
	"sync"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// DefaultQueueDepth bounds the UI event queue. A bounded channel makes the
// backpressure contract explicit: a producer outrunning a slow consumer
// blocks instead of growing memory without limit.
const DefaultQueueDepth = 128

// Queue is the ordered UI event queue joining the orchestration loop
// (producer) to the client stream (consumer). Events are delivered in emit
// order; closing the queue is the done sentinel and happens exactly once no
// matter how the run ended.
type Queue struct {
	ch        chan schema.StreamEvent
	closeOnce sync.Once
	closed    chan struct{}
}

// NewQueue creates a Queue with the given depth (<=0 uses DefaultQueueDepth).
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Queue{
		ch:     make(chan schema.StreamEvent, depth),
		closed: make(chan struct{}),
	}
}

// Emit places an event on the queue, blocking while the queue is full.
// Emitting after Close is a silent no-op: a producer finishing out a run
// after the consumer is gone must not panic on a closed channel.
func (q *Queue) Emit(ctx context.Context, event schema.StreamEvent) error {
	select {
	case <-q.closed:
		return nil
	default:
	}

	select {
	case q.ch <- event:
		return nil
	case <-q.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side of the queue. Channel close signals end of
// stream.
func (q *Queue) Events() <-chan schema.StreamEvent {
	return q.ch
}

// Close terminates the stream. Safe to call multiple times; only the first
// call has effect. Must be called from the producer goroutine after its
// final Emit; the orchestration loop does this in a defer.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		close(q.ch)
	})
}
