package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

func TestQueue_PreservesOrder(t *testing.T) {
	q := NewQueue(8)
	ctx := context.Background()

	require.NoError(t, q.Emit(ctx, schema.StreamEvent{Type: schema.StreamMessageAdded, Text: "a"}))
	require.NoError(t, q.Emit(ctx, schema.StreamEvent{Type: schema.StreamProgressUpdate, Text: "b"}))
	require.NoError(t, q.Emit(ctx, schema.StreamEvent{Type: schema.StreamEndOfTurn}))
	q.Close()

	var got []schema.StreamEvent
	for ev := range q.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Text)
	assert.Equal(t, "b", got[1].Text)
	assert.Equal(t, schema.StreamEndOfTurn, got[2].Type)
}

func TestQueue_CloseIsIdempotent(t *testing.T) {
	q := NewQueue(1)
	q.Close()
	q.Close() // second close must not panic

	_, open := <-q.Events()
	assert.False(t, open)
}

func TestQueue_EmitAfterCloseIsNoop(t *testing.T) {
	q := NewQueue(1)
	q.Close()

	assert.NoError(t, q.Emit(context.Background(), schema.StreamEvent{Type: schema.StreamError}))
}

func TestQueue_EmitRespectsContext(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, q.Emit(ctx, schema.StreamEvent{Text: "fills the queue"}))
	cancel()

	err := q.Emit(ctx, schema.StreamEvent{Text: "blocked"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryHub_PublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ThreadID: "th-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.StreamEvent{ThreadID: "th-1", Type: schema.StreamMessageAdded}))
	require.NoError(t, hub.Publish(ctx, schema.StreamEvent{ThreadID: "th-2", Type: schema.StreamMessageAdded}))

	select {
	case ev := <-ch:
		assert.Equal(t, "th-1", ev.ThreadID)
	case <-time.After(time.Second):
		t.Fatal("expected event for th-1")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for %s", ev.ThreadID)
	default:
	}
}

func TestMemoryHub_FilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{EventTypes: []schema.StreamEventType{schema.StreamError}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.StreamEvent{Type: schema.StreamProgressUpdate}))
	require.NoError(t, hub.Publish(ctx, schema.StreamEvent{Type: schema.StreamError, Text: "boom"}))

	select {
	case ev := <-ch:
		assert.Equal(t, schema.StreamError, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected error event")
	}
}

func TestMemoryHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, hub.Publish(ctx, schema.StreamEvent{Type: schema.StreamMessageAdded}))

	select {
	case <-ch:
		t.Fatal("cancelled subscriber should not receive events")
	default:
	}
}

func TestMemoryHub_SlowSubscriberNeverBlocksPublish(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < subscriptionBuffer*2; i++ {
		require.NoError(t, hub.Publish(ctx, schema.StreamEvent{Type: schema.StreamProgressUpdate}))
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriptionBuffer, received, "overflow beyond the mailbox is dropped")
}

func TestMemoryHub_SubscriberCount(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	_, cancelA, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	_, cancelB, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, hub.SubscriberCount())

	cancelA()
	cancelA() // cancelling twice is harmless
	cancelB()
	assert.Equal(t, 0, hub.SubscriberCount())
}

func TestEventFilter_RunIDMatch(t *testing.T) {
	f := EventFilter{RunID: "run-1"}
	assert.True(t, f.Matches(schema.StreamEvent{RunID: "run-1"}))
	assert.False(t, f.Matches(schema.StreamEvent{RunID: "run-2"}))
	assert.True(t, EventFilter{}.Matches(schema.StreamEvent{RunID: "run-2"}))
}
