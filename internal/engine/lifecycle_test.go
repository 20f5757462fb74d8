package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpoisson2/test-chatkit-sub001/internal/store"
	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

func TestRunFSM_ValidTransitionEmitsEvent(t *testing.T) {
	st := newMemStore()
	fsm := NewRunFSM(st)

	require.NoError(t, fsm.Transition(context.Background(), "run-1", schema.RunStatusPending, schema.RunStatusActive))
	require.NoError(t, fsm.Transition(context.Background(), "run-1", schema.RunStatusActive, schema.RunStatusCompleted))

	assert.Equal(t, []string{schema.EventRunStarted, schema.EventRunCompleted}, st.eventTypes("run-1"))
}

func TestRunFSM_ResumeEmitsResumedEvent(t *testing.T) {
	st := newMemStore()
	fsm := NewRunFSM(st)

	require.NoError(t, fsm.Transition(context.Background(), "run-1", schema.RunStatusSuspended, schema.RunStatusActive))

	assert.Equal(t, []string{schema.EventRunResumed}, st.eventTypes("run-1"))
}

func TestRunFSM_InvalidTransitionRejected(t *testing.T) {
	st := newMemStore()
	fsm := NewRunFSM(st)

	for _, terminal := range []schema.RunStatus{
		schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled,
	} {
		err := fsm.Transition(context.Background(), "run-1", terminal, schema.RunStatusActive)
		requireKind(t, err, schema.ErrKindInternal)
	}
	assert.Empty(t, st.eventTypes("run-1"))
}

func TestSweeper_ExpiresOnlyPastDeadlines(t *testing.T) {
	st := newMemStore()
	waiters := NewWidgetWaiterRegistry()
	sweeper := NewSweeper(st, waiters, testLogger(), "")

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	suspended := schema.RunStatusSuspended
	for threadID, exp := range map[string]*time.Time{
		"thread-old":    &past,
		"thread-fresh":  &future,
		"thread-pinned": nil,
	} {
		runID := "run-" + threadID
		require.NoError(t, st.CreateRun(context.Background(), &store.Run{ID: runID, ThreadID: threadID, Status: suspended}))
		require.NoError(t, st.SaveSuspension(context.Background(), &store.Suspension{
			ThreadID: threadID, RunID: runID, StepSlug: "ask", ExpiresAt: exp,
		}))
	}

	sweeper.Sweep(context.Background())

	_, err := st.GetSuspension(context.Background(), "thread-old")
	assert.True(t, store.IsNotFound(err))
	_, err = st.GetSuspension(context.Background(), "thread-fresh")
	assert.NoError(t, err)
	_, err = st.GetSuspension(context.Background(), "thread-pinned")
	assert.NoError(t, err)

	run, err := st.GetRun(context.Background(), "run-thread-old")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, run.Status)
	assert.Contains(t, st.eventTypes("run-thread-old"), schema.EventRunCancelled)

	run, err = st.GetRun(context.Background(), "run-thread-fresh")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuspended, run.Status)
}

func TestSweeper_WakesInProcessWaiter(t *testing.T) {
	st := newMemStore()
	waiters := NewWidgetWaiterRegistry()
	sweeper := NewSweeper(st, waiters, testLogger(), "")

	past := time.Now().UTC().Add(-time.Minute)
	suspended := schema.RunStatusSuspended
	require.NoError(t, st.CreateRun(context.Background(), &store.Run{ID: "run-1", ThreadID: "thread-1", Status: suspended}))
	require.NoError(t, st.SaveSuspension(context.Background(), &store.Suspension{
		ThreadID: "thread-1", RunID: "run-1", StepSlug: "ask", ExpiresAt: &past,
	}))
	done := startWait(t, waiters, context.Background(), "thread-1", "confirm", "item-1")

	sweeper.Sweep(context.Background())

	res := recvResult(t, done)
	require.Error(t, res.err)
	assert.False(t, waiters.Pending("thread-1"))
}

func TestSweeper_BadScheduleRejected(t *testing.T) {
	sweeper := NewSweeper(newMemStore(), NewWidgetWaiterRegistry(), testLogger(), "not a schedule")

	err := sweeper.Start()

	requireKind(t, err, schema.ErrKindConfiguration)
}
