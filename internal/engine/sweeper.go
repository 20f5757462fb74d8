package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fpoisson2/test-chatkit-sub001/internal/store"
	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// DefaultSweepSchedule runs the expiry pass every five minutes.
const DefaultSweepSchedule = "*/5 * * * *"

// Sweeper periodically expires abandoned durable suspensions. A suspension
// whose expires_at has passed is deleted, its run is cancelled, and any
// in-process waiter for the thread is woken with a cancellation. Suspensions
// saved without an expiry (waiter TTL of zero) are never touched.
type Sweeper struct {
	st       store.Store
	waiters  *WidgetWaiterRegistry
	fsm      *RunFSM
	logger   *slog.Logger
	schedule string
	cron     *cron.Cron
}

// NewSweeper creates a sweeper on the given schedule (cron syntax); an empty
// schedule uses the default.
func NewSweeper(st store.Store, waiters *WidgetWaiterRegistry, logger *slog.Logger, schedule string) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		st:       st,
		waiters:  waiters,
		fsm:      NewRunFSM(st),
		logger:   logger,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start schedules the sweep and begins running it.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.Sweep(ctx)
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrKindConfiguration, "invalid sweep schedule %q: %s", s.schedule, err.Error()).WithCause(err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep expires every suspension whose deadline has passed. Exposed for
// direct invocation in tests and admin tooling.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.st.ListExpiredSuspensions(ctx, time.Now().UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "list expired suspensions", "error", err)
		return
	}

	for _, susp := range expired {
		if err := s.st.DeleteSuspension(ctx, susp.ThreadID); err != nil && !store.IsNotFound(err) {
			s.logger.WarnContext(ctx, "delete expired suspension", "thread_id", susp.ThreadID, "error", err)
			continue
		}
		s.waiters.Cancel(susp.ThreadID)

		if err := s.fsm.Transition(ctx, susp.RunID, schema.RunStatusSuspended, schema.RunStatusCancelled); err != nil {
			s.logger.WarnContext(ctx, "cancel expired run", "run_id", susp.RunID, "error", err)
		}
		cancelled := schema.RunStatusCancelled
		now := time.Now().UTC()
		if err := s.st.UpdateRun(ctx, susp.RunID, store.RunUpdate{Status: &cancelled, CompletedAt: &now}); err != nil {
			s.logger.WarnContext(ctx, "persist cancelled run", "run_id", susp.RunID, "error", err)
		}

		s.logger.InfoContext(ctx, "expired abandoned suspension",
			"thread_id", susp.ThreadID, "run_id", susp.RunID, "step", susp.StepSlug)
	}
}
