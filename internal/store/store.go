package store

import (
	"context"
	"errors"
	"time"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Threads
	UpsertThread(ctx context.Context, th *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	SetThreadStatus(ctx context.Context, id string, status schema.ThreadStatusType, reason string) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Suspensions (one slot per thread, last writer wins)
	SaveSuspension(ctx context.Context, susp *Suspension) error
	GetSuspension(ctx context.Context, threadID string) (*Suspension, error)
	DeleteSuspension(ctx context.Context, threadID string) error
	ListExpiredSuspensions(ctx context.Context, before time.Time) ([]*Suspension, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// IsNotFound reports whether err marks a missing record.
func IsNotFound(err error) bool {
	var ee *schema.ExecutionError
	return errors.As(err, &ee) && ee.Kind == schema.ErrKindNotFound
}
