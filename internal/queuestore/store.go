// Package queuestore provides the durable, priority-ordered collection of
// download jobs with lifecycle state transitions. Implementations: BadgerDB
// (default durable backend), SQLite (build tag "sqlite", requires CGO), and
// an in-memory backend suitable for tests.
package queuestore

import (
	"context"
	"errors"
	"time"

	"github.com/vidqueue/vidqueue/internal/model"
)

var (
	// ErrNotFound is returned when no job with the requested ID exists.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a status update violates the
	// job state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Stats aggregates job counts, optionally scoped to a single owner.
type Stats struct {
	Owner      string
	Queued     int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
}

// Total returns the number of jobs covered by the stats.
func (s *Stats) Total() int {
	return s.Queued + s.Processing + s.Completed + s.Failed + s.Cancelled
}

// Store is the interface for durable job queue backends.
// Implementations must be safe for concurrent use; the scheduler's control
// loop and interactive submissions mutate the store from separate
// goroutines.
type Store interface {
	// Enqueue persists a new job. The job must carry status "queued"; the
	// store assigns the FIFO sequence number and returns the job ID.
	Enqueue(ctx context.Context, job *model.Job) (string, error)

	// NextReady returns up to n queued jobs ordered by descending priority,
	// then ascending enqueue order. It does not mutate status: the caller
	// must transition each selected job explicitly. Jobs enqueued after the
	// call began are not selected by it.
	NextReady(ctx context.Context, n int) ([]*model.Job, error)

	// UpdateStatus transitions a job through the state machine. errMsg is
	// recorded only for the failed status. Transitions out of a terminal
	// state return ErrInvalidTransition.
	UpdateStatus(ctx context.Context, jobID string, status model.JobStatus, errMsg string) error

	// Complete transitions a processing job to completed and records the
	// verified artifact.
	Complete(ctx context.Context, jobID string, resultPath string, resultSize int64) error

	// UpdateProgress records observer-visible progress for a job. It is a
	// no-op for jobs already in a terminal state.
	UpdateProgress(ctx context.Context, jobID string, percent float64, message string) error

	// Cancel cancels a queued job if it is owned by owner. It returns false
	// without error when the job is missing, owned by someone else, or no
	// longer queued; cancellation of processing jobs is the scheduler's
	// best-effort concern, not the store's.
	Cancel(ctx context.Context, jobID string, owner string) (bool, error)

	// Get retrieves a job by ID.
	Get(ctx context.Context, jobID string) (*model.Job, error)

	// ListByOwner returns all jobs for an owner, most recent first.
	ListByOwner(ctx context.Context, owner string) ([]*model.Job, error)

	// Stats aggregates job counts; an empty owner means process-wide.
	Stats(ctx context.Context, owner string) (*Stats, error)

	// ResetProcessing returns jobs left in processing by a previous process
	// back to queued. Called once on scheduler start.
	ResetProcessing(ctx context.Context) (int, error)

	// PruneTerminal deletes terminal jobs whose completion is older than
	// age, always retaining at least keep most recent terminal jobs. It
	// returns the number of deleted jobs.
	PruneTerminal(ctx context.Context, age time.Duration, keep int) (int, error)

	// Close closes the backend.
	Close() error
}

func normalizeContext(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ctx, nil
}
