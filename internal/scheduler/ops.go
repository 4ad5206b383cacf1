package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vidqueue/vidqueue/internal/model"
	"github.com/vidqueue/vidqueue/internal/queuestore"
)

// Enqueue validates and stores a new job for later promotion. The job ID is
// assigned here when the caller left it empty.
func (s *Scheduler) Enqueue(ctx context.Context, job *model.Job) (string, error) {
	if job == nil {
		return "", fmt.Errorf("job is required")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = model.JobStatusQueued

	id, err := s.store.Enqueue(ctx, job)
	if err != nil {
		return "", err
	}
	s.logger.Info("Enqueue: job queued", "jobID", id, "platform", job.Platform, "priority", job.Priority)
	s.publish(id, model.JobStatusQueued, 0, "Added to queue", false)
	return id, nil
}

// SubmitInteractive executes a job immediately, bypassing the queue but not
// the concurrency limit. It blocks until the job finishes and returns the
// delivered artifact. When every slot is busy it fails fast with
// ErrNoCapacity; callers may then fall back to Enqueue.
func (s *Scheduler) SubmitInteractive(ctx context.Context, job *model.Job) (string, int64, error) {
	if job == nil {
		return "", 0, fmt.Errorf("job is required")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Trim != nil {
		if err := job.Trim.Validate(); err != nil {
			return "", 0, err
		}
	}

	if !s.tryAcquire() {
		return "", 0, ErrNoCapacity
	}
	defer s.release()

	s.logger.Info("SubmitInteractive: job started", "jobID", job.ID, "platform", job.Platform)
	start := time.Now()
	path, size, err := s.runner.Run(ctx, job, func(percent float64, message string) {
		s.publish(job.ID, model.JobStatusProcessing, percent, message, false)
	})
	if err != nil {
		s.logger.Warn("SubmitInteractive: job failed", "jobID", job.ID, "error", err)
		s.publish(job.ID, model.JobStatusFailed, 0, failureMessage(err), true)
		return "", 0, err
	}

	s.logger.Info("SubmitInteractive: job completed", "jobID", job.ID, "elapsed", time.Since(start))
	s.publish(job.ID, model.JobStatusCompleted, 100, "Download complete", true)
	return path, size, nil
}

// Cancel stops a job. Queued jobs cancel through the store; a processing job
// owned by the caller gets its context cancelled, which is best-effort: the
// job may still complete if it was already past the point of no return.
func (s *Scheduler) Cancel(ctx context.Context, jobID, owner string) (bool, error) {
	cancelled, err := s.store.Cancel(ctx, jobID, owner)
	if err != nil {
		return false, err
	}
	if cancelled {
		s.logger.Info("Cancel: queued job cancelled", "jobID", jobID)
		s.publish(jobID, model.JobStatusCancelled, 0, "Cancelled by user", true)
		return true, nil
	}

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Owner != owner || job.Status != model.JobStatusProcessing {
		return false, nil
	}

	s.mu.Lock()
	cancelFn, running := s.inflight[jobID]
	s.mu.Unlock()
	if !running {
		return false, nil
	}

	s.logger.Info("Cancel: signalling processing job", "jobID", jobID)
	cancelFn()
	return true, nil
}

// Get returns a job by ID.
func (s *Scheduler) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return s.store.Get(ctx, jobID)
}

// ListForOwner returns an owner's jobs, most recent first.
func (s *Scheduler) ListForOwner(ctx context.Context, owner string) ([]*model.Job, error) {
	return s.store.ListByOwner(ctx, owner)
}

// Stats aggregates queue counts, optionally scoped to an owner.
func (s *Scheduler) Stats(ctx context.Context, owner string) (*queuestore.Stats, error) {
	return s.store.Stats(ctx, owner)
}

// SetMaxConcurrent adjusts the execution slot limit at runtime, clamped to
// [1, 10]. Lowering it never interrupts running jobs; the pool shrinks as
// they finish.
func (s *Scheduler) SetMaxConcurrent(n int) int {
	clamped := clampConcurrent(n)
	s.mu.Lock()
	s.limit = clamped
	s.mu.Unlock()
	s.logger.Info("SetMaxConcurrent: limit updated", "limit", clamped)
	return clamped
}

// MaxConcurrent returns the current execution slot limit.
func (s *Scheduler) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}
