package queuestore

import (
	"fmt"
	"sort"
	"time"

	"github.com/vidqueue/vidqueue/internal/model"
)

// validateForEnqueue checks the fields a job must carry before it may enter
// the queue.
func validateForEnqueue(job *model.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job ID is empty")
	}
	if job.Owner == "" {
		return fmt.Errorf("job %s is missing owner", job.ID)
	}
	if job.URL == "" {
		return fmt.Errorf("job %s is missing URL", job.ID)
	}
	if job.Platform == "" {
		return fmt.Errorf("job %s is missing platform", job.ID)
	}
	if job.Status != model.JobStatusQueued {
		return fmt.Errorf("job %s status must be %s, got %s", job.ID, model.JobStatusQueued, job.Status)
	}
	if job.Trim != nil {
		if err := job.Trim.Validate(); err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
	}
	return nil
}

// prepareForEnqueue normalizes a validated job into its stored form, clearing
// every field the store owns.
func prepareForEnqueue(job *model.Job, now time.Time, seq uint64) *model.Job {
	stored := job.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.FormatSelector == "" {
		stored.FormatSelector = "best"
	}
	stored.Seq = seq
	stored.StartedAt = nil
	stored.CompletedAt = nil
	stored.Error = ""
	stored.ResultPath = ""
	stored.ResultSize = 0
	stored.ProgressPercent = 0
	if stored.StatusMessage == "" {
		stored.StatusMessage = "Added to queue"
	}
	return stored
}

// applyTransition mutates a stored job for a validated status change and
// returns ErrInvalidTransition for anything the state machine forbids.
func applyTransition(job *model.Job, status model.JobStatus, errMsg string, now time.Time) error {
	if job.Status == status {
		return fmt.Errorf("%w: job %s is already %s", ErrInvalidTransition, job.ID, status)
	}
	if !model.CanTransition(job.Status, status) {
		return fmt.Errorf("%w: job %s cannot move %s -> %s", ErrInvalidTransition, job.ID, job.Status, status)
	}

	job.Status = status
	switch status {
	case model.JobStatusProcessing:
		started := now
		job.StartedAt = &started
		job.ProgressPercent = 0
		job.StatusMessage = "Processing"
	case model.JobStatusFailed:
		finished := now
		job.CompletedAt = &finished
		job.Error = errMsg
		if errMsg != "" {
			job.StatusMessage = errMsg
		}
	case model.JobStatusCancelled:
		finished := now
		job.CompletedAt = &finished
		job.StatusMessage = "Cancelled by user"
	case model.JobStatusCompleted:
		finished := now
		job.CompletedAt = &finished
		job.ProgressPercent = 100
		job.StatusMessage = "Download completed"
	}
	return nil
}

// readyLess orders queued jobs for NextReady: priority descending, then
// enqueue sequence ascending (stable FIFO within a priority tier).
func readyLess(a, b *model.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

func sortReady(jobs []*model.Job) {
	sort.Slice(jobs, func(i, j int) bool { return readyLess(jobs[i], jobs[j]) })
}
