// Package model holds the shared data types of the download core: jobs and
// their lifecycle states, trim ranges, media metadata, and progress events.
package model

import (
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a download job.
type JobStatus string

const (
	// JobStatusQueued indicates the job is waiting for a free concurrency slot.
	JobStatusQueued JobStatus = "queued"
	// JobStatusProcessing indicates the job currently occupies a slot.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates the job finished with a verified artifact.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates every strategy was exhausted without success.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the owner cancelled the job before it
	// produced a terminal outcome of its own.
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether s is a final state. Terminal jobs never change
// status again; there is no resurrection.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// validTransitions encodes the job state machine. queued→cancelled covers
// cancellation before start; processing→cancelled is best-effort and only
// recorded when the cancellation lands before the job's own outcome.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TrimRange is an optional sub-range of a media file, in seconds from the
// start of the stream.
type TrimRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Validate rejects negative offsets and empty or inverted ranges.
func (r TrimRange) Validate() error {
	if r.Start < 0 || r.End < 0 {
		return fmt.Errorf("trim offsets must be non-negative (start=%g end=%g)", r.Start, r.End)
	}
	if r.End <= r.Start {
		return fmt.Errorf("trim end %g must be greater than start %g", r.End, r.Start)
	}
	return nil
}

// Duration returns the length of the trimmed range in seconds.
func (r TrimRange) Duration() float64 {
	return r.End - r.Start
}

// Job is the unit of work in the download queue.
type Job struct {
	ID             string     `json:"id"`
	Owner          string     `json:"owner"`
	URL            string     `json:"url"`
	Platform       string     `json:"platform"`
	FormatSelector string     `json:"format_selector"` // default "best"
	Trim           *TrimRange `json:"trim,omitempty"`
	Priority       int        `json:"priority"` // higher dequeues first
	Status         JobStatus  `json:"status"`

	// Seq is assigned by the store at enqueue time and breaks priority ties
	// in FIFO order.
	Seq uint64 `json:"seq"`

	ProgressPercent float64 `json:"progress_percent"`
	StatusMessage   string  `json:"status_message"`

	// Error holds the last failure's human-readable cause. Set only in the
	// terminal failed state.
	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ResultPath and ResultSize are populated if and only if the job
	// completed.
	ResultPath string `json:"result_path,omitempty"`
	ResultSize int64  `json:"result_size,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the
// store's internal records.
func (j *Job) Clone() *Job {
	out := *j
	if j.Trim != nil {
		trim := *j.Trim
		out.Trim = &trim
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
