package queuestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vidqueue/vidqueue/internal/model"
)

// InMemoryStore implements Store using in-memory storage.
// It uses a single mutex for thread-safety and is suitable for testing.
type InMemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*model.Job
	nextSeq uint64
	closed  bool
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{jobs: make(map[string]*model.Job)}
}

// Close closes the store and prevents further operations.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *InMemoryStore) ensureOpenLocked() error {
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Enqueue persists a new queued job and assigns its FIFO sequence number.
func (s *InMemoryStore) Enqueue(ctx context.Context, job *model.Job) (string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return "", err
	}
	if err := validateForEnqueue(job); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return "", err
	}
	if _, exists := s.jobs[job.ID]; exists {
		return "", fmt.Errorf("job already exists: %s", job.ID)
	}

	s.nextSeq++
	stored := prepareForEnqueue(job, time.Now(), s.nextSeq)
	s.jobs[stored.ID] = stored
	return stored.ID, nil
}

// NextReady returns up to n queued jobs in promotion order without mutating
// their status.
func (s *InMemoryStore) NextReady(ctx context.Context, n int) ([]*model.Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("n must be greater than 0")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	ready := make([]*model.Job, 0)
	for _, job := range s.jobs {
		if job.Status == model.JobStatusQueued {
			ready = append(ready, job)
		}
	}
	sortReady(ready)
	if len(ready) > n {
		ready = ready[:n]
	}

	out := make([]*model.Job, 0, len(ready))
	for _, job := range ready {
		out = append(out, job.Clone())
	}
	return out, nil
}

// UpdateStatus transitions a job through the state machine.
func (s *InMemoryStore) UpdateStatus(ctx context.Context, jobID string, status model.JobStatus, errMsg string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return applyTransition(job, status, errMsg, time.Now())
}

// Complete transitions a processing job to completed and records its result.
func (s *InMemoryStore) Complete(ctx context.Context, jobID string, resultPath string, resultSize int64) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if resultPath == "" {
		return fmt.Errorf("resultPath is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err := applyTransition(job, model.JobStatusCompleted, "", time.Now()); err != nil {
		return err
	}
	job.ResultPath = resultPath
	job.ResultSize = resultSize
	return nil
}

// UpdateProgress records progress; terminal jobs are left untouched.
func (s *InMemoryStore) UpdateProgress(ctx context.Context, jobID string, percent float64, message string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.ProgressPercent = percent
	if message != "" {
		job.StatusMessage = message
	}
	return nil
}

// Cancel cancels a queued job owned by owner.
func (s *InMemoryStore) Cancel(ctx context.Context, jobID string, owner string) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return false, err
	}

	job, exists := s.jobs[jobID]
	if !exists || job.Owner != owner || job.Status != model.JobStatusQueued {
		return false, nil
	}
	if err := applyTransition(job, model.JobStatusCancelled, "", time.Now()); err != nil {
		return false, err
	}
	return true, nil
}

// Get retrieves a job by ID.
func (s *InMemoryStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return job.Clone(), nil
}

// ListByOwner returns all of an owner's jobs, most recent first.
func (s *InMemoryStore) ListByOwner(ctx context.Context, owner string) ([]*model.Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	out := make([]*model.Job, 0)
	for _, job := range s.jobs {
		if job.Owner == owner {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out, nil
}

// Stats aggregates job counts, optionally scoped to owner.
func (s *InMemoryStore) Stats(ctx context.Context, owner string) (*Stats, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	stats := &Stats{Owner: owner}
	for _, job := range s.jobs {
		if owner != "" && job.Owner != owner {
			continue
		}
		countInto(stats, job.Status)
	}
	return stats, nil
}

// ResetProcessing returns processing jobs to queued for restart recovery.
func (s *InMemoryStore) ResetProcessing(ctx context.Context) (int, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return 0, err
	}

	reset := 0
	for _, job := range s.jobs {
		if job.Status == model.JobStatusProcessing {
			job.Status = model.JobStatusQueued
			job.StartedAt = nil
			job.ProgressPercent = 0
			job.StatusMessage = "Re-queued after restart"
			reset++
		}
	}
	return reset, nil
}

// PruneTerminal deletes old terminal jobs, keeping the most recent ones.
func (s *InMemoryStore) PruneTerminal(ctx context.Context, age time.Duration, keep int) (int, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return 0, err
	}
	if age <= 0 {
		return 0, fmt.Errorf("age must be > 0, got %v", age)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return 0, err
	}

	terminal := make([]*model.Job, 0)
	for _, job := range s.jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil {
			terminal = append(terminal, job)
		}
	}
	// Newest first; everything past the keep floor is a pruning candidate.
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].CompletedAt.After(*terminal[j].CompletedAt)
	})

	cutoff := time.Now().Add(-age)
	deleted := 0
	for i, job := range terminal {
		if i < keep {
			continue
		}
		if job.CompletedAt.Before(cutoff) {
			delete(s.jobs, job.ID)
			deleted++
		}
	}
	return deleted, nil
}

func countInto(stats *Stats, status model.JobStatus) {
	switch status {
	case model.JobStatusQueued:
		stats.Queued++
	case model.JobStatusProcessing:
		stats.Processing++
	case model.JobStatusCompleted:
		stats.Completed++
	case model.JobStatusFailed:
		stats.Failed++
	case model.JobStatusCancelled:
		stats.Cancelled++
	}
}
