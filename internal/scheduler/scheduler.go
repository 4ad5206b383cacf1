// Package scheduler promotes queued jobs into bounded concurrent execution
// and owns the job lifecycle from promotion to terminal state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vidqueue/vidqueue/internal/engine"
	"github.com/vidqueue/vidqueue/internal/model"
	"github.com/vidqueue/vidqueue/internal/progress"
	"github.com/vidqueue/vidqueue/internal/queuestore"
)

// ErrNoCapacity reports that an interactive submission found every execution
// slot occupied.
var ErrNoCapacity = errors.New("no execution capacity available")

const (
	minConcurrent = 1
	maxConcurrent = 10
)

// Runner executes one job end to end and returns the delivered artifact.
type Runner interface {
	Run(ctx context.Context, job *model.Job, onProgress func(percent float64, message string)) (string, int64, error)
}

// Config controls scheduler behavior.
type Config struct {
	// MaxConcurrent bounds simultaneous executions, queued and interactive
	// combined. Clamped to [1, 10].
	MaxConcurrent int

	// Tick is the promotion loop interval.
	Tick time.Duration

	// PruneInterval is how often terminal jobs are pruned.
	PruneInterval time.Duration

	// RetainAge is the minimum age before a terminal job may be pruned.
	RetainAge time.Duration

	// RetainCount terminal jobs are always kept regardless of age.
	RetainCount int
}

// DefaultConfig returns the standard scheduler parameters.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 2,
		Tick:          5 * time.Second,
		PruneInterval: 1 * time.Hour,
		RetainAge:     7 * 24 * time.Hour,
		RetainCount:   50,
	}
}

func clampConcurrent(n int) int {
	if n < minConcurrent {
		return minConcurrent
	}
	if n > maxConcurrent {
		return maxConcurrent
	}
	return n
}

// Scheduler drives job execution. Queued jobs are promoted in priority order
// on each tick; interactive submissions bypass the queue but compete for the
// same execution slots.
type Scheduler struct {
	store  queuestore.Store
	runner Runner
	broker *progress.Broker
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	limit    int
	running  int
	inflight map[string]context.CancelFunc

	baseCtx context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
}

func New(store queuestore.Store, runner Runner, broker *progress.Broker, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	return &Scheduler{
		store:    store,
		runner:   runner,
		broker:   broker,
		cfg:      cfg,
		logger:   logger,
		limit:    clampConcurrent(cfg.MaxConcurrent),
		inflight: make(map[string]context.CancelFunc),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start recovers interrupted jobs and launches the promotion and prune
// loops. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	reset, err := s.store.ResetProcessing(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted jobs: %w", err)
	}
	if reset > 0 {
		s.logger.Info("Start: recovered interrupted jobs", "count", reset)
	}

	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	go s.promoteLoop()
	if s.cfg.PruneInterval > 0 {
		go s.pruneLoop()
	}
	return nil
}

// Stop halts promotion, cancels running jobs and waits for them to settle.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) promoteLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.promote()
		}
	}
}

func (s *Scheduler) pruneLoop() {
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.store.PruneTerminal(s.baseCtx, s.cfg.RetainAge, s.cfg.RetainCount); err != nil {
				s.logger.Warn("pruneLoop: prune failed", "error", err)
			}
		}
	}
}

// promote fills free execution slots from the head of the queue. Slots are
// reserved before the status transition so a concurrent interactive
// submission can never push the total over the limit.
func (s *Scheduler) promote() {
	free := s.freeSlots()
	if free <= 0 {
		return
	}

	ready, err := s.store.NextReady(s.baseCtx, free)
	if err != nil {
		s.logger.Warn("promote: failed to read queue", "error", err)
		return
	}

	for _, job := range ready {
		if !s.tryAcquire() {
			return
		}
		if err := s.store.UpdateStatus(s.baseCtx, job.ID, model.JobStatusProcessing, ""); err != nil {
			// Lost a race with a cancel; the slot goes back.
			s.release()
			s.logger.Debug("promote: job no longer promotable", "jobID", job.ID, "error", err)
			continue
		}

		s.logger.Info("promote: job started", "jobID", job.ID, "platform", job.Platform, "priority", job.Priority)
		s.publish(job.ID, model.JobStatusProcessing, 0, "Starting download", false)
		s.launch(job)
	}
}

func (s *Scheduler) freeSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	free := s.limit - s.running
	if free < 0 {
		return 0
	}
	return free
}

func (s *Scheduler) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running >= s.limit {
		return false
	}
	s.running++
	return true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
}

// launch runs a promoted job on its own goroutine with a cancellable
// context registered for best-effort mid-flight cancellation.
func (s *Scheduler) launch(job *model.Job) {
	jobCtx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.inflight[job.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.inflight, job.ID)
			s.mu.Unlock()
			s.release()
		}()
		s.execute(jobCtx, job)
	}()
}

// execute runs the job and records its terminal state.
func (s *Scheduler) execute(ctx context.Context, job *model.Job) {
	onProgress := func(percent float64, message string) {
		if err := s.store.UpdateProgress(s.baseCtx, job.ID, percent, message); err != nil {
			s.logger.Debug("execute: failed to persist progress", "jobID", job.ID, "error", err)
		}
		s.publish(job.ID, model.JobStatusProcessing, percent, message, false)
	}

	resultPath, resultSize, err := s.runner.Run(ctx, job, onProgress)
	if err != nil {
		s.settleFailure(ctx, job, err)
		return
	}

	// Re-validate at the completion boundary: a cancel that landed during
	// the final moments must win over the finished download.
	if err := s.store.Complete(s.baseCtx, job.ID, resultPath, resultSize); err != nil {
		if errors.Is(err, queuestore.ErrInvalidTransition) {
			s.logger.Info("execute: job reached terminal state before completion", "jobID", job.ID)
			s.publish(job.ID, model.JobStatusCancelled, 0, "Cancelled by user", true)
			return
		}
		s.logger.Warn("execute: could not record completion", "jobID", job.ID, "error", err)
		s.publish(job.ID, model.JobStatusFailed, 0, "Failed to record completion", true)
		return
	}

	s.logger.Info("execute: job completed", "jobID", job.ID, "resultPath", resultPath, "resultSize", resultSize)
	s.publish(job.ID, model.JobStatusCompleted, 100, "Download complete", true)
}

func (s *Scheduler) settleFailure(ctx context.Context, job *model.Job, runErr error) {
	if errors.Is(runErr, context.Canceled) && s.baseCtx.Err() == nil {
		if err := s.store.UpdateStatus(s.baseCtx, job.ID, model.JobStatusCancelled, ""); err != nil {
			s.logger.Warn("settleFailure: could not record cancellation", "jobID", job.ID, "error", err)
		}
		s.logger.Info("settleFailure: job cancelled", "jobID", job.ID)
		s.publish(job.ID, model.JobStatusCancelled, 0, "Cancelled by user", true)
		return
	}
	if s.baseCtx.Err() != nil {
		// Shutting down; the job goes back to queued on next start.
		return
	}

	// The job record carries a short category message; the verbose cause
	// stays in the log.
	msg := failureMessage(runErr)
	if err := s.store.UpdateStatus(s.baseCtx, job.ID, model.JobStatusFailed, msg); err != nil {
		s.logger.Warn("settleFailure: could not record failure", "jobID", job.ID, "error", err)
	}
	s.logger.Warn("settleFailure: job failed", "jobID", job.ID, "error", runErr)
	s.publish(job.ID, model.JobStatusFailed, 0, msg, true)
}

func failureMessage(err error) string {
	switch engine.KindOf(err) {
	case engine.UnavailableNoContent:
		return "No downloadable media was found at this URL"
	case engine.UnavailableAccessBlocked:
		return "This content requires login or is temporarily blocked, try again later"
	default:
		return "Download failed: " + condenseMessage(err)
	}
}

// condenseMessage keeps the outermost wrap of an error chain, enough to say
// which stage gave up without dumping tool output at the user.
func condenseMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i > 0 {
		return msg[:i]
	}
	return msg
}

func (s *Scheduler) publish(jobID string, status model.JobStatus, percent float64, message string, terminal bool) {
	s.broker.Publish(model.ProgressEvent{
		JobID:    jobID,
		Status:   status,
		Progress: percent,
		Message:  message,
		Terminal: terminal,
	})
}
