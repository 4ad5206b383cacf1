package queuestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/vidqueue/vidqueue/internal/model"
)

// BadgerStore implements Store using BadgerDB. It is the default durable
// backend: jobs survive process restarts and NextReady ordering comes from a
// priority-encoded key index rather than a scan-and-sort.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore opens (creating if necessary) a BadgerDB directory at
// dbPath. BadgerDB's internal logging is disabled; it uses a different
// logger interface.
func NewBadgerStore(dbPath string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// key prefixes
const (
	keyPrefixJob      = "job:"
	keyPrefixReady    = "idx:ready:"
	keyPrefixOwner    = "idx:owner:"
	keyPrefixTerminal = "idx:terminal:"
	keySeqCounter     = "meta:seq"
)

func jobKey(jobID string) []byte {
	return []byte(keyPrefixJob + jobID)
}

// readyKey encodes promotion order into the key itself: the priority is
// bias-flipped so a forward iteration yields priority-descending, and the
// sequence number breaks ties FIFO.
func readyKey(priority int, seq uint64, jobID string) []byte {
	key := make([]byte, 0, len(keyPrefixReady)+16+len(jobID))
	key = append(key, []byte(keyPrefixReady)...)
	prio := make([]byte, 8)
	binary.BigEndian.PutUint64(prio, ^(uint64(int64(priority)) ^ (1 << 63)))
	key = append(key, prio...)
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	key = append(key, seqBytes...)
	key = append(key, []byte(jobID)...)
	return key
}

func ownerKey(owner, jobID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", keyPrefixOwner, owner, jobID))
}

func terminalKey(finishedAt time.Time, jobID string) []byte {
	key := make([]byte, 0, len(keyPrefixTerminal)+8+len(jobID))
	key = append(key, []byte(keyPrefixTerminal)...)
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(finishedAt.UnixNano()))
	key = append(key, ts...)
	key = append(key, []byte(jobID)...)
	return key
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
// Fixed delay, no jitter, for deterministic test behavior.
func (s *BadgerStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := s.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

func getJobTxn(txn *badger.Txn, jobID string) (*model.Job, error) {
	item, err := txn.Get(jobKey(jobID))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to copy job %s: %w", jobID, err)
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

func putJobTxn(txn *badger.Txn, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	if err := txn.Set(jobKey(job.ID), data); err != nil {
		return fmt.Errorf("failed to store job %s: %w", job.ID, err)
	}
	return nil
}

// nextSeqTxn increments the monotonic enqueue counter.
func nextSeqTxn(txn *badger.Txn) (uint64, error) {
	var seq uint64
	item, err := txn.Get([]byte(keySeqCounter))
	switch {
	case err == badger.ErrKeyNotFound:
		seq = 0
	case err != nil:
		return 0, fmt.Errorf("failed to read sequence counter: %w", err)
	default:
		data, err := item.ValueCopy(nil)
		if err != nil {
			return 0, fmt.Errorf("failed to copy sequence counter: %w", err)
		}
		seq = binary.BigEndian.Uint64(data)
	}

	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := txn.Set([]byte(keySeqCounter), buf); err != nil {
		return 0, fmt.Errorf("failed to store sequence counter: %w", err)
	}
	return seq, nil
}

// Enqueue persists a new queued job and indexes it for promotion.
func (s *BadgerStore) Enqueue(ctx context.Context, job *model.Job) (string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", err
	}
	if err := validateForEnqueue(job); err != nil {
		return "", err
	}

	var storedID string
	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := txn.Get(jobKey(job.ID)); err == nil {
			return fmt.Errorf("job already exists: %s", job.ID)
		} else if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to check existing job: %w", err)
		}

		seq, err := nextSeqTxn(txn)
		if err != nil {
			return err
		}
		stored := prepareForEnqueue(job, time.Now(), seq)

		if err := putJobTxn(txn, stored); err != nil {
			return err
		}
		if err := txn.Set(readyKey(stored.Priority, stored.Seq, stored.ID), []byte(stored.ID)); err != nil {
			return fmt.Errorf("failed to index ready job: %w", err)
		}
		if err := txn.Set(ownerKey(stored.Owner, stored.ID), []byte(stored.ID)); err != nil {
			return fmt.Errorf("failed to index owner: %w", err)
		}
		storedID = stored.ID
		return nil
	})
	if err != nil {
		s.logger.Debug("Enqueue: error", "jobID", job.ID, "error", err)
		return "", err
	}

	s.logger.Debug("Enqueue: stored", "jobID", storedID, "platform", job.Platform, "priority", job.Priority)
	return storedID, nil
}

// NextReady iterates the ready index in promotion order. The snapshot
// isolation of the transaction guarantees jobs enqueued during the call are
// not selected by it.
func (s *BadgerStore) NextReady(ctx context.Context, n int) ([]*model.Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("n must be greater than 0")
	}

	var ready []*model.Job
	err = s.db.View(func(txn *badger.Txn) error {
		ready = ready[:0]

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixReady)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefixReady)); it.Valid() && len(ready) < n; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			jobIDBytes, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			job, err := getJobTxn(txn, string(jobIDBytes))
			if err != nil {
				continue
			}
			// A stale index entry for a no-longer-queued job is skipped
			// here and removed by the next status transition.
			if job.Status != model.JobStatusQueued {
				continue
			}
			ready = append(ready, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("NextReady: completed", "requested", n, "returned", len(ready))
	return ready, nil
}

// transitionTxn applies a validated status change and maintains the ready,
// owner and terminal indexes.
func (s *BadgerStore) transitionTxn(txn *badger.Txn, jobID string, status model.JobStatus, errMsg string) (*model.Job, error) {
	job, err := getJobTxn(txn, jobID)
	if err != nil {
		return nil, err
	}
	wasQueued := job.Status == model.JobStatusQueued
	now := time.Now()
	if err := applyTransition(job, status, errMsg, now); err != nil {
		return nil, err
	}

	if wasQueued {
		if err := txn.Delete(readyKey(job.Priority, job.Seq, job.ID)); err != nil {
			return nil, fmt.Errorf("failed to remove ready index: %w", err)
		}
	}
	if status.IsTerminal() {
		if err := txn.Set(terminalKey(*job.CompletedAt, job.ID), []byte(job.ID)); err != nil {
			return nil, fmt.Errorf("failed to index terminal job: %w", err)
		}
	}
	if err := putJobTxn(txn, job); err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateStatus transitions a job through the state machine.
func (s *BadgerStore) UpdateStatus(ctx context.Context, jobID string, status model.JobStatus, errMsg string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}

	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		_, err := s.transitionTxn(txn, jobID, status, errMsg)
		return err
	})
	if err != nil {
		s.logger.Debug("UpdateStatus: error", "jobID", jobID, "status", status, "error", err)
		return err
	}
	s.logger.Debug("UpdateStatus", "jobID", jobID, "status", status)
	return nil
}

// Complete transitions a processing job to completed and records its result.
func (s *BadgerStore) Complete(ctx context.Context, jobID string, resultPath string, resultSize int64) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if resultPath == "" {
		return fmt.Errorf("resultPath is required")
	}

	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := s.transitionTxn(txn, jobID, model.JobStatusCompleted, "")
		if err != nil {
			return err
		}
		job.ResultPath = resultPath
		job.ResultSize = resultSize
		return putJobTxn(txn, job)
	})
	if err != nil {
		s.logger.Debug("Complete: error", "jobID", jobID, "error", err)
		return err
	}
	s.logger.Debug("Complete", "jobID", jobID, "resultPath", resultPath, "resultSize", resultSize)
	return nil
}

// UpdateProgress records progress; terminal jobs are left untouched.
func (s *BadgerStore) UpdateProgress(ctx context.Context, jobID string, percent float64, message string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := getJobTxn(txn, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil
		}
		job.ProgressPercent = percent
		if message != "" {
			job.StatusMessage = message
		}
		return putJobTxn(txn, job)
	})
}

// Cancel cancels a queued job owned by owner.
func (s *BadgerStore) Cancel(ctx context.Context, jobID string, owner string) (bool, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return false, err
	}

	cancelled := false
	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		cancelled = false
		job, err := getJobTxn(txn, jobID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if job.Owner != owner || job.Status != model.JobStatusQueued {
			return nil
		}
		if _, err := s.transitionTxn(txn, jobID, model.JobStatusCancelled, ""); err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	if err != nil {
		s.logger.Debug("Cancel: error", "jobID", jobID, "owner", owner, "error", err)
		return false, err
	}
	s.logger.Debug("Cancel", "jobID", jobID, "owner", owner, "cancelled", cancelled)
	return cancelled, nil
}

// Get retrieves a job by ID.
func (s *BadgerStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var job *model.Job
	err = s.db.View(func(txn *badger.Txn) error {
		job, err = getJobTxn(txn, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListByOwner returns all of an owner's jobs, most recent first.
func (s *BadgerStore) ListByOwner(ctx context.Context, owner string) ([]*model.Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}

	prefix := []byte(keyPrefixOwner + owner + ":")
	var jobs []*model.Job
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.Valid(); it.Next() {
			jobIDBytes, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			job, err := getJobTxn(txn, string(jobIDBytes))
			if err != nil {
				continue
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Owner index iterates by job ID; order by enqueue sequence instead.
	for i := 0; i < len(jobs); i++ {
		for j := i + 1; j < len(jobs); j++ {
			if jobs[j].Seq > jobs[i].Seq {
				jobs[i], jobs[j] = jobs[j], jobs[i]
			}
		}
	}
	return jobs, nil
}

// Stats aggregates job counts, optionally scoped to owner.
func (s *BadgerStore) Stats(ctx context.Context, owner string) (*Stats, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	stats := &Stats{Owner: owner}
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefixJob)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			var job model.Job
			if err := json.Unmarshal(data, &job); err != nil {
				continue
			}
			if owner != "" && job.Owner != owner {
				continue
			}
			countInto(stats, job.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// ResetProcessing returns processing jobs to queued for restart recovery.
func (s *BadgerStore) ResetProcessing(ctx context.Context) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}

	reset := 0
	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		reset = 0

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefixJob)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			var job model.Job
			if err := json.Unmarshal(data, &job); err != nil {
				continue
			}
			if job.Status != model.JobStatusProcessing {
				continue
			}

			job.Status = model.JobStatusQueued
			job.StartedAt = nil
			job.ProgressPercent = 0
			job.StatusMessage = "Re-queued after restart"
			if err := putJobTxn(txn, &job); err != nil {
				return err
			}
			if err := txn.Set(readyKey(job.Priority, job.Seq, job.ID), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to re-index job %s: %w", job.ID, err)
			}
			reset++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if reset > 0 {
		s.logger.Info("ResetProcessing: returned jobs to queue", "count", reset)
	}
	return reset, nil
}

// PruneTerminal deletes old terminal jobs via the terminal index, always
// keeping the most recent ones.
func (s *BadgerStore) PruneTerminal(ctx context.Context, age time.Duration, keep int) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}
	if age <= 0 {
		return 0, fmt.Errorf("age must be > 0, got %v", age)
	}

	// Count terminal jobs first so the keep floor can be honored while
	// iterating oldest-first.
	total := 0
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixTerminal)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(keyPrefixTerminal)); it.Valid(); it.Next() {
			total++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	prunable := total - keep
	if prunable <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-age)
	deleted := 0
	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		deleted = 0

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixTerminal)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefixTerminal)); it.Valid() && deleted < prunable; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			jobIDBytes, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}
			job, err := getJobTxn(txn, string(jobIDBytes))
			if err != nil {
				_ = txn.Delete(item.KeyCopy(nil))
				continue
			}
			if job.CompletedAt == nil || !job.CompletedAt.Before(cutoff) {
				// Terminal index is time-ordered; nothing newer qualifies.
				break
			}

			if err := txn.Delete(item.KeyCopy(nil)); err != nil {
				return fmt.Errorf("failed to delete terminal index: %w", err)
			}
			if err := txn.Delete(jobKey(job.ID)); err != nil {
				return fmt.Errorf("failed to delete job %s: %w", job.ID, err)
			}
			if err := txn.Delete(ownerKey(job.Owner, job.ID)); err != nil {
				return fmt.Errorf("failed to delete owner index: %w", err)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		s.logger.Info("PruneTerminal: removed expired jobs", "count", deleted)
	}
	return deleted, nil
}
