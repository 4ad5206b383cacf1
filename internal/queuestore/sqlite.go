//go:build sqlite
// +build sqlite

package queuestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vidqueue/vidqueue/internal/model"
)

// SQLiteStore implements Store using SQLite. It provides ACID transactions
// and inspectable on-disk state, at the cost of a CGO build dependency.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store.
// The database file will be created if it doesn't exist.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// initSchema initializes the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		url TEXT NOT NULL,
		platform TEXT NOT NULL,
		format_selector TEXT NOT NULL,
		trim_start REAL,
		trim_end REAL,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		seq INTEGER NOT NULL,
		progress_percent REAL NOT NULL DEFAULT 0,
		status_message TEXT,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		result_path TEXT,
		result_size INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner);
	CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(status, priority DESC, seq ASC);
	CREATE INDEX IF NOT EXISTS idx_jobs_completed_at ON jobs(completed_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `id, owner, url, platform, format_selector, trim_start, trim_end,
	       priority, status, seq, progress_percent, status_message, error_message,
	       created_at, started_at, completed_at, result_path, result_size`

// scanJob scans a job row. The caller provides the row's Scan function so
// this works for both QueryRow and Rows.
func scanJob(scan func(dest ...interface{}) error) (*model.Job, error) {
	job := &model.Job{}
	var trimStart, trimEnd sql.NullFloat64
	var createdAt int64
	var startedAt, completedAt sql.NullInt64
	var statusMessage, errorMessage, resultPath sql.NullString

	err := scan(
		&job.ID, &job.Owner, &job.URL, &job.Platform, &job.FormatSelector,
		&trimStart, &trimEnd, &job.Priority, &job.Status, &job.Seq,
		&job.ProgressPercent, &statusMessage, &errorMessage,
		&createdAt, &startedAt, &completedAt, &resultPath, &job.ResultSize,
	)
	if err != nil {
		return nil, err
	}

	if trimStart.Valid && trimEnd.Valid {
		job.Trim = &model.TrimRange{Start: trimStart.Float64, End: trimEnd.Float64}
	}
	job.CreatedAt = time.Unix(0, createdAt)
	if startedAt.Valid {
		t := time.Unix(0, startedAt.Int64)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		job.CompletedAt = &t
	}
	if statusMessage.Valid {
		job.StatusMessage = statusMessage.String
	}
	if errorMessage.Valid {
		job.Error = errorMessage.String
	}
	if resultPath.Valid {
		job.ResultPath = resultPath.String
	}
	return job, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// writeJob writes the full job row. Keeping a single write path means the
// Go-side state machine in applyTransition stays the only transition logic.
func writeJob(ctx context.Context, e execer, job *model.Job) error {
	var trimStart, trimEnd sql.NullFloat64
	if job.Trim != nil {
		trimStart = sql.NullFloat64{Float64: job.Trim.Start, Valid: true}
		trimEnd = sql.NullFloat64{Float64: job.Trim.End, Valid: true}
	}
	var startedAt, completedAt sql.NullInt64
	if job.StartedAt != nil {
		startedAt = sql.NullInt64{Int64: job.StartedAt.UnixNano(), Valid: true}
	}
	if job.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: job.CompletedAt.UnixNano(), Valid: true}
	}

	_, err := e.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress_percent = excluded.progress_percent,
			status_message = excluded.status_message,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			result_path = excluded.result_path,
			result_size = excluded.result_size
	`, job.ID, job.Owner, job.URL, job.Platform, job.FormatSelector,
		trimStart, trimEnd, job.Priority, job.Status, job.Seq,
		job.ProgressPercent, job.StatusMessage, job.Error,
		job.CreatedAt.UnixNano(), startedAt, completedAt, job.ResultPath, job.ResultSize)
	if err != nil {
		return fmt.Errorf("failed to write job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLiteStore) getJobTx(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}, jobID string) (*model.Job, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE id = ?
	`, jobID)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return job, nil
}

// Enqueue persists a new queued job.
func (s *SQLiteStore) Enqueue(ctx context.Context, job *model.Job) (string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", err
	}
	if err := validateForEnqueue(job); err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq uint64
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM jobs`).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("failed to allocate sequence: %w", err)
	}

	stored := prepareForEnqueue(job, time.Now(), seq)
	if err := writeJob(ctx, tx, stored); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("Enqueue: stored", "jobID", stored.ID, "platform", stored.Platform, "priority", stored.Priority)
	return stored.ID, nil
}

// NextReady returns up to n queued jobs in promotion order.
func (s *SQLiteStore) NextReady(ctx context.Context, n int) ([]*model.Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("n must be greater than 0")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = ?
		ORDER BY priority DESC, seq ASC
		LIMIT ?
	`, model.JobStatusQueued, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query ready jobs: %w", err)
	}
	defer rows.Close()

	ready := make([]*model.Job, 0, n)
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		ready = append(ready, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.logger.Debug("NextReady: completed", "requested", n, "returned", len(ready))
	return ready, nil
}

// transition loads a job, applies the state change, and writes it back
// inside a single transaction.
func (s *SQLiteStore) transition(ctx context.Context, jobID string, status model.JobStatus, errMsg string, mutate func(*model.Job)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := s.getJobTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if err := applyTransition(job, status, errMsg, time.Now()); err != nil {
		return err
	}
	if mutate != nil {
		mutate(job)
	}
	if err := writeJob(ctx, tx, job); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateStatus transitions a job through the state machine.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, jobID string, status model.JobStatus, errMsg string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}

	if err := s.transition(ctx, jobID, status, errMsg, nil); err != nil {
		s.logger.Debug("UpdateStatus: error", "jobID", jobID, "status", status, "error", err)
		return err
	}
	s.logger.Debug("UpdateStatus", "jobID", jobID, "status", status)
	return nil
}

// Complete transitions a processing job to completed and records its result.
func (s *SQLiteStore) Complete(ctx context.Context, jobID string, resultPath string, resultSize int64) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if resultPath == "" {
		return fmt.Errorf("resultPath is required")
	}

	err = s.transition(ctx, jobID, model.JobStatusCompleted, "", func(job *model.Job) {
		job.ResultPath = resultPath
		job.ResultSize = resultSize
	})
	if err != nil {
		s.logger.Debug("Complete: error", "jobID", jobID, "error", err)
		return err
	}
	s.logger.Debug("Complete", "jobID", jobID, "resultPath", resultPath, "resultSize", resultSize)
	return nil
}

// UpdateProgress records progress; terminal jobs are left untouched.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, jobID string, percent float64, message string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := s.getJobTx(ctx, tx, jobID)
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
	if err := writeJob(ctx, tx, job); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Cancel cancels a queued job owned by owner.
func (s *SQLiteStore) Cancel(ctx context.Context, jobID string, owner string) (bool, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := s.getJobTx(ctx, tx, jobID)
	if errors.Is(err, ErrNotFound) {
		s.logger.Debug("Cancel: job not found", "jobID", jobID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if job.Owner != owner || job.Status != model.JobStatusQueued {
		return false, nil
	}

	if err := applyTransition(job, model.JobStatusCancelled, "", time.Now()); err != nil {
		return false, err
	}
	if err := writeJob(ctx, tx, job); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("Cancel", "jobID", jobID, "owner", owner, "cancelled", true)
	return true, nil
}

// Get retrieves a job by ID.
func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	return s.getJobTx(ctx, s.db, jobID)
}

// ListByOwner returns all of an owner's jobs, most recent first.
func (s *SQLiteStore) ListByOwner(ctx context.Context, owner string) ([]*model.Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE owner = ?
		ORDER BY seq DESC
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Stats aggregates job counts, optionally scoped to owner.
func (s *SQLiteStore) Stats(ctx context.Context, owner string) (*Stats, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	query := `SELECT status, COUNT(*) FROM jobs GROUP BY status`
	args := []interface{}{}
	if owner != "" {
		query = `SELECT status, COUNT(*) FROM jobs WHERE owner = ? GROUP BY status`
		args = append(args, owner)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{Owner: owner}
	for rows.Next() {
		var status model.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		for i := 0; i < count; i++ {
			countInto(stats, status)
		}
	}
	return stats, rows.Err()
}

// ResetProcessing returns processing jobs to queued for restart recovery.
func (s *SQLiteStore) ResetProcessing(ctx context.Context) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
		    started_at = NULL,
		    progress_percent = 0,
		    status_message = ?
		WHERE status = ?
	`, model.JobStatusQueued, "Re-queued after restart", model.JobStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing jobs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reset jobs: %w", err)
	}
	if affected > 0 {
		s.logger.Info("ResetProcessing: returned jobs to queue", "count", affected)
	}
	return int(affected), nil
}

// PruneTerminal deletes old terminal jobs, always keeping the most recent ones.
func (s *SQLiteStore) PruneTerminal(ctx context.Context, age time.Duration, keep int) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}
	if age <= 0 {
		return 0, fmt.Errorf("age must be > 0, got %v", age)
	}

	cutoff := time.Now().Add(-age).UnixNano()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?, ?)
		  AND completed_at IS NOT NULL
		  AND completed_at < ?
		  AND id NOT IN (
			SELECT id FROM jobs
			WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL
			ORDER BY completed_at DESC
			LIMIT ?
		  )
	`, model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled,
		cutoff,
		model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled,
		keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune terminal jobs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned jobs: %w", err)
	}
	if affected > 0 {
		s.logger.Info("PruneTerminal: removed expired jobs", "count", affected)
	}
	return int(affected), nil
}
