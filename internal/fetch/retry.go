package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vidqueue/vidqueue/internal/engine"
)

// ErrExhaustedRetries reports that one strategy's attempt budget ran out
// without producing a verified artifact.
var ErrExhaustedRetries = errors.New("all retry attempts failed")

// ErrAllStrategiesExhausted reports that every configured strategy failed.
var ErrAllStrategiesExhausted = errors.New("all fetch strategies failed")

const defaultBackoffBase = 2 * time.Second

// Fetcher runs fetch attempts with per-strategy retries, backoff and partial
// file cleanup. Each attempt writes to a fresh unique stem so a prior
// attempt's leftovers can never be verified as this attempt's result.
type Fetcher struct {
	engine      engine.Engine
	verifier    *Verifier
	tempDir     string
	backoffBase time.Duration
	logger      *slog.Logger
}

func NewFetcher(eng engine.Engine, verifier *Verifier, tempDir string, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		engine:      eng,
		verifier:    verifier,
		tempDir:     tempDir,
		backoffBase: defaultBackoffBase,
		logger:      logger,
	}
}

// Run tries each strategy in order until one produces a verified artifact.
// A no-content failure aborts immediately: the URL has nothing to retrieve
// and no credential change will fix that. All other failures fall through to
// the next strategy; when none remain the error wraps
// ErrAllStrategiesExhausted with the last failure.
func (f *Fetcher) Run(ctx context.Context, url string, strategies []engine.FetchConfig, progress engine.ProgressFunc) (string, int64, error) {
	if len(strategies) == 0 {
		return "", 0, fmt.Errorf("no fetch strategies configured")
	}

	var lastErr error
	for _, cfg := range strategies {
		path, size, err := f.runStrategy(ctx, url, cfg, progress)
		if err == nil {
			return path, size, nil
		}
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		if engine.IsNoContent(err) {
			return "", 0, err
		}
		f.logger.Warn("Run: strategy failed", "url", url, "strategy", cfg.Label, "error", err)
		lastErr = err
	}
	return "", 0, fmt.Errorf("%w: %v", ErrAllStrategiesExhausted, lastErr)
}

// runStrategy retries a single strategy up to its attempt budget with linear
// backoff between attempts.
func (f *Fetcher) runStrategy(ctx context.Context, url string, cfg engine.FetchConfig, progress engine.ProgressFunc) (string, int64, error) {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt) * f.backoffBase
			f.logger.Debug("runStrategy: backing off", "url", url, "strategy", cfg.Label, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return "", 0, ctx.Err()
			case <-time.After(backoff):
			}
		}

		stem := filepath.Join(f.tempDir, uuid.New().String())
		path, size, err := f.attempt(ctx, url, cfg, stem, progress)
		if err == nil {
			return path, size, nil
		}
		f.cleanupStem(stem)

		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		if engine.IsNoContent(err) {
			return "", 0, err
		}
		f.logger.Debug("runStrategy: attempt failed", "url", url, "strategy", cfg.Label, "attempt", attempt, "error", err)
		lastErr = err
	}
	return "", 0, fmt.Errorf("%w after %d attempts (%s): %v", ErrExhaustedRetries, maxRetries, cfg.Label, lastErr)
}

func (f *Fetcher) attempt(ctx context.Context, url string, cfg engine.FetchConfig, stem string, progress engine.ProgressFunc) (string, int64, error) {
	if err := f.engine.Fetch(ctx, url, cfg, stem, progress); err != nil {
		return "", 0, err
	}
	return f.verifier.LocateStable(ctx, stem)
}

// cleanupStem removes every file sharing the attempt's stem, including
// partial download state.
func (f *Fetcher) cleanupStem(stem string) {
	dir := filepath.Dir(stem)
	base := filepath.Base(stem)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), base) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			f.logger.Debug("cleanupStem: failed to remove partial file", "path", path, "error", err)
		}
	}
}
