package fetch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Janitor periodically removes stale files from the fetch temp directory.
// Failed attempts clean up after themselves, but a crash mid-attempt leaves
// orphans behind; the janitor is the backstop.
type Janitor struct {
	tempDir  string
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger
}

func NewJanitor(tempDir string, interval, maxAge time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if maxAge <= 0 {
		maxAge = 300 * time.Second
	}
	return &Janitor{tempDir: tempDir, interval: interval, maxAge: maxAge, logger: logger}
}

// Start sweeps until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() {
	entries, err := os.ReadDir(j.tempDir)
	if err != nil {
		j.logger.Debug("sweep: failed to read temp dir", "dir", j.tempDir, "error", err)
		return
	}

	cutoff := time.Now().Add(-j.maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.tempDir, entry.Name())
		if err := os.Remove(path); err != nil {
			j.logger.Debug("sweep: failed to remove stale file", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		j.logger.Info("sweep: removed stale temp files", "count", removed)
	}
}
