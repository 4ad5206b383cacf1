// Package fetch turns a single "download this URL" request into a verified
// artifact on disk. It layers retry orchestration and strategy fallback over
// the extraction engine, and confirms results exist and are complete before
// reporting success.
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
)

// ErrVerificationTimeout reports that no stable artifact appeared within the
// verifier's wait window. The attempt that produced it is retryable.
var ErrVerificationTimeout = errors.New("no stable artifact found")

// VerifierConfig controls artifact verification.
type VerifierConfig struct {
	// PollInterval is the delay between filesystem checks.
	PollInterval time.Duration

	// MaxWait bounds the total time spent waiting for a stable artifact.
	MaxWait time.Duration

	// StablePolls is how many consecutive equal-size observations a file
	// needs before it counts as complete.
	StablePolls int

	// MinBytes rejects files below this size as corrupt stubs.
	MinBytes int64
}

// DefaultVerifierConfig returns the standard verification parameters.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		PollInterval: 200 * time.Millisecond,
		MaxWait:      30 * time.Second,
		StablePolls:  3,
		MinBytes:     10 * 1024,
	}
}

// Verifier locates the artifact a fetch produced and confirms it has stopped
// growing. The extraction tool picks the final extension itself, so the
// verifier searches by filename stem rather than exact path.
type Verifier struct {
	cfg    VerifierConfig
	logger *slog.Logger
}

func NewVerifier(cfg VerifierConfig, logger *slog.Logger) *Verifier {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.StablePolls <= 0 {
		cfg.StablePolls = 3
	}
	return &Verifier{cfg: cfg, logger: logger}
}

// knownExtensions orders the container formats the extraction tool produces.
// Earlier entries win when multiple candidates exist.
var knownExtensions = []string{".mp4", ".webm", ".mkv", ".mov"}

// partialSuffixes mark in-progress download files that must never be
// selected as artifacts.
var partialSuffixes = []string{".part", ".ytdl", ".temp"}

// LocateStable finds the artifact for stem, waits for its size to become
// stable, and returns its path and size. Undersized stable files are deleted
// and the search continues; if nothing qualifies within MaxWait the error
// wraps ErrVerificationTimeout.
func (v *Verifier) LocateStable(ctx context.Context, stem string) (string, int64, error) {
	deadline := time.Now().Add(v.cfg.MaxWait)

	var lastPath string
	var lastSize int64 = -1
	stableCount := 0

	for {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}

		path, size, found := v.findCandidate(stem)
		if found {
			if path == lastPath && size == lastSize {
				stableCount++
			} else {
				lastPath = path
				lastSize = size
				stableCount = 1
			}

			if stableCount >= v.cfg.StablePolls {
				if size < v.cfg.MinBytes {
					v.logger.Warn("LocateStable: artifact below minimum size, discarding", "path", filepath.Base(path), "size", size, "minBytes", v.cfg.MinBytes)
					_ = os.Remove(path)
					lastPath = ""
					lastSize = -1
					stableCount = 0
				} else {
					v.logger.Debug("LocateStable: artifact verified", "path", filepath.Base(path), "size", size)
					return path, size, nil
				}
			}
		} else {
			lastPath = ""
			lastSize = -1
			stableCount = 0
		}

		if time.Now().After(deadline) {
			return "", 0, fmt.Errorf("%w for stem %s after %v", ErrVerificationTimeout, filepath.Base(stem), v.cfg.MaxWait)
		}

		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		case <-time.After(v.cfg.PollInterval):
		}
	}
}

// findCandidate scans the stem's directory for a completed artifact. Exact
// stem+extension matches are preferred in extension order; otherwise any
// non-partial file sharing the stem prefix qualifies, which covers tool
// output like intermediate merge names.
func (v *Verifier) findCandidate(stem string) (string, int64, bool) {
	for _, ext := range knownExtensions {
		path := stem + ext
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, info.Size(), true
		}
	}

	dir := filepath.Dir(stem)
	base := filepath.Base(stem)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, false
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, base+".") {
			continue
		}
		if isPartial(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		return filepath.Join(dir, name), info.Size(), true
	}
	return "", 0, false
}

func isPartial(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range partialSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}
