// Package engine drives the external media extraction tool. It owns argv
// construction, process lifecycle and output parsing; callers work with
// FetchConfig values and the unavailability error taxonomy.
package engine

import (
	"context"

	"github.com/vidqueue/vidqueue/internal/model"
)

// FetchConfig is one opaque configuration for a probe or fetch run. Strategy
// selection produces an ordered list of these; the engine applies whichever
// it is handed without interpreting the intent behind it.
type FetchConfig struct {
	// Label names the strategy for logs and error messages.
	Label string

	// Format is the extraction tool's format selector expression.
	Format string

	// Headers are extra HTTP headers sent with media requests.
	Headers map[string]string

	// CookieFile is an optional Netscape-format cookie jar path.
	CookieFile string

	// ExtractorArgs are passed through as extractor-specific options.
	ExtractorArgs []string

	// UserAgent overrides the tool's default user agent when non-empty.
	UserAgent string

	// RateLimit caps download bandwidth when non-empty, e.g. "4M".
	RateLimit string

	// MaxRetries caps fetch attempts for this configuration.
	MaxRetries int
}

// ProgressFunc receives download progress. percent is 0..100; message is a
// short human-readable status.
type ProgressFunc func(percent float64, message string)

// Engine probes and fetches media from source URLs.
type Engine interface {
	// Probe returns metadata for the media at url without downloading it.
	Probe(ctx context.Context, url string, cfg FetchConfig) (*model.Metadata, error)

	// Fetch downloads the media at url to files beginning with outputStem.
	// The final extension is chosen by the tool; callers locate the result
	// by stem. progress may be nil.
	Fetch(ctx context.Context, url string, cfg FetchConfig, outputStem string, progress ProgressFunc) error
}
