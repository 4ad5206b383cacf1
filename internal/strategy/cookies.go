// Package strategy decides which fetch configurations to try for a URL and
// in what order. Fresh credentials go first, anonymous defaults in the
// middle, and the most permissive fallback last.
package strategy

import (
	"os"
	"time"
)

// JarState classifies a cookie jar's usability by age.
type JarState int

const (
	// JarMissing means no usable jar exists.
	JarMissing JarState = iota
	// JarStale means the jar exists but is too old to trust.
	JarStale
	// JarFallback means the jar is aging but still worth trying after
	// anonymous strategies fail.
	JarFallback
	// JarFresh means the jar was recently refreshed and should lead.
	JarFresh
)

// CookiePolicy evaluates a Netscape-format cookie jar on disk.
type CookiePolicy struct {
	// Path is the jar location. Empty disables cookie strategies.
	Path string

	// FreshWindow is the age under which the jar counts as fresh.
	FreshWindow time.Duration

	// FallbackWindow is the age under which a non-fresh jar is still
	// worth trying.
	FallbackWindow time.Duration
}

// DefaultCookiePolicy returns the standard freshness windows for path.
func DefaultCookiePolicy(path string) CookiePolicy {
	return CookiePolicy{
		Path:           path,
		FreshWindow:    30 * time.Minute,
		FallbackWindow: 24 * time.Hour,
	}
}

// State inspects the jar file and classifies it. A missing, empty or
// unreadable jar is JarMissing.
func (p CookiePolicy) State() JarState {
	if p.Path == "" {
		return JarMissing
	}
	info, err := os.Stat(p.Path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return JarMissing
	}

	age := time.Since(info.ModTime())
	switch {
	case age <= p.FreshWindow:
		return JarFresh
	case age <= p.FallbackWindow:
		return JarFallback
	default:
		return JarStale
	}
}
