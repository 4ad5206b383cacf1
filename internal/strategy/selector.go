package strategy

import (
	"log/slog"

	"github.com/vidqueue/vidqueue/internal/engine"
)

// PlatformProfile carries the platform-specific pieces of a fetch
// configuration. Platform adapters supply these; the selector turns them
// into an ordered strategy list.
type PlatformProfile struct {
	// Headers are sent on every strategy for this platform.
	Headers map[string]string

	// UserAgent overrides the tool default when non-empty.
	UserAgent string

	// ExtractorArgs tune the primary extraction path.
	ExtractorArgs []string

	// PermissiveExtractorArgs configure the last-resort strategy, e.g. an
	// alternate player client that skips stricter checks.
	PermissiveExtractorArgs []string
}

// Selector builds ordered fetch strategies from a platform profile and the
// current cookie jar state.
type Selector struct {
	cookies    CookiePolicy
	maxRetries int
	rateLimit  string
	logger     *slog.Logger
}

func NewSelector(cookies CookiePolicy, maxRetries int, rateLimit string, logger *slog.Logger) *Selector {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Selector{cookies: cookies, maxRetries: maxRetries, rateLimit: rateLimit, logger: logger}
}

// StrategiesFor returns the configurations to try for one fetch, best first.
// A fresh cookie jar leads; an aging jar is slotted after the anonymous
// default; a stale or missing jar yields no cookie strategy at all. The
// permissive configuration always comes last.
func (s *Selector) StrategiesFor(profile PlatformProfile, format string) []engine.FetchConfig {
	anonymous := engine.FetchConfig{
		Label:         "default",
		Format:        format,
		Headers:       profile.Headers,
		ExtractorArgs: profile.ExtractorArgs,
		UserAgent:     profile.UserAgent,
		RateLimit:     s.rateLimit,
		MaxRetries:    s.maxRetries,
	}

	withCookies := anonymous
	withCookies.Label = "cookies"
	withCookies.CookieFile = s.cookies.Path

	permissive := engine.FetchConfig{
		Label:         "permissive",
		Format:        format,
		Headers:       profile.Headers,
		ExtractorArgs: profile.PermissiveExtractorArgs,
		RateLimit:     s.rateLimit,
		MaxRetries:    s.maxRetries,
	}

	jar := s.cookies.State()
	var strategies []engine.FetchConfig
	switch jar {
	case JarFresh:
		strategies = []engine.FetchConfig{withCookies, anonymous, permissive}
	case JarFallback:
		strategies = []engine.FetchConfig{anonymous, withCookies, permissive}
	default:
		strategies = []engine.FetchConfig{anonymous, permissive}
	}

	s.logger.Debug("StrategiesFor: built strategy order", "jarState", int(jar), "count", len(strategies))
	return strategies
}
