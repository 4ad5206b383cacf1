// Package platform adapts per-site quirks behind a uniform interface: URL
// normalization, format selector resolution and the fetch profile the
// strategy selector builds on.
package platform

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vidqueue/vidqueue/internal/strategy"
)

// ErrUnsupportedPlatform reports a platform name with no registered adapter.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Adapter captures one platform's behavior.
type Adapter interface {
	// Name is the canonical lowercase platform identifier.
	Name() string

	// NormalizeURL rewrites raw into the platform's canonical URL form.
	// Normalization is best-effort: if raw cannot be parsed or is not
	// recognized it is returned unchanged.
	NormalizeURL(raw string) string

	// ResolveFormat maps a caller-facing format selector onto the
	// extraction tool's format expression. Unknown selectors pass through.
	ResolveFormat(selector string) string

	// Profile returns the fetch profile for this platform.
	Profile() strategy.PlatformProfile

	// MaxDuration bounds accepted media length. Zero means unlimited.
	MaxDuration() time.Duration
}

// Registry resolves platform names to adapters.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// DefaultRegistry returns a registry with all built-in platform adapters.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewYouTube(),
		NewTikTok(),
		NewTwitter(),
		NewFacebook(),
	)
}

// Get returns the adapter for name. The name is matched case-insensitively.
func (r *Registry) Get(name string) (Adapter, error) {
	adapter, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, name)
	}
	return adapter, nil
}

// Names returns the registered platform names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
