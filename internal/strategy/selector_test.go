package strategy

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func writeJar(t *testing.T, age time.Duration) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cookies.txt")
	if err := os.WriteFile(path, []byte("# Netscape HTTP Cookie File\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCookiePolicyState(t *testing.T) {
	tests := []struct {
		name string
		age  time.Duration
		want JarState
	}{
		{"just refreshed", time.Minute, JarFresh},
		{"within fresh window", 25 * time.Minute, JarFresh},
		{"aging", 2 * time.Hour, JarFallback},
		{"near fallback limit", 23 * time.Hour, JarFallback},
		{"stale", 48 * time.Hour, JarStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := DefaultCookiePolicy(writeJar(t, tt.age))
			if got := policy.State(); got != tt.want {
				t.Errorf("State() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCookiePolicyStateMissingJar(t *testing.T) {
	if got := DefaultCookiePolicy("").State(); got != JarMissing {
		t.Errorf("empty path: State() = %v, want JarMissing", got)
	}
	if got := DefaultCookiePolicy(filepath.Join(t.TempDir(), "absent.txt")).State(); got != JarMissing {
		t.Errorf("absent file: State() = %v, want JarMissing", got)
	}

	empty := filepath.Join(t.TempDir(), "empty.txt")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if got := DefaultCookiePolicy(empty).State(); got != JarMissing {
		t.Errorf("empty file: State() = %v, want JarMissing", got)
	}
}

func labelsOf(t *testing.T, sel *Selector, profile PlatformProfile) []string {
	t.Helper()
	strategies := sel.StrategiesFor(profile, "best")
	labels := make([]string, len(strategies))
	for i, s := range strategies {
		labels[i] = s.Label
	}
	return labels
}

func TestStrategiesForFreshJar(t *testing.T) {
	sel := NewSelector(DefaultCookiePolicy(writeJar(t, time.Minute)), 3, "", testLogger())
	got := labelsOf(t, sel, PlatformProfile{})
	want := []string{"cookies", "default", "permissive"}
	assertLabels(t, got, want)
}

func TestStrategiesForFallbackJar(t *testing.T) {
	sel := NewSelector(DefaultCookiePolicy(writeJar(t, 6*time.Hour)), 3, "", testLogger())
	got := labelsOf(t, sel, PlatformProfile{})
	want := []string{"default", "cookies", "permissive"}
	assertLabels(t, got, want)
}

func TestStrategiesForStaleOrMissingJar(t *testing.T) {
	want := []string{"default", "permissive"}

	stale := NewSelector(DefaultCookiePolicy(writeJar(t, 72*time.Hour)), 3, "", testLogger())
	assertLabels(t, labelsOf(t, stale, PlatformProfile{}), want)

	missing := NewSelector(DefaultCookiePolicy(""), 3, "", testLogger())
	assertLabels(t, labelsOf(t, missing, PlatformProfile{}), want)
}

func TestStrategiesForCarriesProfileAndLimits(t *testing.T) {
	jar := writeJar(t, time.Minute)
	sel := NewSelector(DefaultCookiePolicy(jar), 5, "4M", testLogger())
	profile := PlatformProfile{
		Headers:                 map[string]string{"Referer": "https://example.com/"},
		UserAgent:               "test-agent",
		ExtractorArgs:           []string{"site:client=web"},
		PermissiveExtractorArgs: []string{"site:client=android"},
	}

	strategies := sel.StrategiesFor(profile, "137+140")
	for _, s := range strategies {
		if s.Format != "137+140" {
			t.Errorf("strategy %q: Format = %q, want 137+140", s.Label, s.Format)
		}
		if s.RateLimit != "4M" {
			t.Errorf("strategy %q: RateLimit = %q, want 4M", s.Label, s.RateLimit)
		}
		if s.MaxRetries != 5 {
			t.Errorf("strategy %q: MaxRetries = %d, want 5", s.Label, s.MaxRetries)
		}
		if s.Headers["Referer"] != "https://example.com/" {
			t.Errorf("strategy %q: missing profile header", s.Label)
		}
	}

	byLabel := make(map[string]struct{ cookieFile, ua string }, len(strategies))
	for _, s := range strategies {
		byLabel[s.Label] = struct{ cookieFile, ua string }{s.CookieFile, s.UserAgent}
	}
	if byLabel["cookies"].cookieFile != jar {
		t.Errorf("cookies strategy: CookieFile = %q, want %q", byLabel["cookies"].cookieFile, jar)
	}
	if byLabel["default"].cookieFile != "" {
		t.Error("default strategy must not carry a cookie file")
	}
	if byLabel["default"].ua != "test-agent" {
		t.Errorf("default strategy: UserAgent = %q, want test-agent", byLabel["default"].ua)
	}
	if byLabel["permissive"].ua != "" {
		t.Error("permissive strategy must not carry the profile user agent")
	}
}

func assertLabels(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("strategy labels = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("strategy labels = %v, want %v", got, want)
		}
	}
}
