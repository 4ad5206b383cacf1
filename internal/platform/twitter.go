package platform

import (
	"net/url"
	"strings"
	"time"

	"github.com/vidqueue/vidqueue/internal/strategy"
)

// Twitter handles twitter.com and x.com URLs.
type Twitter struct{}

func NewTwitter() *Twitter {
	return &Twitter{}
}

func (t *Twitter) Name() string {
	return "twitter"
}

// NormalizeURL rewrites x.com and mobile hosts onto twitter.com and drops
// tracking parameters from status URLs.
func (t *Twitter) NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	switch host {
	case "x.com", "mobile.twitter.com", "twitter.com":
	default:
		return raw
	}
	if !strings.Contains(u.Path, "/status/") {
		return raw
	}
	u.Host = "twitter.com"
	u.Scheme = "https"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func (t *Twitter) ResolveFormat(selector string) string {
	// Twitter often serves separate audio and video streams; merging is
	// required for a complete file.
	if selector == "best" {
		return "bestvideo+bestaudio/best"
	}
	return selector
}

func (t *Twitter) Profile() strategy.PlatformProfile {
	return strategy.PlatformProfile{}
}

func (t *Twitter) MaxDuration() time.Duration {
	return 2 * time.Hour
}
