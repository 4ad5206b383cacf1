package platform

import (
	"net/url"
	"strings"
	"time"

	"github.com/vidqueue/vidqueue/internal/strategy"
)

// Facebook handles facebook.com and fb.watch URLs.
type Facebook struct{}

func NewFacebook() *Facebook {
	return &Facebook{}
}

func (f *Facebook) Name() string {
	return "facebook"
}

// NormalizeURL rewrites mobile and regional hosts onto www.facebook.com.
// fb.watch share links resolve via redirect in the extraction tool and pass
// through untouched.
func (f *Facebook) NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := strings.ToLower(u.Host)
	switch host {
	case "m.facebook.com", "web.facebook.com", "mbasic.facebook.com":
		u.Host = "www.facebook.com"
		u.Scheme = "https"
		return u.String()
	}
	return raw
}

func (f *Facebook) ResolveFormat(selector string) string {
	if selector == "best" {
		return "b"
	}
	return selector
}

func (f *Facebook) Profile() strategy.PlatformProfile {
	return strategy.PlatformProfile{}
}

func (f *Facebook) MaxDuration() time.Duration {
	return 4 * time.Hour
}
