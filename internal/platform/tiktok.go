package platform

import (
	"net/url"
	"strings"
	"time"

	"github.com/vidqueue/vidqueue/internal/strategy"
)

const tiktokMobileUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1"

// TikTok handles tiktok.com URLs. TikTok serves different responses per
// client, so the profile pins a mobile browser identity.
type TikTok struct{}

func NewTikTok() *TikTok {
	return &TikTok{}
}

func (t *TikTok) Name() string {
	return "tiktok"
}

// NormalizeURL strips tracking query parameters from canonical video URLs.
// Short share links (vm.tiktok.com) need an HTTP redirect to resolve, which
// the extraction tool handles itself, so they pass through untouched.
func (t *TikTok) NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	if host != "tiktok.com" {
		return raw
	}
	if !strings.Contains(u.Path, "/video/") {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Host = "www.tiktok.com"
	u.Scheme = "https"
	return u.String()
}

func (t *TikTok) ResolveFormat(selector string) string {
	// TikTok serves muxed single files; "best" needs no merge expression.
	if selector == "best" {
		return "b"
	}
	return selector
}

func (t *TikTok) Profile() strategy.PlatformProfile {
	return strategy.PlatformProfile{
		UserAgent: tiktokMobileUA,
		Headers: map[string]string{
			"Referer": "https://www.tiktok.com/",
			"Origin":  "https://www.tiktok.com",
		},
		ExtractorArgs:           []string{"tiktok:api_hostname=api16-normal-c-useast1a.tiktokv.com"},
		PermissiveExtractorArgs: nil,
	}
}

func (t *TikTok) MaxDuration() time.Duration {
	return 30 * time.Minute
}
