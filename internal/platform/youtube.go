package platform

import (
	"net/url"
	"strings"
	"time"

	"github.com/vidqueue/vidqueue/internal/strategy"
)

// YouTube handles youtube.com and youtu.be URLs.
type YouTube struct{}

func NewYouTube() *YouTube {
	return &YouTube{}
}

func (y *YouTube) Name() string {
	return "youtube"
}

// NormalizeURL canonicalizes short links and strips playlist context so a
// watch URL always fetches exactly one video.
func (y *YouTube) NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")

	switch host {
	case "youtu.be":
		id := strings.Trim(u.Path, "/")
		if id == "" {
			return raw
		}
		return "https://www.youtube.com/watch?v=" + id
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		if strings.HasPrefix(u.Path, "/shorts/") {
			id := strings.Trim(strings.TrimPrefix(u.Path, "/shorts/"), "/")
			if id == "" {
				return raw
			}
			return "https://www.youtube.com/watch?v=" + id
		}
		if u.Path == "/watch" {
			id := u.Query().Get("v")
			if id == "" {
				return raw
			}
			return "https://www.youtube.com/watch?v=" + id
		}
	}
	return raw
}

// youtubeFormats maps caller-facing selectors onto merged download
// expressions for the common progressive MP4 ladder.
var youtubeFormats = map[string]string{
	"best": "bestvideo+bestaudio/best",
	"137":  "137+140", // 1080p
	"136":  "136+140", // 720p
	"135":  "135+140", // 480p
	"134":  "134+140", // 360p
	"133":  "133+140", // 240p
	"18":   "18",      // 360p single file
	"22":   "22",      // 720p single file
}

func (y *YouTube) ResolveFormat(selector string) string {
	if mapped, ok := youtubeFormats[selector]; ok {
		return mapped
	}
	return selector
}

func (y *YouTube) Profile() strategy.PlatformProfile {
	return strategy.PlatformProfile{
		PermissiveExtractorArgs: []string{"youtube:player_client=android"},
	}
}

func (y *YouTube) MaxDuration() time.Duration {
	return 4 * time.Hour
}
