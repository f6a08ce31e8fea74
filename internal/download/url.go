// Package download turns job URLs into local audio files, either through
// yt-dlp for video platforms or a plain HTTP fetch for direct media links.
package download

import (
	"context"
	"path"
	"regexp"
	"strings"

	"github.com/samber/lo"
)

// Downloader fetches a remote resource to a local path.
type Downloader interface {
	Fetch(ctx context.Context, url string) (string, error)
}

var videoURLPattern = regexp.MustCompile(strings.Join([]string{
	`^https?://(?:www\.)?youtube\.com/watch\?v=[\w-]+`,
	`^https?://(?:www\.)?youtube\.com/shorts/[\w-]+`,
	`^https?://youtu\.be/[\w-]+`,
	`^https?://(?:www\.)?youtube\.com/embed/[\w-]+`,
	`^https?://(?:www\.)?youtube\.com/v/[\w-]+`,
}, "|"))

var videoIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[?&]v=([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`youtu\.be/([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`(?:/shorts/|/embed/|/v/)([a-zA-Z0-9_-]{11})`),
}

// IsVideoURL reports whether url points at a supported video platform page.
func IsVideoURL(url string) bool {
	return videoURLPattern.MatchString(strings.TrimSpace(url))
}

// VideoID extracts the 11 character video id, or "unknown".
func VideoID(url string) string {
	for _, re := range videoIDPatterns {
		if m := re.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	}
	return "unknown"
}

// AllowedExtensions lists the audio containers accepted for upload and
// direct download, sorted.
var AllowedExtensions = []string{".aac", ".flac", ".m4a", ".mp3", ".ogg", ".wav", ".webm", ".wma"}

// ValidExtension reports whether name ends in an allowed audio extension.
func ValidExtension(name string) bool {
	return lo.Contains(AllowedExtensions, strings.ToLower(path.Ext(name)))
}

// Router sends video platform URLs to Video and everything else to Direct.
type Router struct {
	Video  Downloader
	Direct Downloader
}

// Fetch implements Downloader.
func (r Router) Fetch(ctx context.Context, url string) (string, error) {
	if IsVideoURL(url) {
		return r.Video.Fetch(ctx, url)
	}
	return r.Direct.Fetch(ctx, url)
}
