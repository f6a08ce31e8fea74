package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"cesar/internal/domain"
)

// DefaultVideoDir is where yt-dlp output lands unless overridden.
var DefaultVideoDir = filepath.Join(os.TempDir(), "cesar-youtube")

// audioExtensions are probed in order once yt-dlp exits cleanly.
var audioExtensions = []string{".m4a", ".mp3", ".opus", ".webm", ".wav", ".aac"}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stderr string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// YtDlp downloads best-quality audio through the yt-dlp CLI.
type YtDlp struct {
	binary      string
	ffmpegPath  string
	ffprobePath string
	dir         string
	runner      commandRunner
	lookPath    func(file string) (string, error)
	stat        func(name string) (os.FileInfo, error)
	glob        func(pattern string) ([]string, error)
	remove      func(name string) error
	newName     func() string
	log         *slog.Logger
}

// YtDlpOption configures YtDlp.
type YtDlpOption func(*YtDlp)

// WithBinary overrides the yt-dlp executable.
func WithBinary(path string) YtDlpOption {
	return func(y *YtDlp) { y.binary = path }
}

// WithFFmpeg overrides the ffmpeg and ffprobe executables.
func WithFFmpeg(ffmpeg, ffprobe string) YtDlpOption {
	return func(y *YtDlp) {
		y.ffmpegPath = ffmpeg
		y.ffprobePath = ffprobe
	}
}

// WithDir sets the output directory.
func WithDir(dir string) YtDlpOption {
	return func(y *YtDlp) { y.dir = dir }
}

// WithLogger sets the component logger.
func WithLogger(logger *slog.Logger) YtDlpOption {
	return func(y *YtDlp) { y.log = logger }
}

// NewYtDlp returns a downloader using binaries from PATH by default.
func NewYtDlp(opts ...YtDlpOption) *YtDlp {
	y := &YtDlp{
		binary:      "yt-dlp",
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		dir:         DefaultVideoDir,
		runner:      execRunner{},
		lookPath:    exec.LookPath,
		stat:        os.Stat,
		glob:        filepath.Glob,
		remove:      os.Remove,
		newName:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(y)
	}
	if y.log == nil {
		y.log = slog.Default()
	}
	y.log = y.log.With("component", "download.YtDlp")
	return y
}

// Fetch downloads the audio track of url and returns the local file path.
func (y *YtDlp) Fetch(ctx context.Context, url string) (string, error) {
	if err := y.requireTools(); err != nil {
		return "", err
	}

	videoID := VideoID(url)
	if !IsVideoURL(url) {
		return "", domain.Errorf(domain.KindInvalidURL,
			"Invalid YouTube URL (video: %s). The URL format is not recognized.", videoID)
	}

	if err := os.MkdirAll(y.dir, 0o755); err != nil {
		return "", domain.NewError(domain.KindDownload, "create download dir", err)
	}
	base := y.newName()
	args := []string{
		"--format", "bestaudio/best",
		"--extract-audio",
		"--audio-format", "m4a",
		"--audio-quality", "192K",
		"--output", filepath.Join(y.dir, base+".%(ext)s"),
		"--no-playlist",
		"--quiet",
		"--no-warnings",
		"--no-progress",
	}
	if strings.ContainsRune(y.ffmpegPath, filepath.Separator) {
		args = append(args, "--ffmpeg-location", y.ffmpegPath)
	}
	args = append(args, url)

	y.log.Info("downloading video audio", "video", videoID)
	stderr, err := y.runner.Run(ctx, y.binary, args...)
	if err != nil {
		y.cleanupPartial(base)
		if ctx.Err() != nil {
			return "", domain.NewError(domain.KindDownload, "download cancelled", ctx.Err())
		}
		return "", classifyFailure(stderr, videoID, err)
	}

	for _, ext := range audioExtensions {
		candidate := filepath.Join(y.dir, base+ext)
		if _, err := y.stat(candidate); err == nil {
			y.log.Info("downloaded video audio", "video", videoID, "path", candidate)
			return candidate, nil
		}
	}
	return "", domain.Errorf(domain.KindDownload, "Download appeared to succeed but output file not found")
}

func (y *YtDlp) requireTools() error {
	if _, err := y.lookPath(y.ffmpegPath); err != nil {
		return domain.NewError(domain.KindFFmpegMissing,
			"FFmpeg not found. Video transcription requires FFmpeg. "+
				"Install with: pacman -S ffmpeg (Arch), apt install ffmpeg (Debian), or brew install ffmpeg (macOS)", err)
	}
	if _, err := y.lookPath(y.ffprobePath); err != nil {
		return domain.NewError(domain.KindFFmpegMissing, "FFprobe not found. Install FFmpeg which includes ffprobe.", err)
	}
	if _, err := y.lookPath(y.binary); err != nil {
		return domain.NewError(domain.KindDownload, "yt-dlp not found on PATH", err)
	}
	return nil
}

// cleanupPartial removes every file yt-dlp left behind for base, including
// .part and .ytdl fragments.
func (y *YtDlp) cleanupPartial(base string) {
	matches, err := y.glob(filepath.Join(y.dir, base+".*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := y.remove(m); err == nil {
			y.log.Debug("removed partial download", "path", m)
		}
	}
}

// classifyFailure maps yt-dlp stderr onto a download error kind. Checks run
// from most to least specific.
func classifyFailure(stderr, videoID string, cause error) error {
	text := strings.ToLower(stderr)
	has := func(terms ...string) bool {
		return lo.SomeBy(terms, func(term string) bool { return strings.Contains(text, term) })
	}

	var (
		kind    domain.ErrorKind
		message string
	)
	switch {
	case has("sign in to confirm your age"):
		kind, message = domain.KindAgeRestricted, "Age-restricted video (video: %s). This video requires sign-in to verify age."
	case has("private video", "is private"):
		kind, message = domain.KindUnavailable, "Private video (video: %s). This video is private and cannot be accessed."
	case has("not available in your country", "geo"):
		kind, message = domain.KindUnavailable, "Geo-restricted video (video: %s). This video is not available in your region."
	case has("timed out", "timeout"):
		kind, message = domain.KindNetwork, "Network timeout (video: %s). Connection timed out. Check your network and try again."
	case has("connection reset", "errno 104"):
		kind, message = domain.KindNetwork, "Connection interrupted (video: %s). The connection was reset. Try again."
	case has("network", "connection", "urlopen"):
		kind, message = domain.KindNetwork, "Network error (video: %s). Could not connect to YouTube. Check your network and try again."
	case has("403", "forbidden", "429"):
		kind, message = domain.KindRateLimited, "YouTube is limiting requests (video: %s). Try again later."
	case has("unavailable"):
		kind, message = domain.KindUnavailable, "Video unavailable (video: %s). This video may have been deleted or made private."
	default:
		detail := lastLine(stderr)
		if detail == "" {
			detail = cause.Error()
		}
		return domain.NewError(domain.KindDownload, "Download failed: "+detail, cause)
	}
	return domain.NewError(kind, fmt.Sprintf(message, videoID), cause)
}

func lastLine(s string) string {
	lines := lo.Filter(strings.Split(strings.TrimSpace(s), "\n"), func(l string, _ int) bool {
		return strings.TrimSpace(l) != ""
	})
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// CleanupStale removes leftover files in dir from earlier runs and returns
// how many were removed. A missing dir is not an error.
func CleanupStale(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
