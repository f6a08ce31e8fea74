package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	neturl "net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"cesar/internal/domain"
)

const (
	// DefaultHTTPTimeout bounds one direct download.
	DefaultHTTPTimeout = 60 * time.Second
	// MaxFileSize caps uploads and direct downloads.
	MaxFileSize = 100 << 20
)

// ErrTimeout marks a direct download that ran out of time.
var ErrTimeout = errors.New("URL download timeout")

// HTTPFetcher downloads direct media links.
type HTTPFetcher struct {
	Client   *http.Client
	Dir      string
	Timeout  time.Duration
	MaxBytes int64
}

// NewHTTPFetcher returns a fetcher writing into dir.
func NewHTTPFetcher(dir string) *HTTPFetcher {
	return &HTTPFetcher{
		Client:   http.DefaultClient,
		Dir:      dir,
		Timeout:  DefaultHTTPTimeout,
		MaxBytes: MaxFileSize,
	}
}

// Fetch implements Downloader. The file extension comes from the URL path
// and defaults to .mp3 when the path has none.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	parsed, err := neturl.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", domain.Errorf(domain.KindInvalidURL, "Invalid URL: %s", rawURL)
	}
	ext := strings.ToLower(path.Ext(parsed.Path))
	if ext == "" {
		ext = ".mp3"
	}
	if !ValidExtension("file" + ext) {
		return "", domain.Errorf(domain.KindInvalidURL,
			"Invalid file type in URL. Allowed extensions: %s", strings.Join(AllowedExtensions, ", "))
	}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", domain.NewError(domain.KindInvalidURL, "", err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", wrapFetchError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", domain.Errorf(domain.KindDownload, "Failed to download from URL: HTTP %d", resp.StatusCode)
	}

	dir := f.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", domain.NewError(domain.KindDownload, "create download dir", err)
	}
	target := filepath.Join(dir, uuid.NewString()+ext)
	if err := f.writeBody(target, resp.Body); err != nil {
		_ = os.Remove(target)
		return "", err
	}
	return target, nil
}

func (f *HTTPFetcher) writeBody(target string, body io.Reader) error {
	out, err := os.Create(target)
	if err != nil {
		return domain.NewError(domain.KindDownload, "create download file", err)
	}
	defer out.Close()

	limit := f.MaxBytes
	if limit <= 0 {
		limit = MaxFileSize
	}
	n, err := io.Copy(out, io.LimitReader(body, limit+1))
	if err != nil {
		return wrapFetchError(err)
	}
	if n > limit {
		return domain.Errorf(domain.KindDownload, "Failed to download from URL: file exceeds %d MB", limit>>20)
	}
	return out.Close()
}

func wrapFetchError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.NewError(domain.KindNetwork, ErrTimeout.Error(), fmt.Errorf("%w: %w", ErrTimeout, err))
	}
	return domain.NewError(domain.KindDownload, "Failed to download from URL: "+err.Error(), err)
}
