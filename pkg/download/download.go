package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/flanksource/clicky/task"
	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/cache"
	phttp "github.com/flanksource/provision/pkg/http"
	"github.com/flanksource/provision/pkg/types"
	"github.com/flanksource/provision/pkg/utils"
)

// DefaultTimeout bounds a single artifact download.
const DefaultTimeout = 10 * time.Minute

// Downloader fetches release artifacts into a caller supplied temp directory.
type Downloader struct {
	Client  *http.Client
	Cache   *cache.Cache
	Timeout time.Duration
}

// Option configures a single Fetch call
type Option func(*fetchConfig)

type fetchConfig struct {
	task     *task.Task
	checksum string
}

// WithTask reports progress on t
func WithTask(t *task.Task) Option {
	return func(c *fetchConfig) {
		c.task = t
	}
}

// WithChecksum lets a cached copy be reused only when it matches
func WithChecksum(checksum string) Option {
	return func(c *fetchConfig) {
		c.checksum = checksum
	}
}

func New(c *cache.Cache, timeout time.Duration) *Downloader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Downloader{
		// the per-request context carries the deadline
		Client:  phttp.GetHttpClient(phttp.WithTimeout(0)),
		Cache:   c,
		Timeout: timeout,
	}
}

// Fetch downloads url to dest and returns the number of bytes written. The
// body is streamed to dest.part and renamed, so dest never holds a partial file.
func (d *Downloader) Fetch(ctx context.Context, url, dest string, opts ...Option) (int64, error) {
	cfg := &fetchConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	t := cfg.task

	if cached, ok := d.Cache.Lookup(url, filepath.Base(dest), cfg.checksum); ok {
		if err := d.Cache.Restore(cached, dest); err == nil {
			info, _ := os.Stat(dest)
			if t != nil {
				t.V(3).Infof("Using cached %s", filepath.Base(dest))
			}
			if info != nil {
				return info.Size(), nil
			}
		}
	}

	utils.LogDownloadStart(t, url, dest)

	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, types.Wrap(types.KindDownloadFailed, "download", err, "invalid url %s", url)
	}

	resp, err := d.client().Do(req)
	if err != nil {
		return 0, d.wrap(ctx, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, types.Errorf(types.KindDownloadFailed, "download", "GET %s returned %s", utils.ShortenURL(url), resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(dest), err)
	}

	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", part, err)
	}

	var body io.Reader = resp.Body
	if t != nil {
		body = &ProgressReader{Reader: resp.Body, total: resp.ContentLength, task: t, startTime: time.Now()}
	}

	n, copyErr := io.Copy(out, body)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(part)
		if copyErr == nil {
			copyErr = closeErr
		}
		return n, d.wrap(ctx, url, copyErr)
	}

	if resp.ContentLength > 0 && n != resp.ContentLength {
		_ = os.Remove(part)
		return n, types.Errorf(types.KindDownloadFailed, "download", "short read from %s: got %d of %d bytes", utils.ShortenURL(url), n, resp.ContentLength)
	}

	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return n, fmt.Errorf("failed to move download into place: %w", err)
	}

	if t != nil {
		t.V(3).Infof("Downloaded %s (%s)", filepath.Base(dest), utils.FormatBytes(n))
	}
	if err := d.Cache.Store(url, dest); err != nil {
		logger.Warnf("Failed to cache %s: %v", filepath.Base(dest), err)
	}
	return n, nil
}

// FetchString downloads a small text document such as a checksum file or a
// version index.
func (d *Downloader) FetchString(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", types.Wrap(types.KindDownloadFailed, "download", err, "invalid url %s", url)
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return "", d.wrap(ctx, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", types.Errorf(types.KindDownloadFailed, "download", "GET %s returned %s", utils.ShortenURL(url), resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return "", d.wrap(ctx, url, err)
	}
	return string(body), nil
}

func (d *Downloader) timeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultTimeout
	}
	return d.Timeout
}

func (d *Downloader) client() *http.Client {
	if d.Client == nil {
		return phttp.GetHttpClient(phttp.WithTimeout(0))
	}
	return d.Client
}

func (d *Downloader) wrap(ctx context.Context, url string, err error) error {
	if IsTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.Wrap(types.KindDownloadFailed, "download", &TimeoutError{URL: url, After: d.timeout()}, "%s", utils.ShortenURL(url))
	}
	return types.Wrap(types.KindDownloadFailed, "download", err, "%s", utils.ShortenURL(url))
}

// TimeoutError marks a download that exceeded its deadline.
type TimeoutError struct {
	URL   string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s", e.After)
}

// IsTimeout reports whether err is a download timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ProgressReader wraps an io.Reader and reports progress
type ProgressReader struct {
	io.Reader
	total      int64
	current    int64
	task       *task.Task
	lastUpdate time.Time
	startTime  time.Time
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	pr.current += int64(n)

	now := time.Now()
	if now.Sub(pr.lastUpdate) >= 100*time.Millisecond {
		if pr.total > 0 {
			pr.task.SetProgress(int(pr.current), int(pr.total))
			if elapsed := now.Sub(pr.startTime).Seconds(); elapsed > 0 {
				speed := float64(pr.current) / elapsed
				pr.task.SetDescription(fmt.Sprintf("%s/%s (%.1f MB/s)",
					utils.FormatBytes(pr.current), utils.FormatBytes(pr.total), speed/1024/1024))
			}
		} else {
			pr.task.SetDescription(fmt.Sprintf("Downloaded %s", utils.FormatBytes(pr.current)))
		}
		pr.lastUpdate = now
	}

	return n, err
}
