package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/anatolykoptev/go_reels/internal/engine"
)

// ErrDownloadFailed is returned when every attempt and method failed.
var ErrDownloadFailed = errors.New("download failed")

var errNoDirectURL = errors.New("no direct video url")

// DefaultMinVideoBytes is the size a downloaded file must exceed to count as a video.
const DefaultMinVideoBytes = 1000

// partialSuffixes are side files yt-dlp leaves next to its output when interrupted.
var partialSuffixes = []string{".part", ".ytdl"}

// Target names one video: the post page for extractors that resolve it themselves,
// and the direct CDN link for plain HTTP fetches. CDN links are signed and expire.
type Target struct {
	PageURL   string
	DirectURL string
}

func (t Target) String() string {
	if t.PageURL != "" {
		return t.PageURL
	}
	return t.DirectURL
}

// Downloader writes the video named by t to dest.
type Downloader interface {
	Name() string
	Fetch(ctx context.Context, t Target, dest string) error
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Dir      string
	Methods  []Downloader // tried in order within each attempt
	Attempts int
	Backoff  time.Duration // linear: attempt × Backoff
	MinBytes int64
	FileExt  string
}

// Fetcher downloads videos into a scratch directory.
type Fetcher struct {
	dir      string
	methods  []Downloader
	policy   engine.RetryPolicy
	minBytes int64
	ext      string
}

// NewFetcher returns a Fetcher. At least one method is required.
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if len(cfg.Methods) == 0 {
		return nil, errors.New("media: no download methods configured")
	}
	f := &Fetcher{
		dir:      cfg.Dir,
		methods:  cfg.Methods,
		minBytes: cfg.MinBytes,
		ext:      cfg.FileExt,
		policy: engine.RetryPolicy{
			Attempts: cfg.Attempts,
			Delay:    cfg.Backoff,
			Kind:     engine.BackoffLinear,
		},
	}
	if f.dir == "" {
		f.dir = os.TempDir()
	}
	if f.policy.Attempts <= 0 {
		f.policy.Attempts = 3
	}
	if f.minBytes <= 0 {
		f.minBytes = DefaultMinVideoBytes
	}
	if f.ext == "" {
		f.ext = ".mp4"
	}
	return f, nil
}

// Download fetches t into a uniquely named scratch file and returns its path.
// On failure no file is left behind, partial downloads included.
func (f *Fetcher) Download(ctx context.Context, t Target) (string, error) {
	if t.PageURL == "" && t.DirectURL == "" {
		return "", fmt.Errorf("%w: empty url", ErrDownloadFailed)
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: scratch dir: %v", ErrDownloadFailed, err)
	}
	dest := filepath.Join(f.dir, "video_"+uuid.NewString()+f.ext)

	engine.IncrDownloads()
	attempt := 0
	_, err := engine.Retry(ctx, f.policy, func() (struct{}, error) {
		attempt++
		err := f.tryMethods(ctx, t, dest)
		if err != nil {
			slog.Warn("media: download attempt failed",
				slog.Int("attempt", attempt),
				slog.String("url", t.String()),
				slog.Any("error", err),
			)
		}
		return struct{}{}, err
	})
	if err != nil {
		removePartial(dest)
		engine.IncrDownloadErrors()
		return "", fmt.Errorf("%w after %d attempts: %v", ErrDownloadFailed, attempt, err)
	}
	return dest, nil
}

// tryMethods runs each method until one leaves a file larger than minBytes at dest.
func (f *Fetcher) tryMethods(ctx context.Context, t Target, dest string) error {
	var errs []error
	for _, m := range f.methods {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := m.Fetch(ctx, t, dest)
		if err == nil {
			err = f.checkSize(dest)
		}
		if err == nil {
			return nil
		}
		removePartial(dest)
		errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
	}
	return errors.Join(errs...)
}

func removePartial(dest string) {
	removeQuiet(dest)
	for _, suf := range partialSuffixes {
		removeQuiet(dest + suf)
	}
}

func (f *Fetcher) checkSize(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("no output file: %w", err)
	}
	if st.Size() <= f.minBytes {
		return fmt.Errorf("file too small: %d bytes", st.Size())
	}
	return nil
}

// YtDLP downloads with the yt-dlp binary. It prefers the post page URL.
type YtDLP struct {
	Path    string
	Timeout time.Duration
	Run     Runner
}

func (y YtDLP) Name() string { return "yt-dlp" }

func (y YtDLP) Fetch(ctx context.Context, t Target, dest string) error {
	url := t.PageURL
	if url == "" {
		url = t.DirectURL
	}
	path := y.Path
	if path == "" {
		path = "yt-dlp"
	}
	run := y.Run
	if run == nil {
		run = ExecRunner
	}
	if y.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, y.Timeout)
		defer cancel()
	}
	_, err := run(ctx, path,
		"--quiet", "--no-warnings", "--no-playlist", "--no-part",
		"-f", "mp4/best",
		"-o", dest,
		url,
	)
	return err
}

// BrowserDownloader fetches through a Chrome-fingerprinted client, for CDNs
// that reject plain Go TLS handshakes.
type BrowserDownloader struct {
	Client *engine.BrowserClient
}

func (b BrowserDownloader) Name() string { return "browser" }

type browserResult struct {
	data   []byte
	status int
	err    error
}

// Fetch returns as soon as ctx is done. The underlying request has no context
// and finishes on its own client timeout; its body is discarded.
func (b BrowserDownloader) Fetch(ctx context.Context, t Target, dest string) error {
	if t.DirectURL == "" {
		return errNoDirectURL
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	headers := engine.ChromeHeaders()
	headers["accept"] = "video/mp4,video/*;q=0.9,*/*;q=0.8"

	done := make(chan browserResult, 1)
	go func() {
		data, _, status, err := b.Client.Do("GET", t.DirectURL, headers, nil)
		done <- browserResult{data: data, status: status, err: err}
	}()

	var res browserResult
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return res.err
	}
	if res.status != http.StatusOK {
		return fmt.Errorf("status %d", res.status)
	}
	return os.WriteFile(dest, res.data, 0o644)
}

// HTTPDownloader is a plain GET with a realistic browser User-Agent.
type HTTPDownloader struct {
	Client *http.Client
}

// NewHTTPDownloader returns an HTTPDownloader with a client tuned for large CDN bodies.
func NewHTTPDownloader(timeout time.Duration) HTTPDownloader {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return HTTPDownloader{Client: &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 15 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		},
	}}
}

func (h HTTPDownloader) Name() string { return "http" }

func (h HTTPDownloader) Fetch(ctx context.Context, t Target, dest string) error {
	if t.DirectURL == "" {
		return errNoDirectURL
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.DirectURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", engine.RandomUserAgent())
	req.Header.Set("Accept", "video/mp4,video/*;q=0.9,*/*;q=0.8")
	req.Header.Set("Referer", "https://www.instagram.com/")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
