package download

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ErrCancelled is returned when the caller's context ends mid-transfer.
var ErrCancelled = errors.New("download cancelled")

// ProgressFunc is called after every chunk. total is -1 when the size is unknown.
type ProgressFunc func(written, total int64)

// Downloader streams remote artifacts to local files.
type Downloader interface {
	Download(ctx context.Context, url, destPath string, onProgress ProgressFunc) (string, error)
}

type Option func(*httpDownloader)

func WithHTTPClient(hc *http.Client) Option {
	return func(d *httpDownloader) {
		d.client = hc
	}
}

// WithIdleTimeout aborts a transfer when no bytes arrive for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *httpDownloader) {
		h.idleTimeout = d
	}
}

func WithChunkSize(n int) Option {
	return func(d *httpDownloader) {
		if n > 0 {
			d.chunkSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *httpDownloader) {
		d.logger = l
	}
}

type httpDownloader struct {
	client      *http.Client
	idleTimeout time.Duration
	chunkSize   int
	logger      *slog.Logger
}

func New(opts ...Option) Downloader {
	d := &httpDownloader{
		// No overall timeout: large artifacts are bounded by the idle timeout instead.
		client:      &http.Client{},
		idleTimeout: 60 * time.Second,
		chunkSize:   32 * 1024,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Download writes url to destPath via a ".part" sibling that is renamed on
// success and removed on any failure.
func (d *httpDownloader) Download(ctx context.Context, url, destPath string, onProgress ProgressFunc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", ErrCancelled
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", errors.Wrap(err, "create destination directory")
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var idle atomic.Bool
	var timer *time.Timer
	if d.idleTimeout > 0 {
		timer = time.AfterFunc(d.idleTimeout, func() {
			idle.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrap(err, "build download request")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", d.classify(ctx, &idle, errors.Wrap(err, "download request"))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.Errorf("download failed with status %d", resp.StatusCode)
	}

	partPath := destPath + ".part"
	f, err := os.Create(partPath)
	if err != nil {
		return "", errors.Wrap(err, "create file")
	}
	cleanup := func() {
		f.Close()
		os.Remove(partPath)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = -1
	}
	var written int64
	buf := make([]byte, d.chunkSize)
	for {
		if ctx.Err() != nil {
			cleanup()
			return "", ErrCancelled
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if timer != nil {
				timer.Reset(d.idleTimeout)
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				cleanup()
				return "", errors.Wrap(werr, "write file")
			}
			written += int64(n)
			if onProgress != nil {
				onProgress(written, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			cleanup()
			return "", d.classify(ctx, &idle, errors.Wrap(rerr, "read body"))
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(partPath)
		return "", errors.Wrap(err, "close file")
	}
	if err := os.Rename(partPath, destPath); err != nil {
		os.Remove(partPath)
		return "", errors.Wrap(err, "finalize file")
	}
	d.logger.Debug("download complete", "url", url, "path", destPath, "bytes", written)
	return destPath, nil
}

// classify turns a transport error into ErrCancelled when the caller cancelled,
// or into an idle-timeout error when our own watchdog fired.
func (d *httpDownloader) classify(ctx context.Context, idle *atomic.Bool, err error) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if idle.Load() {
		return errors.Errorf("download stalled: no data for %s", d.idleTimeout)
	}
	return err
}
