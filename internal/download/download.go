// Package download fetches model weights into the model directory. Partial
// files are kept as <name>.part and resumed with a Range request on retry.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const userAgent = "vidtranscribe/1"

var ErrChecksumMismatch = errors.New("checksum mismatch")

// StatusError is an unexpected HTTP response. Client errors are not retried.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

type Options struct {
	URL            string
	Destination    string
	ExpectedSHA256 string
	Retries        int
	NoProgress     bool
	// OnProgress receives the bytes on disk so far and the full size, or -1
	// when the server sends no length.
	OnProgress func(written, total int64)
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func DownloadFile(ctx context.Context, opts Options) error {
	if strings.TrimSpace(opts.URL) == "" {
		return errors.New("download URL is required")
	}
	if strings.TrimSpace(opts.Destination) == "" {
		return errors.New("destination path is required")
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.ExpectedSHA256 = strings.ToLower(strings.TrimSpace(opts.ExpectedSHA256))

	if err := os.MkdirAll(filepath.Dir(opts.Destination), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt*attempt) * 250 * time.Millisecond
			opts.Logger.Warn("retrying download",
				zap.Int("attempt", attempt),
				zap.Int("max", opts.Retries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fetch(ctx, opts)
		if lastErr == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// VerifyFileChecksum compares the SHA-256 of path with expected. An empty
// expected value accepts any content.
func VerifyFileChecksum(path, expectedSHA256 string) error {
	expected := strings.ToLower(strings.TrimSpace(expectedSHA256))
	if expected == "" {
		return nil
	}

	h := sha256.New()
	if _, err := hashFile(h, path); err != nil {
		return err
	}
	if actual := hex.EncodeToString(h.Sum(nil)); actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, actual)
	}
	return nil
}

func retryable(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= 500 || status.Code == http.StatusTooManyRequests || status.Code == http.StatusRequestedRangeNotSatisfiable
	}
	return true
}

func fetch(ctx context.Context, opts Options) error {
	partPath := opts.Destination + ".part"
	h := sha256.New()

	offset, err := hashFile(h, partPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
		opts.Logger.Info("resuming download", zap.String("path", opts.Destination), zap.Int64("offset", offset))
	case resp.StatusCode == http.StatusOK:
		flags |= os.O_TRUNC
		offset = 0
		h.Reset()
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		_ = os.Remove(partPath)
		return &StatusError{Code: resp.StatusCode, URL: opts.URL}
	default:
		return &StatusError{Code: resp.StatusCode, URL: opts.URL}
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	out, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open partial file: %w", err)
	}
	defer out.Close()

	writers := []io.Writer{out, h}
	if opts.OnProgress != nil {
		writers = append(writers, &progressWriter{written: offset, total: total, fn: opts.OnProgress})
	}
	bar := newBar(opts.NoProgress, offset, total)
	if bar != nil {
		writers = append(writers, bar)
	}

	if _, err := io.Copy(io.MultiWriter(writers...), resp.Body); err != nil {
		return fmt.Errorf("download body: %w", err)
	}
	if bar != nil {
		_ = bar.Finish()
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync partial file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close partial file: %w", err)
	}

	if opts.ExpectedSHA256 != "" {
		if actual := hex.EncodeToString(h.Sum(nil)); actual != opts.ExpectedSHA256 {
			_ = os.Remove(partPath)
			return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, opts.ExpectedSHA256, actual)
		}
	}

	if err := os.Rename(partPath, opts.Destination); err != nil {
		return fmt.Errorf("move download into place: %w", err)
	}
	return nil
}

// hashFile feeds path into h and returns the number of bytes read.
func hashFile(h hash.Hash, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, err
		}
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	n, err := io.Copy(h, f)
	if err != nil {
		return 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return n, nil
}

func newBar(noProgress bool, offset, total int64) *progressbar.ProgressBar {
	if noProgress || total <= 0 || !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	bar := progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription("downloading model"),
		progressbar.OptionSetWidth(20),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
	)
	_ = bar.Set64(offset)
	return bar
}

type progressWriter struct {
	written int64
	total   int64
	fn      func(written, total int64)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	w.fn(w.written, w.total)
	return len(p), nil
}
