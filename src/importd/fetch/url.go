package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/ingestflow/importd/src/common/importerrors"
	"github.com/ingestflow/importd/src/common/retry"
)

// URLConfig configures the direct-URL fetcher.
type URLConfig struct {
	UserAgent   string
	Timeout     time.Duration // per-attempt download timeout, default 2h
	MaxAttempts int
}

// DefaultURLConfig returns reasonable defaults.
func DefaultURLConfig() URLConfig {
	return URLConfig{
		UserAgent:   "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
		Timeout:     2 * time.Hour,
		MaxAttempts: 3,
	}
}

// URLFetcher streams a GET of source_ref to disk, using the shared Fetcher
// contract and retry.Do for transient-failure handling.
type URLFetcher struct {
	cfg    URLConfig
	client *http.Client
}

// NewURLFetcher constructs the direct-URL fetcher.
func NewURLFetcher(cfg URLConfig) *URLFetcher {
	defaults := DefaultURLConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	return &URLFetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("stopped after 5 redirects")
				}
				return nil
			},
		},
	}
}

func (f *URLFetcher) Fetch(ctx context.Context, in Input) (Result, error) {
	policy := retry.Policy{MaxAttempts: max(f.cfg.MaxAttempts, 1), Base: 2 * time.Second, Multiplier: 2, Max: 20 * time.Second}
	var result Result
	err := retry.Do(ctx, policy, importerrors.IsRetryable, func(ctx context.Context, attempt int) error {
		r, err := f.attempt(ctx, in)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (f *URLFetcher) attempt(ctx context.Context, in Input) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.SourceRef, nil)
	if err != nil {
		return Result{}, importerrors.New(importerrors.KindSourceInvalid, "malformed source URL: "+err.Error())
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, importerrors.Wrap(err, importerrors.KindSourceUnavailable, "direct download request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Result{}, importerrors.New(importerrors.KindSourceNotFound, "source URL returned 404")
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return Result{}, importerrors.New(importerrors.KindSourceDenied, fmt.Sprintf("source URL returned %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return Result{}, importerrors.New(importerrors.KindSourceUnavailable, fmt.Sprintf("source URL returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return Result{}, importerrors.New(importerrors.KindSourceInvalid, fmt.Sprintf("source URL returned %d", resp.StatusCode))
	}

	total := resp.ContentLength
	if in.MaxFileSize > 0 && total > in.MaxFileSize {
		return Result{}, importerrors.New(importerrors.KindSizeExceeded, fmt.Sprintf("declared size %d exceeds max %d", total, in.MaxFileSize))
	}

	fileName := in.FileName
	if fileName == "" {
		fileName = filenameFromResponse(resp, in.SourceRef)
	}

	tempFile, err := newTempFile(in.TempDir, fileName)
	if err != nil {
		return Result{}, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer tempFile.Close()

	var written int64
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			tempFile.Close()
			_ = os.Remove(tempPath)
			return Result{}, ctx.Err()
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := tempFile.Write(buf[:n]); werr != nil {
				_ = os.Remove(tempPath)
				return Result{}, fmt.Errorf("write temp file: %w", werr)
			}
			written += int64(n)
			if in.MaxFileSize > 0 && written > in.MaxFileSize {
				_ = os.Remove(tempPath)
				return Result{}, importerrors.New(importerrors.KindSizeExceeded, fmt.Sprintf("observed size exceeded max %d", in.MaxFileSize))
			}
			if in.Progress != nil {
				pct := 0.0
				if total > 0 {
					pct = float64(written) / float64(total) * 100
				}
				in.Progress(pct, "downloading", nil)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = os.Remove(tempPath)
			return Result{}, importerrors.Wrap(readErr, importerrors.KindSourceUnavailable, "reading response body failed")
		}
	}
	if in.Progress != nil {
		in.Progress(100, "download complete", nil)
	}

	return Result{LocalPath: tempPath, FileName: fileName, Size: written}, nil
}

// filenameFromResponse extracts a filename from Content-Disposition, falling
// back to the URL's basename.
func filenameFromResponse(resp *http.Response, sourceRef string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	if u, err := url.Parse(sourceRef); err == nil {
		base := path.Base(u.Path)
		if base != "" && base != "." && base != "/" {
			return base
		}
	}
	return "download"
}

