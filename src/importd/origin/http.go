package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ingestflow/importd/src/common/importerrors"
	"github.com/ingestflow/importd/src/common/retry"
)

// progressThresholdBytes is the minimum cumulative transfer between progress
// callbacks — throttled to roughly once per megabyte.
const progressThresholdBytes = 1 << 20 // 1 MiB

// maxReadChunk bounds every Read against the upload body to a small, fixed
// size so memory use stays flat regardless of the underlying file's size.
const maxReadChunk = 8 << 10 // 8 KiB

// HTTPConfig configures the primary origin backend.
type HTTPConfig struct {
	BaseURL     string // e.g. https://origin.example.internal
	CDNBase     string // e.g. https://cdn.example.com
	AccessKey   string
	Timeout     time.Duration // per-attempt HTTP client timeout
	MaxAttempts int
}

// HTTPBackend is the primary Backend: a bespoke PUT/DELETE/HEAD contract
// against an internal origin, fronted by a separate public CDN. Requests
// carry a single static AccessKey header rather than a signed scheme.
type HTTPBackend struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPBackend constructs the primary backend. A client with redirects
// capped at 3 is used for every request, matching the wire contract's
// redirect allowance.
func NewHTTPBackend(cfg HTTPConfig) *HTTPBackend {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &HTTPBackend{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("stopped after 3 redirects")
				}
				return nil
			},
		},
	}
}

func (b *HTTPBackend) objectURL(zone, objectName string) string {
	return fmt.Sprintf("%s/%s/%s", NormalizeCDNBase(b.cfg.BaseURL), zone, objectName)
}

// Upload streams r to the origin with a bounded read-ahead buffer and a
// throttled progress callback, retrying transient failures up to
// cfg.MaxAttempts times. A retry re-reads r from the beginning, so r must
// implement io.Seeker whenever MaxAttempts > 1 (the worker pipeline always
// passes an *os.File).
func (b *HTTPBackend) Upload(ctx context.Context, zone, objectName string, r io.Reader, size int64, progress ProgressFunc) error {
	seeker, _ := r.(io.Seeker)

	policy := retry.Policy{MaxAttempts: b.cfg.MaxAttempts, Base: time.Second, Multiplier: 2, Max: 10 * time.Second}
	return retry.Do(ctx, policy, retryableErr, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			if seeker == nil {
				return importerrors.New(importerrors.KindOriginAPIError, "upload body does not support retry (not seekable)")
			}
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("rewind upload body for retry: %w", err)
			}
		}
		throttle := newProgressThrottle(progress, size, progressThresholdBytes)
		body := newBoundedCountingReader(r, maxReadChunk, throttle)

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.objectURL(zone, objectName), body)
		if err != nil {
			return fmt.Errorf("build upload request: %w", err)
		}
		req.ContentLength = size
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("AccessKey", b.cfg.AccessKey)

		resp, err := b.client.Do(req)
		if err != nil {
			log.Warn("origin upload attempt failed", "zone", zone, "object", objectName, "attempt", attempt, "error", err)
			return importerrors.Wrap(err, importerrors.KindOriginNetworkError, "origin upload request failed")
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			return nil
		}
		return importerrors.New(importerrors.KindOriginAPIError, fmt.Sprintf("origin upload returned status %d", resp.StatusCode))
	})
}

// Delete removes an object from the origin.
func (b *HTTPBackend) Delete(ctx context.Context, zone, objectName string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.objectURL(zone, objectName), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	req.Header.Set("AccessKey", b.cfg.AccessKey)
	resp, err := b.client.Do(req)
	if err != nil {
		return importerrors.Wrap(err, importerrors.KindOriginNetworkError, "origin delete request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return importerrors.New(importerrors.KindOriginAPIError, fmt.Sprintf("origin delete returned status %d", resp.StatusCode))
}

// Exists HEADs the object. A network or unexpected-status failure reports
// TriError rather than being conflated with "absent".
func (b *HTTPBackend) Exists(ctx context.Context, zone, objectName string) Tri {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.objectURL(zone, objectName), nil)
	if err != nil {
		return TriError
	}
	req.Header.Set("AccessKey", b.cfg.AccessKey)
	resp, err := b.client.Do(req)
	if err != nil {
		return TriError
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return TriYes
	case http.StatusNotFound:
		return TriNo
	default:
		return TriError
	}
}

// VerifyCDNAccess is a best-effort HEAD against the public CDN URL. It never
// fails the calling job: a false return is logged by the worker and ignored.
func (b *HTTPBackend) VerifyCDNAccess(ctx context.Context, objectName string) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.CDNURL(objectName), nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		log.Debug("cdn access verification failed", "object", objectName, "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// CDNURL assembles the public URL for objectName.
func (b *HTTPBackend) CDNURL(objectName string) string {
	return fmt.Sprintf("%s/%s", NormalizeCDNBase(b.cfg.CDNBase), objectName)
}

// Type identifies this backend for logging.
func (b *HTTPBackend) Type() string { return "http" }

// retryableErr is the classifier handed to retry.Do: only kinds the
// importerrors taxonomy marks retryable get another attempt.
func retryableErr(err error) bool {
	return importerrors.IsRetryable(err)
}
