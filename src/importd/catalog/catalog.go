// Package catalog implements the catalog webhook emitter: a fire-and-forget
// notifier that tells an external video catalog about import outcomes.
// Callers never inspect a response body, and every transport failure is
// logged and swallowed rather than returned.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ingestflow/importd/src/common/logs"
)

var log = logs.NewDefault()

// SetLogger sets the logger used by the catalog package.
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// Config configures the catalog API client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// DefaultConfig returns a 10-second timeout default.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

// Emitter wraps the catalog's HTTP API. Every method is fire-and-forget:
// failures are logged internally and never returned to the worker, since a
// webhook outage must never fail or retry the underlying job.
type Emitter struct {
	cfg    Config
	client *http.Client
}

// NewEmitter constructs the catalog webhook emitter.
func NewEmitter(cfg Config) *Emitter {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Emitter{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// CreateVideo notifies the catalog of a brand-new import (no pre-existing
// catalog_id) once the job completes successfully. apiKey is the
// submission's per-job key and signs the request; an empty apiKey falls
// back to the emitter's configured key.
func (e *Emitter) CreateVideo(ctx context.Context, name, sourceLink, importJobID, apiKey string) {
	e.post(ctx, "/user/videos", apiKey, map[string]string{
		"name":          name,
		"source_link":   sourceLink,
		"import_job_id": importJobID,
	})
}

// UpdateSourceLink notifies the catalog of a first-attempt success against
// an existing catalog_id.
func (e *Emitter) UpdateSourceLink(ctx context.Context, catalogID, sourceLink, importJobID, apiKey string) {
	e.put(ctx, fmt.Sprintf("/user/videos/%s/source-link", catalogID), apiKey, map[string]string{
		"source_link":   sourceLink,
		"import_job_id": importJobID,
	})
}

// ReportImportSuccess notifies the catalog of a success on a retried
// attempt (attempts_made > 0).
func (e *Emitter) ReportImportSuccess(ctx context.Context, catalogID, sourceLink, importJobID, apiKey string) {
	e.post(ctx, fmt.Sprintf("/user/videos/%s/import-success", catalogID), apiKey, map[string]interface{}{
		"source_link":   sourceLink,
		"is_retry":      true,
		"import_job_id": importJobID,
	})
}

// ReportImportFailure notifies the catalog of a terminal failure. Callers
// must only invoke this when catalog_id is set and the failure is terminal
// (attempts_made >= max_retry_attempts - 1); this package does not itself
// apply that gate.
func (e *Emitter) ReportImportFailure(ctx context.Context, catalogID, errMsg, sourceURL string, retryCount int, apiKey string) {
	e.post(ctx, fmt.Sprintf("/user/videos/%s/import-failed", catalogID), apiKey, map[string]interface{}{
		"error":       errMsg,
		"source_url":  sourceURL,
		"retry_count": retryCount,
	})
}

func (e *Emitter) post(ctx context.Context, path, apiKey string, body interface{}) {
	e.do(ctx, http.MethodPost, path, apiKey, body)
}

func (e *Emitter) put(ctx context.Context, path, apiKey string, body interface{}) {
	e.do(ctx, http.MethodPut, path, apiKey, body)
}

func (e *Emitter) do(ctx context.Context, method, path, apiKey string, body interface{}) {
	if e.cfg.BaseURL == "" {
		log.Debug("catalog base URL not configured, skipping webhook", "path", path)
		return
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Warn("failed to marshal catalog webhook body", "path", path, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, method, e.cfg.BaseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		log.Warn("failed to build catalog webhook request", "path", path, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey == "" {
		apiKey = e.cfg.APIKey
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		log.Warn("catalog webhook request failed", "path", path, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Warn("catalog webhook returned error status", "path", path, "status", resp.StatusCode)
	}
}
