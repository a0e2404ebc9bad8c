package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateVideoSendsExpectedPayload(t *testing.T) {
	var captured map[string]interface{}
	var seenAuth, seenMethod, seenPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenMethod = r.Method
		seenPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	e := NewEmitter(Config{BaseURL: srv.URL, APIKey: "secret-key"})
	e.CreateVideo(context.Background(), "clip.mp4", "https://example.com/clip.mp4", "job-1", "")

	if seenAuth != "Bearer secret-key" {
		t.Errorf("expected bearer auth header, got %q", seenAuth)
	}
	if seenMethod != http.MethodPost {
		t.Errorf("expected POST, got %s", seenMethod)
	}
	if seenPath != "/user/videos" {
		t.Errorf("expected /user/videos, got %s", seenPath)
	}
	if captured["name"] != "clip.mp4" {
		t.Errorf("expected name clip.mp4 in body, got %v", captured["name"])
	}
}

func TestUpdateSourceLinkUsesPUT(t *testing.T) {
	var seenMethod, seenPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenMethod = r.Method
		seenPath = r.URL.Path
	}))
	defer srv.Close()

	e := NewEmitter(Config{BaseURL: srv.URL, APIKey: "k"})
	e.UpdateSourceLink(context.Background(), "cat-1", "https://example.com/x.mp4", "job-2", "")

	if seenMethod != http.MethodPut {
		t.Errorf("expected PUT, got %s", seenMethod)
	}
	if seenPath != "/user/videos/cat-1/source-link" {
		t.Errorf("unexpected path %s", seenPath)
	}
}

func TestReportImportFailureIncludesRetryCount(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
	}))
	defer srv.Close()

	e := NewEmitter(Config{BaseURL: srv.URL, APIKey: "k"})
	e.ReportImportFailure(context.Background(), "cat-2", "source unavailable", "https://example.com/x.mp4", 3, "")

	if captured["error"] != "source unavailable" {
		t.Errorf("expected error field to be set, got %v", captured["error"])
	}
	if captured["retry_count"].(float64) != 3 {
		t.Errorf("expected retry_count 3, got %v", captured["retry_count"])
	}
}

func TestEmitterSwallowsTransportFailures(t *testing.T) {
	e := NewEmitter(Config{BaseURL: "http://127.0.0.1:1", APIKey: "k"})
	// Connecting to port 1 should fail fast; CreateVideo must not panic or
	// return an error value (it has none to return).
	e.CreateVideo(context.Background(), "x.mp4", "https://example.com/x.mp4", "job-3", "")
}

func TestEmitterNoOpWithoutBaseURL(t *testing.T) {
	e := NewEmitter(Config{APIKey: "k"})
	e.CreateVideo(context.Background(), "x.mp4", "https://example.com/x.mp4", "job-4", "")
}

func TestEmitterUsesPerJobAPIKeyOverConfiguredKey(t *testing.T) {
	var seenAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	e := NewEmitter(Config{BaseURL: srv.URL, APIKey: "configured-key"})
	e.CreateVideo(context.Background(), "clip.mp4", "https://example.com/clip.mp4", "job-5", "job-specific-key")

	if seenAuth != "Bearer job-specific-key" {
		t.Errorf("expected the per-job key to win over the configured key, got %q", seenAuth)
	}
}
