package origin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc) (*HTTPBackend, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b := NewHTTPBackend(HTTPConfig{
		BaseURL:     srv.URL,
		CDNBase:     "cdn.example.com",
		AccessKey:   "test-key",
		MaxAttempts: 2,
	})
	return b, srv
}

func TestHTTPBackendUploadSucceedsOn201(t *testing.T) {
	var gotAccessKey string
	var gotPath string
	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		gotAccessKey = r.Header.Get("AccessKey")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	})

	body := strings.NewReader("hello world")
	err := b.Upload(context.Background(), "videos", "clip.mp4", body, int64(body.Len()), nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if gotAccessKey != "test-key" {
		t.Fatalf("expected AccessKey header forwarded, got %q", gotAccessKey)
	}
	if gotPath != "/videos/clip.mp4" {
		t.Fatalf("expected path /videos/clip.mp4, got %q", gotPath)
	}
}

func TestHTTPBackendUploadRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	err := b.Upload(context.Background(), "videos", "clip.mp4", strings.NewReader("data"), 4, nil)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func TestHTTPBackendExistsTristate(t *testing.T) {
	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "present.mp4") {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	if got := b.Exists(context.Background(), "videos", "present.mp4"); got != TriYes {
		t.Fatalf("expected TriYes, got %v", got)
	}
	if got := b.Exists(context.Background(), "videos", "absent.mp4"); got != TriNo {
		t.Fatalf("expected TriNo, got %v", got)
	}
}

func TestHTTPBackendCDNURL(t *testing.T) {
	b := NewHTTPBackend(HTTPConfig{BaseURL: "http://origin.internal", CDNBase: "cdn.example.com/"})
	got := b.CDNURL("clip.mp4")
	want := "https://cdn.example.com/clip.mp4"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestHTTPBackendDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	if err := b.Delete(context.Background(), "videos", "gone.mp4"); err != nil {
		t.Fatalf("expected delete of an already-absent object to succeed, got %v", err)
	}
}
