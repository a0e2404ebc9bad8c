package fetch

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/ingestflow/importd/src/common/importerrors"
)

func TestURLFetcherDownloadsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("expected a User-Agent header to be set")
		}
		w.Header().Set("Content-Disposition", `attachment; filename="clip.mp4"`)
		_, _ = w.Write([]byte("fake-video-bytes"))
	}))
	defer srv.Close()

	f := NewURLFetcher(URLConfig{UserAgent: "test-agent", MaxAttempts: 1})
	dir := t.TempDir()
	result, err := f.Fetch(t.Context(), Input{SourceRef: srv.URL, TempDir: dir})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if result.FileName != "clip.mp4" {
		t.Errorf("expected filename clip.mp4, got %q", result.FileName)
	}
	if result.Size != int64(len("fake-video-bytes")) {
		t.Errorf("expected size %d, got %d", len("fake-video-bytes"), result.Size)
	}
	body, err := os.ReadFile(result.LocalPath)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if string(body) != "fake-video-bytes" {
		t.Errorf("unexpected downloaded content: %q", body)
	}
}

func TestURLFetcherMapsStatusCodes(t *testing.T) {
	cases := []struct {
		status   int
		wantKind importerrors.Kind
	}{
		{http.StatusNotFound, importerrors.KindSourceNotFound},
		{http.StatusForbidden, importerrors.KindSourceDenied},
		{http.StatusUnauthorized, importerrors.KindSourceDenied},
		{http.StatusInternalServerError, importerrors.KindSourceUnavailable},
		{http.StatusBadRequest, importerrors.KindSourceInvalid},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		f := NewURLFetcher(URLConfig{MaxAttempts: 1})
		_, err := f.Fetch(t.Context(), Input{SourceRef: srv.URL, TempDir: t.TempDir()})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if got := importerrors.GetKind(err); got != tc.wantKind {
			t.Errorf("status %d: expected kind %v, got %v", tc.status, tc.wantKind, got)
		}
	}
}

func TestURLFetcherEnforcesMaxFileSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(make([]byte, 1000))
	}))
	defer srv.Close()

	f := NewURLFetcher(URLConfig{MaxAttempts: 1})
	_, err := f.Fetch(t.Context(), Input{SourceRef: srv.URL, TempDir: t.TempDir(), MaxFileSize: 100})
	if err == nil {
		t.Fatal("expected size-exceeded error")
	}
	if importerrors.GetKind(err) != importerrors.KindSizeExceeded {
		t.Errorf("expected KindSizeExceeded, got %v", importerrors.GetKind(err))
	}
}

func TestURLFetcherRetriesTransientFailureThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewURLFetcher(URLConfig{MaxAttempts: 3})
	result, err := f.Fetch(t.Context(), Input{SourceRef: srv.URL, TempDir: t.TempDir()})
	if err != nil {
		t.Fatalf("expected eventual success, got error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", attempts)
	}
	if result.Size != 2 {
		t.Errorf("expected size 2, got %d", result.Size)
	}
}

func TestFilenameFromResponseFallsBackToURLBasename(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	got := filenameFromResponse(resp, "https://example.com/path/to/video.mov?token=abc")
	if got != "video.mov" {
		t.Errorf("expected video.mov, got %q", got)
	}
}

func TestFilenameFromResponsePrefersContentDisposition(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Content-Disposition", `attachment; filename="real-name.mp4"`)
	got := filenameFromResponse(resp, "https://example.com/obscure-id")
	if got != "real-name.mp4" {
		t.Errorf("expected real-name.mp4, got %q", got)
	}
}

func TestFilenameFromResponseDefaultsWhenNothingUsable(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	got := filenameFromResponse(resp, "https://example.com/")
	if got != "download" {
		t.Errorf("expected fallback 'download', got %q", got)
	}
}

func TestURLFetcherRejectsMalformedURL(t *testing.T) {
	f := NewURLFetcher(URLConfig{MaxAttempts: 1})
	_, err := f.Fetch(t.Context(), Input{SourceRef: "://not-a-url", TempDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error for malformed URL")
	}
}

func TestURLFetcherUsesConfiguredUserAgent(t *testing.T) {
	var seenUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	f := NewURLFetcher(URLConfig{UserAgent: "my-custom-agent/1.0", MaxAttempts: 1})
	_, err := f.Fetch(t.Context(), Input{SourceRef: srv.URL, TempDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if !strings.Contains(seenUA, "my-custom-agent") {
		t.Errorf("expected configured user agent to be sent, got %q", seenUA)
	}
}
