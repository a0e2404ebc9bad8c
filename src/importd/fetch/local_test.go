package fetch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ingestflow/importd/src/common/importerrors"
	"github.com/ingestflow/importd/src/importd/queue"
)

func TestLocalFetcherReturnsStagedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "staged.mp4")
	if err := os.WriteFile(path, []byte("video-bytes"), 0644); err != nil {
		t.Fatalf("writing staged file: %v", err)
	}

	f := NewLocalFetcher()
	var reportedPct float64
	result, err := f.Fetch(t.Context(), Input{
		SourceRef: path,
		Progress: func(pct float64, msg string, q *queue.SelectedQuality) {
			reportedPct = pct
		},
	})
	if reportedPct != 100 {
		t.Errorf("expected a final 100%% progress callback, got %v", reportedPct)
	}
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if result.LocalPath != path {
		t.Errorf("expected local path %q, got %q", path, result.LocalPath)
	}
	if result.FileName != "staged.mp4" {
		t.Errorf("expected filename staged.mp4, got %q", result.FileName)
	}
	if result.Size != int64(len("video-bytes")) {
		t.Errorf("expected size %d, got %d", len("video-bytes"), result.Size)
	}
}

func TestLocalFetcherMissingFile(t *testing.T) {
	f := NewLocalFetcher()
	_, err := f.Fetch(t.Context(), Input{SourceRef: "/nonexistent/path/video.mp4"})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if importerrors.GetKind(err) != importerrors.KindSourceNotFound {
		t.Errorf("expected KindSourceNotFound, got %v", importerrors.GetKind(err))
	}
}

func TestLocalFetcherRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	f := NewLocalFetcher()
	_, err := f.Fetch(t.Context(), Input{SourceRef: dir})
	if err == nil {
		t.Fatal("expected error for directory source_ref")
	}
	if importerrors.GetKind(err) != importerrors.KindSourceInvalid {
		t.Errorf("expected KindSourceInvalid, got %v", importerrors.GetKind(err))
	}
}

func TestLocalFetcherEnforcesMaxFileSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.mp4")
	if err := os.WriteFile(path, make([]byte, 1000), 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	f := NewLocalFetcher()
	_, err := f.Fetch(t.Context(), Input{SourceRef: path, MaxFileSize: 10})
	if err == nil {
		t.Fatal("expected size-exceeded error")
	}
	if importerrors.GetKind(err) != importerrors.KindSizeExceeded {
		t.Errorf("expected KindSizeExceeded, got %v", importerrors.GetKind(err))
	}
}

func TestLocalFetcherUsesSuppliedFileName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "original-name.mp4")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	f := NewLocalFetcher()
	result, err := f.Fetch(t.Context(), Input{SourceRef: path, FileName: "preferred-name.mp4"})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if result.FileName != "preferred-name.mp4" {
		t.Errorf("expected preferred-name.mp4, got %q", result.FileName)
	}
}
