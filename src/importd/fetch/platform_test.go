package fetch

import (
	"strings"
	"testing"

	"github.com/ingestflow/importd/src/importd/queue"
)

func TestIsFragmentFile(t *testing.T) {
	cases := map[string]bool{
		"import-abc123.mp4":          false,
		"import-abc123.mp4.part":     true,
		"import-abc123.f137.ytdl":    true,
		"import-abc123.temp":         true,
		"import-abc123.part-Frag1":   true,
		"import-abc123.mkv":          false,
	}
	for name, want := range cases {
		if got := isFragmentFile(name); got != want {
			t.Errorf("isFragmentFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestParseProgressLine(t *testing.T) {
	pct, ok := parseProgressLine("[download]  42.5% of   10.00MiB at  1.00MiB/s ETA 00:05")
	if !ok {
		t.Fatal("expected a match")
	}
	if pct != 42.5 {
		t.Errorf("expected 42.5, got %v", pct)
	}

	if _, ok := parseProgressLine("[download] Destination: file.mp4"); ok {
		t.Error("expected no match on a non-progress line")
	}
}

func TestRescaleProgressClampsAt89(t *testing.T) {
	got := rescaleProgress(100, 0, 1)
	if got != 85 {
		t.Errorf("expected 85 (10 + 0 + 75), got %v", got)
	}
	got = rescaleProgress(100, 2, 3)
	if got > 89 {
		t.Errorf("expected progress to be clamped at 89, got %v", got)
	}
}

func TestRescaleProgressMonotonicWithinIdentity(t *testing.T) {
	low := rescaleProgress(0, 0, 1)
	high := rescaleProgress(100, 0, 1)
	if !(low < high) {
		t.Errorf("expected progress to increase with download percentage: low=%v high=%v", low, high)
	}
}

func TestMergeObservedQualityFillsOnlyEmptyFields(t *testing.T) {
	probed := &queue.SelectedQuality{FormatID: "137", Resolution: "1080p"}
	merged := mergeObservedQuality(probed, "frame=100 1920x1080 30fps vcodec=avc1 audio=mp4a")
	if merged.Resolution != "1080p" {
		t.Errorf("expected probed resolution to win, got %q", merged.Resolution)
	}
	if merged.FPS != "30" {
		t.Errorf("expected fps harvested from stdout, got %q", merged.FPS)
	}
	if merged.VCodec != "avc1" {
		t.Errorf("expected vcodec harvested from stdout, got %q", merged.VCodec)
	}
	if merged.ACodec != "mp4a" {
		t.Errorf("expected acodec harvested from stdout, got %q", merged.ACodec)
	}
	if probed.FPS != "" {
		t.Error("mergeObservedQuality must not mutate the original probed struct")
	}
}

func TestMergeObservedQualityHandlesNilInput(t *testing.T) {
	merged := mergeObservedQuality(nil, "1280x720 24fps")
	if merged == nil {
		t.Fatal("expected a non-nil result")
	}
	if merged.Resolution != "720p" {
		t.Errorf("expected 720p, got %q", merged.Resolution)
	}
}

func TestExtractDestinationPath(t *testing.T) {
	if got := extractDestinationPath(`[download] Destination: /tmp/import-abc.mp4`); got != "/tmp/import-abc.mp4" {
		t.Errorf("unexpected destination: %q", got)
	}
	if got := extractDestinationPath(`[Merger] Merging formats into "/tmp/import-abc.mkv"`); got != "/tmp/import-abc.mkv" {
		t.Errorf("unexpected merger destination: %q", got)
	}
	if got := extractDestinationPath(`[download] 50.0% of 10MiB`); got != "" {
		t.Errorf("expected no match, got %q", got)
	}
}

func TestFormatSelectorCapsHeight(t *testing.T) {
	f := NewPlatformFetcher(PlatformConfig{MaxHeight: 720})
	sel := f.formatSelector()
	if !strings.Contains(sel, "height<=720") {
		t.Errorf("expected format selector to cap height at 720, got %q", sel)
	}
}

func TestNewPlatformFetcherAppliesDefaultsOnlyToZeroFields(t *testing.T) {
	f := NewPlatformFetcher(PlatformConfig{MaxHeight: 480})
	if f.cfg.MaxHeight != 480 {
		t.Errorf("expected caller-supplied MaxHeight to survive defaulting, got %d", f.cfg.MaxHeight)
	}
	if f.cfg.BinaryPath == "" {
		t.Error("expected default BinaryPath to be filled in")
	}
	if f.cfg.MinFileSizeBytes == 0 {
		t.Error("expected default MinFileSizeBytes to be filled in")
	}
}
