package fetch

import (
	"testing"
)

func TestParseDriveFileID(t *testing.T) {
	cases := map[string]string{
		"https://drive.google.com/file/d/1aBcD3fGhI/view?usp=sharing": "1aBcD3fGhI",
		"https://drive.google.com/open?id=1aBcD3fGhI":                 "1aBcD3fGhI",
		"https://drive.google.com/uc?export=download&id=XyZ_-123":     "XyZ_-123",
	}
	for url, want := range cases {
		got, err := parseDriveFileID(url)
		if err != nil {
			t.Errorf("parseDriveFileID(%q): unexpected error: %v", url, err)
			continue
		}
		if got != want {
			t.Errorf("parseDriveFileID(%q) = %q, want %q", url, got, want)
		}
	}
}

func TestParseDriveFileIDRejectsUnrecognizedURL(t *testing.T) {
	if _, err := parseDriveFileID("https://example.com/not-a-drive-link"); err == nil {
		t.Error("expected an error for a non-drive URL")
	}
}

func TestIsRecognizedVideoMime(t *testing.T) {
	if !isRecognizedVideoMime("video/mp4") {
		t.Error("expected video/mp4 to be recognized")
	}
	if isRecognizedVideoMime("application/pdf") {
		t.Error("expected application/pdf to be rejected")
	}
	if !isRecognizedVideoMime("") {
		t.Error("expected empty mime (no metadata available) to pass through")
	}
}

func TestSignedRequestSignatureIsDeterministic(t *testing.T) {
	f := NewDriveFetcher(DriveConfig{APIKey: "test-key-value"})
	sig1, err := f.signedRequestSignature("file-123", 1000)
	if err != nil {
		t.Fatalf("signedRequestSignature returned error: %v", err)
	}
	sig2, err := f.signedRequestSignature("file-123", 1000)
	if err != nil {
		t.Fatalf("signedRequestSignature returned error: %v", err)
	}
	if sig1 != sig2 {
		t.Error("expected signature to be deterministic for identical inputs")
	}

	sig3, err := f.signedRequestSignature("file-123", 1001)
	if err != nil {
		t.Fatalf("signedRequestSignature returned error: %v", err)
	}
	if sig1 == sig3 {
		t.Error("expected signature to change when timestamp changes")
	}
}

func TestNewDriveFetcherAppliesDefaults(t *testing.T) {
	f := NewDriveFetcher(DriveConfig{APIKey: "k"})
	if f.cfg.MaxAttempts == 0 {
		t.Error("expected default MaxAttempts to be applied")
	}
	if f.cfg.APIKey != "k" {
		t.Errorf("expected caller-supplied APIKey to survive defaulting, got %q", f.cfg.APIKey)
	}
}
