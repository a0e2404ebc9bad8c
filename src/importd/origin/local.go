package origin

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ingestflow/importd/src/common/paths"
)

// LocalConfig configures the local-filesystem dev backend.
type LocalConfig struct {
	BasePath string
	CDNBase  string // served back verbatim by CDNURL, e.g. http://localhost:8080/files
}

// LocalBackend serves as a Backend for local development and testing, with
// no network origin or CDN involved. Covers only Upload/Delete/Exists —
// nothing in this pipeline ever reads an object back through the origin.
type LocalBackend struct {
	basePath string
	cdnBase  string
}

// NewLocalBackend constructs the dev backend, creating basePath if absent.
func NewLocalBackend(cfg LocalConfig) (*LocalBackend, error) {
	basePath := paths.Expand(cfg.BasePath)
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create local origin directory %s: %w", basePath, err)
	}
	return &LocalBackend{basePath: basePath, cdnBase: cfg.CDNBase}, nil
}

// fullPath sanitizes zone/objectName against directory traversal and joins
// it to basePath.
func (b *LocalBackend) fullPath(zone, objectName string) string {
	cleanKey := filepath.Clean(filepath.Join(zone, objectName))
	for strings.HasPrefix(cleanKey, "/") || strings.HasPrefix(cleanKey, "../") || strings.HasPrefix(cleanKey, "..\\") {
		cleanKey = strings.TrimPrefix(cleanKey, "/")
		cleanKey = strings.TrimPrefix(cleanKey, "../")
		cleanKey = strings.TrimPrefix(cleanKey, "..\\")
	}
	full := filepath.Join(b.basePath, cleanKey)
	absBase, _ := filepath.Abs(b.basePath)
	absFull, _ := filepath.Abs(full)
	if !strings.HasPrefix(absFull, absBase) {
		return filepath.Join(b.basePath, filepath.Base(cleanKey))
	}
	return full
}

// Upload writes r to <basePath>/<zone>/<objectName>, reporting progress
// through the same bounded/throttled reader the HTTP backend uses so dev
// runs exercise identical progress behavior.
func (b *LocalBackend) Upload(ctx context.Context, zone, objectName string, r io.Reader, size int64, progress ProgressFunc) error {
	full := b.fullPath(zone, objectName)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", objectName, err)
	}
	file, err := os.Create(full)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", full, err)
	}
	defer file.Close()

	throttle := newProgressThrottle(progress, size, progressThresholdBytes)
	body := newBoundedCountingReader(r, maxReadChunk, throttle)
	if _, err := io.Copy(file, body); err != nil {
		os.Remove(full)
		return fmt.Errorf("failed to write %s: %w", full, err)
	}
	return nil
}

// Delete removes the object; a missing file is not an error.
func (b *LocalBackend) Delete(ctx context.Context, zone, objectName string) error {
	full := b.fullPath(zone, objectName)
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete %s: %w", full, err)
	}
	return nil
}

// Exists stats the object.
func (b *LocalBackend) Exists(ctx context.Context, zone, objectName string) Tri {
	_, err := os.Stat(b.fullPath(zone, objectName))
	if err != nil {
		if os.IsNotExist(err) {
			return TriNo
		}
		return TriError
	}
	return TriYes
}

// VerifyCDNAccess always succeeds locally: there is no separate CDN tier to
// verify against in a dev deployment.
func (b *LocalBackend) VerifyCDNAccess(ctx context.Context, objectName string) bool { return true }

// CDNURL returns a file-serving URL under cdnBase for local dev tooling.
func (b *LocalBackend) CDNURL(objectName string) string {
	return fmt.Sprintf("%s/%s", NormalizeCDNBase(b.cdnBase), objectName)
}

// Type identifies this backend for logging.
func (b *LocalBackend) Type() string { return "local-dev" }

// Location returns the base path, for startup logging.
func (b *LocalBackend) Location() string { return b.basePath }
