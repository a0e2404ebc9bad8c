package origin

import (
	"context"
	"io"
)

// MirroredBackend wraps a primary Backend with an optional S3Mirror: every
// upload is streamed to both concurrently via an io.Pipe so the mirror copy
// never requires buffering the whole object or re-reading the source file.
// The primary's result is authoritative; a mirror failure is logged and
// never fails the upload — it is a disaster-recovery replica, not a second
// source of truth.
type MirroredBackend struct {
	primary Backend
	mirror  *S3Mirror
}

// NewMirroredBackend wires primary to an optional mirror. A nil mirror makes
// this a transparent passthrough to primary.
func NewMirroredBackend(primary Backend, mirror *S3Mirror) *MirroredBackend {
	return &MirroredBackend{primary: primary, mirror: mirror}
}

func (m *MirroredBackend) Upload(ctx context.Context, zone, objectName string, r io.Reader, size int64, progress ProgressFunc) error {
	if m.mirror == nil {
		return m.primary.Upload(ctx, zone, objectName, r, size, progress)
	}

	pr, pw := io.Pipe()
	primaryErrCh := make(chan error, 1)
	go func() {
		defer pw.Close()
		primaryErrCh <- m.primary.Upload(ctx, zone, objectName, io.TeeReader(r, pw), size, progress)
	}()

	if err := m.mirror.Upload(ctx, zone, objectName, pr, size, nil); err != nil {
		log.Warn("origin mirror upload failed", "zone", zone, "object", objectName, "error", err)
	}
	// Keep reading whatever the mirror left unread so the primary's
	// TeeReader never blocks or fails on a stopped pipe reader.
	_, _ = io.Copy(io.Discard, pr)

	return <-primaryErrCh
}

func (m *MirroredBackend) Delete(ctx context.Context, zone, objectName string) error {
	if m.mirror != nil {
		if err := m.mirror.Delete(ctx, zone, objectName); err != nil {
			log.Warn("origin mirror delete failed", "zone", zone, "object", objectName, "error", err)
		}
	}
	return m.primary.Delete(ctx, zone, objectName)
}

func (m *MirroredBackend) Exists(ctx context.Context, zone, objectName string) Tri {
	return m.primary.Exists(ctx, zone, objectName)
}

func (m *MirroredBackend) VerifyCDNAccess(ctx context.Context, objectName string) bool {
	return m.primary.VerifyCDNAccess(ctx, objectName)
}

func (m *MirroredBackend) CDNURL(objectName string) string {
	return m.primary.CDNURL(objectName)
}

func (m *MirroredBackend) Type() string {
	if m.mirror != nil {
		return m.primary.Type() + "+s3-mirror"
	}
	return m.primary.Type()
}
