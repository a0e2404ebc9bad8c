// Package origin implements the origin uploader: a streaming PUT of a
// locally-fetched file to the content-delivery origin, plus the auxiliary
// delete/exists/verify-cdn-access operations the worker pool and admin
// surface need. HTTPBackend is the primary, wire-contract-accurate
// implementation; S3Mirror is an optional secondary backend a deployment
// can enable to additionally replicate uploaded objects into an
// S3-compatible bucket for disaster recovery.
package origin

import (
	"context"
	"io"
	"strings"

	"github.com/ingestflow/importd/src/common/logs"
)

var log = logs.NewDefault()

// SetLogger sets the logger used by the origin package.
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// Tri is a three-valued result for operations whose "object is absent" case
// is not itself an error, so a plain bool would collapse a real failure
// (network error, auth failure) into the same value as "not found".
type Tri int

const (
	TriYes Tri = iota
	TriNo
	TriError
)

func (t Tri) String() string {
	switch t {
	case TriYes:
		return "yes"
	case TriNo:
		return "no"
	default:
		return "error"
	}
}

// ProgressFunc is invoked with cumulative bytes transferred and the total
// size as an upload (or, for fetchers, a download) proceeds. Implementations
// must not block: see Backend.Upload's throttle contract.
type ProgressFunc func(transferred, total int64)

// Backend is the Origin Uploader's capability surface. A single object name
// is addressed by (zone, objectName); CDNURL maps an object name to its
// public URL without requiring a round trip.
type Backend interface {
	// Upload streams r (size bytes) to <zone>/<objectName>, invoking
	// progress at a bounded throttle granularity.
	Upload(ctx context.Context, zone, objectName string, r io.Reader, size int64, progress ProgressFunc) error

	// Delete removes <zone>/<objectName>.
	Delete(ctx context.Context, zone, objectName string) error

	// Exists reports whether <zone>/<objectName> is present. TriError means
	// the check itself failed (not "absent").
	Exists(ctx context.Context, zone, objectName string) Tri

	// VerifyCDNAccess best-effort HEADs the public CDN URL for objectName.
	// A negative result is logged by the caller but never fails a job.
	VerifyCDNAccess(ctx context.Context, objectName string) bool

	// CDNURL assembles the public URL for an already-uploaded object name.
	CDNURL(objectName string) string

	// Type identifies the backend for logging ("http", "local-dev",
	// "s3-mirror", or "<primary>+s3-mirror" for a MirroredBackend).
	Type() string
}

// NormalizeCDNBase strips trailing slashes and ensures an http(s):// scheme.
func NormalizeCDNBase(base string) string {
	base = strings.TrimRight(base, "/")
	if base == "" {
		return base
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base
}
