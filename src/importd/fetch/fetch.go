// Package fetch implements the source fetchers: four variant download
// strategies behind a single contract, dispatched by source_kind. Each kind
// gets its own Fetcher implementation, selected by For, rather than one
// fetcher branching internally on type.
package fetch

import (
	"context"
	"fmt"

	"github.com/ingestflow/importd/src/common/logs"
	"github.com/ingestflow/importd/src/importd/db"
	"github.com/ingestflow/importd/src/importd/queue"
)

var log = logs.NewDefault()

// SetLogger sets the logger used by the fetch package.
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// ProgressFunc reports fetch progress. quality is non-nil only once a
// fetcher has learned something about the selected format (platform-id
// fetcher only).
type ProgressFunc func(percentage float64, message string, quality *queue.SelectedQuality)

// Input is the common request shape across all four fetchers.
type Input struct {
	SourceRef   string
	FileName    string
	TempDir     string
	MaxFileSize int64 // bytes, 0 = unbounded

	Progress ProgressFunc
	// EgressAttempt is invoked once per completed attempt through an egress
	// identity; only the platform-id fetcher calls it.
	EgressAttempt func(queue.EgressAttempt)
}

// Result is what every fetcher produces on success.
type Result struct {
	LocalPath       string
	FileName        string
	Size            int64
	SelectedQuality *queue.SelectedQuality
}

// Fetcher is the one-method capability every source_kind variant implements.
type Fetcher interface {
	Fetch(ctx context.Context, in Input) (Result, error)
}

// Config carries the tunables the four fetchers need, assembled once by the
// driver from the environment.
type Config struct {
	URL      URLConfig
	Drive    DriveConfig
	Platform PlatformConfig
}

// For returns the Fetcher implementing kind, or an error for an unknown kind
// (which the caller should treat as importerrors.KindSourceInvalid).
func For(kind db.SourceKind, cfg Config) (Fetcher, error) {
	switch kind {
	case db.SourceKindURL:
		return NewURLFetcher(cfg.URL), nil
	case db.SourceKindDrive:
		return NewDriveFetcher(cfg.Drive), nil
	case db.SourceKindPlatform:
		return NewPlatformFetcher(cfg.Platform), nil
	case db.SourceKindLocal:
		return NewLocalFetcher(), nil
	default:
		return nil, fmt.Errorf("unknown source kind: %q", kind)
	}
}
