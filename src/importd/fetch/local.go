package fetch

import (
	"context"
	"os"

	"github.com/ingestflow/importd/src/common/importerrors"
)

// LocalFetcher handles source_kind=local: source_ref is a path already
// written by the out-of-scope resumable-upload pre-stager. No network I/O;
// existence/size is verified with a single stat.
type LocalFetcher struct{}

// NewLocalFetcher constructs the local passthrough fetcher.
func NewLocalFetcher() *LocalFetcher { return &LocalFetcher{} }

func (f *LocalFetcher) Fetch(ctx context.Context, in Input) (Result, error) {
	info, err := os.Stat(in.SourceRef)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, importerrors.New(importerrors.KindSourceNotFound, "pre-staged file not found: "+in.SourceRef)
		}
		return Result{}, importerrors.Wrap(err, importerrors.KindSourceInvalid, "failed to stat pre-staged file")
	}
	if info.IsDir() {
		return Result{}, importerrors.New(importerrors.KindSourceInvalid, "source_ref is a directory, not a file")
	}
	if in.MaxFileSize > 0 && info.Size() > in.MaxFileSize {
		return Result{}, importerrors.New(importerrors.KindSizeExceeded, "pre-staged file exceeds max file size")
	}

	fileName := in.FileName
	if fileName == "" {
		fileName = info.Name()
	}
	if in.Progress != nil {
		in.Progress(100, "local file staged", nil)
	}
	return Result{LocalPath: in.SourceRef, FileName: fileName, Size: info.Size()}, nil
}
