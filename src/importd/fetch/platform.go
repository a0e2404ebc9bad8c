package fetch

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ingestflow/importd/src/common/importerrors"
	"github.com/ingestflow/importd/src/importd/db"
	"github.com/ingestflow/importd/src/importd/queue"
)

// EgressProvider is the subset of the egress identity pool (package egress)
// the platform-id fetcher needs. Declared here rather than imported to keep
// fetch from depending on egress's admin-API polling concerns.
type EgressProvider interface {
	List(ctx context.Context) []db.EgressIdentity
	ReportResult(identityURL string, success bool, responseMs int64)
}

// PlatformConfig configures the external-downloader-backed fetcher.
type PlatformConfig struct {
	BinaryPath       string
	MaxHeight        int // capped resolution, e.g. 1080
	MinFileSizeBytes int64
	ProbeTimeout     time.Duration
	DownloadTimeout  time.Duration
	Egress           EgressProvider
}

// DefaultPlatformConfig returns reasonable defaults.
func DefaultPlatformConfig() PlatformConfig {
	return PlatformConfig{
		BinaryPath:       "yt-dlp",
		MaxHeight:        1080,
		MinFileSizeBytes: 5 << 20,
		ProbeTimeout:     5 * time.Second,
		DownloadTimeout:  30 * time.Minute,
	}
}

var fragmentSuffixes = []string{".part", ".ytdl", ".temp", ".part-", "part-Frag"}

func isFragmentFile(name string) bool {
	for _, suffix := range fragmentSuffixes {
		if strings.HasSuffix(name, suffix) || strings.Contains(name, suffix) {
			return true
		}
	}
	return false
}

var (
	progressLinePattern = regexp.MustCompile(`(\d+\.\d+)%`)
	resolutionPattern   = regexp.MustCompile(`(\d{2,5})x(\d{2,5})`)
	fpsPattern          = regexp.MustCompile(`(\d{2,3})fps`)
	codecTokenPattern   = regexp.MustCompile(`\b(vp09|avc1|av01|opus|mp4a|aac)\b`)
)

// PlatformFetcher invokes an external downloader binary per egress
// identity, with a pre-probe step and opportunistic quality harvesting.
// Child output is read as a stream rather than collected in one shot, so
// progress can be parsed while the download is still running.
type PlatformFetcher struct {
	cfg PlatformConfig
}

// NewPlatformFetcher constructs the platform-id fetcher.
func NewPlatformFetcher(cfg PlatformConfig) *PlatformFetcher {
	defaults := DefaultPlatformConfig()
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = defaults.BinaryPath
	}
	if cfg.MaxHeight == 0 {
		cfg.MaxHeight = defaults.MaxHeight
	}
	if cfg.MinFileSizeBytes == 0 {
		cfg.MinFileSizeBytes = defaults.MinFileSizeBytes
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = defaults.DownloadTimeout
	}
	return &PlatformFetcher{cfg: cfg}
}

// probe runs a 5-second pre-probe invocation that prints one line
// `format_id|resolution|fps|vcodec|acodec|note`.
func (f *PlatformFetcher) probe(ctx context.Context, sourceRef string) (*queue.SelectedQuality, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ProbeTimeout)
	defer cancel()

	args := []string{"--print", "%(format_id)s|%(resolution)s|%(fps)s|%(vcodec)s|%(acodec)s|probe",
		"-f", f.formatSelector(), sourceRef}
	cmd := exec.CommandContext(ctx, f.cfg.BinaryPath, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("pre-probe failed: %w", err)
	}
	line := strings.TrimSpace(string(out))
	parts := strings.Split(line, "|")
	if len(parts) < 5 {
		return nil, fmt.Errorf("unexpected pre-probe output: %q", line)
	}
	return &queue.SelectedQuality{
		FormatID:   parts[0],
		Resolution: normalizeResolution(parts[1]),
		FPS:        parts[2],
		VCodec:     parts[3],
		ACodec:     parts[4],
		Note:       "probe",
	}, nil
}

// formatSelector builds the downloader's format-selection expression:
// capped height, prefer higher bitrate, exclude HDR and experimental codecs.
func (f *PlatformFetcher) formatSelector() string {
	height := f.cfg.MaxHeight
	if height == 0 {
		height = 1080
	}
	return fmt.Sprintf("bestvideo[height<=%d][vcodec!*=av01][dynamic_range!*=HDR]+bestaudio/best[height<=%d]", height, height)
}

func normalizeResolution(raw string) string {
	if m := resolutionPattern.FindStringSubmatch(raw); len(m) == 3 {
		return m[2] + "p"
	}
	return raw
}

func (f *PlatformFetcher) Fetch(ctx context.Context, in Input) (Result, error) {
	if f.cfg.Egress == nil {
		return Result{}, importerrors.New(importerrors.KindPermanentFailure, "no egress identity provider configured")
	}
	identities := f.cfg.Egress.List(ctx)
	if len(identities) == 0 {
		return Result{}, importerrors.New(importerrors.KindEgressExhausted, "no egress identities available")
	}

	quality, probeErr := f.probe(ctx, in.SourceRef)
	if probeErr != nil {
		log.Warn("platform pre-probe failed, proceeding without quality metadata", "error", probeErr)
	}
	if quality != nil && in.Progress != nil {
		in.Progress(10, "probed source format", quality)
	}

	var lastErr error
	for idx, identity := range identities {
		attempt := queue.EgressAttempt{
			IdentityURL:   identity.URL,
			AttemptNumber: idx + 1,
			StartedAt:     time.Now().UTC(),
		}

		result, mergedQuality, err := f.attemptIdentity(ctx, identity, idx, len(identities), quality, in)
		ended := time.Now().UTC()
		attempt.EndedAt = &ended
		attempt.ResponseMs = ended.Sub(attempt.StartedAt).Milliseconds()
		attempt.Succeeded = err == nil
		if err != nil {
			attempt.Error = err.Error()
		}
		if in.EgressAttempt != nil {
			in.EgressAttempt(attempt)
		}
		if !identity.IsHardcoded() {
			f.cfg.Egress.ReportResult(identity.URL, err == nil, attempt.ResponseMs)
		}

		if err == nil {
			result.SelectedQuality = mergedQuality
			return result, nil
		}
		lastErr = err
		log.Warn("platform download attempt failed", "identity", identity.URL, "error", err)
	}

	if lastErr != nil {
		if importerrors.GetKind(lastErr) == importerrors.KindSourceDenied || importerrors.GetKind(lastErr) == importerrors.KindSourceNotFound {
			return Result{}, lastErr
		}
	}
	return Result{}, importerrors.New(importerrors.KindEgressExhausted, "all egress identities failed")
}

func (f *PlatformFetcher) attemptIdentity(ctx context.Context, identity db.EgressIdentity, idx, total int, probed *queue.SelectedQuality, in Input) (Result, *queue.SelectedQuality, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.DownloadTimeout)
	defer cancel()

	outputTemplate := filepath.Join(outputDir(in.TempDir), "import-%(id)s.%(ext)s")
	args := []string{"-f", f.formatSelector(), "--proxy", identity.URL, "-o", outputTemplate, in.SourceRef}
	cmd := exec.CommandContext(ctx, f.cfg.BinaryPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return Result{}, nil, fmt.Errorf("start downloader: %w", err)
	}

	merged := probed
	var producedPath string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if path := extractDestinationPath(line); path != "" {
			producedPath = path
		}
		merged = mergeObservedQuality(merged, line)
		if pct, ok := parseProgressLine(line); ok {
			overall := rescaleProgress(pct, idx, total)
			if in.Progress != nil {
				in.Progress(overall, "downloading via egress identity", merged)
			}
		}
	}
	_ = scanner.Err()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		cleanupFragments(in.TempDir, producedPath)
		return Result{}, merged, importerrors.New(importerrors.KindChildTimeout, "downloader exceeded 30-minute timeout")
	}
	if waitErr != nil {
		cleanupFragments(in.TempDir, producedPath)
		kind := importerrors.ClassifyMessage(waitErr.Error())
		return Result{}, merged, importerrors.Wrap(waitErr, kind, "downloader exited non-zero")
	}
	if producedPath == "" {
		cleanupFragments(in.TempDir, producedPath)
		return Result{}, merged, importerrors.New(importerrors.KindSourceUnavailable, "downloader reported no output file")
	}
	if isFragmentFile(producedPath) {
		cleanupFragments(in.TempDir, producedPath)
		return Result{}, merged, importerrors.New(importerrors.KindSourceUnavailable, "downloader left an incomplete fragment")
	}

	info, statErr := os.Stat(producedPath)
	if statErr != nil {
		return Result{}, merged, importerrors.Wrap(statErr, importerrors.KindSourceUnavailable, "could not stat downloaded file")
	}
	if info.Size() < f.cfg.MinFileSizeBytes {
		cleanupFragments(in.TempDir, producedPath)
		return Result{}, merged, importerrors.New(importerrors.KindSourceUnavailable, "downloaded file below minimum size")
	}

	if in.Progress != nil {
		in.Progress(100, "download complete", merged)
	}
	return Result{LocalPath: producedPath, FileName: filepath.Base(producedPath), Size: info.Size()}, merged, nil
}

func outputDir(dir string) string {
	if dir == "" {
		return os.TempDir()
	}
	return dir
}

var destinationLinePattern = regexp.MustCompile(`\[download\] Destination: (.+)`)
var mergerLinePattern = regexp.MustCompile(`\[Merger\] Merging formats into "(.+)"`)

func extractDestinationPath(line string) string {
	if m := mergerLinePattern.FindStringSubmatch(line); len(m) == 2 {
		return m[1]
	}
	if m := destinationLinePattern.FindStringSubmatch(line); len(m) == 2 {
		return m[1]
	}
	return ""
}

func parseProgressLine(line string) (float64, bool) {
	m := progressLinePattern.FindStringSubmatch(line)
	if len(m) != 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// rescaleProgress folds a single identity's download progress into the
// overall job percentage: 10% (probe) + proxy-index share of 15% +
// download*75%, clamped to 89% (the remainder is reserved for the upload
// stage).
func rescaleProgress(downloadPct float64, idx, total int) float64 {
	proxyShare := 0.0
	if total > 0 {
		proxyShare = float64(idx) / float64(total) * 15
	}
	overall := 10 + proxyShare + downloadPct/100*75
	if overall > 89 {
		overall = 89
	}
	return overall
}

// mergeObservedQuality harvests resolution/fps/codec tokens from stdout,
// only filling fields the pre-probe left empty, per the adopted open
// question that the probe line is authoritative.
func mergeObservedQuality(existing *queue.SelectedQuality, line string) *queue.SelectedQuality {
	q := existing
	if q == nil {
		q = &queue.SelectedQuality{}
	} else {
		copy := *q
		q = &copy
	}
	if q.Resolution == "" {
		if m := resolutionPattern.FindStringSubmatch(line); len(m) == 3 {
			q.Resolution = m[2] + "p"
		}
	}
	if q.FPS == "" {
		if m := fpsPattern.FindStringSubmatch(line); len(m) == 2 {
			q.FPS = m[1]
		}
	}
	if codecs := codecTokenPattern.FindAllString(line, -1); len(codecs) > 0 {
		for _, c := range codecs {
			switch c {
			case "vp09", "avc1", "av01":
				if q.VCodec == "" {
					q.VCodec = c
				}
			case "opus", "mp4a", "aac":
				if q.ACodec == "" {
					q.ACodec = c
				}
			}
		}
	}
	return q
}

// cleanupFragments removes the produced path (if any) plus any sibling
// fragment files sharing its prefix (its name up to the first dot),
// matching the exclusion suffix set. With no produced path, every fragment
// file in dir whose name starts with "import-" is removed.
func cleanupFragments(dir, producedPath string) {
	prefix := "import-"
	if producedPath != "" {
		_ = os.Remove(producedPath)
		base := filepath.Base(producedPath)
		if i := strings.Index(base, "."); i > 0 {
			prefix = base[:i]
		}
	}
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if isFragmentFile(e.Name()) && strings.HasPrefix(e.Name(), prefix) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}
