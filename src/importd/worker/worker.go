// Package worker implements the worker pool: a configurable number of
// long-running consumers that lease jobs from the job store, run the
// download-then-upload pipeline, report progress, and surface terminal
// outcomes exactly once per job. A fixed pool of goroutines polls the
// lease source on its own ticker, cooperating through a shared context for
// shutdown.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ingestflow/importd/src/common/importerrors"
	"github.com/ingestflow/importd/src/common/logs"
	"github.com/ingestflow/importd/src/importd/catalog"
	"github.com/ingestflow/importd/src/importd/fetch"
	"github.com/ingestflow/importd/src/importd/origin"
	"github.com/ingestflow/importd/src/importd/queue"
	"github.com/ingestflow/importd/src/importd/recovery"
)

var log = logs.NewDefault()

// SetLogger sets the logger used by the worker package.
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// Config controls the pool's concurrency and the pipeline's shared tunables.
type Config struct {
	Concurrency  int           // commonly 5
	PollInterval time.Duration // how often an idle worker re-polls for a lease
	TempDir      string
	MaxFileSize  int64 // bytes, 0 = unbounded
	Zone         string
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:  5,
		PollInterval: 500 * time.Millisecond,
		Zone:         "videos",
	}
}

// Pool is the Worker Pool: Concurrency goroutines each leasing jobs from
// store and running them through fetch -> upload -> notify.
type Pool struct {
	cfg      Config
	store    *queue.Store
	sup      *recovery.Supervisor
	backend  origin.Backend
	emitter  *catalog.Emitter
	fetchCfg fetch.Config

	mu      sync.Mutex
	active  map[string]struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool wires a worker pool to its collaborators.
func NewPool(cfg Config, store *queue.Store, sup *recovery.Supervisor, backend origin.Backend, emitter *catalog.Emitter, fetchCfg fetch.Config) *Pool {
	defaults := DefaultConfig()
	if cfg.Concurrency == 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.Zone == "" {
		cfg.Zone = defaults.Zone
	}
	return &Pool{
		cfg:      cfg,
		store:    store,
		sup:      sup,
		backend:  backend,
		emitter:  emitter,
		fetchCfg: fetchCfg,
		active:   make(map[string]struct{}),
	}
}

// Start launches Concurrency worker goroutines. It does not block.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go func(id string) {
			defer p.wg.Done()
			p.loop(ctx, id)
		}(workerID)
	}
}

// Stop cancels every worker goroutine's context and waits for in-flight
// pipeline invocations to observe it at their next suspension point.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// ActiveJobIDs returns the job ids currently being processed, for the
// driver's graceful-shutdown Quiesce call.
func (p *Pool) ActiveJobIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pool) addActive(jobID string) {
	p.mu.Lock()
	p.active[jobID] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) removeActive(jobID string) {
	p.mu.Lock()
	delete(p.active, jobID)
	p.mu.Unlock()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, ok, err := p.store.Lease(workerID)
			if err != nil {
				log.Error("lease attempt failed", "worker_id", workerID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			p.runJob(ctx, workerID, job)
		}
	}
}

// progressState is the mutable, mutex-guarded snapshot a running job's
// several progress sources (fetcher callback, upload callback, heartbeat
// ticker) all read and write.
type progressState struct {
	mu       sync.Mutex
	progress queue.Progress
	lastPct  float64
}

func (s *progressState) set(stage queue.Stage, pct float64, msg string, quality *queue.SelectedQuality) queue.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.Stage = stage
	if pct > s.progress.Percentage {
		s.progress.Percentage = pct
	}
	if msg != "" {
		s.progress.Message = msg
	}
	if quality != nil {
		s.progress.SelectedQuality = quality
	}
	return s.progress
}

func (s *progressState) appendEgressAttempt(a queue.EgressAttempt) queue.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.EgressAttempts = append(s.progress.EgressAttempts, a)
	return s.progress
}

func (s *progressState) resetForStage(stage queue.Stage) queue.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.Stage = stage
	s.progress.Percentage = 0
	s.progress.Message = ""
	s.lastPct = 0
	return s.progress
}

func (s *progressState) snapshot() queue.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// shouldPersist throttles the download-stage progress stream (the fetchers
// themselves report on every read) to at least 0.1 percentage-point
// granularity. Upload-stage callbacks do not pass through this gate; the
// uploader has its own byte-based throttle (package origin).
func (s *progressState) shouldPersist(pct float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pct-s.lastPct < 0.1 && pct < 100 {
		return false
	}
	s.lastPct = pct
	return true
}

// runJob executes the full pipeline for one leased job and calls
// store.Complete or store.Fail at most once; when the job's context has been
// cancelled it calls neither (see finishFailure).
func (p *Pool) runJob(parent context.Context, workerID string, job queue.Job) {
	jobCtx, cancel := context.WithCancel(parent)
	p.store.RegisterCancel(job.ID, cancel)
	p.addActive(job.ID)
	defer func() {
		p.removeActive(job.ID)
		p.store.UnregisterCancel(job.ID)
		cancel()
	}()

	state := &progressState{progress: queue.Progress{Stage: queue.StageDownloading, Message: "Starting download…"}}
	p.reportProgress(job.ID, state.snapshot())

	var tempMu sync.Mutex
	var tempFiles []string
	snapshotFn := func() (string, queue.Progress, []string) {
		tempMu.Lock()
		files := append([]string{}, tempFiles...)
		tempMu.Unlock()
		return "active", state.snapshot(), files
	}
	if err := p.sup.Heartbeat(job.ID, "active", state.snapshot(), nil); err != nil {
		log.Warn("initial heartbeat failed", "job_id", job.ID, "error", err)
	}
	p.sup.StartHeartbeat(jobCtx, job.ID, snapshotFn, p.store.ExtendLease)

	fetcher, err := fetch.For(job.SourceKind, p.fetchCfg)
	if err != nil {
		p.finishFailure(jobCtx, job, importerrors.New(importerrors.KindSourceInvalid, err.Error()))
		return
	}

	in := fetch.Input{
		SourceRef:   job.SourceRef,
		FileName:    job.FileName,
		TempDir:     p.cfg.TempDir,
		MaxFileSize: p.cfg.MaxFileSize,
		Progress: func(pct float64, msg string, quality *queue.SelectedQuality) {
			snap := state.set(queue.StageDownloading, pct, msg, quality)
			if state.shouldPersist(pct) {
				p.reportProgress(job.ID, snap)
			}
		},
		EgressAttempt: func(a queue.EgressAttempt) {
			snap := state.appendEgressAttempt(a)
			p.reportProgress(job.ID, snap)
		},
	}

	result, err := fetcher.Fetch(jobCtx, in)
	if err != nil {
		p.finishFailure(jobCtx, job, err)
		return
	}

	// Register the fetched path as a tracked temp file before the upload
	// stage begins, so a crash mid-upload lets the recovery sweep reclaim it.
	tempMu.Lock()
	tempFiles = []string{result.LocalPath}
	tempMu.Unlock()
	if err := p.sup.Heartbeat(job.ID, "active", state.snapshot(), tempFiles); err != nil {
		log.Warn("post-fetch heartbeat failed", "job_id", job.ID, "error", err)
	}

	cleanupTemp := func() {
		if rmErr := os.Remove(result.LocalPath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn("failed to remove temp file", "path", result.LocalPath, "error", rmErr)
		}
	}

	uploadProgress := state.resetForStage(queue.StageUploading)
	p.reportProgress(job.ID, uploadProgress)

	f, openErr := os.Open(result.LocalPath)
	if openErr != nil {
		cleanupTemp()
		p.finishFailure(jobCtx, job, importerrors.Wrap(openErr, importerrors.KindSourceUnavailable, "failed to reopen fetched file for upload"))
		return
	}

	objectName := buildObjectName(result.FileName)

	uploadErr := p.backend.Upload(jobCtx, p.cfg.Zone, objectName, f, result.Size, func(transferred, total int64) {
		pct := 0.0
		if total > 0 {
			pct = float64(transferred) / float64(total) * 100
		}
		snap := state.set(queue.StageUploading, pct, "", nil)
		p.reportProgress(job.ID, snap)
	})
	_ = f.Close()

	if uploadErr != nil {
		cleanupTemp()
		p.finishFailure(jobCtx, job, uploadErr)
		return
	}

	finalProgress := state.set(queue.StageCleanup, 100, "cleaning up", nil)
	p.reportProgress(job.ID, finalProgress)
	cleanupTemp()

	rv := queue.ReturnValue{
		CDNURL:         p.backend.CDNURL(objectName),
		FileName:       result.FileName,
		Size:           result.Size,
		AttemptsMade:   job.AttemptsMade,
		EgressAttempts: finalProgress.EgressAttempts,
	}
	if err := p.store.Complete(job.ID, rv); err != nil {
		log.Error("failed to persist job completion", "job_id", job.ID, "error", err)
	}
	if err := p.sup.Release(job.ID); err != nil {
		log.Warn("failed to release recovery record", "job_id", job.ID, "error", err)
	}

	if ok := p.backend.VerifyCDNAccess(context.Background(), objectName); !ok {
		log.Warn("cdn access verification failed after upload", "job_id", job.ID, "object", objectName)
	}

	p.notifySuccess(job, rv)
}

// finishFailure classifies and records a pipeline error. A job cancelled via
// KillActive is detected by the job's own context already being done — the
// job store has already transitioned it to terminal-failed by that point, so
// this path only releases the recovery record and skips both Store.Fail and
// catalog notification: manual kills are never reported to the catalog.
func (p *Pool) finishFailure(jobCtx context.Context, job queue.Job, fetchErr error) {
	if jobCtx.Err() != nil {
		if err := p.sup.Release(job.ID); err != nil {
			log.Warn("failed to release recovery record after cancellation", "job_id", job.ID, "error", err)
		}
		log.Warn("job pipeline observed cancellation", "job_id", job.ID)
		return
	}

	terminal, err := p.store.Fail(job.ID, fetchErr)
	if err != nil {
		log.Error("failed to record job failure", "job_id", job.ID, "error", err)
	}
	if err := p.sup.Release(job.ID); err != nil {
		log.Warn("failed to release recovery record", "job_id", job.ID, "error", err)
	}
	if terminal {
		p.notifyFailure(job, fetchErr)
	}
}

// notifySuccess fires the one catalog call a successful job owes:
// create_video when catalog_id was absent, update_source_link on a
// first-attempt success against an existing catalog_id, or
// report_import_success on a later-attempt success.
func (p *Pool) notifySuccess(job queue.Job, rv queue.ReturnValue) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if job.CatalogID == "" {
		p.emitter.CreateVideo(ctx, rv.FileName, rv.CDNURL, job.ID, job.APIKey)
		return
	}
	if job.AttemptsMade == 0 {
		p.emitter.UpdateSourceLink(ctx, job.CatalogID, rv.CDNURL, job.ID, job.APIKey)
		return
	}
	p.emitter.ReportImportSuccess(ctx, job.CatalogID, rv.CDNURL, job.ID, job.APIKey)
}

// notifyFailure fires report_import_failure only when catalog_id is set;
// callers must only invoke this once a failure has been determined terminal.
func (p *Pool) notifyFailure(job queue.Job, fetchErr error) {
	if job.CatalogID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.emitter.ReportImportFailure(ctx, job.CatalogID, fetchErr.Error(), job.SourceRef, job.AttemptsMade, job.APIKey)
}

func (p *Pool) reportProgress(jobID string, progress queue.Progress) {
	if err := p.store.ReportProgress(jobID, progress); err != nil {
		log.Warn("failed to persist progress", "job_id", jobID, "error", err)
	}
}

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// buildObjectName assembles `basename-<8-char-nonce><ext>`, sanitizing the
// basename so a file name pulled from an untrusted source (a Content-
// Disposition header, a drive share's metadata) cannot inject path
// separators or other surprising bytes into the destination object name.
func buildObjectName(fileName string) string {
	ext := filepath.Ext(fileName)
	base := strings.TrimSuffix(filepath.Base(fileName), ext)
	base = nonAlphanumeric.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "import"
	}
	nonce := uuid.NewString()[:8]
	return fmt.Sprintf("%s-%s%s", base, nonce, ext)
}
