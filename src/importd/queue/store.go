package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ingestflow/importd/src/common/importerrors"
	"github.com/ingestflow/importd/src/common/logs"
	"github.com/ingestflow/importd/src/importd/db"
)

var log = logs.NewDefault()

// SetLogger sets the logger used by the queue package.
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// Config holds the dispatcher's tunables. The driver (core/service.go) sets
// DefaultMaxAttempts and LockDuration from its configuration; every other
// field keeps its DefaultConfig value there.
type Config struct {
	DefaultMaxAttempts  int
	LockDuration        time.Duration // commonly 2h for big files
	StalledInterval     time.Duration // ~60s
	MaxStalledCount     int           // ~5
	Backoff             BackoffPolicy
	CompletedTTL        time.Duration // 24h
	CompletedKeepNewest int           // 100
	FailedTTL           time.Duration // 7 days
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxAttempts:  3,
		LockDuration:        2 * time.Hour,
		StalledInterval:     60 * time.Second,
		MaxStalledCount:     5,
		Backoff:             DefaultBackoffPolicy(),
		CompletedTTL:        24 * time.Hour,
		CompletedKeepNewest: 100,
		FailedTTL:           7 * 24 * time.Hour,
	}
}

// Store is the job store and dispatcher: a durable, FIFO-ish queue with
// retry/backoff, stalled-lease detection, and admin pause/drain/obliterate
// controls. All state-changing operations go through the repository, which
// persists atomically before the call returns.
type Store struct {
	repo *db.JobRepository
	cfg  Config

	mu      sync.Mutex
	paused  bool
	cancels map[string]context.CancelFunc
}

// NewStore wires a Store to its backing repository.
func NewStore(repo *db.JobRepository, cfg Config) *Store {
	if cfg.DefaultMaxAttempts == 0 {
		cfg = DefaultConfig()
	}
	return &Store{
		repo:    repo,
		cfg:     cfg,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Submit is idempotent by RequestID: since request_id is the job's primary
// key, any existing row for that id — active, waiting, or already terminal —
// is returned unchanged rather than erroring on a primary-key collision or
// silently duplicating work. A caller that wants a fresh attempt at the same
// source must submit a new RequestID.
func (s *Store) Submit(spec JobSpec) (Job, error) {
	existing, err := s.repo.GetByID(spec.RequestID)
	if err != nil {
		return Job{}, fmt.Errorf("submit: %w", err)
	}
	if existing != nil {
		return decodeJob(*existing), nil
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}
	job := &db.Job{
		ID:          spec.RequestID,
		SourceKind:  spec.SourceKind,
		SourceRef:   spec.SourceRef,
		FileName:    spec.FileName,
		CatalogID:   spec.CatalogID,
		APIKey:      spec.APIKey,
		MaxAttempts: maxAttempts,
	}
	if err := s.repo.Create(job); err != nil {
		return Job{}, fmt.Errorf("submit: %w", err)
	}
	log.Info("job submitted", "job_id", job.ID, "source_kind", job.SourceKind)
	return decodeJob(*job), nil
}

// Lease atomically moves one waiting or re-armed delayed job to active and
// assigns it a lease. Returns (Job{}, false, nil) if none is available or
// the queue is paused.
func (s *Store) Lease(workerID string) (Job, bool, error) {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return Job{}, false, nil
	}

	now := time.Now().UTC()
	candidates, err := s.repo.ListLeasable(now)
	if err != nil {
		return Job{}, false, fmt.Errorf("lease: %w", err)
	}
	leaseUntil := now.Add(s.cfg.LockDuration)
	for _, c := range candidates {
		ok, err := s.repo.Lease(c.ID, workerID, leaseUntil)
		if err != nil {
			return Job{}, false, fmt.Errorf("lease: %w", err)
		}
		if ok {
			job, err := s.repo.GetByID(c.ID)
			if err != nil || job == nil {
				return Job{}, false, err
			}
			log.Debug("job leased", "job_id", job.ID, "worker_id", workerID)
			return decodeJob(*job), true, nil
		}
		// lost the race to another dispatcher call; try the next candidate
	}
	return Job{}, false, nil
}

// RegisterCancel associates a running job id with the context.CancelFunc a
// worker uses to abort its current suspension point. KillActive invokes it.
func (s *Store) RegisterCancel(jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[jobID] = cancel
}

// UnregisterCancel removes the cancellation handle once a job has finished.
func (s *Store) UnregisterCancel(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, jobID)
}

// ExtendLease refreshes an active job's lease, implementing the worker's
// heartbeat.
func (s *Store) ExtendLease(jobID string) error {
	leaseUntil := time.Now().UTC().Add(s.cfg.LockDuration)
	return s.repo.ExtendLease(jobID, leaseUntil)
}

// ReportProgress persists the worker's latest progress snapshot.
func (s *Store) ReportProgress(jobID string, p Progress) error {
	var qualityJSON string
	if p.SelectedQuality != nil {
		b, err := json.Marshal(p.SelectedQuality)
		if err != nil {
			return fmt.Errorf("report progress: %w", err)
		}
		qualityJSON = string(b)
	}
	attemptsJSON := "[]"
	if len(p.EgressAttempts) > 0 {
		b, err := json.Marshal(p.EgressAttempts)
		if err != nil {
			return fmt.Errorf("report progress: %w", err)
		}
		attemptsJSON = string(b)
	}
	return s.repo.ReportProgress(jobID, string(p.Stage), p.Percentage, p.Message, qualityJSON, attemptsJSON)
}

// Complete transitions a job to completed, storing its return value.
func (s *Store) Complete(jobID string, rv ReturnValue) error {
	b, err := json.Marshal(rv)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if err := s.repo.Complete(jobID, string(b)); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	s.UnregisterCancel(jobID)
	log.Info("job completed", "job_id", jobID, "cdn_url", rv.CDNURL)
	return nil
}

// Fail records a failure and reports whether it was terminal. Retryable
// failures are re-armed after the backoff delay unless attempts are
// exhausted: a failure is terminal once attempts_made + 1 >= max_attempts,
// decided here rather than by the caller. The terminal flag tells callers
// (the worker pipeline) whether this is the point to fire a terminal-
// failure notification.
func (s *Store) Fail(jobID string, err error) (terminal bool, retErr error) {
	job, getErr := s.repo.GetByID(jobID)
	if getErr != nil {
		return false, fmt.Errorf("fail: %w", getErr)
	}
	if job == nil {
		return false, fmt.Errorf("fail: job not found: %s", jobID)
	}

	reason := err.Error()
	retryable := importerrors.IsRetryable(err)
	terminal = !retryable || job.AttemptsMade+1 >= job.MaxAttempts

	var delayUntil *time.Time
	if !terminal {
		d := s.cfg.Backoff.Delay(job.AttemptsMade + 1)
		t := time.Now().UTC().Add(d)
		delayUntil = &t
	}

	if failErr := s.repo.Fail(jobID, reason, terminal, delayUntil); failErr != nil {
		return false, fmt.Errorf("fail: %w", failErr)
	}
	s.UnregisterCancel(jobID)
	log.Warn("job failed", "job_id", jobID, "reason", reason, "terminal", terminal, "retryable", retryable)
	return terminal, nil
}

// Retry explicitly re-queues a non-active, non-completed job.
func (s *Store) Retry(jobID string) error {
	return s.repo.Retry(jobID)
}

// KillActive forces a running job to terminal-failed with reason "manually
// killed" and cancels the worker's context so it observes the cancellation
// at its next suspension point.
func (s *Store) KillActive(jobID string) error {
	if err := s.repo.KillActive(jobID); err != nil {
		return fmt.Errorf("kill active: %w", err)
	}
	s.mu.Lock()
	cancel, ok := s.cancels[jobID]
	delete(s.cancels, jobID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
	log.Warn("job killed", "job_id", jobID)
	return nil
}

// Get returns a single job by id, or nil if absent.
func (s *Store) Get(jobID string) (*Job, error) {
	row, err := s.repo.GetByID(jobID)
	if err != nil || row == nil {
		return nil, err
	}
	j := decodeJob(*row)
	return &j, nil
}

// ListFilters narrows List by status, newest-first, paginated.
type ListFilters struct {
	Status db.JobStatus
	Page   int
	Limit  int
}

// List returns jobs matching filters, newest-enqueued-first.
func (s *Store) List(f ListFilters) ([]Job, error) {
	limit := f.Limit
	offset := 0
	if limit > 0 && f.Page > 1 {
		offset = (f.Page - 1) * limit
	}
	rows, err := s.repo.List(db.ListFilters{Status: f.Status, Limit: limit, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return decodeJobs(rows), nil
}

// CountsByStatus returns the number of jobs in each status bucket.
func (s *Store) CountsByStatus() (map[db.JobStatus]int, error) {
	return s.repo.CountsByStatus()
}

// Pause stops new leases from being handed out. In-flight jobs continue.
func (s *Store) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	log.Info("queue paused")
}

// Resume re-enables leasing.
func (s *Store) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	log.Info("queue resumed")
}

// Drain removes every waiting job, leaving active/delayed/terminal jobs
// untouched.
func (s *Store) Drain() (int64, error) {
	n, err := s.repo.DeleteWaiting()
	if err != nil {
		return 0, fmt.Errorf("drain: %w", err)
	}
	log.Info("queue drained", "removed", n)
	return n, nil
}

// Obliterate removes every job regardless of state. force=true is always
// implied; there is no soft variant in this rewrite.
func (s *Store) Obliterate() (int64, error) {
	n, err := s.repo.DeleteAll()
	if err != nil {
		return 0, fmt.Errorf("obliterate: %w", err)
	}
	log.Warn("queue obliterated", "removed", n)
	return n, nil
}

// StalledSweep scans active jobs whose lease has expired. After
// MaxStalledCount consecutive observations it forces the job back to
// waiting (or to terminal-failed if attempts are exhausted).
func (s *Store) StalledSweep() error {
	now := time.Now().UTC()
	stalled, err := s.repo.ListActiveWithExpiredLease(now)
	if err != nil {
		return fmt.Errorf("stalled sweep: %w", err)
	}
	for _, job := range stalled {
		count, err := s.repo.IncrementStalledCount(job.ID)
		if err != nil {
			log.Error("stalled sweep: increment failed", "job_id", job.ID, "error", err)
			continue
		}
		if count < s.cfg.MaxStalledCount {
			continue
		}
		terminal := job.AttemptsMade+1 >= job.MaxAttempts
		if err := s.repo.MarkStalled(job.ID, terminal); err != nil {
			log.Error("stalled sweep: mark failed", "job_id", job.ID, "error", err)
			continue
		}
		s.UnregisterCancel(job.ID)
		log.Warn("job marked stalled", "job_id", job.ID, "terminal", terminal, "observations", count)
	}
	return nil
}

// GCSweep removes terminal jobs past their retention TTL: completed jobs
// older than CompletedTTL, excluding the CompletedKeepNewest most recent;
// failed jobs older than FailedTTL.
func (s *Store) GCSweep() error {
	now := time.Now().UTC()
	completedBefore := now.Add(-s.cfg.CompletedTTL)
	n, err := s.repo.DeleteCompletedOlderThanExceptNewest(completedBefore, s.cfg.CompletedKeepNewest)
	if err != nil {
		return fmt.Errorf("gc sweep: %w", err)
	}
	if n > 0 {
		log.Debug("gc: completed jobs removed", "count", n)
	}

	failedBefore := now.Add(-s.cfg.FailedTTL)
	n, err = s.repo.DeleteFailedOlderThan(failedBefore)
	if err != nil {
		return fmt.Errorf("gc sweep: %w", err)
	}
	if n > 0 {
		log.Debug("gc: failed jobs removed", "count", n)
	}
	return nil
}

// RunSweeps runs the stalled-lease and GC sweeps on their own tickers until
// ctx is cancelled. The driver starts this once at startup.
func (s *Store) RunSweeps(ctx context.Context, stalledInterval, gcInterval time.Duration) {
	stalledTicker := time.NewTicker(stalledInterval)
	gcTicker := time.NewTicker(gcInterval)
	defer stalledTicker.Stop()
	defer gcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stalledTicker.C:
			if err := s.StalledSweep(); err != nil {
				log.Error("stalled sweep error", "error", err)
			}
		case <-gcTicker.C:
			if err := s.GCSweep(); err != nil {
				log.Error("gc sweep error", "error", err)
			}
		}
	}
}
