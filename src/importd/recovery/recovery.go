// Package recovery implements the cross-cutting supervision subsystems: the
// job mirror's heartbeat, the startup stall-recovery sweep, graceful
// shutdown, and the memory watchdog. Only the memory watchdog runs as a
// background loop under the supervisor's context.WithCancel +
// sync.WaitGroup pair; the stall sweep runs once inside Start, and each
// job's heartbeat goroutine runs under that job's own context.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/ingestflow/importd/src/common/logs"
	"github.com/ingestflow/importd/src/importd/db"
	"github.com/ingestflow/importd/src/importd/queue"
)

var log = logs.NewDefault()

// SetLogger sets the logger used by the recovery package.
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

const (
	defaultTTL              = time.Hour
	defaultHeartbeatPeriod  = 30 * time.Second
	defaultStaleThreshold   = 5 * time.Minute
	defaultWatchdogInterval = 10 * time.Second
)

// Config configures the supervisor's timing and the memory watchdog's cap.
type Config struct {
	TTL              time.Duration
	HeartbeatPeriod  time.Duration
	StaleThreshold   time.Duration
	WatchdogInterval time.Duration
	MaxHeapBytes     uint64 // 0 disables the watchdog
}

// DefaultConfig returns reasonable timing defaults.
func DefaultConfig() Config {
	return Config{
		TTL:              defaultTTL,
		HeartbeatPeriod:  defaultHeartbeatPeriod,
		StaleThreshold:   defaultStaleThreshold,
		WatchdogInterval: defaultWatchdogInterval,
	}
}

// Supervisor owns the job mirror, the startup sweep, and the memory
// watchdog. One Supervisor is constructed per process.
type Supervisor struct {
	cfg      Config
	recovery *db.RecoveryRepository
	jobs     *db.JobRepository

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSupervisor constructs the recovery supervisor.
func NewSupervisor(cfg Config, recoveryRepo *db.RecoveryRepository, jobRepo *db.JobRepository) *Supervisor {
	if cfg.TTL == 0 {
		cfg = DefaultConfig()
	}
	return &Supervisor{cfg: cfg, recovery: recoveryRepo, jobs: jobRepo}
}

// Start runs the startup stall sweep once, then launches the memory
// watchdog loop in the background. It does not block.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("recovery supervisor already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.SweepStalled(s.ctx); err != nil {
		log.Warn("startup stall sweep failed", "error", err)
	}

	if s.cfg.MaxHeapBytes > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watchdogLoop()
		}()
	}

	return nil
}

// Stop cancels background loops and waits for them to exit. It does not
// itself mark jobs stalled — callers drive Quiesce as part of their own
// shutdown sequence, since only the driver knows which jobs are in-flight
// on its own worker pool.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Heartbeat opens or refreshes the recovery record for jobID with the
// configured TTL. Called once on lease and then every HeartbeatPeriod
// thereafter by the owning worker.
func (s *Supervisor) Heartbeat(jobID string, status string, progress queue.Progress, tempFiles []string) error {
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress for heartbeat: %w", err)
	}
	tempFilesJSON, err := json.Marshal(tempFiles)
	if err != nil {
		return fmt.Errorf("marshal temp files for heartbeat: %w", err)
	}
	return s.recovery.Upsert(jobID, status, "", string(progressJSON), string(tempFilesJSON), s.cfg.TTL)
}

// StartHeartbeat launches a goroutine that calls Heartbeat every
// HeartbeatPeriod until ctx is cancelled, using snapshot to obtain the
// current status/progress/temp-files each tick. This is how a worker keeps
// its mirror record fresh across a long-running download or upload.
// extendLease is invoked on the same tick to push the job-store lease's
// expiry back out, so a job that outlives LockDuration isn't mistaken for
// stalled while it's still making progress; pass nil to skip that.
func (s *Supervisor) StartHeartbeat(ctx context.Context, jobID string, snapshot func() (string, queue.Progress, []string), extendLease func(jobID string) error) {
	ticker := time.NewTicker(s.cfg.HeartbeatPeriod)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status, progress, tempFiles := snapshot()
				if err := s.Heartbeat(jobID, status, progress, tempFiles); err != nil {
					log.Warn("heartbeat failed", "job_id", jobID, "error", err)
				}
				if extendLease != nil {
					if err := extendLease(jobID); err != nil {
						log.Warn("failed to extend job lease during heartbeat", "job_id", jobID, "error", err)
					}
				}
			}
		}
	}()
}

// Release removes the recovery record for jobID, called on every terminal
// transition (success or failure).
func (s *Supervisor) Release(jobID string) error {
	return s.recovery.Delete(jobID)
}

// SweepStalled scans recovery records older than StaleThreshold and
// reconciles each against the job store: terminal or missing jobs have
// their record purged; active/waiting jobs are left alone; delayed jobs (a
// non-terminal failure waiting out its backoff) are retried at once.
func (s *Supervisor) SweepStalled(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.StaleThreshold)
	stale, err := s.recovery.ListStaleSince(cutoff)
	if err != nil {
		return fmt.Errorf("list stale recovery records: %w", err)
	}

	for _, record := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.reconcileStalled(record)
	}
	return nil
}

func (s *Supervisor) reconcileStalled(record db.RecoveryState) {
	job, err := s.jobs.GetByID(record.JobID)
	if err != nil {
		log.Warn("failed to look up job during stall sweep, removing corrupt record", "job_id", record.JobID, "error", err)
		s.removeTrackedTempFiles(record)
		_ = s.recovery.Delete(record.JobID)
		return
	}
	if job == nil || job.IsTerminal() {
		s.removeTrackedTempFiles(record)
		if err := s.recovery.Delete(record.JobID); err != nil {
			log.Warn("failed to purge stale recovery record", "job_id", record.JobID, "error", err)
		}
		return
	}
	switch job.Status {
	case db.JobStatusActive, db.JobStatusWaiting:
		return
	case db.JobStatusDelayed:
		if err := s.jobs.Retry(record.JobID); err != nil {
			log.Warn("failed to retry stalled job during sweep", "job_id", record.JobID, "error", err)
		}
		_ = s.recovery.Delete(record.JobID)
	default:
		_ = s.recovery.Delete(record.JobID)
	}
}

// removeTrackedTempFiles unlinks every path record.TempFiles names. Called
// before a recovery record is purged for a job that is terminal or gone, so
// the temp files a crashed or killed worker left behind don't outlive the
// record that was tracking them.
func (s *Supervisor) removeTrackedTempFiles(record db.RecoveryState) {
	if record.TempFiles == "" {
		return
	}
	var paths []string
	if err := json.Unmarshal([]byte(record.TempFiles), &paths); err != nil {
		log.Warn("failed to decode tracked temp files", "job_id", record.JobID, "error", err)
		return
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove tracked temp file", "job_id", record.JobID, "path", p, "error", err)
		}
	}
}

// Quiesce marks every currently-active job stalled in the mirror
// (timestamped now) so the next startup's sweep finds their records stale
// and reconciles them against the job store. It does
// not itself touch the job-store lease; the lease expires on its own and
// the queue's StalledSweep reclaims it once LockDuration has elapsed. Called
// by the driver as the first step of graceful shutdown, before it stops
// accepting new leases.
func (s *Supervisor) Quiesce(activeJobIDs []string) {
	for _, jobID := range activeJobIDs {
		if err := s.recovery.Upsert(jobID, "stalled", "", "", "[]", s.cfg.StaleThreshold); err != nil {
			log.Warn("failed to mark job stalled during shutdown", "job_id", jobID, "error", err)
		}
	}
}

func (s *Supervisor) watchdogLoop() {
	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkMemory()
		}
	}
}

func (s *Supervisor) checkMemory() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	ratio := float64(stats.HeapAlloc) / float64(s.cfg.MaxHeapBytes)

	switch {
	case ratio >= 0.95:
		log.Error("heap usage critical", "heap_bytes", stats.HeapAlloc, "cap_bytes", s.cfg.MaxHeapBytes, "ratio", ratio)
		runtime.GC()
	case ratio >= 0.85:
		log.Warn("heap usage high", "heap_bytes", stats.HeapAlloc, "cap_bytes", s.cfg.MaxHeapBytes, "ratio", ratio)
		runtime.GC()
	}
}
