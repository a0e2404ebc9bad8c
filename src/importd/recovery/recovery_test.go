package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ingestflow/importd/src/importd/db"
	"github.com/ingestflow/importd/src/importd/queue"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *db.JobRepository, *db.RecoveryRepository) {
	t.Helper()
	database, err := db.New(db.Config{PersistPath: "", LoadOnStart: false})
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Shutdown() })

	jobRepo := db.NewJobRepository(database)
	recoveryRepo := db.NewRecoveryRepository(database)
	cfg := DefaultConfig()
	cfg.StaleThreshold = time.Millisecond
	sup := NewSupervisor(cfg, recoveryRepo, jobRepo)
	return sup, jobRepo, recoveryRepo
}

func TestHeartbeatThenReleaseRemovesRecord(t *testing.T) {
	sup, jobRepo, recoveryRepo := newTestSupervisor(t)
	job := &db.Job{ID: "job-1", SourceKind: db.SourceKindLocal, SourceRef: "/tmp/x.mp4"}
	if err := jobRepo.Create(job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := sup.Heartbeat("job-1", "active", queue.Progress{Stage: queue.StageDownloading, Percentage: 10}, []string{"/tmp/x.mp4"}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	state, err := recoveryRepo.Get("job-1")
	if err != nil || state == nil {
		t.Fatalf("expected recovery record to exist, err=%v", err)
	}

	if err := sup.Release("job-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	state, err = recoveryRepo.Get("job-1")
	if err != nil {
		t.Fatalf("get after release: %v", err)
	}
	if state != nil {
		t.Error("expected recovery record to be removed after release")
	}
}

func TestSweepStalledPurgesRecordForTerminalJob(t *testing.T) {
	sup, jobRepo, recoveryRepo := newTestSupervisor(t)
	job := &db.Job{ID: "job-2", SourceKind: db.SourceKindLocal, SourceRef: "/tmp/x.mp4"}
	if err := jobRepo.Create(job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := jobRepo.Complete("job-2", `{}`); err != nil {
		t.Fatalf("complete job: %v", err)
	}
	if err := sup.Heartbeat("job-2", "active", queue.Progress{}, nil); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := sup.SweepStalled(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	state, err := recoveryRepo.Get("job-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state != nil {
		t.Error("expected recovery record for a terminal job to be purged")
	}
}

func TestSweepStalledRemovesTrackedTempFiles(t *testing.T) {
	sup, jobRepo, recoveryRepo := newTestSupervisor(t)
	job := &db.Job{ID: "job-temp", SourceKind: db.SourceKindLocal, SourceRef: "/tmp/x.mp4"}
	if err := jobRepo.Create(job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := jobRepo.Complete("job-temp", `{}`); err != nil {
		t.Fatalf("complete job: %v", err)
	}

	dir := t.TempDir()
	tempPath := filepath.Join(dir, "fetched.mp4")
	if err := os.WriteFile(tempPath, []byte("data"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if err := sup.Heartbeat("job-temp", "active", queue.Progress{}, []string{tempPath}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := sup.SweepStalled(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Fatalf("expected tracked temp file to be removed, stat err = %v", err)
	}

	state, err := recoveryRepo.Get("job-temp")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state != nil {
		t.Error("expected recovery record for a terminal job to be purged")
	}
}

func TestSweepStalledRetriesFailedJob(t *testing.T) {
	sup, jobRepo, recoveryRepo := newTestSupervisor(t)
	job := &db.Job{ID: "job-3", SourceKind: db.SourceKindLocal, SourceRef: "/tmp/x.mp4", MaxAttempts: 3}
	if err := jobRepo.Create(job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := jobRepo.Fail("job-3", "stalled", false, nil); err != nil {
		t.Fatalf("fail job: %v", err)
	}
	if err := sup.Heartbeat("job-3", "active", queue.Progress{}, nil); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := sup.SweepStalled(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	job3, err := jobRepo.GetByID("job-3")
	if err != nil || job3 == nil {
		t.Fatalf("expected job to still exist, err=%v", err)
	}
	if job3.Status != db.JobStatusWaiting {
		t.Errorf("expected retried job to be waiting, got %v", job3.Status)
	}

	state, err := recoveryRepo.Get("job-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state != nil {
		t.Error("expected recovery record to be purged after retry")
	}
}

func TestSweepStalledLeavesActiveJobAlone(t *testing.T) {
	sup, jobRepo, recoveryRepo := newTestSupervisor(t)
	job := &db.Job{ID: "job-4", SourceKind: db.SourceKindLocal, SourceRef: "/tmp/x.mp4"}
	if err := jobRepo.Create(job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := jobRepo.Lease("job-4", "worker-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := sup.Heartbeat("job-4", "active", queue.Progress{}, nil); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := sup.SweepStalled(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	state, err := recoveryRepo.Get("job-4")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state == nil {
		t.Error("expected recovery record for a still-active job to survive the sweep")
	}
}
