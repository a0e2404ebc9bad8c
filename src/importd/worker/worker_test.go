package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ingestflow/importd/src/importd/catalog"
	"github.com/ingestflow/importd/src/importd/db"
	"github.com/ingestflow/importd/src/importd/fetch"
	"github.com/ingestflow/importd/src/importd/origin"
	"github.com/ingestflow/importd/src/importd/queue"
	"github.com/ingestflow/importd/src/importd/recovery"
)

func newHarness(t *testing.T) (*Pool, *queue.Store, *db.Database) {
	t.Helper()
	database, err := db.New(db.Config{PersistPath: "", LoadOnStart: false})
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Shutdown() })

	jobRepo := db.NewJobRepository(database)
	recoveryRepo := db.NewRecoveryRepository(database)

	store := queue.NewStore(jobRepo, queue.DefaultConfig())
	sup := recovery.NewSupervisor(recovery.Config{
		TTL: time.Hour, HeartbeatPeriod: 10 * time.Millisecond, StaleThreshold: time.Minute,
	}, recoveryRepo, jobRepo)

	backendDir := t.TempDir()
	backend, err := origin.NewLocalBackend(origin.LocalConfig{BasePath: backendDir, CDNBase: "https://cdn.example.test"})
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}

	emitter := catalog.NewEmitter(catalog.Config{}) // no BaseURL: every call is a logged no-op

	cfg := DefaultConfig()
	cfg.Concurrency = 1
	cfg.PollInterval = 5 * time.Millisecond
	cfg.TempDir = t.TempDir()

	pool := NewPool(cfg, store, sup, backend, emitter, fetch.Config{})
	return pool, store, database
}

func TestPoolCompletesLocalPassthroughJob(t *testing.T) {
	pool, store, _ := newHarness(t)

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "ok.mp4")
	if err := os.WriteFile(srcPath, make([]byte, 1024), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := store.Submit(queue.JobSpec{
		RequestID:  "req-local-1",
		SourceKind: db.SourceKindLocal,
		SourceRef:  srcPath,
		FileName:   "ok.mp4",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	job := waitForTerminal(t, store, "req-local-1")
	pool.Stop()

	if job.Status != db.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (reason=%s)", job.Status, job.FailureReason)
	}
	if !strings.Contains(job.ReturnValue, "cdn.example.test") {
		t.Fatalf("expected cdn url in return value, got %s", job.ReturnValue)
	}
	if !strings.Contains(job.ReturnValue, "ok-") || !strings.Contains(job.ReturnValue, ".mp4") {
		t.Fatalf("expected object name to carry the basename and a nonce, got %s", job.ReturnValue)
	}
	if _, err := os.Stat(srcPath); !os.IsNotExist(err) {
		t.Fatalf("expected source temp file to be removed, stat err = %v", err)
	}
}

func TestPoolFailsLocalJobWithMissingSource(t *testing.T) {
	pool, store, _ := newHarness(t)

	if _, err := store.Submit(queue.JobSpec{
		RequestID:  "req-local-missing",
		SourceKind: db.SourceKindLocal,
		SourceRef:  "/nonexistent/path/missing.mp4",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	job := waitForTerminal(t, store, "req-local-missing")
	pool.Stop()

	if job.Status != db.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if !strings.Contains(job.FailureReason, "not found") && !strings.Contains(job.FailureReason, "source-not-found") {
		t.Fatalf("expected a not-found failure reason, got %q", job.FailureReason)
	}
}

func waitForTerminal(t *testing.T, store *queue.Store, id string) db.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.Get(id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if job != nil && job.IsTerminal() {
			return job.Job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state in time", id)
	return db.Job{}
}
