package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/ingestflow/importd/src/common/importerrors"
	"github.com/ingestflow/importd/src/importd/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.New(db.Config{PersistPath: "", LoadOnStart: false})
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Shutdown() })
	repo := db.NewJobRepository(database)
	cfg := DefaultConfig()
	cfg.StalledInterval = time.Millisecond
	cfg.MaxStalledCount = 2
	return NewStore(repo, cfg)
}

func TestSubmitIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	spec := JobSpec{RequestID: "req-1", SourceKind: db.SourceKindLocal, SourceRef: "/tmp/x.mp4"}

	first, err := s.Submit(spec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := s.Submit(spec)
	if err != nil {
		t.Fatalf("submit again: %v", err)
	}
	if first.ID != second.ID || first.EnqueuedAt != second.EnqueuedAt {
		t.Fatalf("expected identical job returned, got %+v vs %+v", first, second)
	}

	counts, err := s.CountsByStatus()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[db.JobStatusWaiting] != 1 {
		t.Fatalf("expected exactly one waiting job, got %v", counts)
	}
}

func TestSubmitAfterTerminalCreatesNewJob(t *testing.T) {
	s := newTestStore(t)
	spec := JobSpec{RequestID: "req-2", SourceKind: db.SourceKindLocal, SourceRef: "/tmp/x.mp4"}
	if _, err := s.Submit(spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, ok, err := s.Lease("worker-1")
	if err != nil || !ok {
		t.Fatalf("lease: ok=%v err=%v", ok, err)
	}
	if err := s.Complete(job.ID, ReturnValue{CDNURL: "https://cdn/x"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// A fresh submit for a request_id whose job is terminal returns the
	// existing row (request_id is the primary key), not a second row.
	again, err := s.Submit(spec)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.Status != db.JobStatusCompleted {
		t.Fatalf("expected completed job returned unchanged, got %s", again.Status)
	}
}

func TestLeaseIsExclusive(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Submit(JobSpec{RequestID: "req-3", SourceKind: db.SourceKindLocal, SourceRef: "/tmp/x.mp4"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	job, ok, err := s.Lease("worker-1")
	if err != nil || !ok {
		t.Fatalf("first lease: ok=%v err=%v", ok, err)
	}
	if job.Status != db.JobStatusActive {
		t.Fatalf("expected active status, got %s", job.Status)
	}

	_, ok, err = s.Lease("worker-2")
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if ok {
		t.Fatal("expected no job available for a second lease attempt")
	}
}

func TestPauseBlocksLease(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Submit(JobSpec{RequestID: "req-4", SourceKind: db.SourceKindLocal, SourceRef: "/tmp/x.mp4"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	s.Pause()
	_, ok, err := s.Lease("worker-1")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if ok {
		t.Fatal("expected lease to be refused while paused")
	}
	s.Resume()
	_, ok, err = s.Lease("worker-1")
	if err != nil || !ok {
		t.Fatalf("expected lease to succeed after resume: ok=%v err=%v", ok, err)
	}
}

func TestFailRetryableReArmsUntilExhausted(t *testing.T) {
	s := newTestStore(t)
	s.cfg.Backoff = BackoffPolicy{Base: time.Millisecond, Multiplier: 1, Max: time.Millisecond}
	if _, err := s.Submit(JobSpec{RequestID: "req-5", SourceKind: db.SourceKindURL, SourceRef: "http://x", MaxAttempts: 2}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	job, ok, err := s.Lease("worker-1")
	if err != nil || !ok {
		t.Fatalf("lease: %v %v", ok, err)
	}
	retryErr := importerrors.New(importerrors.KindSourceUnavailable, "transient 500")
	if _, err := s.Fail(job.ID, retryErr); err != nil {
		t.Fatalf("fail: %v", err)
	}
	after, err := s.Get(job.ID)
	if err != nil || after == nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != db.JobStatusDelayed {
		t.Fatalf("expected delayed after first retryable failure, got %s", after.Status)
	}

	time.Sleep(5 * time.Millisecond)
	job2, ok, err := s.Lease("worker-1")
	if err != nil || !ok {
		t.Fatalf("second lease: %v %v", ok, err)
	}
	if _, err := s.Fail(job2.ID, retryErr); err != nil {
		t.Fatalf("second fail: %v", err)
	}
	final, err := s.Get(job2.ID)
	if err != nil || final == nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != db.JobStatusFailed {
		t.Fatalf("expected terminal failed once attempts exhausted, got %s", final.Status)
	}
}

func TestFailPermanentIsTerminalImmediately(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Submit(JobSpec{RequestID: "req-6", SourceKind: db.SourceKindDrive, SourceRef: "https://drive/x", MaxAttempts: 5}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, ok, err := s.Lease("worker-1")
	if err != nil || !ok {
		t.Fatalf("lease: %v %v", ok, err)
	}
	permErr := importerrors.New(importerrors.KindSourceDenied, "access denied")
	if _, err := s.Fail(job.ID, permErr); err != nil {
		t.Fatalf("fail: %v", err)
	}
	after, err := s.Get(job.ID)
	if err != nil || after == nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != db.JobStatusFailed {
		t.Fatalf("expected immediate terminal failure for a non-retryable kind, got %s", after.Status)
	}
}

func TestKillActiveInvokesRegisteredCancel(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Submit(JobSpec{RequestID: "req-7", SourceKind: db.SourceKindURL, SourceRef: "http://x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, ok, err := s.Lease("worker-1")
	if err != nil || !ok {
		t.Fatalf("lease: %v %v", ok, err)
	}
	cancelled := false
	s.RegisterCancel(job.ID, func() { cancelled = true })

	if err := s.KillActive(job.ID); err != nil {
		t.Fatalf("kill active: %v", err)
	}
	if !cancelled {
		t.Fatal("expected the worker's cancel func to be invoked")
	}
	after, err := s.Get(job.ID)
	if err != nil || after == nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != db.JobStatusFailed || after.FailureReason != "manually killed" {
		t.Fatalf("unexpected terminal state: %+v", after)
	}
}

func TestStalledSweepReArmsAfterMaxObservations(t *testing.T) {
	s := newTestStore(t)
	s.cfg.LockDuration = -time.Second // lease is already expired on creation
	if _, err := s.Submit(JobSpec{RequestID: "req-8", SourceKind: db.SourceKindURL, SourceRef: "http://x", MaxAttempts: 3}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, ok, err := s.Lease("worker-1"); err != nil || !ok {
		t.Fatalf("lease: %v %v", ok, err)
	}

	for i := 0; i < s.cfg.MaxStalledCount-1; i++ {
		if err := s.StalledSweep(); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		j, err := s.Get("req-8")
		if err != nil || j == nil {
			t.Fatalf("get: %v", err)
		}
		if j.Status != db.JobStatusActive {
			t.Fatalf("expected job to remain active before reaching max stalled count, got %s at iteration %d", j.Status, i)
		}
	}

	if err := s.StalledSweep(); err != nil {
		t.Fatalf("final sweep: %v", err)
	}
	j, err := s.Get("req-8")
	if err != nil || j == nil {
		t.Fatalf("get: %v", err)
	}
	if j.Status != db.JobStatusWaiting {
		t.Fatalf("expected job forced back to waiting, got %s", j.Status)
	}
}

func TestDrainRemovesOnlyWaiting(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Submit(JobSpec{RequestID: "waiting-1", SourceKind: db.SourceKindLocal, SourceRef: "/x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := s.Submit(JobSpec{RequestID: "active-1", SourceKind: db.SourceKindLocal, SourceRef: "/y"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, ok, err := s.Lease("worker-1"); err != nil || !ok {
		t.Fatalf("lease: %v %v", ok, err)
	}

	n, err := s.Drain()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one waiting job drained, got %d", n)
	}
	counts, err := s.CountsByStatus()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[db.JobStatusWaiting] != 0 || counts[db.JobStatusActive] != 1 {
		t.Fatalf("unexpected counts after drain: %v", counts)
	}
}

func TestObliterateRemovesEverything(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Submit(JobSpec{RequestID: "any", SourceKind: db.SourceKindLocal, SourceRef: "/x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	n, err := s.Obliterate()
	if err != nil {
		t.Fatalf("obliterate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row removed, got %d", n)
	}
	job, err := s.Get("any")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job != nil {
		t.Fatal("expected job to be gone after obliterate")
	}
}

func TestFailUnclassifiedErrorIsTreatedAsTerminal(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Submit(JobSpec{RequestID: "req-9", SourceKind: db.SourceKindURL, SourceRef: "http://x", MaxAttempts: 5}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, ok, err := s.Lease("worker-1")
	if err != nil || !ok {
		t.Fatalf("lease: %v %v", ok, err)
	}
	if _, err := s.Fail(job.ID, errors.New("boom")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	after, err := s.Get(job.ID)
	if err != nil || after == nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != db.JobStatusFailed {
		t.Fatalf("expected a generic error to be treated as non-retryable, got %s", after.Status)
	}
}
