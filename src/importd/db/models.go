package db

import "time"

// JobStatus enumerates the lifecycle states a Job moves through.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusDelayed   JobStatus = "delayed"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// SourceKind enumerates the fetch strategies a Job may select.
type SourceKind string

const (
	SourceKindURL      SourceKind = "url"
	SourceKindDrive    SourceKind = "drive"
	SourceKindPlatform SourceKind = "platform"
	SourceKindLocal    SourceKind = "local"
)

// Job is the durable row backing a single import. ID doubles as the
// externally-assigned request_id, making submission idempotent.
type Job struct {
	ID           string
	SourceKind   SourceKind
	SourceRef    string
	FileName     string
	CatalogID    string
	APIKey       string
	Status       JobStatus
	AttemptsMade int
	MaxAttempts  int
	Priority     int

	ProgressStage            string
	ProgressPercentage       float64
	ProgressMessage          string
	ProgressSelectedQuality  string // JSON-encoded SelectedQuality, empty if unset
	EgressAttempts           string // JSON-encoded []EgressAttempt

	ReturnValue    string // JSON-encoded result, set only in terminal success
	FailureReason  string

	WorkerID       string
	LeaseExpiresAt *time.Time
	StalledCount   int
	DelayedUntil   *time.Time

	EnqueuedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// IsTerminal reports whether the job has reached a status from which it
// will never transition again on its own.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// RecoveryState is the heartbeat-backed mirror of an active job, used to
// detect stalls and reclaim temp files after a crash.
type RecoveryState struct {
	JobID     string
	Status    string
	Data      string // JSON-encoded free-form snapshot
	Progress  string // JSON-encoded Progress
	TempFiles string // JSON-encoded []string
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// EgressIdentity is a single outbound proxy/identity entry in the pool.
// Identities whose ID is prefixed "hardcoded-" are fallbacks and are never
// reported on by report_result.
type EgressIdentity struct {
	ID                  string
	URL                 string
	Priority            int
	SuccessRate         float64
	IsHardcodedFallback bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsHardcoded reports whether this identity is a fallback that should be
// excluded from health reporting.
func (e *EgressIdentity) IsHardcoded() bool {
	return e.IsHardcodedFallback
}
