// Package queue implements the durable FIFO-ish job store and dispatcher
// (the import pipeline's C1): submission, leasing, retry/backoff, stalled
// lease detection, and admin pause/drain/obliterate controls, backed by the
// db package's SQLite-persisted jobs table.
package queue

import (
	"encoding/json"
	"time"

	"github.com/ingestflow/importd/src/importd/db"
)

// Stage enumerates the pipeline phase a Progress record describes.
type Stage string

const (
	StageDownloading Stage = "downloading"
	StageUploading    Stage = "uploading"
	StageCleanup      Stage = "cleanup"
)

// SelectedQuality carries the fields harvested from the platform-id
// fetcher's pre-probe line (authoritative) merged with opportunistic
// observations from child stdout (used only when the probe field is empty).
type SelectedQuality struct {
	FormatID   string `json:"format_id,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	FPS        string `json:"fps,omitempty"`
	VCodec     string `json:"vcodec,omitempty"`
	ACodec     string `json:"acodec,omitempty"`
	Note       string `json:"note,omitempty"`
}

// EgressAttempt records one try through a single egress identity during a
// platform-id fetch.
type EgressAttempt struct {
	IdentityURL   string     `json:"identity_url"`
	AttemptNumber int        `json:"attempt_number"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Succeeded     bool       `json:"succeeded"`
	ResponseMs    int64      `json:"response_ms,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Progress is the structured, monotonically-advancing status a worker
// publishes while it runs a job. EgressAttempts is append-only within one
// attempt and resets on retry, same as Percentage.
type Progress struct {
	Stage           Stage            `json:"stage"`
	Percentage      float64          `json:"percentage"`
	Message         string           `json:"message,omitempty"`
	EgressAttempts  []EgressAttempt  `json:"egress_attempts,omitempty"`
	SelectedQuality *SelectedQuality `json:"selected_quality,omitempty"`
}

// JobSpec is the caller-supplied, immutable description of a submission.
type JobSpec struct {
	RequestID   string
	SourceKind  db.SourceKind
	SourceRef   string
	FileName    string
	CatalogID   string
	APIKey      string
	MaxAttempts int
}

// ReturnValue is the JSON-encoded shape stored in Job.ReturnValue on success.
type ReturnValue struct {
	CDNURL         string          `json:"cdn_url"`
	FileName       string          `json:"file_name"`
	Size           int64           `json:"size"`
	AttemptsMade   int             `json:"attempts_made"`
	EgressAttempts []EgressAttempt `json:"egress_attempts,omitempty"`
}

// Job is the caller-facing view of a db.Job with its JSON columns decoded.
type Job struct {
	db.Job
	Progress Progress
}

func decodeJob(row db.Job) Job {
	j := Job{Job: row}
	j.Progress.Stage = Stage(row.ProgressStage)
	j.Progress.Percentage = row.ProgressPercentage
	j.Progress.Message = row.ProgressMessage
	if row.ProgressSelectedQuality != "" {
		var q SelectedQuality
		if err := json.Unmarshal([]byte(row.ProgressSelectedQuality), &q); err == nil {
			j.Progress.SelectedQuality = &q
		}
	}
	if row.EgressAttempts != "" {
		var attempts []EgressAttempt
		if err := json.Unmarshal([]byte(row.EgressAttempts), &attempts); err == nil {
			j.Progress.EgressAttempts = attempts
		}
	}
	return j
}

func decodeJobs(rows []db.Job) []Job {
	jobs := make([]Job, len(rows))
	for i, r := range rows {
		jobs[i] = decodeJob(r)
	}
	return jobs
}
