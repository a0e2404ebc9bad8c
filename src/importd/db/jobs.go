package db

import (
	"database/sql"
	"fmt"
	"time"
)

// JobRepository handles job database operations.
type JobRepository struct {
	db *Database
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *Database) *JobRepository {
	return &JobRepository{db: db}
}

const selectJobsQuery = `
	SELECT id, source_kind, source_ref, file_name, catalog_id, api_key, status,
		attempts_made, max_attempts, priority,
		progress_stage, progress_percentage, progress_message, progress_selected_quality,
		egress_attempts, return_value, failure_reason,
		worker_id, lease_expires_at, stalled_count, delayed_until,
		enqueued_at, started_at, finished_at
	FROM jobs
`

// Create inserts a new job at status waiting.
func (r *JobRepository) Create(job *Job) error {
	if job.Status == "" {
		job.Status = JobStatusWaiting
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	if job.EgressAttempts == "" {
		job.EgressAttempts = "[]"
	}

	query := `
		INSERT INTO jobs (id, source_kind, source_ref, file_name, catalog_id, api_key, status,
			attempts_made, max_attempts, priority, egress_attempts, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.DB().Exec(query,
		job.ID, job.SourceKind, job.SourceRef, job.FileName, job.CatalogID, job.APIKey, job.Status,
		job.AttemptsMade, job.MaxAttempts, job.Priority, job.EgressAttempts, job.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by its id (request_id). Returns nil, nil if absent.
func (r *JobRepository) GetByID(id string) (*Job, error) {
	query := selectJobsQuery + ` WHERE id = ?`
	row := r.db.DB().QueryRow(query, id)
	return r.scanJob(row)
}

// ListLeasable returns waiting jobs and delayed jobs whose delay has
// elapsed, oldest first (FIFO within equal priority, highest priority
// first).
func (r *JobRepository) ListLeasable(now time.Time) ([]Job, error) {
	query := selectJobsQuery + `
		WHERE status = ? OR (status = ? AND (delayed_until IS NULL OR delayed_until <= ?))
		ORDER BY priority DESC, enqueued_at ASC
	`
	rows, err := r.db.DB().Query(query, JobStatusWaiting, JobStatusDelayed, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list leasable jobs: %w", err)
	}
	defer rows.Close()
	return r.scanJobs(rows)
}

// Lease atomically claims a job for a worker if it is still leasable,
// using a conditional UPDATE so concurrent dispatchers cannot double-lease
// the same row.
func (r *JobRepository) Lease(id, workerID string, leaseUntil time.Time) (bool, error) {
	now := time.Now().UTC()
	result, err := r.db.DB().Exec(`
		UPDATE jobs
		SET status = ?, worker_id = ?, lease_expires_at = ?, started_at = COALESCE(started_at, ?), stalled_count = 0
		WHERE id = ? AND (status = ? OR (status = ? AND (delayed_until IS NULL OR delayed_until <= ?)))
	`, JobStatusActive, workerID, leaseUntil, now, id, JobStatusWaiting, JobStatusDelayed, now)
	if err != nil {
		return false, fmt.Errorf("failed to lease job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// ExtendLease refreshes the lease expiry for an active job (heartbeat).
func (r *JobRepository) ExtendLease(id string, leaseUntil time.Time) error {
	result, err := r.db.DB().Exec(`
		UPDATE jobs SET lease_expires_at = ? WHERE id = ? AND status = ?
	`, leaseUntil, id, JobStatusActive)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	return requireAffected(result, "job", id)
}

// ReportProgress updates the progress snapshot of an active job.
func (r *JobRepository) ReportProgress(id, stage string, percentage float64, message, selectedQuality, egressAttempts string) error {
	result, err := r.db.DB().Exec(`
		UPDATE jobs
		SET progress_stage = ?, progress_percentage = ?, progress_message = ?,
		    progress_selected_quality = COALESCE(NULLIF(?, ''), progress_selected_quality),
		    egress_attempts = ?
		WHERE id = ?
	`, stage, percentage, message, selectedQuality, egressAttempts, id)
	if err != nil {
		return fmt.Errorf("failed to report progress: %w", err)
	}
	return requireAffected(result, "job", id)
}

// Complete transitions a job to completed and stores its return value.
func (r *JobRepository) Complete(id, returnValue string) error {
	now := time.Now().UTC()
	result, err := r.db.DB().Exec(`
		UPDATE jobs
		SET status = ?, return_value = ?, finished_at = ?, progress_percentage = 100
		WHERE id = ?
	`, JobStatusCompleted, returnValue, now, id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return requireAffected(result, "job", id)
}

// Fail records a failure. If retryable and attempts remain, the job is
// re-armed as delayed after delayUntil; otherwise it becomes terminally
// failed. Terminal is decided by the caller (queue.Store), which passes
// terminal=true once attempts_made+1 >= max_attempts.
func (r *JobRepository) Fail(id, reason string, terminal bool, delayUntil *time.Time) error {
	now := time.Now().UTC()
	if terminal {
		result, err := r.db.DB().Exec(`
			UPDATE jobs
			SET status = ?, failure_reason = ?, attempts_made = attempts_made + 1, finished_at = ?
			WHERE id = ?
		`, JobStatusFailed, reason, now, id)
		if err != nil {
			return fmt.Errorf("failed to fail job: %w", err)
		}
		return requireAffected(result, "job", id)
	}

	result, err := r.db.DB().Exec(`
		UPDATE jobs
		SET status = ?, failure_reason = ?, attempts_made = attempts_made + 1, delayed_until = ?
		WHERE id = ?
	`, JobStatusDelayed, reason, delayUntil, id)
	if err != nil {
		return fmt.Errorf("failed to delay job: %w", err)
	}
	return requireAffected(result, "job", id)
}

// Retry explicitly re-queues a non-active, non-completed job.
func (r *JobRepository) Retry(id string) error {
	result, err := r.db.DB().Exec(`
		UPDATE jobs
		SET status = ?, delayed_until = NULL, failure_reason = ''
		WHERE id = ? AND status NOT IN (?, ?)
	`, JobStatusWaiting, id, JobStatusActive, JobStatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}
	return requireAffected(result, "job", id)
}

// KillActive forces a running job to terminal-failed with a fixed reason.
func (r *JobRepository) KillActive(id string) error {
	now := time.Now().UTC()
	result, err := r.db.DB().Exec(`
		UPDATE jobs
		SET status = ?, failure_reason = 'manually killed', finished_at = ?
		WHERE id = ? AND status = ?
	`, JobStatusFailed, now, id, JobStatusActive)
	if err != nil {
		return fmt.Errorf("failed to kill job: %w", err)
	}
	return requireAffected(result, "job", id)
}

// MarkStalled forces a job back to waiting (if attempts remain) or failed
// (if exhausted), used by the startup/periodic stall sweep.
func (r *JobRepository) MarkStalled(id string, terminal bool) error {
	if terminal {
		return r.Fail(id, "stalled: lease expired with no attempts remaining", true, nil)
	}
	result, err := r.db.DB().Exec(`
		UPDATE jobs
		SET status = ?, worker_id = NULL, lease_expires_at = NULL
		WHERE id = ? AND status = ?
	`, JobStatusWaiting, id, JobStatusActive)
	if err != nil {
		return fmt.Errorf("failed to mark job stalled: %w", err)
	}
	return requireAffected(result, "job", id)
}

// IncrementStalledCount records one more stall observation for a lease and
// returns the new count.
func (r *JobRepository) IncrementStalledCount(id string) (int, error) {
	_, err := r.db.DB().Exec(`UPDATE jobs SET stalled_count = stalled_count + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment stalled count: %w", err)
	}
	job, err := r.GetByID(id)
	if err != nil || job == nil {
		return 0, err
	}
	return job.StalledCount, nil
}

// ListActiveWithExpiredLease returns active jobs whose lease_expires_at has
// passed, used by the stalled-job dispatcher sweep.
func (r *JobRepository) ListActiveWithExpiredLease(now time.Time) ([]Job, error) {
	query := selectJobsQuery + ` WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`
	rows, err := r.db.DB().Query(query, JobStatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled jobs: %w", err)
	}
	defer rows.Close()
	return r.scanJobs(rows)
}

// ListFilters narrows a List query by status; zero value lists all.
type ListFilters struct {
	Status JobStatus
	Limit  int
	Offset int
}

// List returns jobs matching the given filters, newest first.
func (r *JobRepository) List(f ListFilters) ([]Job, error) {
	query := selectJobsQuery
	var args []interface{}
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY enqueued_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := r.db.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()
	return r.scanJobs(rows)
}

// CountsByStatus returns the number of jobs in each status bucket.
func (r *JobRepository) CountsByStatus() (map[JobStatus]int, error) {
	rows, err := r.db.DB().Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// DeleteWaiting removes every waiting job, implementing admin drain().
func (r *JobRepository) DeleteWaiting() (int64, error) {
	result, err := r.db.DB().Exec(`DELETE FROM jobs WHERE status = ?`, JobStatusWaiting)
	if err != nil {
		return 0, fmt.Errorf("failed to drain waiting jobs: %w", err)
	}
	return result.RowsAffected()
}

// DeleteAll removes every job regardless of state, implementing admin
// obliterate(force=true).
func (r *JobRepository) DeleteAll() (int64, error) {
	result, err := r.db.DB().Exec(`DELETE FROM jobs`)
	if err != nil {
		return 0, fmt.Errorf("failed to obliterate jobs: %w", err)
	}
	return result.RowsAffected()
}

// DeleteFailedOlderThan removes failed jobs past their fixed retention TTL.
func (r *JobRepository) DeleteFailedOlderThan(before time.Time) (int64, error) {
	result, err := r.db.DB().Exec(`
		DELETE FROM jobs WHERE status = ? AND finished_at < ?
	`, JobStatusFailed, before)
	if err != nil {
		return 0, fmt.Errorf("failed to garbage-collect failed jobs: %w", err)
	}
	return result.RowsAffected()
}

// DeleteCompletedOlderThanExceptNewest removes completed jobs older than
// `before`, except the `keepNewest` most-recently-finished ones, which are
// retained regardless of age.
func (r *JobRepository) DeleteCompletedOlderThanExceptNewest(before time.Time, keepNewest int) (int64, error) {
	result, err := r.db.DB().Exec(`
		DELETE FROM jobs
		WHERE status = ? AND finished_at < ?
		AND id NOT IN (
			SELECT id FROM jobs WHERE status = ? ORDER BY finished_at DESC LIMIT ?
		)
	`, JobStatusCompleted, before, JobStatusCompleted, keepNewest)
	if err != nil {
		return 0, fmt.Errorf("failed to garbage-collect completed jobs: %w", err)
	}
	return result.RowsAffected()
}

func requireAffected(result sql.Result, kind, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s not found or not in expected state: %s", kind, id)
	}
	return nil
}

func (r *JobRepository) scanJob(row *sql.Row) (*Job, error) {
	var job Job
	var fileName, catalogID, apiKey, progressStage, progressMessage, progressQuality sql.NullString
	var returnValue, failureReason, workerID sql.NullString
	var leaseExpiresAt, delayedUntil, startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.SourceKind, &job.SourceRef, &fileName, &catalogID, &apiKey, &job.Status,
		&job.AttemptsMade, &job.MaxAttempts, &job.Priority,
		&progressStage, &job.ProgressPercentage, &progressMessage, &progressQuality,
		&job.EgressAttempts, &returnValue, &failureReason,
		&workerID, &leaseExpiresAt, &job.StalledCount, &delayedUntil,
		&job.EnqueuedAt, &startedAt, &finishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	fillJobNullables(&job, fileName, catalogID, apiKey, progressStage, progressMessage, progressQuality,
		returnValue, failureReason, workerID, leaseExpiresAt, delayedUntil, startedAt, finishedAt)
	return &job, nil
}

func (r *JobRepository) scanJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		var job Job
		var fileName, catalogID, apiKey, progressStage, progressMessage, progressQuality sql.NullString
		var returnValue, failureReason, workerID sql.NullString
		var leaseExpiresAt, delayedUntil, startedAt, finishedAt sql.NullTime

		if err := rows.Scan(
			&job.ID, &job.SourceKind, &job.SourceRef, &fileName, &catalogID, &apiKey, &job.Status,
			&job.AttemptsMade, &job.MaxAttempts, &job.Priority,
			&progressStage, &job.ProgressPercentage, &progressMessage, &progressQuality,
			&job.EgressAttempts, &returnValue, &failureReason,
			&workerID, &leaseExpiresAt, &job.StalledCount, &delayedUntil,
			&job.EnqueuedAt, &startedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		fillJobNullables(&job, fileName, catalogID, apiKey, progressStage, progressMessage, progressQuality,
			returnValue, failureReason, workerID, leaseExpiresAt, delayedUntil, startedAt, finishedAt)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

func fillJobNullables(job *Job, fileName, catalogID, apiKey, progressStage, progressMessage, progressQuality,
	returnValue, failureReason, workerID sql.NullString,
	leaseExpiresAt, delayedUntil, startedAt, finishedAt sql.NullTime) {
	job.FileName = fileName.String
	job.CatalogID = catalogID.String
	job.APIKey = apiKey.String
	job.ProgressStage = progressStage.String
	job.ProgressMessage = progressMessage.String
	job.ProgressSelectedQuality = progressQuality.String
	job.ReturnValue = returnValue.String
	job.FailureReason = failureReason.String
	job.WorkerID = workerID.String
	if leaseExpiresAt.Valid {
		job.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	if delayedUntil.Valid {
		job.DelayedUntil = &delayedUntil.Time
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
}
