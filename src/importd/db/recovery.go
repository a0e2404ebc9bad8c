package db

import (
	"database/sql"
	"fmt"
	"time"
)

// RecoveryRepository handles the heartbeat-backed job mirror used by the
// recovery subsystem to detect stalls and reclaim temp files after a crash.
type RecoveryRepository struct {
	db *Database
}

// NewRecoveryRepository creates a new recovery-state repository.
func NewRecoveryRepository(db *Database) *RecoveryRepository {
	return &RecoveryRepository{db: db}
}

// Upsert writes (or refreshes) the heartbeat row for jobID, extending its
// TTL to now+ttl.
func (r *RecoveryRepository) Upsert(jobID, status, data, progress, tempFiles string, ttl time.Duration) error {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	_, err := r.db.DB().Exec(`
		INSERT INTO recovery_states (job_id, status, data, progress, temp_files, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			progress = excluded.progress,
			temp_files = excluded.temp_files,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
	`, jobID, status, data, progress, tempFiles, now, now, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert recovery state for job %s: %w", jobID, err)
	}
	return nil
}

// Delete removes the heartbeat row for jobID, called once a job reaches a
// terminal state so a later startup sweep doesn't treat it as stalled.
func (r *RecoveryRepository) Delete(jobID string) error {
	if _, err := r.db.DB().Exec(`DELETE FROM recovery_states WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to delete recovery state for job %s: %w", jobID, err)
	}
	return nil
}

// Get retrieves the heartbeat row for jobID, or nil if absent.
func (r *RecoveryRepository) Get(jobID string) (*RecoveryState, error) {
	row := r.db.DB().QueryRow(`
		SELECT job_id, status, data, progress, temp_files, created_at, updated_at, expires_at
		FROM recovery_states WHERE job_id = ?
	`, jobID)
	return scanRecoveryState(row)
}

// ListExpired returns every heartbeat row whose TTL has passed as of now —
// these records are unconditionally reclaimable regardless of job status,
// since their guaranteed validity window is over.
func (r *RecoveryRepository) ListExpired(now time.Time) ([]RecoveryState, error) {
	rows, err := r.db.DB().Query(`
		SELECT job_id, status, data, progress, temp_files, created_at, updated_at, expires_at
		FROM recovery_states WHERE expires_at <= ?
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired recovery states: %w", err)
	}
	defer rows.Close()
	return scanRecoveryStates(rows)
}

// ListStaleSince returns every heartbeat row whose last update is older
// than cutoff — the startup sweep's input: each one names a job that
// stopped heartbeating (crash, or a leaked lease) without reaching a
// terminal state within the 5-minute stale threshold.
func (r *RecoveryRepository) ListStaleSince(cutoff time.Time) ([]RecoveryState, error) {
	rows, err := r.db.DB().Query(`
		SELECT job_id, status, data, progress, temp_files, created_at, updated_at, expires_at
		FROM recovery_states WHERE updated_at <= ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale recovery states: %w", err)
	}
	defer rows.Close()
	return scanRecoveryStates(rows)
}

func scanRecoveryStates(rows *sql.Rows) ([]RecoveryState, error) {
	var states []RecoveryState
	for rows.Next() {
		var s RecoveryState
		if err := rows.Scan(&s.JobID, &s.Status, &s.Data, &s.Progress, &s.TempFiles, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan recovery state: %w", err)
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

// DeleteAll removes every heartbeat row, used when a job queue obliterate
// wipes the whole system back to empty.
func (r *RecoveryRepository) DeleteAll() error {
	if _, err := r.db.DB().Exec(`DELETE FROM recovery_states`); err != nil {
		return fmt.Errorf("failed to delete all recovery states: %w", err)
	}
	return nil
}

func scanRecoveryState(row *sql.Row) (*RecoveryState, error) {
	var s RecoveryState
	err := row.Scan(&s.JobID, &s.Status, &s.Data, &s.Progress, &s.TempFiles, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan recovery state: %w", err)
	}
	return &s, nil
}
