package migrations

import (
	"database/sql"
	"fmt"
)

// migration001InitialSchema creates the job store, recovery mirror, and
// egress identity tables.
func migration001InitialSchema() Migration {
	return Migration{
		Version:     1,
		Description: "Create jobs, recovery_states, and egress_identities tables",
		Up:          migration001Up,
	}
}

func migration001Up(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE jobs (
			id TEXT PRIMARY KEY,
			source_kind TEXT NOT NULL,
			source_ref TEXT NOT NULL,
			file_name TEXT,
			catalog_id TEXT,
			api_key TEXT,
			status TEXT NOT NULL DEFAULT 'waiting',
			attempts_made INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			priority INTEGER NOT NULL DEFAULT 0,
			progress_stage TEXT,
			progress_percentage REAL NOT NULL DEFAULT 0,
			progress_message TEXT,
			progress_selected_quality TEXT,
			egress_attempts TEXT NOT NULL DEFAULT '[]',
			return_value TEXT,
			failure_reason TEXT,
			worker_id TEXT,
			lease_expires_at DATETIME,
			stalled_count INTEGER NOT NULL DEFAULT 0,
			delayed_until DATETIME,
			enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			finished_at DATETIME
		)
	`); err != nil {
		return fmt.Errorf("failed to create jobs table: %w", err)
	}

	if _, err := tx.Exec(`CREATE INDEX idx_jobs_status ON jobs(status)`); err != nil {
		return fmt.Errorf("failed to create jobs status index: %w", err)
	}
	if _, err := tx.Exec(`CREATE INDEX idx_jobs_enqueued_at ON jobs(enqueued_at)`); err != nil {
		return fmt.Errorf("failed to create jobs enqueued_at index: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE recovery_states (
			job_id TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			data TEXT,
			progress TEXT,
			temp_files TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create recovery_states table: %w", err)
	}

	if _, err := tx.Exec(`CREATE INDEX idx_recovery_states_updated_at ON recovery_states(updated_at)`); err != nil {
		return fmt.Errorf("failed to create recovery_states updated_at index: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE egress_identities (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			success_rate REAL NOT NULL DEFAULT 1.0,
			is_hardcoded_fallback BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create egress_identities table: %w", err)
	}

	if _, err := tx.Exec(`CREATE INDEX idx_egress_identities_priority ON egress_identities(priority DESC, success_rate DESC)`); err != nil {
		return fmt.Errorf("failed to create egress_identities priority index: %w", err)
	}

	return nil
}
