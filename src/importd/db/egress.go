package db

import (
	"fmt"
	"time"
)

// EgressRepository persists the locally-cached mirror of the outbound
// proxy/identity pool: the admin API is the source of truth, this table is
// a 5-minute cache plus the permanent hardcoded fallback rows seeded by
// migration 002.
type EgressRepository struct {
	db *Database
}

// NewEgressRepository creates a new egress-identity repository.
func NewEgressRepository(db *Database) *EgressRepository {
	return &EgressRepository{db: db}
}

// ReplaceFetched swaps every non-hardcoded row for the freshly-fetched set,
// leaving the hardcoded fallbacks untouched.
func (r *EgressRepository) ReplaceFetched(identities []EgressIdentity) error {
	tx, err := r.db.DB().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin egress replace transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM egress_identities WHERE is_hardcoded_fallback = 0`); err != nil {
		return fmt.Errorf("failed to clear fetched egress identities: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO egress_identities (id, url, priority, success_rate, is_hardcoded_fallback, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url, priority = excluded.priority,
			success_rate = excluded.success_rate, updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare egress identity insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, id := range identities {
		if _, err := stmt.Exec(id.ID, id.URL, id.Priority, id.SuccessRate, now, now); err != nil {
			return fmt.Errorf("failed to insert egress identity %s: %w", id.ID, err)
		}
	}

	return tx.Commit()
}

// List returns every identity (fetched + hardcoded), ordered by priority
// desc then success_rate desc, matching the pool's in-memory sort.
func (r *EgressRepository) List() ([]EgressIdentity, error) {
	rows, err := r.db.DB().Query(`
		SELECT id, url, priority, success_rate, is_hardcoded_fallback, created_at, updated_at
		FROM egress_identities ORDER BY priority DESC, success_rate DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list egress identities: %w", err)
	}
	defer rows.Close()

	var identities []EgressIdentity
	for rows.Next() {
		var id EgressIdentity
		if err := rows.Scan(&id.ID, &id.URL, &id.Priority, &id.SuccessRate, &id.IsHardcodedFallback, &id.CreatedAt, &id.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan egress identity: %w", err)
		}
		identities = append(identities, id)
	}
	return identities, rows.Err()
}

// UpdateSuccessRate stores newRate as the identity's success rate. The
// exponential-moving-average nudge is computed by the caller
// (egress.Pool.ReportResult), which also skips hardcoded identities.
func (r *EgressRepository) UpdateSuccessRate(id string, newRate float64) error {
	_, err := r.db.DB().Exec(`UPDATE egress_identities SET success_rate = ?, updated_at = ? WHERE id = ?`,
		newRate, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update egress identity success rate for %s: %w", id, err)
	}
	return nil
}
