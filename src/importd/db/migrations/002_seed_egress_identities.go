package migrations

import (
	"database/sql"
	"fmt"
	"time"
)

// migration002SeedEgressIdentities inserts the hardcoded fallback identities
// used when the admin proxy-list API is unreachable.
func migration002SeedEgressIdentities() Migration {
	return Migration{
		Version:     2,
		Description: "Seed hardcoded fallback egress identities",
		Up:          migration002Up,
	}
}

func migration002Up(tx *sql.Tx) error {
	now := time.Now().UTC()

	fallbacks := []struct {
		name     string
		url      string
		priority int
	}{
		{name: "hardcoded-direct", url: "direct://", priority: 0},
		{name: "hardcoded-secondary", url: "direct://secondary", priority: -1},
	}

	stmt, err := tx.Prepare(`
		INSERT INTO egress_identities (id, url, priority, success_rate, is_hardcoded_fallback, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare egress identity insert statement: %w", err)
	}
	defer stmt.Close()

	for _, f := range fallbacks {
		if _, err := stmt.Exec(f.name, f.url, f.priority, 1.0, true, now, now); err != nil {
			return fmt.Errorf("failed to insert fallback identity %s: %w", f.name, err)
		}
	}

	return nil
}
