// Package db provides database functionality for importd using in-memory
// SQLite with automatic persistence to disk on shutdown.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ingestflow/importd/src/common/paths"
	"github.com/ingestflow/importd/src/importd/db/migrations"
	_ "github.com/mattn/go-sqlite3"
)

// Database wraps the SQLite connection with persistence capabilities
type Database struct {
	db           *sql.DB
	persistPath  string
	mu           sync.RWMutex
	shutdownOnce sync.Once
}

// Config holds the database configuration
type Config struct {
	// PersistPath is the file path where the database will be saved on shutdown
	PersistPath string
	// LoadOnStart determines whether to load existing data from disk on startup
	LoadOnStart bool
}

// DefaultConfig returns a default database configuration
func DefaultConfig() Config {
	return Config{
		PersistPath: "~/.importd/importd.db",
		LoadOnStart: true,
	}
}

// New creates a new in-memory database with persistence support
func New(cfg Config) (*Database, error) {
	persistPath := paths.Expand(cfg.PersistPath)

	// Open in-memory database with shared cache mode. Without shared cache,
	// each connection from the pool would see a separate empty database.
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}

	// Shared-cache in-memory SQLite is destroyed once its last connection
	// closes, so keep one idle connection alive for the database's lifetime.
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	database := &Database{
		db:          db,
		persistPath: persistPath,
	}

	runner := migrations.NewRunner(db)
	if err := runner.Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if cfg.LoadOnStart && persistPath != "" {
		if _, err := os.Stat(persistPath); err == nil {
			if err := database.LoadFromDisk(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load database from disk: %v\n", err)
			}
		}
	}

	// Signal handling for graceful shutdown is managed by the driver
	// (core/service.go) to avoid races between multiple signal handlers.

	return database, nil
}

// DB returns the underlying sql.DB for direct queries
func (d *Database) DB() *sql.DB {
	return d.db
}

// Shutdown persists the database to disk and closes the connection
func (d *Database) Shutdown() error {
	var shutdownErr error

	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		if d.persistPath != "" {
			if err := d.persistToDisk(); err != nil {
				shutdownErr = fmt.Errorf("failed to persist database: %w", err)
			}
		}

		if err := d.db.Close(); err != nil {
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%v; also failed to close database: %w", shutdownErr, err)
			} else {
				shutdownErr = fmt.Errorf("failed to close database: %w", err)
			}
		}
	})

	return shutdownErr
}

// persistToDisk saves the in-memory database to the configured file path
// using VACUUM INTO a temp file followed by an atomic rename.
func (d *Database) persistToDisk() error {
	if d.persistPath == "" {
		return nil
	}

	dir := filepath.Dir(d.persistPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempPath := d.persistPath + ".tmp"
	os.Remove(tempPath)

	query := fmt.Sprintf("VACUUM INTO '%s'", tempPath)
	if _, err := d.db.Exec(query); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to vacuum database to disk: %w", err)
	}

	if err := os.Rename(tempPath, d.persistPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename database file: %w", err)
	}

	return nil
}

// tableExistsInDiskDB checks if a table exists in the attached disk_db
func (d *Database) tableExistsInDiskDB(tableName string) bool {
	var count int
	err := d.db.QueryRow(`
		SELECT COUNT(*) FROM disk_db.sqlite_master
		WHERE type='table' AND name=?
	`, tableName).Scan(&count)
	return err == nil && count > 0
}

// LoadFromDisk loads data from the persisted database file into memory.
// Tables are copied in dependency order: egress_identities has no
// dependents, jobs is copied next, and recovery_states last since it
// references jobs.
func (d *Database) LoadFromDisk() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.persistPath == "" {
		return nil
	}

	diskDB, err := sql.Open("sqlite3", d.persistPath)
	if err != nil {
		return fmt.Errorf("failed to open disk database: %w", err)
	}
	defer diskDB.Close()

	if err := diskDB.Ping(); err != nil {
		return fmt.Errorf("disk database ping failed: %w", err)
	}

	attachQuery := fmt.Sprintf("ATTACH DATABASE '%s' AS disk_db", d.persistPath)
	if _, err := d.db.Exec(attachQuery); err != nil {
		return fmt.Errorf("failed to attach disk database: %w", err)
	}
	defer d.db.Exec("DETACH DATABASE disk_db")

	var loadedTables []string
	var loadErrors []string

	copyTable := func(name, insertSQL string) {
		result, err := d.db.Exec(insertSQL)
		if err != nil {
			loadErrors = append(loadErrors, fmt.Sprintf("%s: %v", name, err))
			return
		}
		if rows, _ := result.RowsAffected(); rows > 0 {
			loadedTables = append(loadedTables, fmt.Sprintf("%s(%d)", name, rows))
		}
	}

	if d.tableExistsInDiskDB("egress_identities") {
		copyTable("egress_identities", `
			INSERT OR REPLACE INTO egress_identities
			SELECT * FROM disk_db.egress_identities
		`)
	}

	if d.tableExistsInDiskDB("jobs") {
		copyTable("jobs", `
			INSERT OR REPLACE INTO jobs
			SELECT * FROM disk_db.jobs
		`)
	}

	if d.tableExistsInDiskDB("recovery_states") {
		copyTable("recovery_states", `
			INSERT OR REPLACE INTO recovery_states
			SELECT * FROM disk_db.recovery_states
		`)
	}

	if len(loadedTables) > 0 {
		fmt.Fprintf(os.Stderr, "INFO: Loaded from disk: %v\n", loadedTables)
	}
	if len(loadErrors) > 0 {
		for _, e := range loadErrors {
			fmt.Fprintf(os.Stderr, "WARNING: Failed to load table: %s\n", e)
		}
	}

	return nil
}

// SaveToDisk manually triggers a save to disk (for periodic mirror snapshots)
func (d *Database) SaveToDisk() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.persistToDisk()
}

// ResetToDefaults clears all tables and re-runs migrations. Destructive;
// intended for test fixtures and admin recovery tooling only.
func (d *Database) ResetToDefaults() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.persistPath != "" {
		if _, err := os.Stat(d.persistPath); err == nil {
			if err := os.Remove(d.persistPath); err != nil {
				return fmt.Errorf("failed to delete disk database: %w", err)
			}
		}
	}

	rows, err := d.db.Query(`
		SELECT name FROM sqlite_master
		WHERE type='table'
		AND name NOT LIKE 'sqlite_%'
		AND name != 'schema_migrations'
	`)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	rows.Close()

	if _, err := d.db.Exec("PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("failed to disable foreign keys: %w", err)
	}

	for _, table := range tables {
		if _, err := d.db.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			d.db.Exec("PRAGMA foreign_keys = ON")
			return fmt.Errorf("failed to clear table %s: %w", table, err)
		}
	}

	if _, err := d.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to re-enable foreign keys: %w", err)
	}

	if _, err := d.db.Exec("DELETE FROM schema_migrations"); err != nil {
		return fmt.Errorf("failed to clear schema_migrations: %w", err)
	}

	runner := migrations.NewRunner(d.db)
	if err := runner.Run(); err != nil {
		return fmt.Errorf("failed to run migrations after reset: %w", err)
	}

	return nil
}
