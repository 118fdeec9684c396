package storage

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration is a single versioned schema change.
type Migration struct {
	SQL         string
	Description string
	Version     int
}

// migrations is the registry of schema migrations. Each entry has a unique
// version and is applied in ascending order inside its own transaction.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with queries and schema_version tables",
		SQL:         initialSchema,
	},
	{
		Version:     2,
		Description: "Composite indexes for decision and per-client time ranges",
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_queries_decision_timestamp ON queries(decision, timestamp);
			CREATE INDEX IF NOT EXISTS idx_queries_client_timestamp ON queries(client_ip, timestamp);
		`,
	},
}

func getMigrations() []Migration {
	result := make([]Migration, len(migrations))
	copy(result, migrations)

	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})

	return result
}

// getCurrentVersion returns the schema version recorded in the database,
// or 0 for a fresh database without a schema_version table.
func getCurrentVersion(db *sql.DB) (int, error) {
	var tableExists bool
	err := db.QueryRow(`
		SELECT 1 FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableExists)

	if err == sql.ErrNoRows {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}

	return version, nil
}

func applyMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO schema_version (version, applied_at)
		VALUES (?, CURRENT_TIMESTAMP)
	`, migration.Version); err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

// runMigrations applies all pending migrations in order. Each runs in its
// own transaction, so a failure leaves the database at the last version
// that applied cleanly.
func runMigrations(db *sql.DB) error {
	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if err := applyMigration(db, migration); err != nil {
			return fmt.Errorf(
				"failed to apply migration v%d (%s): %w",
				migration.Version,
				migration.Description,
				err,
			)
		}
	}

	return nil
}
