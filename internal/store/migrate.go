package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// migration is one schema step, applied once and recorded in schema_version.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "correlations and credentials",
		SQL: `
		CREATE TABLE IF NOT EXISTS correlations (
			notification_id INTEGER PRIMARY KEY,
			account_id      INTEGER NOT NULL,
			conversation_id INTEGER NOT NULL,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS credentials (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			api_id     INTEGER NOT NULL,
			api_hash   TEXT NOT NULL,
			identity   TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		`,
	},
	{
		Version:     2,
		Description: "index correlations by account",
		SQL:         `CREATE INDEX IF NOT EXISTS idx_correlations_account ON correlations(account_id);`,
	},
}

// schemaVersion is the version a fully migrated database reports.
var schemaVersion = migrations[len(migrations)-1].Version

// runMigrations brings db up to schemaVersion. Each step runs in its own
// transaction together with its version record.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := currentSchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
		logger.Info("migration applied", "version", m.Version, "description", m.Description)
	}
	return nil
}

func currentSchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}
