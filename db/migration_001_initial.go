package db

import (
	"database/sql"
)

func init() {
	RegisterMigration(Migration{
		Version:     1,
		Description: "Initial schema: profiles, settings, session snapshots",
		Up:          migration001_initial,
	})
}

func migration001_initial(database *sql.DB) error {
	tx, err := database.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			credential_dir TEXT NOT NULL DEFAULT '',
			token          TEXT NOT NULL DEFAULT '',
			email          TEXT NOT NULL DEFAULT '',
			is_default     INTEGER NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS session_snapshots (
			session_id    TEXT PRIMARY KEY,
			snapshot_date TEXT NOT NULL,
			project_scope TEXT NOT NULL DEFAULT '',
			display_order INTEGER NOT NULL DEFAULT 0,
			status        TEXT NOT NULL DEFAULT 'exited',
			output        BLOB,
			created_at    INTEGER NOT NULL DEFAULT 0,
			updated_at    INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_session_snapshots_date
		ON session_snapshots (snapshot_date, display_order)
	`); err != nil {
		return err
	}

	return tx.Commit()
}
