package db

import (
	"database/sql"
)

const snapshotColumns = "session_id, snapshot_date, project_scope, display_order, status, output, created_at, updated_at"

// UpsertSnapshot inserts or refreshes a session snapshot
func UpsertSnapshot(s SnapshotRow) error {
	_, err := Run(`
		INSERT INTO session_snapshots
			(session_id, snapshot_date, project_scope, display_order, status, output, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			project_scope = excluded.project_scope,
			display_order = excluded.display_order,
			status = excluded.status,
			output = excluded.output,
			updated_at = excluded.updated_at
	`, s.SessionID, s.SnapshotDate, s.ProjectScope, s.DisplayOrder, s.Status, s.Output, s.CreatedAt, NowMs())
	return err
}

// GetSnapshotsForDate returns all snapshots for a calendar date ordered by display order
func GetSnapshotsForDate(date string) ([]SnapshotRow, error) {
	return Select(
		"SELECT "+snapshotColumns+" FROM session_snapshots WHERE snapshot_date = ? ORDER BY display_order ASC, session_id ASC",
		[]QueryParam{date},
		func(rows *sql.Rows) (SnapshotRow, error) { return scanSnapshot(rows) },
	)
}

// DeleteSnapshot removes a persisted snapshot
func DeleteSnapshot(sessionID string) error {
	_, err := Run("DELETE FROM session_snapshots WHERE session_id = ?", sessionID)
	return err
}
