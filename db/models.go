package db

import (
	"time"
)

// ProfileRow is the persisted form of a credential profile
type ProfileRow struct {
	ID            string
	Name          string
	CredentialDir string
	Token         string
	Email         string
	IsDefault     bool
	CreatedAt     int64
}

// SnapshotRow is the persisted form of a session snapshot
type SnapshotRow struct {
	SessionID    string
	SnapshotDate string // YYYY-MM-DD, keyed by the session's creation date
	ProjectScope string
	DisplayOrder int
	Status       string
	Output       []byte
	CreatedAt    int64
	UpdatedAt    int64
}

// scanProfile scans a row into a ProfileRow
func scanProfile(row interface{ Scan(...any) error }) (ProfileRow, error) {
	var p ProfileRow
	var isDefault int
	err := row.Scan(&p.ID, &p.Name, &p.CredentialDir, &p.Token, &p.Email, &isDefault, &p.CreatedAt)
	p.IsDefault = isDefault == 1
	return p, err
}

// scanSnapshot scans a row into a SnapshotRow
func scanSnapshot(row interface{ Scan(...any) error }) (SnapshotRow, error) {
	var s SnapshotRow
	err := row.Scan(
		&s.SessionID, &s.SnapshotDate, &s.ProjectScope, &s.DisplayOrder,
		&s.Status, &s.Output, &s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

// NowMs returns the current time as Unix milliseconds (int64)
func NowMs() int64 {
	return time.Now().UnixMilli()
}
