package db

import (
	"database/sql"
)

const profileColumns = "id, name, credential_dir, token, email, is_default, created_at"

// UpsertProfile inserts or replaces a profile row
func UpsertProfile(p ProfileRow) error {
	isDefault := 0
	if p.IsDefault {
		isDefault = 1
	}
	_, err := Run(`
		INSERT INTO profiles (id, name, credential_dir, token, email, is_default, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			credential_dir = excluded.credential_dir,
			token = excluded.token,
			email = excluded.email,
			is_default = excluded.is_default
	`, p.ID, p.Name, p.CredentialDir, p.Token, p.Email, isDefault, p.CreatedAt)
	return err
}

// GetProfile returns a profile by id, or nil if not found
func GetProfile(id string) (*ProfileRow, error) {
	return SelectOne(
		"SELECT "+profileColumns+" FROM profiles WHERE id = ?",
		[]QueryParam{id},
		func(row *sql.Row) (ProfileRow, error) { return scanProfile(row) },
	)
}

// ListProfiles returns all profiles ordered by creation time
func ListProfiles() ([]ProfileRow, error) {
	return Select(
		"SELECT "+profileColumns+" FROM profiles ORDER BY created_at ASC, id ASC",
		nil,
		func(rows *sql.Rows) (ProfileRow, error) { return scanProfile(rows) },
	)
}

// DeleteProfile removes a profile row. Returns true when a row was deleted.
func DeleteProfile(id string) (bool, error) {
	result, err := RunWithResult("DELETE FROM profiles WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected > 0, nil
}

// RenameProfile updates a profile's display name. Returns true when a row matched.
func RenameProfile(id, name string) (bool, error) {
	result, err := RunWithResult("UPDATE profiles SET name = ? WHERE id = ?", name, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected > 0, nil
}

// SetProfileToken stores a token (and optional email) on a profile.
// Returns true when a row matched.
func SetProfileToken(id, token, email string) (bool, error) {
	result, err := RunWithResult(
		"UPDATE profiles SET token = ?, email = CASE WHEN ? != '' THEN ? ELSE email END WHERE id = ?",
		token, email, email, id,
	)
	if err != nil {
		return false, err
	}
	return result.RowsAffected > 0, nil
}
