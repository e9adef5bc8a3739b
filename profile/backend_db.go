package profile

import (
	"time"

	"github.com/sessiondeck/sessiondeck/db"
)

const activePointerKey = "active_profile_id"

// DBBackend persists profiles in sqlite through the db package
type DBBackend struct{}

// NewDBBackend creates the sqlite-backed profile backend
func NewDBBackend() *DBBackend {
	return &DBBackend{}
}

func toRow(p Profile) db.ProfileRow {
	return db.ProfileRow{
		ID:            p.ID,
		Name:          p.Name,
		CredentialDir: p.CredentialDir,
		Token:         p.Token,
		Email:         p.Email,
		IsDefault:     p.IsDefault,
		CreatedAt:     p.CreatedAt.UnixMilli(),
	}
}

func fromRow(r db.ProfileRow) Profile {
	return Profile{
		ID:            r.ID,
		Name:          r.Name,
		CredentialDir: r.CredentialDir,
		Token:         r.Token,
		Email:         r.Email,
		IsDefault:     r.IsDefault,
		CreatedAt:     time.UnixMilli(r.CreatedAt),
	}
}

func (b *DBBackend) Upsert(p Profile) error {
	return db.UpsertProfile(toRow(p))
}

func (b *DBBackend) Get(id string) (*Profile, error) {
	row, err := db.GetProfile(id)
	if err != nil || row == nil {
		return nil, err
	}
	p := fromRow(*row)
	return &p, nil
}

func (b *DBBackend) List() ([]Profile, error) {
	rows, err := db.ListProfiles()
	if err != nil {
		return nil, err
	}
	profiles := make([]Profile, 0, len(rows))
	for _, r := range rows {
		profiles = append(profiles, fromRow(r))
	}
	return profiles, nil
}

func (b *DBBackend) Delete(id string) (bool, error) {
	return db.DeleteProfile(id)
}

func (b *DBBackend) Rename(id, name string) (bool, error) {
	return db.RenameProfile(id, name)
}

func (b *DBBackend) SetToken(id, token, email string) (bool, error) {
	return db.SetProfileToken(id, token, email)
}

func (b *DBBackend) ActiveID() (string, error) {
	return db.GetSetting(activePointerKey)
}

func (b *DBBackend) SetActiveID(id string) error {
	return db.SetSetting(activePointerKey, id)
}
