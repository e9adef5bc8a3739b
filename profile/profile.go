// Package profile owns credential profile records and the active-profile
// pointer. Profiles isolate agent credentials per identity via dedicated
// credential directories; the default profile reuses the ambient directory
// the agent CLI already writes to.
package profile

import (
	"errors"
	"time"
)

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrInvalidName     = errors.New("profile name has no usable characters")
	ErrDefaultProfile  = errors.New("the default profile cannot be deleted")
	ErrProfileActive   = errors.New("the active profile cannot be deleted")
	ErrEmptyToken      = errors.New("token must not be empty")
)

// Profile is a named credential identity
type Profile struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	CredentialDir string    `json:"credentialDir"`
	Token         string    `json:"-"`
	Email         string    `json:"email,omitempty"`
	IsDefault     bool      `json:"isDefault"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Backend abstracts profile persistence so tests can inject an in-memory store
type Backend interface {
	Upsert(Profile) error
	Get(id string) (*Profile, error)
	List() ([]Profile, error)
	Delete(id string) (bool, error)
	Rename(id, name string) (bool, error)
	SetToken(id, token, email string) (bool, error)
	ActiveID() (string, error)
	SetActiveID(id string) error
}
