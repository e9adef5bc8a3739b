package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sessiondeck/sessiondeck/log"
)

const defaultProfileID = "default"

// Store is the profile service: it owns all profile mutations and the
// active-profile pointer. All check-and-set operations run under one mutex.
type Store struct {
	mu      sync.Mutex
	backend Backend

	// credentialsRoot is where non-default profiles get their isolated
	// credential directories.
	credentialsRoot string

	// defaultCredentialDir is the ambient directory the default profile
	// reuses. This store never creates or writes it.
	defaultCredentialDir string
}

// NewStore creates the profile store and bootstraps the default profile
// if no profile is marked default yet.
func NewStore(backend Backend, credentialsRoot, defaultCredentialDir string) (*Store, error) {
	s := &Store{
		backend:              backend,
		credentialsRoot:      credentialsRoot,
		defaultCredentialDir: defaultCredentialDir,
	}

	profiles, err := backend.List()
	if err != nil {
		return nil, fmt.Errorf("loading profiles: %w", err)
	}

	hasDefault := false
	for _, p := range profiles {
		if p.IsDefault {
			hasDefault = true
			break
		}
	}

	if !hasDefault {
		def := Profile{
			ID:            defaultProfileID,
			Name:          "Default",
			CredentialDir: defaultCredentialDir,
			IsDefault:     true,
			CreatedAt:     time.Now(),
		}
		if err := backend.Upsert(def); err != nil {
			return nil, fmt.Errorf("creating default profile: %w", err)
		}
		log.Info().Str("profileId", def.ID).Msg("bootstrapped default profile")
	}

	return s, nil
}

// Save persists a profile. An empty id is derived from the name; the derived
// id must contain at least one character. Non-default profiles get their
// credential directory created on first save; the default profile's directory
// is never touched.
func (s *Store) Save(p Profile) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = Slugify(p.Name)
		if p.ID == "" {
			return Profile{}, ErrInvalidName
		}
	}

	existing, err := s.backend.Get(p.ID)
	if err != nil {
		return Profile{}, err
	}

	if existing != nil {
		// Saving over an existing profile keeps its identity flags stable.
		p.IsDefault = existing.IsDefault
		p.CreatedAt = existing.CreatedAt
		if p.Token == "" {
			p.Token = existing.Token
		}
	} else {
		// Exactly one default profile exists; it is created at bootstrap.
		p.IsDefault = false
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now()
		}
	}

	if p.CredentialDir == "" {
		if p.IsDefault {
			p.CredentialDir = s.defaultCredentialDir
		} else {
			p.CredentialDir = filepath.Join(s.credentialsRoot, p.ID)
		}
	}

	if !p.IsDefault {
		if _, err := os.Stat(p.CredentialDir); os.IsNotExist(err) {
			if err := os.MkdirAll(p.CredentialDir, 0700); err != nil {
				return Profile{}, fmt.Errorf("creating credential directory: %w", err)
			}
		}
	}

	if err := s.backend.Upsert(p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Get returns a profile by id, or ErrProfileNotFound
func (s *Store) Get(id string) (*Profile, error) {
	p, err := s.backend.Get(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrProfileNotFound
	}
	return p, nil
}

// List returns all profiles ordered by creation time
func (s *Store) List() ([]Profile, error) {
	return s.backend.List()
}

// Delete removes a profile. The default profile and the currently active
// profile are protected.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.backend.Get(id)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrProfileNotFound
	}
	if p.IsDefault {
		return ErrDefaultProfile
	}

	activeID, err := s.backend.ActiveID()
	if err != nil {
		return err
	}
	if activeID == id {
		return ErrProfileActive
	}

	if _, err := s.backend.Delete(id); err != nil {
		return err
	}
	return nil
}

// Rename changes a profile's display name
func (s *Store) Rename(id, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched, err := s.backend.Rename(id, newName)
	if err != nil {
		return err
	}
	if !matched {
		return ErrProfileNotFound
	}
	return nil
}

// SetActive moves the active-profile pointer
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.backend.Get(id)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrProfileNotFound
	}
	return s.backend.SetActiveID(id)
}

// Active returns the active profile, or nil when no pointer is set.
// A stale pointer (profile since removed) reads as nil.
func (s *Store) Active() (*Profile, error) {
	id, err := s.backend.ActiveID()
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	return s.backend.Get(id)
}

// SetToken stores a manually supplied credential token, bypassing the login
// flow. No validation beyond non-empty.
func (s *Store) SetToken(id, token, email string) error {
	if token == "" {
		return ErrEmptyToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matched, err := s.backend.SetToken(id, token, email)
	if err != nil {
		return err
	}
	if !matched {
		return ErrProfileNotFound
	}
	return nil
}

// IsAuthenticated reports whether a profile has usable credentials: a stored
// token, or (for the default profile only) an existing ambient credential
// directory.
func (s *Store) IsAuthenticated(p *Profile) bool {
	if p == nil {
		return false
	}
	if p.Token != "" {
		return true
	}
	if p.IsDefault {
		if info, err := os.Stat(p.CredentialDir); err == nil && info.IsDir() {
			return true
		}
	}
	return false
}

// Slugify derives a stable profile id from a display name: lower-cased,
// runs of non-alphanumerics collapsed to a single '-', leading/trailing
// separators stripped.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
