package session

import (
	"context"
	"sort"
	"time"

	"github.com/sessiondeck/sessiondeck/db"
	"github.com/sessiondeck/sessiondeck/log"
)

// snapshotDateLayout keys snapshots by the session's creation date
const snapshotDateLayout = "2006-01-02"

// Snapshot is the durable form of a session: metadata plus buffered output
type Snapshot struct {
	SessionID    string
	Date         string // YYYY-MM-DD of the session's creation
	ProjectScope string
	DisplayOrder int
	Status       Status
	Output       []byte
	CreatedAt    time.Time
}

// SnapshotStore abstracts snapshot persistence so tests can inject an
// in-memory store
type SnapshotStore interface {
	Save(Snapshot) error
	ForDate(date string) ([]Snapshot, error)
	Delete(sessionID string) error
}

// DBSnapshotStore persists snapshots in sqlite through the db package
type DBSnapshotStore struct{}

// NewDBSnapshotStore creates the sqlite-backed snapshot store
func NewDBSnapshotStore() *DBSnapshotStore {
	return &DBSnapshotStore{}
}

func (s *DBSnapshotStore) Save(snap Snapshot) error {
	return db.UpsertSnapshot(db.SnapshotRow{
		SessionID:    snap.SessionID,
		SnapshotDate: snap.Date,
		ProjectScope: snap.ProjectScope,
		DisplayOrder: snap.DisplayOrder,
		Status:       string(snap.Status),
		Output:       snap.Output,
		CreatedAt:    snap.CreatedAt.UnixMilli(),
	})
}

func (s *DBSnapshotStore) ForDate(date string) ([]Snapshot, error) {
	rows, err := db.GetSnapshotsForDate(date)
	if err != nil {
		return nil, err
	}
	snaps := make([]Snapshot, 0, len(rows))
	for _, r := range rows {
		snaps = append(snaps, Snapshot{
			SessionID:    r.SessionID,
			Date:         r.SnapshotDate,
			ProjectScope: r.ProjectScope,
			DisplayOrder: r.DisplayOrder,
			Status:       Status(r.Status),
			Output:       r.Output,
			CreatedAt:    time.UnixMilli(r.CreatedAt),
		})
	}
	return snaps, nil
}

func (s *DBSnapshotStore) Delete(sessionID string) error {
	return db.DeleteSnapshot(sessionID)
}

// Persister snapshots every live session on a cadence and restores persisted
// sessions by calendar date.
type Persister struct {
	registry *Registry
	store    SnapshotStore
	interval time.Duration
}

// NewPersister creates a persister. A zero interval disables the periodic
// snapshot worker; RestoreDate and SnapshotNow still work.
func NewPersister(registry *Registry, store SnapshotStore, interval time.Duration) *Persister {
	return &Persister{
		registry: registry,
		store:    store,
		interval: interval,
	}
}

// Start runs the periodic snapshot worker until the context is cancelled
func (p *Persister) Start(ctx context.Context) {
	if p.interval <= 0 {
		log.Info().Msg("session snapshots disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				// Final pass so the latest output survives shutdown
				p.SnapshotNow()
				return
			case <-ticker.C:
				p.SnapshotNow()
			}
		}
	}()
}

// SnapshotNow persists the current output buffer and metadata of every session
func (p *Persister) SnapshotNow() {
	for _, sess := range p.registry.List() {
		snap := Snapshot{
			SessionID:    sess.ID,
			Date:         sess.CreatedAt.Format(snapshotDateLayout),
			ProjectScope: sess.ProjectScope,
			DisplayOrder: sess.DisplayOrder,
			Status:       sess.Status(),
			Output:       sess.Backlog(),
			CreatedAt:    sess.CreatedAt,
		}
		if err := p.store.Save(snap); err != nil {
			log.Warn().Err(err).Str("sessionId", sess.ID).Msg("failed to persist session snapshot")
		}
	}
}

// Forget drops a session's persisted snapshot. Destroyed sessions are
// forgotten so a later restore of their date does not respawn them.
func (p *Persister) Forget(sessionID string) {
	if err := p.store.Delete(sessionID); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to delete session snapshot")
	}
}

// RestoreDate respawns every session persisted for a calendar date, in
// ascending display order, each with its historical output preloaded so a new
// subscriber replays continuity before live output resumes.
func (p *Persister) RestoreDate(date string) ([]*Session, error) {
	snaps, err := p.store.ForDate(date)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].DisplayOrder < snaps[j].DisplayOrder
	})

	restored := make([]*Session, 0, len(snaps))
	for _, snap := range snaps {
		sess, err := p.registry.Create(CreateOptions{
			ID:            snap.SessionID,
			ProjectScope:  snap.ProjectScope,
			DisplayOrder:  snap.DisplayOrder,
			preloadOutput: snap.Output,
			createdAt:     snap.CreatedAt,
		})
		if err != nil {
			// One bad snapshot should not abort the rest of the day
			log.Warn().Err(err).Str("sessionId", snap.SessionID).Msg("failed to restore session")
			continue
		}
		restored = append(restored, sess)
	}
	return restored, nil
}
