package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

// memSnapshotStore is an in-memory SnapshotStore
type memSnapshotStore struct {
	mu    sync.Mutex
	byID  map[string]Snapshot
	fail  map[string]bool
	saves int
}

func newMemSnapshotStore() *memSnapshotStore {
	return &memSnapshotStore{byID: make(map[string]Snapshot)}
}

func (m *memSnapshotStore) Save(s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[s.SessionID] = s
	m.saves++
	return nil
}

func (m *memSnapshotStore) ForDate(date string) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Snapshot
	for _, s := range m.byID {
		if s.Date == date {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSnapshotStore) Delete(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, sessionID)
	return nil
}

func (m *memSnapshotStore) get(sessionID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	return s, ok
}

func TestSnapshotNow_CapturesBacklogAndMetadata(t *testing.T) {
	r, spawner := createTestRegistry(t, 4)
	store := newMemSnapshotStore()
	p := NewPersister(r, store, 0)

	sess, err := r.Create(CreateOptions{ProjectScope: "~/work", DisplayOrder: 2})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	spawner.lastProcess().emitOutput([]byte("$ make test\n"))

	deadline := time.After(time.Second)
	for len(sess.Backlog()) == 0 {
		select {
		case <-deadline:
			t.Fatal("backlog never filled")
		case <-time.After(5 * time.Millisecond):
		}
	}

	p.SnapshotNow()

	snap, ok := store.get(sess.ID)
	if !ok {
		t.Fatal("snapshot not saved")
	}
	if snap.ProjectScope != "~/work" || snap.DisplayOrder != 2 {
		t.Errorf("metadata mismatch: %+v", snap)
	}
	if string(snap.Output) != "$ make test\n" {
		t.Errorf("output mismatch: %q", snap.Output)
	}
	if snap.Date != sess.CreatedAt.Format(snapshotDateLayout) {
		t.Errorf("expected date %s, got %s", sess.CreatedAt.Format(snapshotDateLayout), snap.Date)
	}
}

func TestForget_DropsSnapshotFromRestore(t *testing.T) {
	r, _ := createTestRegistry(t, 4)
	store := newMemSnapshotStore()
	p := NewPersister(r, store, 0)

	date := "2024-06-01"
	created, _ := time.Parse(snapshotDateLayout, date)
	for _, id := range []string{"s-keep", "s-drop"} {
		if err := store.Save(Snapshot{SessionID: id, Date: date, CreatedAt: created}); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	p.Forget("s-drop")

	restored, err := p.RestoreDate(date)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if len(restored) != 1 || restored[0].ID != "s-keep" {
		t.Fatalf("expected only s-keep restored, got %+v", restored)
	}
}

func TestRestoreDate_RespawnsInDisplayOrder(t *testing.T) {
	r, _ := createTestRegistry(t, 4)
	store := newMemSnapshotStore()
	p := NewPersister(r, store, 0)

	created := time.Now().Add(-time.Hour)
	date := created.Format(snapshotDateLayout)
	// Insert out of order to prove sorting
	for _, snap := range []Snapshot{
		{SessionID: "s-middle", Date: date, DisplayOrder: 1, Output: []byte("middle "), CreatedAt: created},
		{SessionID: "s-last", Date: date, DisplayOrder: 2, Output: []byte("last "), CreatedAt: created},
		{SessionID: "s-first", Date: date, DisplayOrder: 0, Output: []byte("first "), CreatedAt: created},
	} {
		if err := store.Save(snap); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	restored, err := p.RestoreDate(date)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if len(restored) != 3 {
		t.Fatalf("expected 3 restored sessions, got %d", len(restored))
	}
	wantIDs := []string{"s-first", "s-middle", "s-last"}
	for i, want := range wantIDs {
		if restored[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, restored[i].ID)
		}
		if restored[i].DisplayOrder != i {
			t.Errorf("position %d: expected display order %d, got %d", i, i, restored[i].DisplayOrder)
		}
	}
}

func TestRestoreDate_ReplaysHistoricalOutputToNewSubscribers(t *testing.T) {
	r, _ := createTestRegistry(t, 4)
	store := newMemSnapshotStore()
	p := NewPersister(r, store, 0)

	created := time.Now().Add(-time.Hour)
	date := created.Format(snapshotDateLayout)
	if err := store.Save(Snapshot{
		SessionID: "s-history", Date: date, Output: []byte("yesterday's work\n"), CreatedAt: created,
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	restored, err := p.RestoreDate(date)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if len(restored) != 1 {
		t.Fatalf("expected 1 restored session, got %d", len(restored))
	}
	if restored[0].CreatedAt.UnixMilli() != created.UnixMilli() {
		t.Errorf("restored session lost its original creation time")
	}

	ch, unsub, err := r.Subscribe("s-history")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsub()

	collect(t, ch, "yesterday's work\n")
}

func TestRestoreDate_SkipsFailedSnapshots(t *testing.T) {
	r, _ := createTestRegistry(t, 1)
	store := newMemSnapshotStore()
	p := NewPersister(r, store, 0)

	created := time.Now().Add(-time.Hour)
	date := created.Format(snapshotDateLayout)
	// Two snapshots but a cap of one: the second create fails and is skipped
	for i, id := range []string{"s-a", "s-b"} {
		if err := store.Save(Snapshot{SessionID: id, Date: date, DisplayOrder: i, CreatedAt: created}); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	restored, err := p.RestoreDate(date)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if len(restored) != 1 {
		t.Fatalf("expected 1 restored session, got %d", len(restored))
	}
	if restored[0].ID != "s-a" {
		t.Errorf("expected lowest display order restored first, got %s", restored[0].ID)
	}
}

func TestStart_ZeroIntervalDisablesWorker(t *testing.T) {
	r, _ := createTestRegistry(t, 4)
	store := newMemSnapshotStore()
	p := NewPersister(r, store, 0)

	if _, err := r.Create(CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)

	store.mu.Lock()
	saves := store.saves
	store.mu.Unlock()
	if saves != 0 {
		t.Fatalf("expected no snapshots with zero interval, got %d", saves)
	}
}
