package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sessiondeck/sessiondeck/profile"
)

// fakeProfiles is an in-memory ProfileSource
type fakeProfiles struct {
	mu       sync.Mutex
	profiles []profile.Profile
	authed   map[string]bool
}

func (f *fakeProfiles) List() ([]profile.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]profile.Profile(nil), f.profiles...), nil
}

func (f *fakeProfiles) IsAuthenticated(p *profile.Profile) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authed[p.ID]
}

// fakeFetcher returns canned snapshots or errors per profile
type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]Snapshot
	errs    map[string]error
	calls   map[string]int
	block   chan struct{} // non-nil makes FetchUsage wait
}

func (f *fakeFetcher) FetchUsage(ctx context.Context, p profile.Profile) (*Snapshot, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[p.ID]++
	if err := f.errs[p.ID]; err != nil {
		return nil, err
	}
	snap := f.results[p.ID]
	return &snap, nil
}

func (f *fakeFetcher) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func twoProfiles() *fakeProfiles {
	return &fakeProfiles{
		profiles: []profile.Profile{
			{ID: "a", Name: "A"},
			{ID: "b", Name: "B"},
			{ID: "locked", Name: "Locked"},
		},
		authed: map[string]bool{"a": true, "b": true},
	}
}

func TestRefreshNow_PollsOnlyAuthenticatedProfiles(t *testing.T) {
	fetcher := &fakeFetcher{
		results: map[string]Snapshot{
			"a": {SessionPercent: 10, WeeklyPercent: 20},
			"b": {SessionPercent: 30, WeeklyPercent: 40},
		},
	}
	m := NewMonitor(twoProfiles(), fetcher, nil)
	defer m.Stop()

	m.RefreshNow(context.Background())

	if snap, ok := m.Snapshot("a"); !ok || snap.SessionPercent != 10 {
		t.Errorf("profile a snapshot wrong: %+v ok=%v", snap, ok)
	}
	if snap, ok := m.Snapshot("b"); !ok || snap.WeeklyPercent != 40 {
		t.Errorf("profile b snapshot wrong: %+v ok=%v", snap, ok)
	}
	if _, ok := m.Snapshot("locked"); ok {
		t.Error("unauthenticated profile must not be polled")
	}
	if fetcher.callCount("locked") != 0 {
		t.Error("fetcher called for unauthenticated profile")
	}
}

func TestRefreshNow_FailureIsolatedPerProfile(t *testing.T) {
	fetcher := &fakeFetcher{
		results: map[string]Snapshot{"b": {SessionPercent: 5}},
		errs:    map[string]error{"a": errors.New("cli crashed")},
	}
	m := NewMonitor(twoProfiles(), fetcher, nil)
	defer m.Stop()

	m.RefreshNow(context.Background())

	if _, ok := m.Snapshot("a"); ok {
		t.Error("failed fetch must not produce a snapshot")
	}
	if msg, ok := m.LastError("a"); !ok || msg == "" {
		t.Error("failure must be recorded per profile")
	}
	if snap, ok := m.Snapshot("b"); !ok || snap.SessionPercent != 5 {
		t.Errorf("healthy profile must still be polled: %+v ok=%v", snap, ok)
	}

	// A later success clears the recorded error
	fetcher.mu.Lock()
	delete(fetcher.errs, "a")
	fetcher.results["a"] = Snapshot{SessionPercent: 1}
	fetcher.mu.Unlock()
	m.RefreshNow(context.Background())
	if _, ok := m.LastError("a"); ok {
		t.Error("recovered profile must have no recorded error")
	}
}

func TestListener_ObservesFreshSnapshots(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string]Snapshot{"a": {SessionPercent: 50}}}
	profiles := &fakeProfiles{
		profiles: []profile.Profile{{ID: "a"}},
		authed:   map[string]bool{"a": true},
	}

	got := make(chan Snapshot, 4)
	m := NewMonitor(profiles, fetcher, func(profileID string, snap Snapshot) {
		if profileID == "a" {
			got <- snap
		}
	})
	defer m.Stop()

	m.RefreshNow(context.Background())

	select {
	case snap := <-got:
		if snap.SessionPercent != 50 {
			t.Errorf("listener saw wrong snapshot: %+v", snap)
		}
		if snap.FetchedAt.IsZero() {
			t.Error("FetchedAt not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("listener never called")
	}
}

func TestStart_ZeroIntervalDisablesPolling(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string]Snapshot{"a": {}}}
	profiles := &fakeProfiles{
		profiles: []profile.Profile{{ID: "a"}},
		authed:   map[string]bool{"a": true},
	}
	m := NewMonitor(profiles, fetcher, nil)
	m.Start(0)
	defer m.Stop()

	time.Sleep(100 * time.Millisecond)
	if n := fetcher.callCount("a"); n != 0 {
		t.Fatalf("expected no polls with zero interval, got %d", n)
	}
}

func TestSetInterval_EnablesPolling(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string]Snapshot{"a": {}}}
	profiles := &fakeProfiles{
		profiles: []profile.Profile{{ID: "a"}},
		authed:   map[string]bool{"a": true},
	}
	m := NewMonitor(profiles, fetcher, nil)
	m.Start(0)
	defer m.Stop()

	m.SetInterval(10)

	deadline := time.After(2 * time.Second)
	for fetcher.callCount("a") == 0 {
		select {
		case <-deadline:
			t.Fatal("polling never started after SetInterval")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
