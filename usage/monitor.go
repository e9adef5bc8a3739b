// Package usage polls per-profile plan usage and caches the latest
// snapshot for each profile.
package usage

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sessiondeck/sessiondeck/log"
	"github.com/sessiondeck/sessiondeck/profile"
)

var logger = log.GetLogger("Usage")

// Snapshot is one usage reading for a profile
type Snapshot struct {
	SessionPercent float64   `json:"sessionPercent"`
	WeeklyPercent  float64   `json:"weeklyPercent"`
	SessionResetAt time.Time `json:"sessionResetAt,omitempty"`
	WeeklyResetAt  time.Time `json:"weeklyResetAt,omitempty"`
	FetchedAt      time.Time `json:"fetchedAt"`
}

// Fetcher retrieves current usage for one profile
type Fetcher interface {
	FetchUsage(ctx context.Context, p profile.Profile) (*Snapshot, error)
}

// ProfileSource enumerates profiles eligible for polling
type ProfileSource interface {
	List() ([]profile.Profile, error)
	IsAuthenticated(p *profile.Profile) bool
}

// Listener observes fresh snapshots as they land
type Listener func(profileID string, snap Snapshot)

// Monitor polls usage for every authenticated profile on a fixed interval.
// Fetches run concurrently; one profile failing never blocks the others.
type Monitor struct {
	profiles ProfileSource
	fetcher  Fetcher
	listener Listener

	mu        sync.RWMutex
	snapshots map[string]Snapshot
	lastErr   map[string]string

	intervalCh chan time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewMonitor creates a usage monitor. listener may be nil.
func NewMonitor(profiles ProfileSource, fetcher Fetcher, listener Listener) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		profiles:   profiles,
		fetcher:    fetcher,
		listener:   listener,
		snapshots:  make(map[string]Snapshot),
		lastErr:    make(map[string]string),
		intervalCh: make(chan time.Duration, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins the poll loop. intervalMs of 0 disables polling until
// SetInterval raises it; RefreshNow still works while disabled.
func (m *Monitor) Start(intervalMs int) {
	m.wg.Add(1)
	go m.loop(time.Duration(intervalMs) * time.Millisecond)
}

// SetInterval changes the poll cadence. 0 pauses polling.
func (m *Monitor) SetInterval(intervalMs int) {
	select {
	case m.intervalCh <- time.Duration(intervalMs) * time.Millisecond:
	case <-m.ctx.Done():
	}
}

// Stop ends the poll loop and waits for in-flight fetches
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Snapshot returns the cached reading for a profile
func (m *Monitor) Snapshot(profileID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[profileID]
	return snap, ok
}

// All returns the cached readings for every polled profile
func (m *Monitor) All() map[string]Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Snapshot, len(m.snapshots))
	for id, snap := range m.snapshots {
		out[id] = snap
	}
	return out
}

// LastError returns the most recent fetch error for a profile, if any
func (m *Monitor) LastError(profileID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.lastErr[profileID]
	return msg, ok
}

// RefreshNow polls all authenticated profiles once, outside the ticker
func (m *Monitor) RefreshNow(ctx context.Context) {
	m.pollAll(ctx)
}

func (m *Monitor) loop(interval time.Duration) {
	defer m.wg.Done()

	var ticker *time.Ticker
	var tick <-chan time.Time
	startTicker := func(d time.Duration) {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tick = nil
		}
		if d > 0 {
			ticker = time.NewTicker(d)
			tick = ticker.C
		}
	}
	startTicker(interval)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	if interval > 0 {
		m.pollAll(m.ctx)
	}

	for {
		select {
		case <-m.ctx.Done():
			return
		case d := <-m.intervalCh:
			logger.Info().Dur("interval", d).Msg("Usage poll interval changed")
			startTicker(d)
		case <-tick:
			m.pollAll(m.ctx)
		}
	}
}

func (m *Monitor) pollAll(ctx context.Context) {
	profiles, err := m.profiles.List()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list profiles for usage poll")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range profiles {
		p := p
		if !m.profiles.IsAuthenticated(&p) {
			continue
		}
		g.Go(func() error {
			m.pollOne(gctx, p)
			// fetch errors are recorded per profile, never propagated
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) pollOne(ctx context.Context, p profile.Profile) {
	snap, err := m.fetcher.FetchUsage(ctx, p)
	if err != nil {
		logger.Warn().Err(err).Str("profileId", p.ID).Msg("Usage fetch failed")
		m.mu.Lock()
		m.lastErr[p.ID] = err.Error()
		m.mu.Unlock()
		return
	}
	snap.FetchedAt = time.Now()

	m.mu.Lock()
	m.snapshots[p.ID] = *snap
	delete(m.lastErr, p.ID)
	m.mu.Unlock()

	if m.listener != nil {
		m.listener(p.ID, *snap)
	}
}
