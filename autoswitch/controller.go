// Package autoswitch moves the active profile off of an exhausted one.
// It reacts to two inputs: fresh usage snapshots (proactive, threshold
// based) and rate-limit detections (reactive).
package autoswitch

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sessiondeck/sessiondeck/log"
	"github.com/sessiondeck/sessiondeck/profile"
	"github.com/sessiondeck/sessiondeck/usage"
)

var logger = log.GetLogger("AutoSwitch")

// Settings controls switching behavior. Persisted as JSON under the
// autoswitch_settings key.
type Settings struct {
	Enabled          bool    `json:"enabled"`
	ProactiveEnabled bool    `json:"proactiveEnabled"`
	ReactiveEnabled  bool    `json:"reactiveEnabled"`
	SessionThreshold float64 `json:"sessionThreshold"`
	WeeklyThreshold  float64 `json:"weeklyThreshold"`
	PollIntervalMs   int     `json:"pollIntervalMs"`
}

// DefaultSettings returns the out-of-the-box configuration
func DefaultSettings() Settings {
	return Settings{
		Enabled:          true,
		ProactiveEnabled: true,
		ReactiveEnabled:  true,
		SessionThreshold: 95,
		WeeklyThreshold:  99,
		PollIntervalMs:   60000,
	}
}

// Reason explains why a switch was attempted
type Reason string

const (
	ReasonProactive Reason = "proactive"
	ReasonReactive  Reason = "reactive"
)

// Notification reports the outcome of a switch attempt. Switched is false
// and ToProfileID empty when no eligible alternative existed.
type Notification struct {
	Reason        Reason `json:"reason"`
	FromProfileID string `json:"fromProfileId"`
	ToProfileID   string `json:"toProfileId,omitempty"`
	Switched      bool   `json:"switched"`
}

// ProfileSwitcher is the profile surface the controller needs
type ProfileSwitcher interface {
	List() ([]profile.Profile, error)
	Active() (*profile.Profile, error)
	SetActive(id string) error
	IsAuthenticated(p *profile.Profile) bool
}

// SessionSignaler tells running sessions to retry with the new profile
type SessionSignaler interface {
	SignalProfileSwitch(fromProfileID, toProfileID string)
}

// UsageSource provides cached usage readings for eligibility checks
type UsageSource interface {
	Snapshot(profileID string) (usage.Snapshot, bool)
}

// Notifier observes switch outcomes
type Notifier func(n Notification)

// Persister saves settings changes
type Persister func(s Settings) error

// Controller evaluates triggers and performs at most one switch at a time.
// Triggers arriving while a switch is in flight are dropped, not queued.
type Controller struct {
	profiles ProfileSwitcher
	sessions SessionSignaler
	usage    UsageSource
	notify   Notifier
	persist  Persister

	mu       sync.RWMutex
	settings Settings

	switching atomic.Bool
}

// NewController creates the controller. notify and persist may be nil.
func NewController(profiles ProfileSwitcher, sessions SessionSignaler, usageSrc UsageSource, settings Settings, notify Notifier, persist Persister) *Controller {
	return &Controller{
		profiles: profiles,
		sessions: sessions,
		usage:    usageSrc,
		settings: settings,
		notify:   notify,
		persist:  persist,
	}
}

// Settings returns the current configuration
func (c *Controller) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// UpdateSettings replaces the configuration and persists it
func (c *Controller) UpdateSettings(s Settings) error {
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
	if c.persist != nil {
		return c.persist(s)
	}
	return nil
}

// OnUsage is the proactive trigger, called with every fresh snapshot.
// Only readings for the active profile can start a switch.
func (c *Controller) OnUsage(profileID string, snap usage.Snapshot) {
	s := c.Settings()
	if !s.Enabled || !s.ProactiveEnabled {
		return
	}
	active, err := c.profiles.Active()
	if err != nil || active == nil || active.ID != profileID {
		return
	}
	if snap.SessionPercent < s.SessionThreshold && snap.WeeklyPercent < s.WeeklyThreshold {
		return
	}
	c.trigger(ReasonProactive, active.ID)
}

// OnRateLimit is the reactive trigger. An empty profileID means the
// detection could not be attributed; it falls to the active profile.
func (c *Controller) OnRateLimit(profileID string) {
	s := c.Settings()
	if !s.Enabled || !s.ReactiveEnabled {
		return
	}
	active, err := c.profiles.Active()
	if err != nil || active == nil {
		return
	}
	if profileID != "" && profileID != active.ID {
		return
	}
	c.trigger(ReasonReactive, active.ID)
}

// trigger runs one switch attempt under the CAS flag. Concurrent triggers
// lose the CAS and return without queueing.
func (c *Controller) trigger(reason Reason, fromID string) {
	if !c.switching.CompareAndSwap(false, true) {
		logger.Debug().Str("reason", string(reason)).Msg("Switch already in progress, trigger dropped")
		return
	}
	defer c.switching.Store(false)

	target := c.pickTarget(fromID)
	if target == nil {
		logger.Warn().
			Str("reason", string(reason)).
			Str("fromProfileId", fromID).
			Msg("No eligible profile to switch to")
		c.emit(Notification{Reason: reason, FromProfileID: fromID})
		return
	}

	if err := c.profiles.SetActive(target.ID); err != nil {
		logger.Error().Err(err).Str("profileId", target.ID).Msg("Failed to activate switch target")
		c.emit(Notification{Reason: reason, FromProfileID: fromID})
		return
	}
	c.sessions.SignalProfileSwitch(fromID, target.ID)

	logger.Info().
		Str("reason", string(reason)).
		Str("fromProfileId", fromID).
		Str("toProfileId", target.ID).
		Msg("Switched active profile")
	c.emit(Notification{Reason: reason, FromProfileID: fromID, ToProfileID: target.ID, Switched: true})
}

// pickTarget selects the best alternative: authenticated, not active, not
// itself over a threshold; lowest session usage wins, then earliest created.
// Profiles without a cached reading count as unused.
func (c *Controller) pickTarget(activeID string) *profile.Profile {
	s := c.Settings()
	all, err := c.profiles.List()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list profiles for switch")
		return nil
	}

	type candidate struct {
		p              profile.Profile
		sessionPercent float64
	}
	var candidates []candidate
	for _, p := range all {
		p := p
		if p.ID == activeID || !c.profiles.IsAuthenticated(&p) {
			continue
		}
		var sessionPercent float64
		if snap, ok := c.usage.Snapshot(p.ID); ok {
			if snap.SessionPercent >= s.SessionThreshold || snap.WeeklyPercent >= s.WeeklyThreshold {
				continue
			}
			sessionPercent = snap.SessionPercent
		}
		candidates = append(candidates, candidate{p: p, sessionPercent: sessionPercent})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].sessionPercent != candidates[j].sessionPercent {
			return candidates[i].sessionPercent < candidates[j].sessionPercent
		}
		return candidates[i].p.CreatedAt.Before(candidates[j].p.CreatedAt)
	})
	return &candidates[0].p
}

func (c *Controller) emit(n Notification) {
	if c.notify != nil {
		c.notify(n)
	}
}
