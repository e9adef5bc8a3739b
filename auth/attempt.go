// Package auth drives embedded login flows. One Attempt exists per
// in-progress login: it owns a dedicated login session, watches scanner
// events for the captured token, and tolerates the race between the
// onboarding-complete banner and the login process exiting cleanly.
package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is an attempt's lifecycle state
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateOnboarding State = "onboarding"
	StateSuccess    State = "success"
	StateError      State = "error"
)

// Attempt is one in-progress login flow, scoped to one session and one profile
type Attempt struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	ProfileID string `json:"profileId"`

	mu            sync.Mutex
	state         State
	capturedToken string
	capturedEmail string
	errMessage    string
	disposed      bool

	// prefillSent guards the one-shot delayed login-command write
	prefillSent atomic.Bool

	// completed absorbs the onboarding race: the process-exit path and the
	// banner path both check-and-set it, so exactly one wins.
	completed atomic.Bool

	prefillTimer   *time.Timer
	autoCloseTimer *time.Timer
}

// State returns the attempt's current state
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Email returns the email captured from the login output, if any
func (a *Attempt) Email() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capturedEmail
}

// ErrorMessage returns the failure message for attempts in StateError
func (a *Attempt) ErrorMessage() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.errMessage
}

// isTerminal reports whether a state absorbs further transitions
func isTerminal(s State) bool {
	return s == StateSuccess || s == StateError
}

// dispose cancels pending timers so a stale timer never mutates a closed
// attempt. Idempotent.
func (a *Attempt) dispose() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return
	}
	a.disposed = true
	if a.prefillTimer != nil {
		a.prefillTimer.Stop()
		a.prefillTimer = nil
	}
	if a.autoCloseTimer != nil {
		a.autoCloseTimer.Stop()
		a.autoCloseTimer = nil
	}
}

// ToJSON returns a JSON-safe representation of the attempt
func (a *Attempt) ToJSON() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := map[string]interface{}{
		"id":        a.ID,
		"sessionId": a.SessionID,
		"profileId": a.ProfileID,
		"state":     a.state,
	}
	if a.capturedEmail != "" {
		out["email"] = a.capturedEmail
	}
	if a.errMessage != "" {
		out["error"] = a.errMessage
	}
	return out
}
