// Package scanner watches session output streams for authentication and
// usage signals: captured credential tokens, the onboarding-complete banner,
// rate-limit markers, and explicit login failures. Each detector fires at
// most once per session, because login output legitimately repeats banners
// on in-session retries and downstream consumers must not see duplicates.
package scanner

import (
	"sync"

	"github.com/sessiondeck/sessiondeck/log"
)

// windowSize bounds the rolling detection buffer per session. Markers are
// short; 4 KiB comfortably covers any marker straddling chunk boundaries.
const windowSize = 4096

// TokenEvent reports a captured credential token on a login session
type TokenEvent struct {
	SessionID       string
	ProfileID       string
	Token           string
	Email           string
	NeedsOnboarding bool
}

// OnboardingEvent reports the onboarding-complete banner on a login session
type OnboardingEvent struct {
	SessionID string
	ProfileID string
}

// RateLimitEvent reports a usage-exhaustion marker on a running session.
// ProfileID is empty when no profile could be attributed.
type RateLimitEvent struct {
	SessionID string
	ProfileID string
}

// FailureEvent reports an explicit authentication failure on a login session
type FailureEvent struct {
	SessionID string
	ProfileID string
	Message   string
}

// Handlers receives detector events. Nil handlers are skipped.
type Handlers struct {
	OnToken          func(TokenEvent)
	OnOnboardingDone func(OnboardingEvent)
	OnRateLimit      func(RateLimitEvent)
	OnFailure        func(FailureEvent)
}

// Resolver attributes sessions to profiles. Login sessions are resolved
// through the explicit association the auth attempt registers; rate limits
// in ordinary sessions are attributed to the active profile.
type Resolver interface {
	// LoginProfile returns the profile a login session was created for
	LoginProfile(sessionID string) (string, bool)
	// ActiveProfileID returns the id of the active profile, or ""
	ActiveProfileID() string
}

// Subscriber is the slice of the session registry the scanner needs
type Subscriber interface {
	Subscribe(sessionID string) (<-chan []byte, func(), error)
}

type latchKey struct {
	sessionID string
	kind      DetectorKind
}

// Scanner attaches pattern detectors to session output streams
type Scanner struct {
	sessions Subscriber
	resolver Resolver
	handlers Handlers

	mu      sync.Mutex
	latches map[latchKey]struct{}
	windows map[string]string
}

// New creates a scanner
func New(sessions Subscriber, resolver Resolver, handlers Handlers) *Scanner {
	return &Scanner{
		sessions: sessions,
		resolver: resolver,
		handlers: handlers,
		latches:  make(map[latchKey]struct{}),
		windows:  make(map[string]string),
	}
}

// Attach subscribes the detectors to a session's output stream. The returned
// function detaches; latches for the session stay set so a re-attach to the
// same session never re-fires a detector. New attempts use new session ids,
// which is what re-arms detection.
func (s *Scanner) Attach(sessionID string) (func(), error) {
	ch, unsub, err := s.sessions.Subscribe(sessionID)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case chunk, ok := <-ch:
				if !ok {
					return
				}
				s.scan(sessionID, chunk)
			}
		}
	}()

	var once sync.Once
	detach := func() {
		once.Do(func() {
			close(done)
			unsub()
			s.mu.Lock()
			delete(s.windows, sessionID)
			s.mu.Unlock()
		})
	}
	return detach, nil
}

// Release drops a session's window and latches once the session is gone.
// Only call this for ids that will never produce output again; a live
// session's latches must stay set so a re-attach never re-fires a detector.
func (s *Scanner) Release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, sessionID)
	for key := range s.latches {
		if key.sessionID == sessionID {
			delete(s.latches, key)
		}
	}
}

// scan appends a chunk to the session's rolling window and runs every
// un-latched detector over it.
func (s *Scanner) scan(sessionID string, chunk []byte) {
	s.mu.Lock()
	window := s.windows[sessionID] + stripANSI(string(chunk))
	if len(window) > windowSize {
		window = window[len(window)-windowSize:]
	}
	s.windows[sessionID] = window
	s.mu.Unlock()

	loginProfile, isLogin := s.resolver.LoginProfile(sessionID)

	if isLogin {
		if token, email, needsOnboarding, ok := detectToken(window); ok && s.latch(sessionID, KindToken) {
			log.Debug().Str("sessionId", sessionID).Str("profileId", loginProfile).Msg("token detected")
			if s.handlers.OnToken != nil {
				s.handlers.OnToken(TokenEvent{
					SessionID:       sessionID,
					ProfileID:       loginProfile,
					Token:           token,
					Email:           email,
					NeedsOnboarding: needsOnboarding,
				})
			}
		}

		if detectOnboardingDone(window) && s.latch(sessionID, KindOnboardingDone) {
			if s.handlers.OnOnboardingDone != nil {
				s.handlers.OnOnboardingDone(OnboardingEvent{SessionID: sessionID, ProfileID: loginProfile})
			}
		}

		if msg, ok := detectFailure(window); ok && s.latch(sessionID, KindFailure) {
			if s.handlers.OnFailure != nil {
				s.handlers.OnFailure(FailureEvent{SessionID: sessionID, ProfileID: loginProfile, Message: msg})
			}
		}
		return
	}

	// Ordinary running session: only the rate-limit detector applies, and a
	// hit is attributed to whichever profile is active.
	if detectRateLimit(window) && s.latch(sessionID, KindRateLimit) {
		profileID := s.resolver.ActiveProfileID()
		log.Info().Str("sessionId", sessionID).Str("profileId", profileID).Msg("rate limit detected")
		if s.handlers.OnRateLimit != nil {
			s.handlers.OnRateLimit(RateLimitEvent{SessionID: sessionID, ProfileID: profileID})
		}
	}
}

// latch check-and-sets the one-shot guard for (session, detector).
// Returns true exactly once per key.
func (s *Scanner) latch(sessionID string, kind DetectorKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := latchKey{sessionID: sessionID, kind: kind}
	if _, fired := s.latches[key]; fired {
		return false
	}
	s.latches[key] = struct{}{}
	return true
}
