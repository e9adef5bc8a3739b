package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessiondeck/sessiondeck/log"
	"github.com/sessiondeck/sessiondeck/scanner"
	"github.com/sessiondeck/sessiondeck/session"
)

var logger = log.GetLogger("Auth")

var (
	// ErrAttemptNotFound is returned when an attempt id doesn't exist
	ErrAttemptNotFound = errors.New("login attempt not found")
	// ErrAttemptInProgress is returned when the profile already has a live attempt
	ErrAttemptInProgress = errors.New("login attempt already in progress for profile")
)

const (
	// prefillDelay gives the CLI time to render its prompt before the
	// login command is typed into it
	prefillDelay = 800 * time.Millisecond

	// autoCloseDelay keeps the onboarding-complete banner visible briefly
	// before the login session is torn down
	autoCloseDelay = 1500 * time.Millisecond

	// loginCommand is written into the session without a trailing newline;
	// the CLI's prompt submits on the bare command
	loginCommand = "/login"
)

// loginSessionPrefix marks sessions owned by login attempts so operators
// can tell them apart in listings. Correlation itself goes through the
// manager's association table, never through id parsing.
const loginSessionPrefix = "login-"

// ProfileCommitter persists captured credentials once an attempt succeeds
type ProfileCommitter interface {
	SetToken(id, token, email string) error
}

// StateListener observes attempt state transitions
type StateListener func(attempt *Attempt, state State)

// Manager owns all live login attempts and routes scanner and registry
// events to them
type Manager struct {
	registry *session.Registry
	profiles ProfileCommitter
	listener StateListener

	mu            sync.RWMutex
	attempts      map[string]*Attempt // by attempt id
	bySession     map[string]*Attempt // by session id
	loginSessions map[string]string   // session id -> profile id
	attach        func(sessionID string) (func(), error)
	detachers     map[string]func() // by attempt id

	unsubscribe func()
}

// NewManager creates the attempt manager. SetScanner must be called before
// Begin; the scanner in turn resolves login sessions through this manager.
func NewManager(registry *session.Registry, profiles ProfileCommitter, listener StateListener) *Manager {
	m := &Manager{
		registry:      registry,
		profiles:      profiles,
		listener:      listener,
		attempts:      make(map[string]*Attempt),
		bySession:     make(map[string]*Attempt),
		loginSessions: make(map[string]string),
		detachers:     make(map[string]func()),
	}
	m.unsubscribe = registry.SubscribeEvents(m.onRegistryEvent)
	return m
}

// SetScanner wires the output scanner's attach entry point. Separate from
// construction because the scanner needs the manager as its resolver.
func (m *Manager) SetScanner(sc *scanner.Scanner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attach = sc.Attach
}

// LoginProfile implements scanner.Resolver for login sessions
func (m *Manager) LoginProfile(sessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	profileID, ok := m.loginSessions[sessionID]
	return profileID, ok
}

// Handlers returns the scanner callbacks that feed this manager
func (m *Manager) Handlers() scanner.Handlers {
	return scanner.Handlers{
		OnToken:          m.onToken,
		OnOnboardingDone: m.onOnboardingDone,
		OnFailure:        m.onFailure,
	}
}

// Begin starts a login attempt for the given profile. It spawns a dedicated
// agent session under the profile's credential directory and schedules the
// delayed login-command prefill.
func (m *Manager) Begin(profileID, credentialDir string) (*Attempt, error) {
	m.mu.Lock()
	for _, a := range m.attempts {
		if a.ProfileID == profileID && !isTerminal(a.State()) {
			m.mu.Unlock()
			return nil, ErrAttemptInProgress
		}
	}
	attach := m.attach
	if attach == nil {
		m.mu.Unlock()
		return nil, errors.New("auth manager has no scanner")
	}
	attemptID := uuid.New().String()
	sessionID := loginSessionPrefix + attemptID
	attempt := &Attempt{
		ID:        attemptID,
		SessionID: sessionID,
		ProfileID: profileID,
		state:     StateConnecting,
	}
	m.attempts[attemptID] = attempt
	m.bySession[sessionID] = attempt
	// Register the association before spawning so the scanner resolves the
	// profile from the very first output chunk.
	m.loginSessions[sessionID] = profileID
	m.mu.Unlock()

	sess, err := m.registry.Create(session.CreateOptions{
		ID:            sessionID,
		CredentialDir: credentialDir,
	})
	if err != nil {
		m.forget(attempt)
		m.transition(attempt, StateError, fmt.Sprintf("failed to start login session: %v", err))
		return nil, err
	}

	detach, err := attach(sess.ID)
	if err != nil {
		m.teardown(attempt)
		m.transition(attempt, StateError, fmt.Sprintf("failed to watch login session: %v", err))
		return nil, err
	}
	m.mu.Lock()
	m.detachers[attemptID] = detach
	m.mu.Unlock()

	m.transition(attempt, StateReady, "")
	m.schedulePrefill(attempt)

	logger.Info().
		Str("attemptId", attemptID).
		Str("profileId", profileID).
		Str("sessionId", sessionID).
		Msg("Login attempt started")
	return attempt, nil
}

// Get returns an attempt by id
func (m *Manager) Get(attemptID string) (*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[attemptID]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return a, nil
}

// List returns all attempts, live and terminal
func (m *Manager) List() []*Attempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Attempt, 0, len(m.attempts))
	for _, a := range m.attempts {
		out = append(out, a)
	}
	return out
}

// Close disposes an attempt: cancels its timers, detaches the scanner, and
// destroys the login session. Safe to call in any state.
func (m *Manager) Close(attemptID string) error {
	m.mu.RLock()
	attempt, ok := m.attempts[attemptID]
	m.mu.RUnlock()
	if !ok {
		return ErrAttemptNotFound
	}
	m.teardown(attempt)
	m.mu.Lock()
	delete(m.attempts, attemptID)
	m.mu.Unlock()
	logger.Debug().Str("attemptId", attemptID).Msg("Login attempt closed")
	return nil
}

// Shutdown closes all attempts and stops listening for registry events
func (m *Manager) Shutdown() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.mu.RLock()
	ids := make([]string, 0, len(m.attempts))
	for id := range m.attempts {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.Close(id)
	}
}

// schedulePrefill arms the one-shot timer that types the login command.
// The prefillSent latch makes a second arm (or a racing manual write)
// harmless.
func (m *Manager) schedulePrefill(attempt *Attempt) {
	attempt.mu.Lock()
	defer attempt.mu.Unlock()
	if attempt.disposed || attempt.prefillTimer != nil {
		return
	}
	attempt.prefillTimer = time.AfterFunc(prefillDelay, func() {
		if !attempt.prefillSent.CompareAndSwap(false, true) {
			return
		}
		attempt.mu.Lock()
		disposed := attempt.disposed
		attempt.mu.Unlock()
		if disposed {
			return
		}
		if err := m.registry.Write(attempt.SessionID, []byte(loginCommand)); err != nil {
			logger.Warn().Err(err).Str("attemptId", attempt.ID).Msg("Login prefill write failed")
		}
	})
}

func (m *Manager) onToken(ev scanner.TokenEvent) {
	attempt := m.attemptForSession(ev.SessionID)
	if attempt == nil {
		return
	}
	attempt.mu.Lock()
	attempt.capturedToken = ev.Token
	attempt.capturedEmail = ev.Email
	attempt.mu.Unlock()

	if ev.NeedsOnboarding {
		m.transition(attempt, StateOnboarding, "")
		return
	}
	if attempt.completed.CompareAndSwap(false, true) {
		m.succeed(attempt, false)
	}
}

// onOnboardingDone is the banner arm of the completion race. Only this arm
// schedules the auto-close grace timer. The banner only completes attempts
// that actually reached onboarding: a ready-state attempt has no captured
// token yet, and a look-alike banner must not fake a success.
func (m *Manager) onOnboardingDone(ev scanner.OnboardingEvent) {
	attempt := m.attemptForSession(ev.SessionID)
	if attempt == nil {
		return
	}
	if attempt.State() != StateOnboarding {
		return
	}
	if !attempt.completed.CompareAndSwap(false, true) {
		return
	}
	m.succeed(attempt, true)
}

func (m *Manager) onFailure(ev scanner.FailureEvent) {
	attempt := m.attemptForSession(ev.SessionID)
	if attempt == nil {
		return
	}
	if attempt.completed.Load() {
		return
	}
	m.transition(attempt, StateError, ev.Message)
}

// onRegistryEvent is the process-exit arm of the completion race: a clean
// exit during onboarding means the CLI finished setup and quit before the
// banner was scanned.
func (m *Manager) onRegistryEvent(ev session.Event) {
	if ev.Type != session.EventExited {
		return
	}
	attempt := m.attemptForSession(ev.SessionID)
	if attempt == nil {
		return
	}
	if attempt.State() != StateOnboarding || ev.ExitCode != 0 {
		return
	}
	if !attempt.completed.CompareAndSwap(false, true) {
		return
	}
	m.succeed(attempt, false)
}

// succeed commits captured credentials and transitions to success. The
// banner path additionally schedules the auto-close; the exit path does
// not, because its session is already gone.
func (m *Manager) succeed(attempt *Attempt, scheduleAutoClose bool) {
	attempt.mu.Lock()
	token := attempt.capturedToken
	email := attempt.capturedEmail
	attempt.mu.Unlock()

	if token != "" {
		if err := m.profiles.SetToken(attempt.ProfileID, token, email); err != nil {
			logger.Error().Err(err).Str("profileId", attempt.ProfileID).Msg("Failed to persist captured token")
			m.transition(attempt, StateError, fmt.Sprintf("failed to save credentials: %v", err))
			return
		}
	}
	m.transition(attempt, StateSuccess, "")
	logger.Info().
		Str("attemptId", attempt.ID).
		Str("profileId", attempt.ProfileID).
		Str("email", email).
		Msg("Login attempt succeeded")

	if scheduleAutoClose {
		attempt.mu.Lock()
		if !attempt.disposed && attempt.autoCloseTimer == nil {
			attempt.autoCloseTimer = time.AfterFunc(autoCloseDelay, func() {
				_ = m.Close(attempt.ID)
			})
		}
		attempt.mu.Unlock()
	}
}

// transition moves an attempt to a new state and notifies the listener.
// Terminal states absorb everything.
func (m *Manager) transition(attempt *Attempt, to State, errMessage string) {
	attempt.mu.Lock()
	if isTerminal(attempt.state) {
		attempt.mu.Unlock()
		return
	}
	attempt.state = to
	if errMessage != "" {
		attempt.errMessage = errMessage
	}
	attempt.mu.Unlock()

	if m.listener != nil {
		m.listener(attempt, to)
	}
}

func (m *Manager) attemptForSession(sessionID string) *Attempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bySession[sessionID]
}

// teardown disposes timers, detaches the scanner, destroys the login
// session, and drops the session association
func (m *Manager) teardown(attempt *Attempt) {
	attempt.dispose()
	m.mu.Lock()
	detach := m.detachers[attempt.ID]
	delete(m.detachers, attempt.ID)
	m.mu.Unlock()
	if detach != nil {
		detach()
	}
	if err := m.registry.Destroy(attempt.SessionID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		logger.Warn().Err(err).Str("sessionId", attempt.SessionID).Msg("Failed to destroy login session")
	}
	m.forget(attempt)
}

// forget drops the session association without touching the session
func (m *Manager) forget(attempt *Attempt) {
	m.mu.Lock()
	delete(m.bySession, attempt.SessionID)
	delete(m.loginSessions, attempt.SessionID)
	m.mu.Unlock()
}
