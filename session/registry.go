package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sessiondeck/sessiondeck/log"
)

var (
	ErrSessionNotFound = fmt.Errorf("session not found")
	ErrSessionExited   = fmt.Errorf("session has exited")
	ErrTooManySessions = fmt.Errorf("too many sessions")
)

// credentialEnvVar points the agent CLI at a profile's credential directory
const credentialEnvVar = "CLAUDE_CONFIG_DIR"

// SpawnError wraps a process launch failure so callers can tell it apart
// from registry-level errors.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return "spawn failed: " + e.Err.Error() }
func (e *SpawnError) Unwrap() error { return e.Err }

// EventType represents the type of registry event
type EventType string

const (
	EventCreated      EventType = "created"
	EventOutput       EventType = "output"
	EventExited       EventType = "exited"
	EventDestroyed    EventType = "destroyed"
	EventRetryProfile EventType = "retry-profile"
)

// Event represents a change in session state
type Event struct {
	Type      EventType
	SessionID string
	ExitCode  int    // set for exited events
	Data      []byte // set for output events
	ProfileID string // set for retry-profile events (the profile to retry with)
}

// EventCallback is called when session state changes
type EventCallback func(event Event)

// CreateOptions configures a new session
type CreateOptions struct {
	// ID is optional; login flows supply their own so the attempt can
	// correlate output. Empty means a generated id.
	ID            string
	ProjectScope  string
	CredentialDir string
	Args          []string
	Cols          uint16
	Rows          uint16
	DisplayOrder  int

	// preloadOutput seeds the backlog before any live output (restore path)
	preloadOutput []byte
	createdAt     time.Time
}

// Registry is the single source of truth for live sessions. It spawns agent
// processes on PTYs, fans out their output, and enforces the session cap.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	spawner      Spawner
	agentCommand string
	maxSessions  int

	// Event subscribers
	subscribersMu sync.RWMutex
	subscribers   map[chan Event]struct{}

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a session registry
func NewRegistry(spawner Spawner, agentCommand string, maxSessions int) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		sessions:     make(map[string]*Session),
		spawner:      spawner,
		agentCommand: agentCommand,
		maxSessions:  maxSessions,
		subscribers:  make(map[chan Event]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Create spawns a new agent session. Exceeding the session cap fails with
// ErrTooManySessions; a launch failure returns a *SpawnError and leaves no
// partial session behind.
func (r *Registry) Create(opts CreateOptions) (*Session, error) {
	r.mu.Lock()
	if len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return nil, ErrTooManySessions
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %q already exists", id)
	}
	r.mu.Unlock()

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	env := map[string]string{}
	if opts.CredentialDir != "" {
		env[credentialEnvVar] = opts.CredentialDir
	}

	createdAt := opts.createdAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	sess := newSession(id, opts.ProjectScope, opts.DisplayOrder, createdAt)
	if len(opts.preloadOutput) > 0 {
		sess.preload(opts.preloadOutput)
	}

	proc, err := r.spawner.Spawn(SpawnSpec{
		Command: r.agentCommand,
		Args:    opts.Args,
		Dir:     opts.ProjectScope,
		Env:     env,
		Cols:    cols,
		Rows:    rows,
	})
	if err != nil {
		return nil, &SpawnError{Err: err}
	}
	sess.markRunning(proc)

	r.mu.Lock()
	// Re-check cap and id: another create may have won either race while
	// we spawned. The loser's process is killed, never registered.
	if len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		_ = proc.Kill()
		_ = proc.Close()
		return nil, ErrTooManySessions
	}
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		_ = proc.Kill()
		_ = proc.Close()
		return nil, fmt.Errorf("session %q already exists", id)
	}
	r.sessions[id] = sess
	r.mu.Unlock()

	r.wg.Add(1)
	go r.readLoop(sess, proc)
	r.wg.Add(1)
	go r.monitor(sess, proc)

	log.Info().
		Str("sessionId", id).
		Int("pid", sess.PID()).
		Str("projectScope", opts.ProjectScope).
		Msg("created session")

	r.notify(Event{Type: EventCreated, SessionID: id})
	return sess, nil
}

// Get returns a session by id (live or exited-but-not-destroyed)
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// List returns all sessions ordered by display order
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Destroy terminates a session's process (best-effort) and removes the
// session from the active set. Cleanup failures are logged, never returned:
// the caller's view of "gone" is authoritative.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	if proc := sess.process(); proc != nil {
		if err := proc.Kill(); err != nil {
			log.Warn().Err(err).Str("sessionId", id).Msg("failed to kill session process")
		}
	}
	sess.markExited(-1)

	log.Info().Str("sessionId", id).Msg("destroyed session")
	r.notify(Event{Type: EventDestroyed, SessionID: id})
	return nil
}

// UpdateDisplayOrder moves a session within operator displays. The new order
// is picked up by the next snapshot cycle.
func (r *Registry) UpdateDisplayOrder(id string, order int) error {
	sess, err := r.Get(id)
	if err != nil {
		return err
	}
	sess.setDisplayOrder(order)
	return nil
}

// Write sends bytes to a session's PTY
func (r *Registry) Write(id string, data []byte) error {
	sess, err := r.Get(id)
	if err != nil {
		return err
	}
	proc := sess.process()
	if proc == nil {
		return ErrSessionExited
	}
	_, err = proc.Write(data)
	return err
}

// Resize changes a session's PTY dimensions
func (r *Registry) Resize(id string, cols, rows uint16) error {
	sess, err := r.Get(id)
	if err != nil {
		return err
	}
	proc := sess.process()
	if proc == nil {
		return ErrSessionExited
	}
	return proc.Resize(cols, rows)
}

// Subscribe attaches to a session's ordered output stream. The accumulated
// backlog arrives first, then live chunks.
func (r *Registry) Subscribe(id string) (<-chan []byte, func(), error) {
	sess, err := r.Get(id)
	if err != nil {
		return nil, nil, err
	}
	ch, unsub := sess.subscribe()
	return ch, unsub, nil
}

// SubscribeEvents registers a callback for registry events.
// Returns an unsubscribe function. The delivery goroutine is tracked and
// cleaned up on Shutdown even if unsubscribe is never called.
func (r *Registry) SubscribeEvents(callback EventCallback) func() {
	ch := make(chan Event, 64)

	r.subscribersMu.Lock()
	r.subscribers[ch] = struct{}{}
	r.subscribersMu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				callback(event)
			}
		}
	}()

	return func() {
		r.subscribersMu.Lock()
		defer r.subscribersMu.Unlock()
		if _, exists := r.subscribers[ch]; exists {
			delete(r.subscribers, ch)
			close(ch)
		}
	}
}

// SignalProfileSwitch tells running sessions that the active profile changed
// so in-flight work can retry against the new credentials.
func (r *Registry) SignalProfileSwitch(fromProfileID, toProfileID string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.Status() == StatusRunning {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.notify(Event{Type: EventRetryProfile, SessionID: id, ProfileID: toProfileID})
	}

	log.Info().
		Str("from", fromProfileID).
		Str("to", toProfileID).
		Int("sessions", len(ids)).
		Msg("signaled profile switch to running sessions")
}

// notify broadcasts an event to all subscribers
func (r *Registry) notify(event Event) {
	r.subscribersMu.RLock()
	defer r.subscribersMu.RUnlock()

	for ch := range r.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber is not keeping up, drop
		}
	}
}

// readLoop reads PTY output and fans it out until the stream closes
func (r *Registry) readLoop(sess *Session, proc Process) {
	defer r.wg.Done()

	buf := make([]byte, 4096)
	for {
		n, err := proc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			sess.emit(data)
			r.notify(Event{Type: EventOutput, SessionID: sess.ID, Data: data})
		}
		if err != nil {
			// PTY closed or process died; the monitor reports the exit
			return
		}
	}
}

// monitor waits for the process to exit and records the result
func (r *Registry) monitor(sess *Session, proc Process) {
	defer r.wg.Done()

	code := proc.Wait()
	_ = proc.Close()
	sess.markExited(code)

	log.Info().
		Str("sessionId", sess.ID).
		Int("exitCode", code).
		Msg("session process exited")

	r.notify(Event{Type: EventExited, SessionID: sess.ID, ExitCode: code})
}

// Shutdown kills all sessions and waits for goroutines to finish
func (r *Registry) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down session registry")

	r.mu.Lock()
	for id, sess := range r.sessions {
		if proc := sess.process(); proc != nil {
			log.Info().Str("sessionId", id).Msg("killing session during shutdown")
			_ = proc.Kill()
		}
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("session registry shutdown complete")
		return nil
	case <-ctx.Done():
		log.Warn().Msg("session registry shutdown timed out")
		return ctx.Err()
	}
}
