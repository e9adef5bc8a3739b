// Package session creates, destroys, and persists interactive agent sessions.
// Every session is an OS process attached to a pseudo-terminal; output is
// fanned out to subscribers in emission order, with the accumulated backlog
// replayed to late attachers so they see continuity.
package session

import (
	"sync"
	"time"
)

// Status represents a session's lifecycle state
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusRunning    Status = "running"
	StatusExited     Status = "exited"
)

// Session is a live or restored handle to a PTY-backed agent process
type Session struct {
	ID           string    `json:"id"`
	ProjectScope string    `json:"projectScope,omitempty"`
	DisplayOrder int       `json:"displayOrder"`
	CreatedAt    time.Time `json:"createdAt"`

	mu       sync.Mutex
	status   Status
	exitCode int
	pid      int
	proc     Process

	// backlog keeps everything the process has written so a late subscriber
	// replays full history before live output.
	backlog []byte
	subs    map[*subscriber]struct{}
}

type subscriber struct {
	ch chan []byte
}

func newSession(id, projectScope string, displayOrder int, createdAt time.Time) *Session {
	return &Session{
		ID:           id,
		ProjectScope: projectScope,
		DisplayOrder: displayOrder,
		CreatedAt:    createdAt,
		status:       StatusConnecting,
		subs:         make(map[*subscriber]struct{}),
	}
}

// Status returns the session's current lifecycle state
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ExitCode returns the process exit code; meaningful only once exited
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// PID returns the OS process id, or 0 for a session that never spawned
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Backlog returns a copy of everything the session has emitted so far
func (s *Session) Backlog() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.backlog))
	copy(out, s.backlog)
	return out
}

// emit appends a chunk to the backlog and fans it out to all subscribers.
// Appending and fan-out happen under one lock so every subscriber observes
// chunks in emission order.
func (s *Session) emit(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.backlog = append(s.backlog, data...)
	for sub := range s.subs {
		select {
		case sub.ch <- data:
		default:
			// Subscriber's buffer is full, skip
		}
	}
}

// subscribe registers an output subscriber. The backlog is queued ahead of
// any live chunk, under the same lock that orders emissions.
func (s *Session) subscribe() (<-chan []byte, func()) {
	sub := &subscriber{ch: make(chan []byte, 256)}

	s.mu.Lock()
	if len(s.backlog) > 0 {
		replay := make([]byte, len(s.backlog))
		copy(replay, s.backlog)
		sub.ch <- replay
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub)
			s.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, unsubscribe
}

// markRunning transitions connecting → running once the process is confirmed alive
func (s *Session) markRunning(proc Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc = proc
	s.pid = proc.Pid()
	s.status = StatusRunning
}

// markExited transitions to exited and records the exit code
func (s *Session) markExited(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusExited {
		return
	}
	s.status = StatusExited
	s.exitCode = code
}

// process returns the live process handle, or nil once exited
func (s *Session) process() Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return nil
	}
	return s.proc
}

func (s *Session) setDisplayOrder(order int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DisplayOrder = order
}

// preload seeds the backlog with historical output (used by restore)
func (s *Session) preload(output []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlog = append(s.backlog, output...)
}

// ToJSON returns a JSON-safe representation of the session
func (s *Session) ToJSON() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"id":           s.ID,
		"projectScope": s.ProjectScope,
		"displayOrder": s.DisplayOrder,
		"createdAt":    s.CreatedAt,
		"status":       s.status,
		"pid":          s.pid,
		"subscribers":  len(s.subs),
	}
}
