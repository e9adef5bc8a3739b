package scanner

import (
	"sync"
	"testing"
	"time"
)

// fakeStream is a Subscriber backed by per-session channels
type fakeStream struct {
	mu       sync.Mutex
	channels map[string]chan []byte
}

func newFakeStream() *fakeStream {
	return &fakeStream{channels: make(map[string]chan []byte)}
}

func (f *fakeStream) Subscribe(sessionID string) (<-chan []byte, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan []byte, 64)
	f.channels[sessionID] = ch
	return ch, func() {}, nil
}

func (f *fakeStream) emit(sessionID string, data string) {
	f.mu.Lock()
	ch := f.channels[sessionID]
	f.mu.Unlock()
	ch <- []byte(data)
}

// fakeResolver marks given sessions as login sessions
type fakeResolver struct {
	logins map[string]string
	active string
}

func (r *fakeResolver) LoginProfile(sessionID string) (string, bool) {
	p, ok := r.logins[sessionID]
	return p, ok
}

func (r *fakeResolver) ActiveProfileID() string { return r.active }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestScan_TokenOnLoginSession(t *testing.T) {
	stream := newFakeStream()
	resolver := &fakeResolver{logins: map[string]string{"login-1": "work"}}

	var mu sync.Mutex
	var tokens []TokenEvent
	s := New(stream, resolver, Handlers{
		OnToken: func(ev TokenEvent) {
			mu.Lock()
			tokens = append(tokens, ev)
			mu.Unlock()
		},
	})

	detach, err := s.Attach("login-1")
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	defer detach()

	stream.emit("login-1", "Logged in as dev@example.com\r\nsk-ant-oat01-a1b2c3d4e5f6\r\n")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tokens) == 1
	}, "token never detected")

	mu.Lock()
	ev := tokens[0]
	mu.Unlock()
	if ev.Token != "sk-ant-oat01-a1b2c3d4e5f6" {
		t.Errorf("wrong token: %s", ev.Token)
	}
	if ev.Email != "dev@example.com" {
		t.Errorf("wrong email: %s", ev.Email)
	}
	if ev.ProfileID != "work" {
		t.Errorf("wrong profile: %s", ev.ProfileID)
	}
	if ev.NeedsOnboarding {
		t.Error("no onboarding marker was present")
	}
}

func TestScan_TokenStraddlingChunkBoundary(t *testing.T) {
	stream := newFakeStream()
	resolver := &fakeResolver{logins: map[string]string{"login-1": "work"}}

	got := make(chan TokenEvent, 1)
	s := New(stream, resolver, Handlers{
		OnToken: func(ev TokenEvent) { got <- ev },
	})

	detach, err := s.Attach("login-1")
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	defer detach()

	// The marker split across two terminal writes
	stream.emit("login-1", "token: sk-ant-oat")
	stream.emit("login-1", "01-a1b2c3d4e5f6\r\n")

	select {
	case ev := <-got:
		if ev.Token != "sk-ant-oat01-a1b2c3d4e5f6" {
			t.Errorf("wrong token: %s", ev.Token)
		}
	case <-time.After(time.Second):
		t.Fatal("straddled token never detected")
	}
}

func TestScan_TokenInsideANSISequences(t *testing.T) {
	stream := newFakeStream()
	resolver := &fakeResolver{logins: map[string]string{"login-1": "work"}}

	got := make(chan TokenEvent, 1)
	s := New(stream, resolver, Handlers{
		OnToken: func(ev TokenEvent) { got <- ev },
	})

	detach, err := s.Attach("login-1")
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	defer detach()

	stream.emit("login-1", "\x1b[32msk-ant-\x1b[0m\x1b[1moat01-a1b2c3d4e5f6\x1b[0m\r\n")

	select {
	case ev := <-got:
		if ev.Token != "sk-ant-oat01-a1b2c3d4e5f6" {
			t.Errorf("wrong token: %s", ev.Token)
		}
	case <-time.After(time.Second):
		t.Fatal("ANSI-wrapped token never detected")
	}
}

func TestScan_TokenWithOnboardingAhead(t *testing.T) {
	stream := newFakeStream()
	resolver := &fakeResolver{logins: map[string]string{"login-1": "work"}}

	got := make(chan TokenEvent, 1)
	s := New(stream, resolver, Handlers{
		OnToken: func(ev TokenEvent) { got <- ev },
	})

	detach, _ := s.Attach("login-1")
	defer detach()

	stream.emit("login-1", "sk-ant-oat01-a1b2c3d4e5f6\r\nPress Enter to continue...\r\n")

	select {
	case ev := <-got:
		if !ev.NeedsOnboarding {
			t.Error("expected needsOnboarding with setup prompt present")
		}
	case <-time.After(time.Second):
		t.Fatal("token never detected")
	}
}

func TestScan_DetectorFiresOncePerSession(t *testing.T) {
	stream := newFakeStream()
	resolver := &fakeResolver{logins: map[string]string{"login-1": "work"}}

	var count int
	var mu sync.Mutex
	s := New(stream, resolver, Handlers{
		OnToken: func(ev TokenEvent) {
			mu.Lock()
			count++
			mu.Unlock()
		},
	})

	detach, _ := s.Attach("login-1")

	stream.emit("login-1", "sk-ant-oat01-a1b2c3d4e5f6\r\n")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, "token never detected")

	// Same marker again, and again after a re-attach: still one firing
	stream.emit("login-1", "sk-ant-oat01-a1b2c3d4e5f6\r\n")
	detach()
	detach2, _ := s.Attach("login-1")
	defer detach2()
	stream.emit("login-1", "sk-ant-oat01-a1b2c3d4e5f6\r\n")

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	final := count
	mu.Unlock()
	if final != 1 {
		t.Fatalf("detector fired %d times, want 1", final)
	}
}

func TestRelease_DropsSessionState(t *testing.T) {
	stream := newFakeStream()
	resolver := &fakeResolver{logins: map[string]string{"login-1": "work"}}

	var count int
	var mu sync.Mutex
	s := New(stream, resolver, Handlers{
		OnToken: func(ev TokenEvent) {
			mu.Lock()
			count++
			mu.Unlock()
		},
	})

	detach, _ := s.Attach("login-1")
	stream.emit("login-1", "sk-ant-oat01-a1b2c3d4e5f6\r\n")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, "token never detected")

	detach()
	s.Release("login-1")

	s.mu.Lock()
	latches, windows := len(s.latches), len(s.windows)
	s.mu.Unlock()
	if latches != 0 {
		t.Errorf("expected latches cleared after release, %d remain", latches)
	}
	if windows != 0 {
		t.Errorf("expected windows cleared after release, %d remain", windows)
	}
}

func TestScan_RateLimitOnOrdinarySession(t *testing.T) {
	stream := newFakeStream()
	resolver := &fakeResolver{logins: map[string]string{}, active: "current"}

	got := make(chan RateLimitEvent, 1)
	s := New(stream, resolver, Handlers{
		OnRateLimit: func(ev RateLimitEvent) { got <- ev },
	})

	detach, _ := s.Attach("sess-1")
	defer detach()

	stream.emit("sess-1", "5-hour usage limit reached. Your limit will reset at 3pm.\r\n")

	select {
	case ev := <-got:
		if ev.ProfileID != "current" {
			t.Errorf("rate limit attributed to %s, want current", ev.ProfileID)
		}
		if ev.SessionID != "sess-1" {
			t.Errorf("wrong session: %s", ev.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("rate limit never detected")
	}
}

func TestScan_LoginSessionIgnoresRateLimit(t *testing.T) {
	stream := newFakeStream()
	resolver := &fakeResolver{logins: map[string]string{"login-1": "work"}, active: "current"}

	got := make(chan RateLimitEvent, 1)
	s := New(stream, resolver, Handlers{
		OnRateLimit: func(ev RateLimitEvent) { got <- ev },
	})

	detach, _ := s.Attach("login-1")
	defer detach()

	stream.emit("login-1", "rate limited\r\n")

	select {
	case <-got:
		t.Fatal("rate-limit detector must not run on login sessions")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestScan_FailureMessage(t *testing.T) {
	stream := newFakeStream()
	resolver := &fakeResolver{logins: map[string]string{"login-1": "work"}}

	got := make(chan FailureEvent, 1)
	s := New(stream, resolver, Handlers{
		OnFailure: func(ev FailureEvent) { got <- ev },
	})

	detach, _ := s.Attach("login-1")
	defer detach()

	stream.emit("login-1", "Error: Authentication failed. Check your network.\r\n")

	select {
	case ev := <-got:
		if ev.Message == "" {
			t.Error("expected the matched failure text")
		}
	case <-time.After(time.Second):
		t.Fatal("failure never detected")
	}
}

func TestScan_OnboardingDoneBanner(t *testing.T) {
	stream := newFakeStream()
	resolver := &fakeResolver{logins: map[string]string{"login-1": "work"}}

	got := make(chan OnboardingEvent, 1)
	s := New(stream, resolver, Handlers{
		OnOnboardingDone: func(ev OnboardingEvent) { got <- ev },
	})

	detach, _ := s.Attach("login-1")
	defer detach()

	stream.emit("login-1", "\x1b[1mYou're all set!\x1b[0m\r\n")

	select {
	case ev := <-got:
		if ev.ProfileID != "work" {
			t.Errorf("wrong profile: %s", ev.ProfileID)
		}
	case <-time.After(time.Second):
		t.Fatal("onboarding banner never detected")
	}
}
