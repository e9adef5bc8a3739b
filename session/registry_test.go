package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeProcess is an in-memory Process whose output and exit are driven by
// the test
type fakeProcess struct {
	mu      sync.Mutex
	output  chan []byte
	exit    chan int
	written bytes.Buffer
	killed  bool
	pending []byte
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		output: make(chan []byte, 64),
		exit:   make(chan int, 1),
	}
}

func (p *fakeProcess) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) > 0 {
		n := copy(buf, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	chunk, ok := <-p.output
	if !ok {
		return 0, errors.New("closed")
	}
	n := copy(buf, chunk)
	if n < len(chunk) {
		p.mu.Lock()
		p.pending = append(p.pending, chunk[n:]...)
		p.mu.Unlock()
	}
	return n, nil
}

func (p *fakeProcess) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return 0, errors.New("process killed")
	}
	return p.written.Write(data)
}

func (p *fakeProcess) Resize(cols, rows uint16) error { return nil }

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed {
		p.killed = true
		p.exit <- -1
		close(p.output)
	}
	return nil
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Wait() int { return <-p.exit }

func (p *fakeProcess) Close() error { return nil }

// emitOutput feeds a chunk as if the process printed it
func (p *fakeProcess) emitOutput(data []byte) {
	p.output <- data
}

// exitWith ends the process with the given code
func (p *fakeProcess) exitWith(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed {
		p.killed = true
		p.exit <- code
		close(p.output)
	}
}

func (p *fakeProcess) writtenString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// fakeSpawner hands out fakeProcesses and records the specs it saw
type fakeSpawner struct {
	mu        sync.Mutex
	processes []*fakeProcess
	specs     []SpawnSpec
	fail      error
}

func (f *fakeSpawner) Spawn(spec SpawnSpec) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	p := newFakeProcess()
	f.processes = append(f.processes, p)
	f.specs = append(f.specs, spec)
	return p, nil
}

func (f *fakeSpawner) lastProcess() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processes[len(f.processes)-1]
}

func createTestRegistry(t *testing.T, maxSessions int) (*Registry, *fakeSpawner) {
	t.Helper()
	spawner := &fakeSpawner{}
	r := NewRegistry(spawner, "agent", maxSessions)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r, spawner
}

func TestCreate_EnforcesSessionCap(t *testing.T) {
	r, _ := createTestRegistry(t, 2)

	for i := 0; i < 2; i++ {
		if _, err := r.Create(CreateOptions{}); err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
	}

	_, err := r.Create(CreateOptions{})
	if !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("expected ErrTooManySessions, got %v", err)
	}
}

func TestCreate_CapFreedByDestroy(t *testing.T) {
	r, _ := createTestRegistry(t, 1)

	sess, err := r.Create(CreateOptions{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := r.Destroy(sess.ID); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if _, err := r.Create(CreateOptions{}); err != nil {
		t.Fatalf("create after destroy failed: %v", err)
	}
}

func TestCreate_SpawnFailureLeavesNoRecord(t *testing.T) {
	spawner := &fakeSpawner{fail: errors.New("boom")}
	r := NewRegistry(spawner, "agent", 4)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
	}()

	_, err := r.Create(CreateOptions{ID: "doomed"})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if _, err := r.Get("doomed"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("failed spawn left a session record: %v", err)
	}
	if len(r.List()) != 0 {
		t.Fatalf("expected empty registry, got %d sessions", len(r.List()))
	}
}

// gateSpawner parks every Spawn call until released, so a test can hold
// several creates between their pre-spawn check and their registration
type gateSpawner struct {
	inner   fakeSpawner
	entered chan struct{}
	release chan struct{}
}

func (g *gateSpawner) Spawn(spec SpawnSpec) (Process, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.inner.Spawn(spec)
}

func TestCreate_ConcurrentDuplicateIDRegistersOnce(t *testing.T) {
	spawner := &gateSpawner{entered: make(chan struct{}, 2), release: make(chan struct{})}
	r := NewRegistry(spawner, "agent", 4)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := r.Create(CreateOptions{ID: "dup"})
			results <- err
		}()
	}
	// Both creates are past the duplicate check and inside spawn
	<-spawner.entered
	<-spawner.entered
	close(spawner.release)

	failures := 0
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one create to fail, got %d failures", failures)
	}
	if _, err := r.Get("dup"); err != nil {
		t.Fatalf("winner not registered: %v", err)
	}

	killed := 0
	spawner.inner.mu.Lock()
	for _, p := range spawner.inner.processes {
		p.mu.Lock()
		if p.killed {
			killed++
		}
		p.mu.Unlock()
	}
	spawner.inner.mu.Unlock()
	if killed != 1 {
		t.Fatalf("expected the losing process to be killed, got %d kills", killed)
	}
}

func TestCreate_InjectsCredentialDir(t *testing.T) {
	r, spawner := createTestRegistry(t, 4)

	if _, err := r.Create(CreateOptions{CredentialDir: "/tmp/creds/work"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	spec := spawner.specs[0]
	if spec.Env[credentialEnvVar] != "/tmp/creds/work" {
		t.Fatalf("expected %s in spawn env, got %v", credentialEnvVar, spec.Env)
	}
}

func TestUpdateDisplayOrder_ReflectedInView(t *testing.T) {
	r, _ := createTestRegistry(t, 4)

	sess, err := r.Create(CreateOptions{DisplayOrder: 1})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := r.UpdateDisplayOrder(sess.ID, 7); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if got := sess.ToJSON()["displayOrder"]; got != 7 {
		t.Fatalf("expected display order 7, got %v", got)
	}
	if err := r.UpdateDisplayOrder("missing", 1); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for unknown session, got %v", err)
	}
}

func TestWrite_AfterDestroyFails(t *testing.T) {
	r, _ := createTestRegistry(t, 4)

	sess, err := r.Create(CreateOptions{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := r.Write(sess.ID, []byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := r.Destroy(sess.ID); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if err := r.Write(sess.ID, []byte("late")); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after destroy, got %v", err)
	}
}

func TestWrite_ReachesProcess(t *testing.T) {
	r, spawner := createTestRegistry(t, 4)

	sess, err := r.Create(CreateOptions{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := r.Write(sess.ID, []byte("ls -la")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.After(time.Second)
	for spawner.lastProcess().writtenString() != "ls -la" {
		select {
		case <-deadline:
			t.Fatalf("process never saw written data, got %q", spawner.lastProcess().writtenString())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func collect(t *testing.T, ch <-chan []byte, want string) {
	t.Helper()
	var got []byte
	deadline := time.After(time.Second)
	for len(got) < len(want) {
		select {
		case chunk, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed early, got %q want %q", got, want)
			}
			got = append(got, chunk...)
		case <-deadline:
			t.Fatalf("timeout, got %q want %q", got, want)
		}
	}
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestSubscribe_PreservesChunkOrder(t *testing.T) {
	r, spawner := createTestRegistry(t, 4)

	sess, err := r.Create(CreateOptions{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	ch, unsub, err := r.Subscribe(sess.ID)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsub()

	proc := spawner.lastProcess()
	proc.emitOutput([]byte("one "))
	proc.emitOutput([]byte("two "))
	proc.emitOutput([]byte("three"))

	collect(t, ch, "one two three")
}

func TestSubscribe_ReplaysBacklogBeforeLiveOutput(t *testing.T) {
	r, spawner := createTestRegistry(t, 4)

	sess, err := r.Create(CreateOptions{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	proc := spawner.lastProcess()
	proc.emitOutput([]byte("early "))

	// Wait for the chunk to land in the backlog
	deadline := time.After(time.Second)
	for len(sess.Backlog()) == 0 {
		select {
		case <-deadline:
			t.Fatal("backlog never filled")
		case <-time.After(5 * time.Millisecond):
		}
	}

	ch, unsub, err := r.Subscribe(sess.ID)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsub()

	proc.emitOutput([]byte("late"))
	collect(t, ch, "early late")
}

func TestMonitor_SessionExitNotifiesSubscribers(t *testing.T) {
	r, spawner := createTestRegistry(t, 4)

	exited := make(chan Event, 4)
	unsub := r.SubscribeEvents(func(ev Event) {
		if ev.Type == EventExited {
			exited <- ev
		}
	})
	defer unsub()

	sess, err := r.Create(CreateOptions{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	spawner.lastProcess().exitWith(3)

	select {
	case ev := <-exited:
		if ev.SessionID != sess.ID {
			t.Errorf("expected session %s, got %s", sess.ID, ev.SessionID)
		}
		if ev.ExitCode != 3 {
			t.Errorf("expected exit code 3, got %d", ev.ExitCode)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for exit event")
	}

	if sess.Status() != StatusExited {
		t.Errorf("expected exited status, got %s", sess.Status())
	}
}

func TestSignalProfileSwitch_TargetsRunningSessions(t *testing.T) {
	r, spawner := createTestRegistry(t, 4)

	running, err := r.Create(CreateOptions{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	deadProc := func() *fakeProcess {
		if _, err := r.Create(CreateOptions{ID: "dead"}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		return spawner.lastProcess()
	}()
	deadProc.exitWith(0)

	// Wait for the exit to register
	deadlineFor := time.After(time.Second)
	for {
		if s, err := r.Get("dead"); err == nil && s.Status() == StatusExited {
			break
		}
		select {
		case <-deadlineFor:
			t.Fatal("dead session never exited")
		case <-time.After(5 * time.Millisecond):
		}
	}

	retries := make(chan Event, 4)
	unsub := r.SubscribeEvents(func(ev Event) {
		if ev.Type == EventRetryProfile {
			retries <- ev
		}
	})
	defer unsub()

	r.SignalProfileSwitch("old", "new")

	select {
	case ev := <-retries:
		if ev.SessionID != running.ID {
			t.Errorf("expected retry for %s, got %s", running.ID, ev.SessionID)
		}
		if ev.ProfileID != "new" {
			t.Errorf("expected profile new, got %s", ev.ProfileID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for retry event")
	}

	select {
	case ev := <-retries:
		t.Fatalf("unexpected second retry event for %s", ev.SessionID)
	case <-time.After(50 * time.Millisecond):
	}
}
