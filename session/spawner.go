package session

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// SpawnSpec describes the process a session should run
type SpawnSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string // merged over the inherited environment
	Cols    uint16
	Rows    uint16
}

// Process is the handle to a spawned PTY-backed OS process
type Process interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Kill() error
	Pid() int
	// Wait blocks until the process exits and returns its exit code.
	// Must be called exactly once.
	Wait() int
	Close() error
}

// Spawner launches OS processes. The PTY-backed implementation is the
// default; tests inject fakes.
type Spawner interface {
	Spawn(spec SpawnSpec) (Process, error)
}

// PTYSpawner spawns processes attached to a pseudo-terminal via creack/pty
type PTYSpawner struct{}

// NewPTYSpawner creates the default PTY spawner
func NewPTYSpawner() *PTYSpawner {
	return &PTYSpawner{}
}

// Spawn starts the command with a PTY sized to the requested dimensions
func (ps *PTYSpawner) Spawn(spec SpawnSpec) (Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: spec.Cols, Rows: spec.Rows})
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Command, err)
	}

	return &ptyProcess{cmd: cmd, ptmx: ptmx}, nil
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

func (p *ptyProcess) Read(b []byte) (int, error) {
	return p.ptmx.Read(b)
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

func (p *ptyProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *ptyProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *ptyProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ptyProcess) Wait() int {
	err := p.cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func (p *ptyProcess) Close() error {
	return p.ptmx.Close()
}
