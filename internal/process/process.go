package process

import (
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Kind distinguishes the two plugin programs a site runs.
type Kind string

const (
	KindInitializer Kind = "initializer"
	KindUpdater     Kind = "updater"
)

// SpawnRequest describes one child process. The program is executed
// directly, never through a shell, with argv = [Path, Args...].
type SpawnRequest struct {
	Owner   string // site id
	Kind    Kind
	Path    string
	Args    []string
	Handoff []string // written to stdin one per line, then stdin is closed
	Env     []string // nil inherits the daemon's environment
	Dir     string
	// Stdout and Stderr are closed once the child has been reaped. Nil
	// discards the stream.
	Stdout io.WriteCloser
	Stderr io.WriteCloser
}

// Handle identifies a spawned child. Its exported fields are read-only for
// callers; ExitCode and ExitedAt are valid once the exit has been delivered.
type Handle struct {
	PID       int       `json:"pid"`
	Owner     string    `json:"owner"`
	Kind      Kind      `json:"kind"`
	Path      string    `json:"path"`
	StartedAt time.Time `json:"started_at"`
	ExitCode  int       `json:"exit_code"`
	ExitedAt  time.Time `json:"exited_at,omitempty"`

	cmd     *exec.Cmd
	exited  bool
	closers []io.Closer
}

// Exited reports whether the exit of h has been delivered.
func (h *Handle) Exited() bool { return h.exited }

func (h *Handle) closeWriters() {
	for _, c := range h.closers {
		_ = c.Close()
	}
	h.closers = nil
}

// exitCode maps a reaped process to a single integer: the exit status, or
// 128+signal for a child killed by a signal.
func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
