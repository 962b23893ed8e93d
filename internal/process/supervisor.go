// Package process starts plugin programs and reports their exits on the
// event loop.
package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/fpemud/mycdn-controller-sub000/internal/metrics"
)

// Poster hands a function to the event loop.
type Poster interface {
	Post(fn func()) bool
}

// ExitFunc is called on the loop exactly once per spawned child.
type ExitFunc func(h *Handle, code int)

// DrainFunc returns a channel that is closed once every message the child
// with pid sent before exiting has been handed to the loop.
type DrainFunc func(pid int) <-chan struct{}

type Supervisor struct {
	loop   Poster
	logger *slog.Logger

	onExit       ExitFunc
	drain        DrainFunc
	drainTimeout time.Duration
	waitDelay    time.Duration

	// loop only
	procs map[int]*Handle

	mu      sync.Mutex
	pending int // spawned and exit not yet delivered
	changed chan struct{}
}

type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDrain orders exit delivery after the child's IPC traffic. timeout
// bounds the wait for a session the child left open.
func WithDrain(fn DrainFunc, timeout time.Duration) Option {
	return func(s *Supervisor) {
		s.drain = fn
		if timeout > 0 {
			s.drainTimeout = timeout
		}
	}
}

func New(loop Poster, opts ...Option) *Supervisor {
	s := &Supervisor{
		loop:         loop,
		logger:       slog.Default(),
		drainTimeout: 5 * time.Second,
		waitDelay:    5 * time.Second,
		procs:        make(map[int]*Handle),
		changed:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnExit installs the exit callback. It must be set before the first Spawn.
func (s *Supervisor) OnExit(fn ExitFunc) { s.onExit = fn }

// SetDrain is WithDrain for a drain source built after the supervisor. It
// must be called before the first Spawn.
func (s *Supervisor) SetDrain(fn DrainFunc, timeout time.Duration) {
	WithDrain(fn, timeout)(s)
}

// Spawn starts the child and writes its handoff lines. It fails only when
// the program cannot be started; every later failure is reported as an exit.
func (s *Supervisor) Spawn(req SpawnRequest) (*Handle, error) {
	cmd := exec.Command(req.Path, req.Args...)
	cmd.Env = req.Env
	cmd.Dir = req.Dir
	cmd.WaitDelay = s.waitDelay
	configureSysProcAttr(cmd)

	var closers []io.Closer
	if req.Stdout != nil {
		cmd.Stdout = req.Stdout
		closers = append(closers, req.Stdout)
	}
	if req.Stderr != nil {
		cmd.Stderr = req.Stderr
		closers = append(closers, req.Stderr)
	}
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("stdin pipe for %s: %w", req.Path, err)
	}
	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("start %s: %w", req.Path, err)
	}

	h := &Handle{
		PID:       cmd.Process.Pid,
		Owner:     req.Owner,
		Kind:      req.Kind,
		Path:      req.Path,
		StartedAt: time.Now(),
		cmd:       cmd,
		closers:   closers,
	}
	s.procs[h.PID] = h
	s.addPending(1)
	metrics.IncSpawn(h.Owner, string(h.Kind))
	s.logger.Info("process started", "site", h.Owner, "kind", h.Kind, "pid", h.PID, "path", h.Path)

	if err := writeHandoff(stdin, req.Handoff); err != nil {
		// the child may already be gone; its exit will tell
		s.logger.Debug("handoff write failed", "site", h.Owner, "pid", h.PID, "error", err)
	}

	go s.wait(h)
	return h, nil
}

func (s *Supervisor) wait(h *Handle) {
	_ = h.cmd.Wait()
	code := exitCode(h.cmd.ProcessState)

	if s.drain != nil {
		select {
		case <-s.drain(h.PID):
		case <-time.After(s.drainTimeout):
			s.logger.Warn("ipc session still open after exit", "site", h.Owner, "pid", h.PID)
		}
	}

	if !s.loop.Post(func() { s.deliver(h, code) }) {
		h.closeWriters()
		s.addPending(-1)
	}
}

func (s *Supervisor) deliver(h *Handle, code int) {
	defer s.addPending(-1)
	delete(s.procs, h.PID)
	h.exited = true
	h.ExitCode = code
	h.ExitedAt = time.Now()
	h.closeWriters()
	metrics.IncExit(h.Owner, string(h.Kind), code)
	s.logger.Info("process exited", "site", h.Owner, "kind", h.Kind, "pid", h.PID, "code", code)
	if s.onExit != nil {
		s.onExit(h, code)
	}
}

// Terminate sends SIGTERM to the child's process group.
func (s *Supervisor) Terminate(h *Handle) error {
	if h == nil || h.exited {
		return nil
	}
	return signalGroup(h.PID, syscall.SIGTERM)
}

// Kill sends SIGKILL to the child's process group.
func (s *Supervisor) Kill(h *Handle) error {
	if h == nil || h.exited {
		return nil
	}
	return signalGroup(h.PID, syscall.SIGKILL)
}

// KillAll sends SIGKILL to every live child.
func (s *Supervisor) KillAll() {
	for _, h := range s.procs {
		if err := s.Kill(h); err != nil {
			s.logger.Warn("kill failed", "site", h.Owner, "pid", h.PID, "error", err)
		}
	}
}

// Lookup finds the live child with pid.
func (s *Supervisor) Lookup(pid int) (*Handle, bool) {
	h, ok := s.procs[pid]
	return h, ok
}

// Live returns the number of children whose exit has not been delivered.
func (s *Supervisor) Live() int { return len(s.procs) }

// Handles lists the live children ordered by pid.
func (s *Supervisor) Handles() []*Handle {
	out := make([]*Handle, 0, len(s.procs))
	for _, h := range s.procs {
		out = append(out, h)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].PID < out[b].PID })
	return out
}

func (s *Supervisor) addPending(n int) {
	s.mu.Lock()
	s.pending += n
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// WaitIdle blocks until every spawned child has exited and its exit has been
// delivered, or ctx is done. It may be called from any goroutine but the loop.
func (s *Supervisor) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		n, ch := s.pending, s.changed
		s.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
