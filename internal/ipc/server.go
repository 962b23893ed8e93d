// Package ipc implements the local socket that plugin processes use to
// report progress and errors back to the daemon.
//
// A connection is bound to a mirror site through the kernel-reported pid of
// the peer, never through anything the peer says. Frames are a 4-byte
// big-endian length followed by a JSON object.
package ipc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fpemud/mycdn-controller-sub000/internal/metrics"
)

// DefaultSocketPath is where plugins connect unless told otherwise through
// the SocketEnv environment variable.
const DefaultSocketPath = "/run/mycdn/api.sock"

// SocketEnv names the environment variable carrying the socket path to
// plugin processes.
const SocketEnv = "MYCDN_API_SOCKET"

// exitedWindow is how long a drained pid is remembered, so that a connection
// it left in flight is reported as a protocol violation.
const exitedWindow = time.Minute

// Loop is the subset of the event loop the server needs.
type Loop interface {
	Post(fn func()) bool
	Call(fn func()) bool
}

// Resolver maps a peer pid to the site owning it. It runs on the loop.
type Resolver func(pid int) (site string, ok bool)

// Dispatcher receives every decoded message on the loop.
type Dispatcher func(site string, pid int, m Message)

type Server struct {
	loop     Loop
	resolve  Resolver
	dispatch Dispatcher
	logger   *slog.Logger

	path string
	ln   *net.UnixListener
	wg   sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	sessions   map[int]map[*session]struct{}
	barrierSeq uint64
	barriers   map[string]chan struct{} // client socket path -> accepted
	exited     map[int]time.Time
}

type session struct {
	pid  int
	conn net.Conn
	done chan struct{}
}

func NewServer(loop Loop, resolve Resolver, dispatch Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		loop:     loop,
		resolve:  resolve,
		dispatch: dispatch,
		logger:   logger,
		sessions: make(map[int]map[*session]struct{}),
		barriers: make(map[string]chan struct{}),
		exited:   make(map[int]time.Time),
	}
}

// Listen binds path, replacing a stale socket left by a previous run, and
// starts accepting connections.
func (s *Server) Listen(path string) error {
	if path == "" {
		path = DefaultSocketPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.path = path
	s.ln = ln
	s.logger.Info("ipc server listening", "path", path)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Path is the bound socket path.
func (s *Server) Path() string { return s.path }

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("ipc accept failed", "error", err)
			continue
		}
		if s.releaseBarrier(conn) {
			continue
		}
		s.handleConnection(conn)
	}
}

// handleConnection registers the session under the peer pid before the
// session goroutine starts, so an exit drain issued from now on waits for it.
func (s *Server) handleConnection(conn *net.UnixConn) {
	pid, err := peerPID(conn)
	if err != nil {
		s.logger.Debug("ipc peer credentials unavailable", "error", err)
		_ = conn.Close()
		return
	}
	sess := &session{pid: pid, conn: conn, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	set := s.sessions[pid]
	if set == nil {
		set = make(map[*session]struct{})
		s.sessions[pid] = set
	}
	set[sess] = struct{}{}
	s.mu.Unlock()

	go s.serve(sess)
}

func (s *Server) serve(sess *session) {
	defer s.release(sess)
	defer func() { _ = sess.conn.Close() }()

	var site string
	var ok bool
	if !s.loop.Call(func() { site, ok = s.resolve(sess.pid) }) {
		return
	}
	if !ok {
		if s.recentlyExited(sess.pid) {
			s.logger.Error("protocol violation", "pid", sess.pid, "reason", "connection handled after process exit")
		} else {
			s.logger.Debug("ipc connection from unknown process", "pid", sess.pid)
		}
		return
	}

	for {
		m, err := ReadMessage(sess.conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.Is(err, ErrFrameTooLarge):
				s.logger.Error("ipc frame too large", "site", site, "pid", sess.pid, "error", err)
			default:
				s.logger.Error("ipc read failed", "site", site, "pid", sess.pid, "error", err)
			}
			return
		}
		metrics.IncIPCMessage(m.Kind)
		if !s.loop.Post(func() { s.dispatch(site, sess.pid, m) }) {
			return
		}
	}
}

func (s *Server) release(sess *session) {
	s.mu.Lock()
	if set := s.sessions[sess.pid]; set != nil {
		delete(set, sess)
		if len(set) == 0 {
			delete(s.sessions, sess.pid)
		}
	}
	s.mu.Unlock()
	close(sess.done)
}

// SessionsDone returns a channel closed once every session currently open
// for pid has posted its last message and ended.
func (s *Server) SessionsDone(pid int) <-chan struct{} {
	s.mu.Lock()
	var waits []chan struct{}
	for sess := range s.sessions[pid] {
		waits = append(waits, sess.done)
	}
	s.mu.Unlock()

	out := make(chan struct{})
	if len(waits) == 0 {
		close(out)
		return out
	}
	go func() {
		for _, w := range waits {
			<-w
		}
		close(out)
	}()
	return out
}

// ExitDrain returns a channel closed once every message the reaped process
// pid sent has been handed to the loop. Connections the process left queued
// on the listener are accepted first, so none of them is missed.
func (s *Server) ExitDrain(pid int) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)
		if err := s.acceptBarrier(); err != nil {
			s.logger.Debug("ipc accept barrier failed", "pid", pid, "error", err)
		}
		<-s.SessionsDone(pid)
		s.markExited(pid)
	}()
	return out
}

// acceptBarrier dials the listener from a named client socket and returns
// once the accept loop has reached that connection. The listen queue is
// FIFO and sessions are registered before the next accept, so every
// connection queued before the call is registered by then.
func (s *Server) acceptBarrier() error {
	s.mu.Lock()
	if s.closed || s.ln == nil {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.barrierSeq++
	name := fmt.Sprintf("%s.b%d", s.path, s.barrierSeq)
	accepted := make(chan struct{})
	s.barriers[name] = accepted
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.barriers, name)
		s.mu.Unlock()
		_ = os.Remove(name)
	}()

	_ = os.Remove(name)
	conn, err := net.DialUnix("unix",
		&net.UnixAddr{Name: name, Net: "unix"},
		&net.UnixAddr{Name: s.path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("dial barrier: %w", err)
	}
	defer func() { _ = conn.Close() }()
	<-accepted
	return nil
}

// releaseBarrier reports whether conn is a barrier connection and, if so,
// wakes its waiter and closes it.
func (s *Server) releaseBarrier(conn *net.UnixConn) bool {
	addr, ok := conn.RemoteAddr().(*net.UnixAddr)
	if !ok || addr == nil || addr.Name == "" {
		return false
	}
	s.mu.Lock()
	accepted, ok := s.barriers[addr.Name]
	if ok {
		delete(s.barriers, addr.Name)
		close(accepted)
	}
	s.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
	return ok
}

func (s *Server) markExited(pid int) {
	now := time.Now()
	s.mu.Lock()
	for p, at := range s.exited {
		if now.Sub(at) > exitedWindow {
			delete(s.exited, p)
		}
	}
	s.exited[pid] = now
	s.mu.Unlock()
}

func (s *Server) recentlyExited(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.exited[pid]
	return ok && time.Since(at) <= exitedWindow
}

// Close stops accepting and removes the socket path. Open sessions keep
// reading until their peer goes away.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed || s.ln == nil {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// UnixListener.Close unlinks the socket file it created
	err := s.ln.Close()
	s.wg.Wait()
	s.mu.Lock()
	for name, accepted := range s.barriers {
		delete(s.barriers, name)
		close(accepted)
	}
	s.mu.Unlock()
	if rerr := os.Remove(s.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
		err = rerr
	}
	s.logger.Info("ipc server closed", "path", s.path)
	return err
}
