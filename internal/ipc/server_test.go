package ipc_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpemud/mycdn-controller-sub000/internal/ipc"
	"github.com/fpemud/mycdn-controller-sub000/internal/loop"
	"github.com/fpemud/mycdn-controller-sub000/pkg/ipcclient"
)

type received struct {
	site string
	pid  int
	msg  ipc.Message
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	loop *loop.Loop
	srv  *ipc.Server
	path string
	logs *syncBuffer

	mu    sync.Mutex
	known map[int]string
	got   []received
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{known: map[int]string{}, logs: &syncBuffer{}}
	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f.loop = loop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = f.loop.Run(ctx) }()

	f.srv = ipc.NewServer(f.loop,
		func(pid int) (string, bool) {
			f.mu.Lock()
			defer f.mu.Unlock()
			s, ok := f.known[pid]
			return s, ok
		},
		func(site string, pid int, m ipc.Message) {
			f.mu.Lock()
			f.got = append(f.got, received{site, pid, m})
			f.mu.Unlock()
		}, logger)

	// keep the path short: sun_path is limited to about 100 bytes
	dir, err := os.MkdirTemp("", "ipc")
	require.NoError(t, err)
	f.path = filepath.Join(dir, "api.sock")
	require.NoError(t, f.srv.Listen(f.path))

	t.Cleanup(func() {
		_ = f.srv.Close()
		cancel()
		<-f.loop.Done()
		_ = os.RemoveAll(dir)
	})
	return f
}

func (f *fixture) allow(pid int, site string) {
	f.mu.Lock()
	f.known[pid] = site
	f.mu.Unlock()
}

func (f *fixture) messages() []received {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]received(nil), f.got...)
}

func TestSocketPermissions(t *testing.T) {
	f := newFixture(t)
	fi, err := os.Stat(f.path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestMessagesFromKnownPeerAreDispatched(t *testing.T) {
	f := newFixture(t)
	f.allow(os.Getpid(), "debian")

	c, err := ipcclient.Dial(f.path)
	require.NoError(t, err)
	require.NoError(t, c.Progress(10))
	require.NoError(t, c.Progress(42))
	require.NoError(t, c.ErrorAndHoldFor(1500*time.Millisecond, "slow down"))
	require.NoError(t, c.Close())

	// the session is finished once SessionsDone closes
	require.Eventually(t, func() bool {
		select {
		case <-f.srv.SessionsDone(os.Getpid()):
			return len(f.messages()) == 3
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	got := f.messages()
	assert.Equal(t, "debian", got[0].site)
	assert.Equal(t, os.Getpid(), got[0].pid)
	assert.Equal(t, ipc.Progress(10), got[0].msg)
	assert.Equal(t, ipc.Progress(42), got[1].msg)
	assert.Equal(t, ipc.ErrorAndHoldFor(2, "slow down"), got[2].msg)
}

func TestUnknownPeerIsClosedSilently(t *testing.T) {
	f := newFixture(t)

	conn, err := net.Dial("unix", f.path)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err, "server should close the connection")

	_ = ipc.WriteMessage(conn, ipc.Progress(1))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.messages())
}

func TestMalformedFrameClosesSession(t *testing.T) {
	f := newFixture(t)
	f.allow(os.Getpid(), "arch")

	conn, err := net.Dial("unix", f.path)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, ipc.WriteMessage(conn, ipc.Progress(5)))
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(ipc.MaxFrameSize+1))
	_, err = conn.Write(hdr)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)

	require.Eventually(t, func() bool { return len(f.messages()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, ipc.Progress(5), f.messages()[0].msg)
}

func TestSessionsDoneWithoutSessions(t *testing.T) {
	f := newFixture(t)
	select {
	case <-f.srv.SessionsDone(12345):
	default:
		t.Fatalf("no sessions should yield a closed channel")
	}
}

func TestCloseRemovesSocket(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.srv.Close())
	_, err := os.Stat(f.path)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, f.srv.Close())
}

func TestListenReplacesStaleSocket(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.srv.Close())
	require.NoError(t, os.WriteFile(f.path, nil, 0o600))

	srv := ipc.NewServer(f.loop, func(int) (string, bool) { return "", false }, func(string, int, ipc.Message) {}, nil)
	require.NoError(t, srv.Listen(f.path))
	require.NoError(t, srv.Close())
}

func TestExitDrainAcceptsQueuedConnection(t *testing.T) {
	f := newFixture(t)
	f.allow(os.Getpid(), "debian")

	// sent before the drain starts; the accept loop may not have seen it yet
	c, err := ipcclient.Dial(f.path)
	require.NoError(t, err)
	require.NoError(t, c.ErrorAndHoldFor(3*time.Second, "busy"))
	require.NoError(t, c.Close())

	select {
	case <-f.srv.ExitDrain(os.Getpid()):
	case <-time.After(5 * time.Second):
		t.Fatalf("drain did not finish")
	}
	// dispatches were posted before the drain closed
	f.loop.Call(func() {})
	got := f.messages()
	require.Len(t, got, 1)
	assert.Equal(t, ipc.ErrorAndHoldFor(3, "busy"), got[0].msg)

	entries, err := os.ReadDir(filepath.Dir(f.path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "barrier sockets are removed")
}

func TestConnectionAfterExitIsViolation(t *testing.T) {
	f := newFixture(t)
	<-f.srv.ExitDrain(os.Getpid())

	conn, err := net.Dial("unix", f.path)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "server should close the connection")

	require.Eventually(t, func() bool {
		return strings.Contains(f.logs.String(), "level=ERROR msg=\"protocol violation\"")
	}, 5*time.Second, 10*time.Millisecond, f.logs.String())
	assert.Contains(t, f.logs.String(), "after process exit")
}

func TestUnrelatedPeerIsNotViolation(t *testing.T) {
	f := newFixture(t)

	conn, err := net.Dial("unix", f.path)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Read(make([]byte, 1))

	require.Eventually(t, func() bool {
		return strings.Contains(f.logs.String(), "unknown process")
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotContains(t, f.logs.String(), "protocol violation")
}
