// Package ipcclient is the plugin side of the daemon's IPC protocol.
//
// A plugin reads its handoff from stdin, dials the daemon socket, reports
// progress while it works and finally exits with status 0 on success:
//
//	h, err := ipcclient.ReadHandoff(os.Stdin)
//	c, err := ipcclient.Dial("")
//	defer c.Close()
//	_ = c.Progress(50)
//	...
//	_ = c.Progress(100)
package ipcclient

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fpemud/mycdn-controller-sub000/internal/ipc"
	"github.com/fpemud/mycdn-controller-sub000/internal/process"
)

// Handoff is the context the daemon writes to a plugin's stdin.
type Handoff = process.Handoff

// ReadHandoff parses the handoff lines from r, normally os.Stdin.
func ReadHandoff(r io.Reader) (Handoff, error) {
	return process.ParseHandoff(r)
}

// SocketPath resolves the daemon socket: the environment override first,
// then the well-known default.
func SocketPath() string {
	if p := os.Getenv(ipc.SocketEnv); p != "" {
		return p
	}
	return ipc.DefaultSocketPath
}

type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to path, or to SocketPath() when path is empty.
func Dial(path string) (*Client, error) {
	if path == "" {
		path = SocketPath()
	}
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) send(m ipc.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return ipc.WriteMessage(c.conn, m)
}

// Progress reports completion in percent. Values must not decrease.
func (c *Client) Progress(p int) error { return c.send(ipc.Progress(p)) }

// Error reports a failure. Only the first error of a run is honored.
func (c *Client) Error(excInfo string) error { return c.send(ipc.Error(excInfo)) }

// ErrorAndHoldFor reports a failure and asks the daemon not to retry for d,
// rounded up to whole seconds.
func (c *Client) ErrorAndHoldFor(d time.Duration, excInfo string) error {
	secs := int((d + time.Second - 1) / time.Second)
	return c.send(ipc.ErrorAndHoldFor(secs, excInfo))
}

func (c *Client) Close() error { return c.conn.Close() }
