//go:build !linux && !darwin

package ipc

import (
	"errors"
	"net"
)

func peerPID(*net.UnixConn) (int, error) {
	return 0, errors.New("peer credentials are not supported on this platform")
}
