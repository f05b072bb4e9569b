//go:build linux

package network

import (
	"syscall"

	"github.com/banshee-data/kinect.receiver/internal/monitoring"
	"golang.org/x/sys/unix"
)

// listenControl sets SO_RCVBUF on the listening socket before listen(2).
// Linux derives the TCP window scale of accepted connections from the
// listener's buffer, so setting it later on the accepted socket is too late
// for multi-megabyte point cloud frames.
func listenControl(rcvBuf int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		if rcvBuf <= 0 {
			return nil
		}
		var sockErr error
		if err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBuf)
		}); err != nil {
			return err
		}
		if sockErr != nil {
			monitoring.Logf("[Receiver] Warning: failed to set receive buffer size to %d: %v", rcvBuf, sockErr)
		}
		return nil
	}
}

func socketReceiveBuffer(c syscall.RawConn) int {
	size := -1
	_ = c.Control(func(fd uintptr) {
		if v, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF); err == nil {
			size = v
		}
	})
	return size
}
