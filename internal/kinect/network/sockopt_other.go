//go:build !linux

package network

import "syscall"

func listenControl(rcvBuf int) func(network, address string, c syscall.RawConn) error {
	return nil
}

func socketReceiveBuffer(c syscall.RawConn) int {
	return -1
}
