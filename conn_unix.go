//go:build linux || darwin

package vkclient

import (
	"net"

	"golang.org/x/sys/unix"
)

// setNoDelay disables Nagle's algorithm on the underlying socket so that
// small RESP frames are not delayed waiting to coalesce. Uses
// golang.org/x/sys/unix rather than the syscall package since TCP_NODELAY
// is not part of syscall's portable cross-platform surface.
func setNoDelay(nc net.Conn) {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
}
