//go:build windows

package vkclient

import "net"

// setNoDelay disables Nagle's algorithm via the portable net.TCPConn API,
// since golang.org/x/sys/unix's SetsockoptInt has no Windows equivalent in
// the same package (see conn_unix.go for the Unix path).
func setNoDelay(nc net.Conn) {
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
}
