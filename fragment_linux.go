//go:build linux

package picopad

import (
	"syscall"
)

// nodelayControl sets TCP_NODELAY on the socket before connect, so even
// the first ClientHello fragment is never coalesced.
func nodelayControl(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
