//go:build !linux

package picopad

import "syscall"

// nodelayControl is a no-op here; Go enables TCP_NODELAY right after connect.
var nodelayControl func(network, address string, c syscall.RawConn) error
