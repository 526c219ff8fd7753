//go:build !(linux || darwin || freebsd || openbsd || netbsd || dragonfly)

package transport

import "syscall"

// reuseControl is a no-op where SO_REUSEPORT is unavailable; simultaneous
// open then only succeeds if the peer's dial reaches the reserved listener.
func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}
