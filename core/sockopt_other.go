//go:build !linux && !darwin && !freebsd

package core

import "syscall"

// listenControl is a no-op where the socket options are unavailable
func listenControl(bool) func(network, address string, rc syscall.RawConn) error {
	return nil
}
