//go:build linux

package udp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// enableBroadcast sets SO_BROADCAST so 255.255.255.255 and subnet broadcast
// destinations are writable.
func enableBroadcast(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
