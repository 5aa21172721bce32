package discovery

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuse allows several listeners on the announcement group/port.
func reuse(network, address string, c syscall.RawConn) error {
	var serr error
	c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			serr = err
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	return serr
}
