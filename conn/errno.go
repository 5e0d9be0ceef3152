package conn

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isWouldBlock reports whether err is the nonblocking-socket "try again"
// condition rather than a real I/O failure.
func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
