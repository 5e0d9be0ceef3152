// Package accept implements the listening-socket and acceptor-pool layer:
// bind a descriptor, watch it for readability on the reactor, accept
// connections into conn.Conn instances, and coordinate graceful drain
// across a named collection of acceptors.
//
// Sockets are golang.org/x/sys/unix raw fds registered with reactor.Hub's
// poller. There is no net.Listener involved, matching conn.Conn's own
// raw-fd contract.
package accept

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const defaultBacklog = 1024

// BindError is returned by Listen when the address could not be bound.
type BindError struct {
	Address string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("accept: cannot bind to %q: %v", e.Address, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Listen creates, binds (with SO_REUSEADDR), and starts listening on a TCP
// address of the form "host:port", returning the raw nonblocking listening
// descriptor. Callers own the returned fd's lifecycle (Close it, or hand it
// to an Acceptor which will).
func Listen(address string, backlog int) (fd int, err error) {
	sa, err := resolveTCPAddr(address)
	if err != nil {
		return -1, &BindError{Address: address, Err: err}
	}

	fd, err = unix.Socket(sa.family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, &BindError{Address: address, Err: err}
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, &BindError{Address: address, Err: err}
	}

	if err := unix.Bind(fd, sa.sockaddr); err != nil {
		_ = unix.Close(fd)
		return -1, &BindError{Address: address, Err: err}
	}

	if backlog <= 0 {
		backlog = defaultBacklog
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, &BindError{Address: address, Err: err}
	}

	return fd, nil
}

// AdoptInherited wraps an already-bound, already-listening descriptor
// inherited from a parent process (hosted-mode fd passing, see
// THRIFTWORKER_FDS in the app package), putting it in nonblocking mode.
func AdoptInherited(fd int) (int, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return -1, fmt.Errorf("accept: cannot set inherited fd %d nonblocking: %w", fd, err)
	}
	return fd, nil
}
