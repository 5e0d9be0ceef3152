package accept

import (
	"context"
	"errors"
	"time"

	"github.com/gdeetotdom/thriftworker/conn"
	"github.com/gdeetotdom/thriftworker/internal/rlog"
	"github.com/gdeetotdom/thriftworker/reactor"
	"golang.org/x/sys/unix"
)

// DefaultCallTimeout bounds cross-thread start/stop/close delegation, per
// the "configurable timeout (default 5s)" contract.
const DefaultCallTimeout = 5 * time.Second

// ErrClosed is returned by Start/Stop when the Acceptor has already been
// closed.
var ErrClosed = errors.New("accept: acceptor is closed")

// Acceptor owns one listening descriptor: it accepts connections on the
// reactor thread, tracks them in a live set for graceful drain, and can be
// cooperatively paused and resumed by the worker pool's backpressure signal.
type Acceptor struct {
	Name     string
	hub      *reactor.Hub
	fd       int
	backlog  int
	producer conn.Producer
	logger   rlog.Logger
	timeout  time.Duration

	// loop-affine state below; mutated only inside CallSync-delegated funcs.
	active    bool
	closed    bool
	saturated bool
	live      map[*conn.Conn]struct{}
	onEmpty   func()
}

// New constructs an Acceptor for an already-bound, already-listening
// descriptor (see Listen/AdoptInherited), not yet watching for connections.
func New(name string, hub *reactor.Hub, fd int, backlog int, producer conn.Producer, logger rlog.Logger) *Acceptor {
	if logger == nil {
		logger = rlog.NoOp()
	}
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Acceptor{
		Name:     name,
		hub:      hub,
		fd:       fd,
		backlog:  backlog,
		producer: producer,
		logger:   logger,
		timeout:  DefaultCallTimeout,
		live:     make(map[*conn.Conn]struct{}),
	}
}

// Start registers the listening descriptor with the reactor for readable
// events, unless already active or closed. Callback-delegated: from outside
// the loop goroutine it blocks (up to DefaultCallTimeout) until the loop has
// performed the registration; from the loop goroutine it runs inline.
func (a *Acceptor) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	var regErr error
	err := a.hub.CallSync(ctx, func() {
		if a.closed {
			regErr = ErrClosed
			return
		}
		if a.active {
			return
		}
		regErr = a.hub.RegisterFD(a.fd, reactor.EventRead, a.onAcceptable)
		if regErr == nil {
			a.active = true
		}
	})
	if err != nil {
		return err
	}
	return regErr
}

// Stop stops accepting new connections. If onEmpty is non-nil it is invoked
// (on the loop goroutine) once the live set becomes empty — immediately, if
// it already is.
func (a *Acceptor) Stop(onEmpty func()) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	return a.hub.CallSync(ctx, func() {
		if a.active {
			_ = a.hub.UnregisterFD(a.fd)
			a.active = false
		}
		if onEmpty == nil {
			return
		}
		if len(a.live) == 0 {
			onEmpty()
			return
		}
		a.onEmpty = onEmpty
	})
}

// Close stops accepting, then force-closes every live connection and the
// listening descriptor itself. Idempotent.
func (a *Acceptor) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	return a.hub.CallSync(ctx, func() {
		if a.closed {
			return
		}
		if a.active {
			_ = a.hub.UnregisterFD(a.fd)
			a.active = false
		}
		for c := range a.live {
			c.Close()
		}
		_ = unix.Close(a.fd)
		a.closed = true
	})
}

// SetSaturated toggles whether the worker pool has reported itself
// saturated; while true, the accept callback refuses to accept new
// connections. Always called on the loop goroutine via the worker pool's
// own hub callback.
func (a *Acceptor) SetSaturated(saturated bool) {
	a.saturated = saturated
}

// LiveCount reports the number of currently tracked connections, for
// diagnostics and tests.
func (a *Acceptor) LiveCount() int {
	return len(a.live)
}

func (a *Acceptor) onAcceptable(reactor.IOEvents) {
	for {
		if a.saturated {
			return
		}

		clientFD, _, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
				return
			case errors.Is(err, unix.EINVAL), errors.Is(err, unix.EBADF):
				return
			default:
				a.logger.Error("accept: error handling new connection",
					rlog.Str("service", a.Name), rlog.Err(err))
				return
			}
		}

		if err := unix.SetsockoptInt(clientFD, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			a.logger.Warn("accept: failed to set TCP_NODELAY",
				rlog.Str("service", a.Name), rlog.Err(err))
		}

		var c *conn.Conn
		c = conn.New(a.hub, clientFD, &rawSocket{fd: clientFD}, a.producer, a.onConnClose, a.logger)
		a.live[c] = struct{}{}

		if err := a.hub.RegisterFD(clientFD, reactor.EventRead, c.OnEvents); err != nil {
			a.logger.Error("accept: failed to register accepted connection",
				rlog.Str("service", a.Name), rlog.Err(err))
			delete(a.live, c)
			c.Close()
			continue
		}

		c.OnReadable(reactor.EventRead)
	}
}

func (a *Acceptor) onConnClose(c *conn.Conn) {
	delete(a.live, c)
	if len(a.live) == 0 && a.onEmpty != nil {
		cb := a.onEmpty
		a.onEmpty = nil
		cb()
	}
}
