// Package conn implements the per-socket framed connection state machine:
// accumulate a 4-byte big-endian frame length, then that many payload
// bytes, hand the frame to a Producer, and emit replies back in strictly
// ascending request-id order regardless of worker completion order.
package conn

import (
	"encoding/binary"
	"time"

	"github.com/gdeetotdom/thriftworker/internal/rlog"
	"github.com/gdeetotdom/thriftworker/reactor"
	"github.com/joeycumines/go-catrate"
)

// MaxFrameSize is the fixed cap on an inbound frame length. Anything larger
// (or a non-positive length) is a fatal protocol error.
const MaxFrameSize = 16 << 20

const headerSize = 4

// Producer turns one fully-assembled frame into an async unit of work. It
// must not block: it is called on the Hub's loop goroutine. The eventual
// result is delivered back via Conn.Ready, usually from a worker pool.
type Producer func(c *Conn, frame []byte, requestID uint64)

// Reader is the minimal raw-socket surface Conn needs: non-blocking reads
// and writes over a file descriptor already registered with a Hub poller.
// accept.Acceptor supplies the concrete implementation over a raw fd.
type Reader interface {
	Read(buf []byte) (n int, err error)
	Write(buf []byte) (n int, err error)
	Close() error
}

// Conn owns one accepted TCP stream's framing state machine. Every method
// is only ever invoked from the Hub's loop goroutine; Ready is posted there
// via a Hub callback from whatever goroutine completed the request.
type Conn struct {
	hub      *reactor.Hub
	fd       int
	sock     Reader
	producer Producer
	onClose  func(c *Conn)
	logger   rlog.Logger
	rate     *catrate.Limiter

	state *fastState

	header    [headerSize]byte
	headerLen int

	bodyBuf       []byte
	bodyRemaining int

	pending *pendingReplies

	receivedAt map[uint64]time.Time

	writeBuf        []byte
	writeArmed      bool
	closeAfterDrain bool

	abnormal bool
}

// New constructs a Conn bound to a raw, already-accepted, nonblocking
// socket. Callers (the accept package) are expected to register fd with the
// Hub's poller for EventRead with OnEvents as the callback, so that both
// reads and armed writes are serviced.
func New(hub *reactor.Hub, fd int, sock Reader, producer Producer, onClose func(*Conn), logger rlog.Logger) *Conn {
	if logger == nil {
		logger = rlog.NoOp()
	}
	return &Conn{
		hub:        hub,
		fd:         fd,
		sock:       sock,
		producer:   producer,
		onClose:    onClose,
		logger:     logger,
		rate:       catrate.NewLimiter(map[time.Duration]int{time.Second: 1}),
		state:      newFastState(StateReadLength),
		pending:    newPendingReplies(),
		receivedAt: make(map[uint64]time.Time),
	}
}

// IsReady reports whether the connection can still emit responses.
func (c *Conn) IsReady() bool {
	switch c.state.Load() {
	case StateReadLength, StateReadBody:
		return true
	default:
		return false
	}
}

// OnReadable drains every complete frame currently available on the socket,
// dispatching each to the Producer as soon as its bytes are fully
// assembled. A single call may complete many frames; it never blocks on the
// Producer, which must return immediately, deferring real work to a worker.
func (c *Conn) OnReadable(reactor.IOEvents) {
	if c.state.Load() != StateReadLength && c.state.Load() != StateReadBody {
		return
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := c.sock.Read(buf)
		if n > 0 {
			c.feed(buf[:n])
		}
		if err != nil {
			if isWouldBlock(err) {
				return
			}
			c.fail("read error")
			return
		}
		if n == 0 {
			c.fail("eof")
			return
		}
		if c.state.Load() != StateReadLength && c.state.Load() != StateReadBody {
			return
		}
	}
}

func (c *Conn) feed(data []byte) {
	for len(data) > 0 {
		switch c.state.Load() {
		case StateReadLength:
			n := copy(c.header[c.headerLen:], data)
			c.headerLen += n
			data = data[n:]
			if c.headerLen == headerSize {
				length := int32(binary.BigEndian.Uint32(c.header[:]))
				c.headerLen = 0
				if length <= 0 || int(length) > MaxFrameSize {
					c.fail("invalid frame length")
					return
				}
				c.bodyBuf = make([]byte, length)
				c.bodyRemaining = int(length)
				c.state.Store(StateReadBody)
			}
		case StateReadBody:
			n := copy(c.bodyBuf[len(c.bodyBuf)-c.bodyRemaining:], data)
			c.bodyRemaining -= n
			data = data[n:]
			if c.bodyRemaining == 0 {
				frame := c.bodyBuf
				c.bodyBuf = nil
				c.state.Store(StateReadLength)
				c.dispatch(frame)
			}
		default:
			return
		}
	}
}

func (c *Conn) dispatch(frame []byte) {
	requestID, _ := c.pending.Acquire()
	c.receivedAt[requestID] = time.Now()
	c.producer(c, frame, requestID)
}

// ReceivedAt returns when requestID's frame was fully assembled, for the
// worker pool's dispatching-latency accounting.
func (c *Conn) ReceivedAt(requestID uint64) (time.Time, bool) {
	t, ok := c.receivedAt[requestID]
	return t, ok
}

// Ready delivers a worker's result for requestID. The caller is responsible
// for having routed through a Hub callback so this runs on the loop
// goroutine. Idempotent: a second Ready call for an already-released
// requestID is a no-op.
func (c *Conn) Ready(success bool, response []byte, requestID uint64) {
	if st := c.state.Load(); st == StateClosed || st == StateClosing {
		return
	}
	delete(c.receivedAt, requestID)
	// generation tracking happens inside pendingReplies itself; Ready always
	// targets the most recent (only) lease for a given requestID since ids
	// are never reused within a connection.
	slot, ok := c.pending.slots[requestID]
	gen := slot.generation
	if !ok {
		gen = 0
	}
	c.pending.Release(requestID, gen, success, response)
	c.flush()
}

func (c *Conn) flush() {
	for _, r := range c.pending.Drain() {
		if !r.Success {
			c.closeAfterDrain = true
			break
		}
		frame := make([]byte, headerSize+len(r.Response))
		binary.BigEndian.PutUint32(frame, uint32(len(r.Response)))
		copy(frame[headerSize:], r.Response)
		c.writeBuf = append(c.writeBuf, frame...)
	}
	c.drainWrites()
}

// drainWrites pushes buffered response bytes to the socket until it would
// block, arming EventWrite to resume when a partial write leaves a
// remainder behind.
func (c *Conn) drainWrites() {
	for len(c.writeBuf) > 0 {
		n, err := c.sock.Write(c.writeBuf)
		if n > 0 {
			c.writeBuf = c.writeBuf[n:]
		}
		if err != nil {
			if isWouldBlock(err) {
				c.wantWrite(true)
				return
			}
			c.fail("write error")
			return
		}
	}
	c.wantWrite(false)
	if c.closeAfterDrain {
		c.Close()
	}
}

func (c *Conn) wantWrite(enable bool) {
	if c.hub == nil || c.fd < 0 || c.writeArmed == enable {
		return
	}
	c.writeArmed = enable
	ev := reactor.EventRead
	if enable {
		ev |= reactor.EventWrite
	}
	_ = c.hub.ModifyFD(c.fd, ev)
}

// OnEvents is the poller callback registered for the connection's fd,
// fanning readiness out to the read and write paths.
func (c *Conn) OnEvents(ev reactor.IOEvents) {
	if ev&reactor.EventWrite != 0 {
		c.drainWrites()
	}
	if ev&reactor.EventRead != 0 {
		c.OnReadable(ev)
	}
}

// fail transitions to Closing/Closed for a protocol or I/O error: no
// response is written, and the close is recorded as abnormal.
func (c *Conn) fail(reason string) {
	if _, ok := c.rate.Allow("conn.fail"); ok {
		c.logger.Warn("conn: closing after error", rlog.Str("reason", reason))
	}
	c.abnormal = true
	c.Close()
}

// Close is idempotent: cancels in-flight reads, shuts the socket, and
// invokes onClose exactly once. Like every other Conn method, it is only
// ever called from the owning Hub's loop goroutine, so a simple state check
// is enough to guard against a second call (e.g. fail() then an explicit
// Close()) doing the work twice.
func (c *Conn) Close() {
	if c.state.Load() == StateClosed || c.state.Load() == StateClosing {
		return
	}
	c.state.Store(StateClosing)

	// Best-effort final drain of buffered responses. Skipped after a
	// protocol/I/O failure, where the stream is no longer trustworthy;
	// would-block or a write error just ends the attempt.
	if !c.abnormal {
		for len(c.writeBuf) > 0 {
			n, err := c.sock.Write(c.writeBuf)
			if n > 0 {
				c.writeBuf = c.writeBuf[n:]
			}
			if err != nil {
				break
			}
		}
	}
	c.writeBuf = nil

	if c.hub != nil {
		_ = c.hub.UnregisterFD(c.fd)
	}
	_ = c.sock.Close()
	c.state.Store(StateClosed)

	if c.onClose != nil {
		c.onClose(c)
	}
}

// Abnormal reports whether the connection's eventual close was triggered by
// a protocol or I/O error rather than a clean shutdown, for telemetry.
func (c *Conn) Abnormal() bool { return c.abnormal }
