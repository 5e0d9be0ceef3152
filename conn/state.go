package conn

import "sync/atomic"

// connState is the framed connection's lifecycle.
type connState uint32

const (
	// StateReadLength is the initial state: accumulating the 4-byte frame
	// length header.
	StateReadLength connState = iota
	// StateReadBody accumulates frame-length bytes of payload.
	StateReadBody
	// StateClosing stops reading but still drains already-ordered replies
	// unless the close was triggered by a fatal protocol error.
	StateClosing
	// StateClosed is terminal: all further operations are no-ops.
	StateClosed
)

func (s connState) String() string {
	switch s {
	case StateReadLength:
		return "ReadLength"
	case StateReadBody:
		return "ReadBody"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

type fastState struct {
	v atomic.Uint32
}

func newFastState(initial connState) *fastState {
	s := &fastState{}
	s.v.Store(uint32(initial))
	return s
}

func (s *fastState) Load() connState { return connState(s.v.Load()) }

func (s *fastState) Store(state connState) { s.v.Store(uint32(state)) }

func (s *fastState) TryTransition(from, to connState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
