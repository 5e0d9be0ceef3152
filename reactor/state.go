package reactor

import "sync/atomic"

// State represents the lifecycle of a Hub.
//
// Transitions are one-way:
//
//	Init -> Starting -> Running -> Stopping -> Stopped
//
// Start is only valid from Init. Stop is only valid from Running (or
// Starting, if the caller races the startup handshake).
type State uint32

const (
	// StateInit is the state of a Hub that has been constructed but never started.
	StateInit State = iota
	// StateStarting is the state of a Hub whose loop goroutine has been spawned
	// but has not yet reported readiness.
	StateStarting
	// StateRunning is the state of a Hub actively servicing its event loop.
	StateRunning
	// StateStopping is the state of a Hub that has been asked to stop but has
	// not yet drained its handles.
	StateStopping
	// StateStopped is the terminal state of a Hub. A stopped Hub is consumed
	// and cannot be restarted.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine: a single atomic word with
// CAS-guarded transitions, used instead of a mutex because states are read
// far more often than they are written.
type fastState struct {
	v atomic.Uint32
}

func newFastState(initial State) *fastState {
	s := &fastState{}
	s.v.Store(uint32(initial))
	return s
}

func (s *fastState) Load() State {
	return State(s.v.Load())
}

func (s *fastState) Store(state State) {
	s.v.Store(uint32(state))
}

func (s *fastState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
