package reactor

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned when Start is called on a Hub that is
	// already starting or running.
	ErrAlreadyRunning = errors.New("reactor: hub is already running")

	// ErrTerminated is returned when an operation is attempted on a Hub
	// that has already been stopped. A stopped Hub is consumed.
	ErrTerminated = errors.New("reactor: hub has been stopped")

	// ErrNotRunning is returned when Stop is called before Start.
	ErrNotRunning = errors.New("reactor: hub is not running")

	// ErrWaitTimeout is returned by cross-thread delegations (CallSync)
	// that exceed their deadline.
	ErrWaitTimeout = errors.New("reactor: cross-thread call timed out")

	// ErrFDAlreadyRegistered is returned by RegisterFD for a descriptor the
	// poller already watches.
	ErrFDAlreadyRegistered = errors.New("reactor: fd already registered")

	// ErrFDNotRegistered is returned by UnregisterFD/ModifyFD for a
	// descriptor the poller does not know about.
	ErrFDNotRegistered = errors.New("reactor: fd not registered")

	// ErrFDOutOfRange is returned when a descriptor falls outside the
	// poller's supported range.
	ErrFDOutOfRange = errors.New("reactor: fd out of range")

	// ErrTaskKilled is the default reason recorded by Task.Kill when the
	// caller doesn't supply one.
	ErrTaskKilled = errors.New("reactor: task killed")

	// ErrWaitFromLoop is returned by Sleep/WaitFD when called from the loop
	// goroutine itself, which would deadlock the loop against its own timer
	// heap.
	ErrWaitFromLoop = errors.New("reactor: blocking wait on the loop goroutine")
)

// PanicError wraps a panic value recovered from a callback or spawned Task,
// so callers can use errors.As/errors.Is against the underlying cause if it
// was itself an error.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("reactor: panic recovered: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
