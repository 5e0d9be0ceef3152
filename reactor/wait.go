package reactor

import (
	"context"
	"fmt"
	"time"
)

// Sleep suspends the calling goroutine for at least d, scheduled on the
// Hub's own timer heap so the wakeup rides a normal loop iteration. A
// non-positive d still yields through the loop once before returning.
// Must not be called from the loop goroutine: the timer could never fire
// while the loop sits blocked here.
func (h *Hub) Sleep(ctx context.Context, d time.Duration) error {
	if h.onLoopGoroutine() {
		return ErrWaitFromLoop
	}

	done := make(chan struct{})
	var err error
	if d <= 0 {
		_, err = h.SubmitInternal(func() { close(done) })
	} else {
		_, err = h.ScheduleTimer(d, func() { close(done) })
	}
	if err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrWaitTimeout, ctx.Err())
	}
}

// WaitFD registers fd for events, blocks the calling goroutine until the
// first matching readiness event, then unregisters fd and returns the event
// payload. The watcher lives exactly as long as the wait. Must not be
// called from the loop goroutine.
func (h *Hub) WaitFD(ctx context.Context, fd int, events IOEvents) (IOEvents, error) {
	if h.onLoopGoroutine() {
		return 0, ErrWaitFromLoop
	}

	fired := make(chan IOEvents, 1)
	var regErr error
	if err := h.CallSync(ctx, func() {
		regErr = h.RegisterFD(fd, events, func(ev IOEvents) {
			_ = h.UnregisterFD(fd)
			select {
			case fired <- ev:
			default:
			}
		})
	}); err != nil {
		return 0, err
	}
	if regErr != nil {
		return 0, regErr
	}

	select {
	case ev := <-fired:
		return ev, nil
	case <-ctx.Done():
		_ = h.CallSync(context.Background(), func() { _ = h.UnregisterFD(fd) })
		return 0, fmt.Errorf("%w: %w", ErrWaitTimeout, ctx.Err())
	}
}
