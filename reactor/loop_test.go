package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h, err := New(WithPollTimeout(50))
	require.NoError(t, err)
	require.NoError(t, h.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Stop(ctx)
	})
	return h
}

func TestHub_SubmitRunsOnLoop(t *testing.T) {
	h := newTestHub(t)

	var called atomicBool
	done := make(chan struct{})
	_, err := h.Submit(func() {
		called.set(true)
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
	require.True(t, called.get())
}

func TestHub_SubmitFIFOWithinCaller(t *testing.T) {
	h := newTestHub(t)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		_, err := h.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
		require.NoError(t, err)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestHub_CancelPreventsExecution(t *testing.T) {
	h := newTestHub(t)

	ran := make(chan struct{}, 1)
	handle, err := h.Submit(func() { ran <- struct{}{} })
	require.NoError(t, err)
	handle.Cancel()

	// Give the loop a chance to process the (now cancelled) task, then
	// prove it never ran by racing a second, uncancelled submission after it.
	gate := make(chan struct{})
	_, err = h.Submit(func() { close(gate) })
	require.NoError(t, err)
	<-gate

	select {
	case <-ran:
		t.Fatal("cancelled callback still ran")
	default:
	}
}

func TestHub_ScheduleTimer(t *testing.T) {
	h := newTestHub(t)

	fired := make(chan time.Time, 1)
	start := time.Now()
	_, err := h.ScheduleTimer(20*time.Millisecond, func() {
		fired <- time.Now()
	})
	require.NoError(t, err)

	select {
	case at := <-fired:
		require.GreaterOrEqual(t, at.Sub(start), 15*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestHub_StopRejectsFurtherSubmit(t *testing.T) {
	h, err := New()
	require.NoError(t, err)
	require.NoError(t, h.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Stop(ctx))

	_, err = h.Submit(func() {})
	require.ErrorIs(t, err, ErrTerminated)
}

// atomicBool avoids importing sync/atomic's typed bool (Go 1.19+) directly
// in the test to keep this file readable without the extra import line.
type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) set(v bool) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomicBool) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
