// Package reactor implements the single-threaded event loop ("Hub") that
// owns every loop-affine handle in thriftworker: registered connection file
// descriptors, timers, and the cross-thread callback queue that is the only
// sanctioned way for other goroutines to touch them.
//
// The loop is an epoll/kqueue poller plus a wakeup fd (eventfd on Linux, a
// self-pipe on Darwin). Submission uses a pair of slices (external and
// internal) guarded by a single mutex; a plain mutex+slice holds up well
// under contention here, and anything fancier would have to beat it to
// earn its complexity.
package reactor

import (
	"container/heap"
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Handle is returned by Submit/SubmitInternal. Cancel prevents the callback
// from running if the loop has not yet reached it; it is a no-op once the
// callback has started or already run.
type Handle struct {
	cancelled *atomic.Bool
}

// Cancel prevents a not-yet-run callback from executing.
func (h Handle) Cancel() {
	if h.cancelled != nil {
		h.cancelled.Store(true)
	}
}

type queuedTask struct {
	fn        func()
	cancelled *atomic.Bool
}

// Hub is the event-loop reactor. Exactly one goroutine (the loop goroutine,
// spawned by Start) ever touches poller-registered fds or the timer heap;
// every other goroutine must go through Submit/SubmitInternal/ScheduleTimer.
type Hub struct {
	opts *hubOptions

	state *fastState

	mu       sync.Mutex
	external []queuedTask
	internal []queuedTask

	timers timerHeap

	poller poller

	wakeReadFD, wakeWriteFD int

	loopGoroutine atomic.Uint64

	started chan struct{}
	done    chan struct{}

	closeOnce sync.Once
}

// New constructs a Hub. The poller and wakeup fd are allocated immediately
// so construction failures surface before Start is ever called.
func New(opts ...HubOption) (*Hub, error) {
	readFD, writeFD, err := createWakeFD()
	if err != nil {
		return nil, err
	}

	h := &Hub{
		opts:        resolveHubOptions(opts),
		state:       newFastState(StateInit),
		poller:      newPoller(),
		wakeReadFD:  readFD,
		wakeWriteFD: writeFD,
		started:     make(chan struct{}),
		done:        make(chan struct{}),
	}

	if err := h.poller.init(); err != nil {
		closeWakeFD(readFD, writeFD)
		return nil, err
	}
	if err := h.poller.registerFD(readFD, EventRead, func(IOEvents) {
		drainWakeFD(readFD)
	}); err != nil {
		_ = h.poller.close()
		closeWakeFD(readFD, writeFD)
		return nil, err
	}

	return h, nil
}

// Start spawns the loop goroutine and blocks until it has reported ready.
func (h *Hub) Start() error {
	if !h.state.TryTransition(StateInit, StateStarting) {
		return ErrAlreadyRunning
	}
	go h.run()
	<-h.started
	return nil
}

// Stop signals the loop to drain and exit, blocking until it has. A stopped
// Hub is consumed: it cannot be restarted.
func (h *Hub) Stop(ctx context.Context) error {
	for {
		switch h.state.Load() {
		case StateStopped:
			return nil
		case StateInit:
			return ErrNotRunning
		}
		if h.state.TryTransition(StateRunning, StateStopping) ||
			h.state.TryTransition(StateStarting, StateStopping) {
			_ = h.wake()
			select {
			case <-h.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Submit enqueues fn for execution on the loop goroutine from any thread.
// FIFO within the calling goroutine's submissions; ordering across
// goroutines is unspecified.
func (h *Hub) Submit(fn func()) (Handle, error) {
	return h.enqueue(&h.external, fn)
}

// SubmitInternal is identical to Submit but drains ahead of external tasks
// within a single iteration's prepare phase — used for continuations the
// loop schedules on itself (timer firing, task resumption).
func (h *Hub) SubmitInternal(fn func()) (Handle, error) {
	return h.enqueue(&h.internal, fn)
}

func (h *Hub) enqueue(queue *[]queuedTask, fn func()) (Handle, error) {
	state := h.state.Load()
	if state == StateStopped || state == StateStopping {
		return Handle{}, ErrTerminated
	}

	cancelled := new(atomic.Bool)
	h.mu.Lock()
	*queue = append(*queue, queuedTask{fn: fn, cancelled: cancelled})
	n := len(h.external) + len(h.internal)
	h.mu.Unlock()

	if n == h.opts.queueWarnLen {
		h.opts.logger.Warn("reactor: queue depth crossed warn threshold", Field{Key: "depth", Value: n})
	}

	_ = h.wake()
	return Handle{cancelled: cancelled}, nil
}

// ScheduleTimer arranges for fn to run on the loop goroutine after delay.
func (h *Hub) ScheduleTimer(delay time.Duration, fn func()) (Handle, error) {
	cancelled := new(atomic.Bool)
	_, err := h.SubmitInternal(func() {
		heap.Push(&h.timers, timer{
			when: time.Now().Add(delay),
			fn: func() {
				if !cancelled.Load() {
					fn()
				}
			},
		})
	})
	return Handle{cancelled: cancelled}, err
}

// RegisterFD watches fd for events, invoking cb on the loop goroutine.
// Callers not already on the loop goroutine must route registration through
// Submit (or CallSync): the poller guards its fd table with an RWMutex, but
// this Hub's contract still keeps registration on the loop goroutine, and
// every caller in this module already owns loop affinity by the time it
// registers a socket.
func (h *Hub) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	return h.poller.registerFD(fd, events, cb)
}

func (h *Hub) UnregisterFD(fd int) error { return h.poller.unregisterFD(fd) }

func (h *Hub) ModifyFD(fd int, events IOEvents) error { return h.poller.modifyFD(fd, events) }

// CallSync runs fn on the loop goroutine and blocks until it completes. If
// the calling goroutine is already the loop goroutine, fn runs inline
// (otherwise submitting-and-waiting would deadlock against itself); every
// other caller is delegated through Submit and waits on ctx, matching the
// "cross-thread operations are callback-delegated with a configurable
// timeout; from within the reactor they run inline" contract.
func (h *Hub) CallSync(ctx context.Context, fn func()) error {
	if h.onLoopGoroutine() {
		fn()
		return nil
	}
	done := make(chan struct{})
	if _, err := h.Submit(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrWaitTimeout, ctx.Err())
	}
}

// State reports the Hub's current lifecycle state.
func (h *Hub) State() State { return h.state.Load() }

func (h *Hub) wake() error {
	if h.state.Load() == StateStopped {
		return nil
	}
	return signalWakeFD(h.wakeWriteFD)
}

func (h *Hub) run() {
	h.loopGoroutine.Store(goroutineID())
	h.state.Store(StateRunning)
	close(h.started)

	for h.state.Load() != StateStopping {
		h.tick()
	}
	h.drainFinal()

	_ = h.poller.close()
	closeWakeFD(h.wakeReadFD, h.wakeWriteFD)
	h.state.Store(StateStopped)
	close(h.done)
}

func (h *Hub) tick() {
	h.drainQueue(&h.internal)
	h.drainQueue(&h.external)
	h.runTimers()
	h.poll()
}

func (h *Hub) drainQueue(queue *[]queuedTask) {
	h.mu.Lock()
	tasks := *queue
	*queue = nil
	h.mu.Unlock()

	for _, t := range tasks {
		if t.cancelled.Load() {
			continue
		}
		h.safeExecute(t.fn)
	}
}

func (h *Hub) runTimers() {
	now := time.Now()
	for len(h.timers) > 0 && !h.timers[0].when.After(now) {
		t := heap.Pop(&h.timers).(timer)
		h.safeExecute(t.fn)
	}
}

func (h *Hub) poll() {
	timeoutMs := h.opts.pollTimeout
	if len(h.timers) > 0 {
		if d := time.Until(h.timers[0].when); d < time.Duration(timeoutMs)*time.Millisecond {
			if d < 0 {
				d = 0
			}
			timeoutMs = int(d.Milliseconds())
			if timeoutMs == 0 && d > 0 {
				timeoutMs = 1
			}
		}
	}
	if h.hasPendingWork() {
		timeoutMs = 0
	}
	if err := h.poller.poll(timeoutMs); err != nil {
		h.opts.logger.Error("reactor: poll failed", Field{Key: "error", Value: err})
	}
}

func (h *Hub) hasPendingWork() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.external) > 0 || len(h.internal) > 0
}

// drainFinal runs any callbacks queued up to and including the moment the
// state flipped to Stopping, so SubmitInternal work queued during shutdown
// still runs rather than being silently dropped.
func (h *Hub) drainFinal() {
	h.drainQueue(&h.internal)
	h.drainQueue(&h.external)
}

func (h *Hub) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.opts.logger.Error("reactor: callback panicked",
				Field{Key: "panic", Value: r},
				Field{Key: "stack", Value: string(debugStack())},
			)
		}
	}()
	fn()
}

func debugStack() []byte {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return buf[:n]
}

// goroutineID parses the current goroutine's id out of runtime.Stack.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

// onLoopGoroutine reports whether the calling goroutine is the Hub's own
// loop goroutine. CallSync uses it to run inline instead of deadlocking
// against itself.
func (h *Hub) onLoopGoroutine() bool {
	id := h.loopGoroutine.Load()
	return id != 0 && id == goroutineID()
}
