package reactor

import "sync"

// Task is a unit of work parented to the Hub: a goroutine whose completion
// other goroutines can observe via Join/Get, and whose links (Rawlink) fire
// on the loop goroutine once it finishes.
type Task struct {
	hub *Hub

	done chan struct{}

	mu    sync.Mutex
	value any
	err   error
	ready bool

	links []func(t *Task)

	killed chan error // one-slot buffer for the kill reason, shared with the KillSignal
}

// Spawn starts fn on a new goroutine parented to the Hub: it begins running
// on (or after) the next loop iteration, exactly as spawn's contract
// requires, by waiting for a SubmitInternal callback before calling fn.
// fn receives a KillSignal it may poll at a cooperative suspension point; it
// is never force-preempted, matching "Task.kill delivers exc at its next
// suspension point."
func (h *Hub) Spawn(fn func(k *KillSignal) (any, error)) *Task {
	t := &Task{
		hub:    h,
		done:   make(chan struct{}),
		killed: make(chan error, 1),
	}

	_, _ = h.SubmitInternal(func() {
		go func() {
			k := &KillSignal{ch: t.killed}
			defer func() {
				if r := recover(); r != nil {
					t.finish(nil, &PanicError{Value: r})
				}
			}()
			value, err := fn(k)
			t.finish(value, err)
		}()
	})

	return t
}

// KillSignal is the suspension-point watcher a spawned function polls (or
// selects on) to notice Kill. Unlike a greenlet, a Go goroutine cannot be
// thrown into asynchronously; cooperative functions must select on C().
type KillSignal struct {
	ch chan error
}

// C returns the channel that receives the kill reason. It buffers one
// reason; a Kill made while a reason is still unread is dropped.
func (k *KillSignal) C() <-chan error { return k.ch }

func (t *Task) finish(value any, err error) {
	t.mu.Lock()
	t.value, t.err, t.ready = value, err, true
	links := t.links
	t.links = nil
	t.mu.Unlock()

	close(t.done)

	if len(links) > 0 {
		_, _ = t.hub.SubmitInternal(func() {
			for _, link := range links {
				link(t)
			}
		})
	}
}

// Ready reports whether the task has finished (successfully or not).
func (t *Task) Ready() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Join blocks the calling goroutine until the task finishes.
func (t *Task) Join() {
	<-t.done
}

// Get blocks until the task finishes, then returns its result or error.
func (t *Task) Get() (any, error) {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value, t.err
}

// Kill requests the task stop via its KillSignal. It does not block; callers
// that need completion should follow with Join.
func (t *Task) Kill(reason error) {
	if reason == nil {
		reason = ErrTaskKilled
	}
	select {
	case t.killed <- reason:
	default:
	}
}

// Rawlink registers cb to run on the Hub's loop goroutine once the task
// finishes. If the task has already finished, cb is scheduled immediately.
func (t *Task) Rawlink(cb func(t *Task)) {
	t.mu.Lock()
	if t.ready {
		t.mu.Unlock()
		_, _ = t.hub.SubmitInternal(func() { cb(t) })
		return
	}
	t.links = append(t.links, cb)
	t.mu.Unlock()
}
