// Package worker implements the dispatcher that runs service processors
// off the reactor thread and reports results back through it, along with
// the backpressure protocol that pauses/resumes acceptors as the pool
// saturates and drains.
//
// Goroutines already provide the M:N scheduling a thread pool and a
// cooperative pool would otherwise distinguish, so both execution models
// collapse onto the same semaphore-bounded goroutine path here. Only
// Inline keeps a genuinely different code path, since it runs
// synchronously on the caller (the reactor thread).
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gdeetotdom/thriftworker/conn"
	"github.com/gdeetotdom/thriftworker/internal/rlog"
	"github.com/gdeetotdom/thriftworker/reactor"
	"github.com/gdeetotdom/thriftworker/telemetry"
	"github.com/joeycumines/go-catrate"
	"golang.org/x/sync/semaphore"
)

// ExecutionModel selects how Dispatch runs a task.
type ExecutionModel int

const (
	// Inline runs the task synchronously on the calling goroutine (expected
	// to be the reactor thread). Intended for debugging/tests, not
	// production throughput.
	Inline ExecutionModel = iota
	// ThreadPool and Cooperative both dispatch the task onto a goroutine
	// bounded by the pool's semaphore; see the package doc comment for why
	// they are not distinguished further in Go.
	ThreadPool
	Cooperative
)

// overshootFactor is the bounded overshoot beyond pool_size the semaphore
// permits concurrently-running tasks, absorbing brief bursts between the
// edge-triggered stop_accepting taking effect and the acceptor actually
// pausing.
const overshootFactor = 1.25

// Task is the unit of work a Producer hands to the pool: run the service
// processor and return the invoked method name plus its wire-ready response
// bytes, or an error. The method name is only known once the processor has
// decoded the frame's envelope, which is why it travels with the result
// rather than with the dispatch.
type Task func() (method string, response []byte, err error)

// BackpressureTarget is implemented by accept.Acceptor; kept as a narrow
// interface here so worker does not import accept (which already imports
// conn and reactor), avoiding a needless dependency edge for one method.
type BackpressureTarget interface {
	SetSaturated(bool)
}

// Pool runs Tasks off the reactor thread and reports completion back onto
// it via hub.Submit, tracking a concurrency counter used to pause and
// resume every registered BackpressureTarget.
type Pool struct {
	hub    *reactor.Hub
	size   int64
	model  ExecutionModel
	sem    *semaphore.Weighted
	logger rlog.Logger
	rate   *catrate.Limiter
	telem  *telemetry.Registry

	concurrency atomic.Int64
	targets     []BackpressureTarget
}

// NewPool constructs a Pool of the given size and execution model.
// telem must not be nil; logger may be nil (defaults to a no-op).
func NewPool(hub *reactor.Hub, size int, model ExecutionModel, telem *telemetry.Registry, logger rlog.Logger) *Pool {
	if logger == nil {
		logger = rlog.NoOp()
	}
	if size < 1 {
		size = 1
	}
	capacity := int64(float64(size) * overshootFactor)
	if capacity < int64(size) {
		capacity = int64(size)
	}
	return &Pool{
		hub:    hub,
		size:   int64(size),
		model:  model,
		sem:    semaphore.NewWeighted(capacity),
		logger: logger,
		rate:   catrate.NewLimiter(map[time.Duration]int{time.Second: 1}),
		telem:  telem,
	}
}

// AddBackpressureTarget registers an acceptor (or acceptor pool member) to
// be paused/resumed as the pool crosses its saturation threshold.
func (p *Pool) AddBackpressureTarget(t BackpressureTarget) {
	p.targets = append(p.targets, t)
}

// Dispatch submits one request for execution. Must be called from the
// reactor thread (a Conn's Producer callback). receivedAt is the time the
// frame was fully assembled (conn.Conn.ReceivedAt), used for dispatch
// latency accounting if the response arrives too late.
func (p *Pool) Dispatch(c *conn.Conn, requestID uint64, service string, receivedAt time.Time, task Task) {
	p.onEnqueue()

	finish := func(method string, resp []byte, err error, dur time.Duration) {
		p.onComplete()
		p.deliver(c, requestID, service, method, receivedAt, dur, resp, err)
	}

	if p.model == Inline {
		start := time.Now()
		method, resp, err := task()
		finish(method, resp, err, time.Since(start))
		return
	}

	go func() {
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)

		start := time.Now()
		method, resp, err := task()
		dur := time.Since(start)

		if _, submitErr := p.hub.Submit(func() { finish(method, resp, err, dur) }); submitErr != nil {
			// Hub already stopped; nothing left to deliver to.
			p.onComplete()
		}
	}()
}

func (p *Pool) onEnqueue() {
	n := p.concurrency.Add(1)
	reachedBefore := n-1 >= p.size
	reachedAfter := n >= p.size
	if !reachedBefore && reachedAfter {
		p.telem.Counters.Get(telemetry.CounterPoolOverflow).Incr()
		p.scheduleSaturated(true)
	}
}

func (p *Pool) onComplete() {
	n := p.concurrency.Add(-1)
	wasReached := n+1 >= p.size
	reachedAfter := n >= p.size
	if wasReached && !reachedAfter {
		p.scheduleSaturated(false)
	}
}

// scheduleSaturated posts the acceptor pause/resume to the reactor thread
// rather than touching targets inline: acceptor state is loop-affine, and
// scheduling coalesces transition storms.
func (p *Pool) scheduleSaturated(saturated bool) {
	targets := p.targets
	_, _ = p.hub.Submit(func() {
		for _, t := range targets {
			t.SetSaturated(saturated)
		}
	})
}

// deliver runs on the reactor thread: write the response if the connection
// is still ready, otherwise record a dispatch-late timeout.
func (p *Pool) deliver(c *conn.Conn, requestID uint64, service, method string, receivedAt time.Time, execTime time.Duration, resp []byte, err error) {
	key := service + "::" + method
	success := err == nil
	if !success {
		resp = nil
		if _, ok := p.rate.Allow("worker.processor_error"); ok {
			p.logger.Error("worker: processor error", rlog.Str("service", service), rlog.Str("method", method), rlog.Err(err))
		}
	}

	if c.IsReady() {
		c.Ready(success, resp, requestID)
		if success {
			p.telem.Counters.Get(telemetry.CounterResponseServed).Incr()
			p.telem.Execution.Get(key).Observe(execTime.Seconds())
		}
		return
	}

	if success && len(resp) > 0 {
		dispatchLatency := time.Since(receivedAt)
		p.telem.Timeouts.Get(key).Observe(dispatchLatency.Seconds())
		if _, ok := p.rate.Allow("worker.dispatch_late"); ok {
			p.logger.Warn("worker: response arrived after connection stopped being ready",
				rlog.Str("service", service), rlog.Str("method", method))
		}
	}
}

// Concurrency reports the current number of in-flight (enqueued, not yet
// completed) tasks, for diagnostics and tests.
func (p *Pool) Concurrency() int64 {
	return p.concurrency.Load()
}

// Size reports the configured pool size (the saturation threshold).
func (p *Pool) Size() int {
	return int(p.size)
}

// Drain blocks until every in-flight task has completed or ctx expires.
// There is no queue of not-yet-started work to flush — Dispatch starts a
// goroutine immediately — so quiescence is just the concurrency counter
// reaching zero.
func (p *Pool) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.concurrency.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
