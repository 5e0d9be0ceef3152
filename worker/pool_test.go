package worker

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/gdeetotdom/thriftworker/conn"
	"github.com/gdeetotdom/thriftworker/reactor"
	"github.com/gdeetotdom/thriftworker/telemetry"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeSock is an in-memory conn.Reader: feed it a framed request via `in`,
// then drive dispatch through the real conn.Conn.OnReadable/Ready path, the
// same way accept.Acceptor would over a real socket.
type fakeSock struct {
	mu     sync.Mutex
	in     []byte
	out    []byte
	closed bool
}

func (s *fakeSock) Read(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.in) == 0 {
		return 0, errEAGAIN
	}
	n := copy(buf, s.in)
	s.in = s.in[n:]
	return n, nil
}

func (s *fakeSock) Write(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, buf...)
	return len(buf), nil
}

func (s *fakeSock) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSock) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.out...)
}

var errEAGAIN = unix.EAGAIN

func frame(payload ...byte) []byte {
	b := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(b, uint32(len(payload)))
	copy(b[4:], payload)
	return b
}

func newTestHub(t *testing.T) *reactor.Hub {
	t.Helper()
	hub, err := reactor.New()
	require.NoError(t, err)
	require.NoError(t, hub.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = hub.Stop(ctx)
	})
	return hub
}

type recordingTarget struct {
	mu      sync.Mutex
	history []bool
}

func (r *recordingTarget) SetSaturated(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, v)
}

func (r *recordingTarget) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.history...)
}

// dispatchFrame wires a Pool into a fresh Conn's Producer and feeds it one
// request frame, returning the Conn and socket so the test can inspect
// written bytes / drive further I/O.
func dispatchFrame(hub *reactor.Hub, p *Pool, service string, payload []byte, task Task) (*conn.Conn, *fakeSock) {
	sock := &fakeSock{in: frame(payload...)}
	producer := func(cn *conn.Conn, _ []byte, requestID uint64) {
		receivedAt, _ := cn.ReceivedAt(requestID)
		p.Dispatch(cn, requestID, service, receivedAt, task)
	}
	c := conn.New(hub, -1, sock, producer, nil, nil)
	c.OnReadable(reactor.EventRead)
	return c, sock
}

func TestPool_InlineRunsSynchronouslyAndServesResponse(t *testing.T) {
	hub := newTestHub(t)
	telem := telemetry.NewRegistry()
	p := NewPool(hub, 1, Inline, telem, nil)

	_, sock := dispatchFrame(hub, p, "Echo", []byte("hi"), func() (string, []byte, error) {
		return "ping", []byte("pong"), nil
	})

	require.Eventually(t, func() bool { return len(sock.bytes()) > 0 }, time.Second, 5*time.Millisecond)
	snap := telem.Counters.Snapshot()
	require.Equal(t, int64(1), snap[telemetry.CounterResponseServed].Count)
	require.Equal(t, int64(1), telem.Execution.Get("Echo::ping").Snapshot().Count,
		"execution timer keyed by the method the task reported")
}

func TestPool_BackpressureEdgesFireOnceAtThreshold(t *testing.T) {
	hub := newTestHub(t)
	telem := telemetry.NewRegistry()
	p := NewPool(hub, 2, ThreadPool, telem, nil)

	target := &recordingTarget{}
	p.AddBackpressureTarget(target)

	release := make(chan struct{})
	started := make(chan struct{}, 2)

	blockingTask := func() (string, []byte, error) {
		started <- struct{}{}
		<-release
		return "slow", []byte("done"), nil
	}

	dispatchFrame(hub, p, "Echo", []byte("a"), blockingTask)
	dispatchFrame(hub, p, "Echo", []byte("b"), blockingTask)

	<-started
	<-started

	require.Eventually(t, func() bool { return len(target.snapshot()) >= 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []bool{true}, target.snapshot())
	require.Equal(t, int64(1), telem.Counters.Get(telemetry.CounterPoolOverflow).Snapshot().Count)

	close(release)

	require.Eventually(t, func() bool { return len(target.snapshot()) >= 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []bool{true, false}, target.snapshot())
}

func TestPool_DispatchLateRecordsTimeoutWithoutWriting(t *testing.T) {
	hub := newTestHub(t)
	telem := telemetry.NewRegistry()
	p := NewPool(hub, 1, Inline, telem, nil)

	sock := &fakeSock{in: frame([]byte("x")...)}
	var c *conn.Conn
	producer := func(cn *conn.Conn, _ []byte, requestID uint64) {
		receivedAt, _ := cn.ReceivedAt(requestID)
		cn.Close() // connection no longer ready by the time the response would arrive
		p.Dispatch(cn, requestID, "Echo", receivedAt, func() (string, []byte, error) {
			return "ping", []byte("too-late"), nil
		})
	}
	c = conn.New(hub, -1, sock, producer, nil, nil)
	c.OnReadable(reactor.EventRead)

	require.Eventually(t, func() bool {
		return telem.Timeouts.Get("Echo::ping").Snapshot().Count == 1
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, sock.bytes())
}

func TestPool_DrainWaitsForInFlightTasks(t *testing.T) {
	hub := newTestHub(t)
	telem := telemetry.NewRegistry()
	p := NewPool(hub, 1, ThreadPool, telem, nil)

	release := make(chan struct{})
	dispatchFrame(hub, p, "Echo", []byte("a"), func() (string, []byte, error) {
		<-release
		return "slow", []byte("done"), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, p.Drain(ctx), "drain must not report quiescence while a task is blocked")

	close(release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, p.Drain(ctx2))
}
