package conn

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeSock is an in-memory Reader standing in for a raw nonblocking socket,
// so the framing state machine can be exercised without a real fd/poller.
type fakeSock struct {
	in     []byte
	out    []byte
	closed bool
}

func (s *fakeSock) Read(buf []byte) (int, error) {
	if len(s.in) == 0 {
		return 0, errWouldBlockForTest
	}
	n := copy(buf, s.in)
	s.in = s.in[n:]
	return n, nil
}

func (s *fakeSock) Write(buf []byte) (int, error) {
	s.out = append(s.out, buf...)
	return len(buf), nil
}

func (s *fakeSock) Close() error {
	s.closed = true
	return nil
}

var errWouldBlockForTest = unix.EAGAIN

func frame(payload ...byte) []byte {
	b := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(b, uint32(len(payload)))
	copy(b[4:], payload)
	return b
}

func newTestConn(t *testing.T, sock *fakeSock, producer Producer) *Conn {
	t.Helper()
	return New(nil, -1, sock, producer, nil, nil)
}

func TestConn_SingleFrameDispatch(t *testing.T) {
	var gotFrame []byte
	var gotID uint64
	sock := &fakeSock{in: frame(0xDE, 0xAD, 0xBE, 0xEF)}
	c := newTestConn(t, sock, func(c *Conn, f []byte, id uint64) {
		gotFrame = append([]byte(nil), f...)
		gotID = id
	})

	c.feed(sock.in)
	sock.in = nil

	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, gotFrame)
	require.Equal(t, uint64(0), gotID)
}

func TestConn_PartialFrameAcrossFeeds(t *testing.T) {
	var dispatched bool
	c := newTestConn(t, &fakeSock{}, func(c *Conn, f []byte, id uint64) {
		dispatched = true
	})

	whole := frame(1, 2, 3)
	c.feed(whole[:2])
	require.False(t, dispatched)
	c.feed(whole[2:5])
	require.False(t, dispatched)
	c.feed(whole[5:])
	require.True(t, dispatched)
}

func TestConn_PipeliningMultipleFramesOneFeed(t *testing.T) {
	var ids []uint64
	c := newTestConn(t, &fakeSock{}, func(c *Conn, f []byte, id uint64) {
		ids = append(ids, id)
	})

	both := append(frame(1), frame(2)...)
	c.feed(both)

	require.Equal(t, []uint64{0, 1}, ids)
}

func TestConn_InvalidLengthCloses(t *testing.T) {
	sock := &fakeSock{}
	c := newTestConn(t, sock, func(c *Conn, f []byte, id uint64) {})

	bad := make([]byte, 4)
	binary.BigEndian.PutUint32(bad, 0xFFFFFFFF) // -1 as int32
	c.feed(bad)

	require.Equal(t, StateClosed, c.state.Load())
	require.True(t, c.Abnormal())
}

func TestConn_ResponseOrderingOutOfOrderCompletion(t *testing.T) {
	sock := &fakeSock{}
	c := newTestConn(t, sock, func(c *Conn, f []byte, id uint64) {})

	id0, _ := c.pending.Acquire()
	id1, _ := c.pending.Acquire()
	require.Equal(t, uint64(0), id0)
	require.Equal(t, uint64(1), id1)

	// Second request completes first; nothing should flush yet since id0
	// is still outstanding.
	c.Ready(true, []byte{2}, id1)
	require.Empty(t, sock.out)

	c.Ready(true, []byte{1}, id0)
	require.Equal(t, append(frame(1), frame(2)...), sock.out)
}

func TestConn_OneWayEmitsNoBytes(t *testing.T) {
	sock := &fakeSock{}
	c := newTestConn(t, sock, func(c *Conn, f []byte, id uint64) {})

	id, _ := c.pending.Acquire()
	c.Ready(true, nil, id)

	require.Empty(t, sock.out)
}

func TestConn_ReadyIsIdempotent(t *testing.T) {
	sock := &fakeSock{}
	c := newTestConn(t, sock, func(c *Conn, f []byte, id uint64) {})

	id, _ := c.pending.Acquire()
	c.Ready(true, []byte{9}, id)
	first := append([]byte(nil), sock.out...)
	c.Ready(true, []byte{100}, id) // stale duplicate delivery

	require.Equal(t, first, sock.out)
}

// throttledSock models a socket whose kernel send buffer holds capacity
// bytes before reporting EAGAIN.
type throttledSock struct {
	out      []byte
	capacity int
}

func (s *throttledSock) Read([]byte) (int, error) { return 0, unix.EAGAIN }

func (s *throttledSock) Write(buf []byte) (int, error) {
	room := s.capacity - len(s.out)
	if room <= 0 {
		return 0, unix.EAGAIN
	}
	if room > len(buf) {
		room = len(buf)
	}
	s.out = append(s.out, buf[:room]...)
	return room, nil
}

func (s *throttledSock) Close() error { return nil }

func TestConn_PartialWriteBuffersRemainder(t *testing.T) {
	sock := &throttledSock{capacity: 3}
	c := New(nil, -1, sock, func(*Conn, []byte, uint64) {}, nil, nil)

	id, _ := c.pending.Acquire()
	c.Ready(true, []byte{1, 2, 3, 4}, id)

	whole := frame(1, 2, 3, 4)
	require.Equal(t, whole[:3], sock.out)
	require.Len(t, c.writeBuf, len(whole)-3)
	require.True(t, c.IsReady(), "connection still serves while draining writes")

	sock.capacity = len(whole)
	c.drainWrites()
	require.Equal(t, whole, sock.out)
	require.Empty(t, c.writeBuf)
}

func TestConn_CloseDrainsBufferedWrites(t *testing.T) {
	sock := &throttledSock{capacity: 3}
	c := New(nil, -1, sock, func(*Conn, []byte, uint64) {}, nil, nil)

	id, _ := c.pending.Acquire()
	c.Ready(true, []byte{1, 2, 3, 4}, id)

	whole := frame(1, 2, 3, 4)
	require.Len(t, c.writeBuf, len(whole)-3, "remainder buffered behind a full send buffer")

	// The socket frees up before the graceful close; the remainder must
	// still reach the wire.
	sock.capacity = len(whole)
	c.Close()

	require.Equal(t, whole, sock.out)
	require.Equal(t, StateClosed, c.state.Load())
}

func TestConn_CloseAfterFailureDiscardsBufferedWrites(t *testing.T) {
	sock := &throttledSock{capacity: 3}
	c := New(nil, -1, sock, func(*Conn, []byte, uint64) {}, nil, nil)

	id, _ := c.pending.Acquire()
	c.Ready(true, []byte{1, 2, 3, 4}, id)
	require.NotEmpty(t, c.writeBuf)

	sock.capacity = 100
	c.fail("read error")

	require.Len(t, sock.out, 3, "no further bytes after an abnormal close")
	require.Equal(t, StateClosed, c.state.Load())
}
