package accept

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gdeetotdom/thriftworker/conn"
	"github.com/gdeetotdom/thriftworker/reactor"
	"github.com/stretchr/testify/require"
)

func newRunningHub(t *testing.T) *reactor.Hub {
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

func encodeFrame(payload []byte) []byte {
	b := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(b, uint32(len(payload)))
	copy(b[4:], payload)
	return b
}

func readFrame(t *testing.T, c net.Conn) []byte {
	t.Helper()
	header := make([]byte, 4)
	_, err := io.ReadFull(c, header)
	require.NoError(t, err)
	n := binary.BigEndian.Uint32(header)
	body := make([]byte, n)
	_, err = io.ReadFull(c, body)
	require.NoError(t, err)
	return body
}

func TestAcceptor_EchoRoundTrip(t *testing.T) {
	hub := newRunningHub(t)

	fd, err := Listen("127.0.0.1:0", 0)
	require.NoError(t, err)
	addr, err := Addr(fd)
	require.NoError(t, err)

	echo := func(c *conn.Conn, frame []byte, requestID uint64) {
		c.Ready(true, frame, requestID)
	}
	a := New("echo", hub, fd, 0, echo, nil)
	require.NoError(t, a.Start())
	t.Cleanup(func() { _ = a.Close() })

	client, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(encodeFrame([]byte("hello")))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return a.LiveCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	require.Equal(t, []byte("hello"), readFrame(t, client))
}

func TestAcceptor_CloseDrainsLiveConnections(t *testing.T) {
	hub := newRunningHub(t)

	fd, err := Listen("127.0.0.1:0", 0)
	require.NoError(t, err)
	addr, err := Addr(fd)
	require.NoError(t, err)

	blocking := func(c *conn.Conn, frame []byte, requestID uint64) {}
	a := New("blocking", hub, fd, 0, blocking, nil)
	require.NoError(t, a.Start())

	client, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return a.LiveCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close())
	require.Equal(t, 0, a.LiveCount())
}

func TestAcceptor_StopInvokesOnEmptyImmediatelyWhenAlreadyEmpty(t *testing.T) {
	hub := newRunningHub(t)

	fd, err := Listen("127.0.0.1:0", 0)
	require.NoError(t, err)

	a := New("idle", hub, fd, 0, func(*conn.Conn, []byte, uint64) {}, nil)
	require.NoError(t, a.Start())

	fired := make(chan struct{})
	require.NoError(t, a.Stop(func() { close(fired) }))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("onEmpty was not invoked for an already-empty acceptor")
	}

	require.NoError(t, a.Close())
}
