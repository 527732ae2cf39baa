package transport

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/faradayfan/arm-market/internal/protocol"
)

func TestSendRecv(t *testing.T) {
	a, b := net.Pipe()
	ca, cb := NewConn(a), NewConn(b)
	defer ca.Close()
	defer cb.Close()

	msg, err := protocol.NewCommand(protocol.Object{"snapshot": "commit"})
	require.NoError(t, err)

	go func() { _ = ca.Send(msg) }()

	got, err := cb.RecvType(protocol.TypeCommand)
	require.NoError(t, err)
	cmd, err := got.CommandObject()
	require.NoError(t, err)
	require.Equal(t, protocol.Object{"snapshot": "commit"}, cmd)
}

func TestRecvOnClosedPeer(t *testing.T) {
	a, b := net.Pipe()
	cb := NewConn(b)
	require.NoError(t, a.Close())

	_, err := cb.Recv()
	require.True(t, IsClosed(err), "got %v", err)
}

func TestSendOnClosedPeer(t *testing.T) {
	a, b := net.Pipe()
	ca := NewConn(a)
	require.NoError(t, b.Close())

	msg, err := protocol.NewCommand(nil)
	require.NoError(t, err)
	require.True(t, IsClosed(ca.Send(msg)))
}

func TestPartialRecordIsClosed(t *testing.T) {
	a, b := net.Pipe()
	cb := NewConn(b)
	go func() {
		_, _ = a.Write([]byte(`{"type":"comm`))
		_ = a.Close()
	}()

	_, err := cb.Recv()
	require.True(t, IsClosed(err), "got %v", err)
}

func TestMalformedIsNotClosed(t *testing.T) {
	a, b := net.Pipe()
	cb := NewConn(b)
	go func() { _, _ = a.Write([]byte("not json\n")) }()

	_, err := cb.Recv()
	require.Error(t, err)
	require.False(t, IsClosed(err))
	require.ErrorContains(t, err, "invalid json")
}

func TestUnexpectedType(t *testing.T) {
	a, b := net.Pipe()
	ca, cb := NewConn(a), NewConn(b)
	msg, err := protocol.NewJobStatus(protocol.StatusRejected, "no")
	require.NoError(t, err)
	go func() { _ = ca.Send(msg) }()

	_, err = cb.RecvType(protocol.TypeCommand)
	require.ErrorContains(t, err, "unexpected message type")
	require.False(t, IsClosed(err))
}

func TestRecvTimeout(t *testing.T) {
	_, b := net.Pipe()
	cb := NewConn(b)
	require.NoError(t, cb.SetReadDeadline(time.Now().Add(20*time.Millisecond)))

	_, err := cb.Recv()
	require.True(t, IsTimeout(err))
	require.False(t, IsClosed(err))
}

func TestWatchUnblocksRecv(t *testing.T) {
	_, b := net.Pipe()
	cb := NewConn(b)
	ctx, cancel := context.WithCancel(context.Background())
	stop := cb.Watch(ctx)
	defer stop()

	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := cb.Recv()
	require.True(t, IsTimeout(err))
}

func TestUnixSocketReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	c, err := net.Dial("unix", path)
	require.NoError(t, err)
	client := NewConn(c)
	server := NewConn(<-accepted)

	require.NoError(t, server.Close())
	_, err = client.Recv()
	require.True(t, IsClosed(err), "got %v", err)
}
