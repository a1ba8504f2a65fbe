package psconnector

import (
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-tsconn/asyncdisconnect"
	"github.com/Meander-Cloud/go-tsconn/connhandler"
	"github.com/Meander-Cloud/go-tsconn/psnode"
	"github.com/Meander-Cloud/go-tsconn/wire"
)

const channelServerServerConnect int32 = 0x01

type fakePageServer struct {
	ln   net.Listener
	node psnode.PsNode
}

func newFakePageServer(t *testing.T) *fakePageServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	return &fakePageServer{
		ln:   ln,
		node: psnode.PsNode{Host: "127.0.0.1", Port: uint16(addr.Port)},
	}
}

func (f *fakePageServer) close() {
	f.ln.Close()
}

func (f *fakePageServer) acceptAndHandshake(t *testing.T) net.Conn {
	conn, err := f.ln.Accept()
	require.NoError(t, err)

	var buf [4]byte
	_, err = io.ReadFull(conn, buf[:])
	require.NoError(t, err)
	require.Equal(t, channelServerServerConnect, int32(binary.BigEndian.Uint32(buf[:])))

	_, err = io.ReadFull(conn, buf[:])
	require.NoError(t, err)
	connType := int32(binary.BigEndian.Uint32(buf[:]))

	binary.BigEndian.PutUint32(buf[:], uint32(connType))
	_, err = conn.Write(buf[:])
	require.NoError(t, err)

	return conn
}

func newTestHandler(t *testing.T, node psnode.PsNode) *connhandler.Handler {
	worker := asyncdisconnect.NewWorker[*connhandler.Handler]("test")
	t.Cleanup(worker.Terminate)
	return connhandler.NewHandler(&connhandler.HandlerOptions{
		Node:               node,
		ConnType:           1,
		ChannelName:        "test",
		ChannelPollTimeout: 2 * time.Second,
		SenderID:           wire.TsSenderID,
		ValidSenderIDs:     map[byte]struct{}{wire.PsSenderID: {}},
		DisconnectWorker:   worker,
		LogPrefix:          "test",
	})
}

type fakeHandlerSet struct {
	handlers   []*connhandler.Handler
	resetCalls atomic.Int64
	resetErr   error
}

func (f *fakeHandlerSet) Handlers() []*connhandler.Handler {
	return f.handlers
}

func (f *fakeHandlerSet) ResetMainConnection() error {
	f.resetCalls.Add(1)
	return f.resetErr
}

func TestTickReconnectsIdleHandlerAndResetsMainConnection(t *testing.T) {
	ps := newFakePageServer(t)
	defer ps.close()

	serverDone := make(chan net.Conn, 1)
	go func() {
		serverDone <- ps.acceptAndHandshake(t)
	}()

	h := newTestHandler(t, ps.node)
	hs := &fakeHandlerSet{handlers: []*connhandler.Handler{h}}
	c := NewConnector(hs, time.Hour, "test")

	c.tick()

	require.True(t, h.IsConnected())
	require.Equal(t, int64(1), hs.resetCalls.Load())

	conn := <-serverDone
	conn.Close()
}

func TestTickSkipsAlreadyConnectedHandlers(t *testing.T) {
	ps := newFakePageServer(t)
	defer ps.close()

	serverDone := make(chan net.Conn, 1)
	go func() {
		serverDone <- ps.acceptAndHandshake(t)
	}()

	h := newTestHandler(t, ps.node)
	require.NoError(t, h.Connect())
	conn := <-serverDone
	defer conn.Close()

	hs := &fakeHandlerSet{handlers: []*connhandler.Handler{h}}
	c := NewConnector(hs, time.Hour, "test")

	c.tick()

	require.Equal(t, int64(0), hs.resetCalls.Load())
}

func TestTickLeavesHandlerIdleOnFailedReconnect(t *testing.T) {
	ps := newFakePageServer(t)
	ps.close() // nothing listening

	h := newTestHandler(t, ps.node)
	hs := &fakeHandlerSet{handlers: []*connhandler.Handler{h}}
	c := NewConnector(hs, time.Hour, "test")

	c.tick()

	require.True(t, h.IsIdle())
	require.Equal(t, int64(0), hs.resetCalls.Load())
}

func TestTickReturnsEarlyWhenTerminated(t *testing.T) {
	ps := newFakePageServer(t)
	defer ps.close()

	h := newTestHandler(t, ps.node)
	hs := &fakeHandlerSet{handlers: []*connhandler.Handler{h}}
	c := NewConnector(hs, time.Hour, "test")
	c.terminate.Store(true)

	c.tick()

	require.True(t, h.IsIdle())
	require.Equal(t, int64(0), hs.resetCalls.Load())
}

func TestStartPanicsWhenAlreadyRunning(t *testing.T) {
	hs := &fakeHandlerSet{}
	c := NewConnector(hs, time.Hour, "test")
	c.Start()
	defer c.Terminate()

	require.Panics(t, func() {
		c.Start()
	})
}

func TestTerminateIsIdempotent(t *testing.T) {
	hs := &fakeHandlerSet{}
	c := NewConnector(hs, time.Hour, "test")
	c.Start()
	c.Terminate()
	c.Terminate() // must not block or panic
}

func TestStartDrivesPeriodicTicks(t *testing.T) {
	ps := newFakePageServer(t)
	defer ps.close()

	serverDone := make(chan net.Conn, 1)
	go func() {
		serverDone <- ps.acceptAndHandshake(t)
	}()

	h := newTestHandler(t, ps.node)
	hs := &fakeHandlerSet{handlers: []*connhandler.Handler{h}}
	c := NewConnector(hs, 10*time.Millisecond, "test")
	c.Start()
	defer c.Terminate()

	require.Eventually(t, func() bool {
		return h.IsConnected()
	}, 2*time.Second, 10*time.Millisecond)

	conn := <-serverDone
	conn.Close()
}
