package transerver

import (
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-tsconn/psnode"
	"github.com/Meander-Cloud/go-tsconn/wire"
)

// fakePageServer accepts exactly one connection, completes the same
// two-int handshake connhandler.Handler.Connect performs, and from then
// on lets the test read/write wire.Message frames directly.
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

// channelServerServerConnect mirrors channel.ServerServerConnect without
// importing the channel package into the test's own handshake assertion.
const channelServerServerConnect int32 = 0x01

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

func writeFrame(t *testing.T, conn net.Conn, senderID byte, msg *wire.Message) {
	buf, err := wire.EncodeFrame(senderID, msg)
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)
}

func readFrame(t *testing.T, conn net.Conn, validSenderIDs map[byte]struct{}) *wire.Message {
	msg, err := wire.DecodeFrame(conn, validSenderIDs)
	require.NoError(t, err)
	return msg
}
