package transerver

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Meander-Cloud/go-tsconn/connhandler"
	"github.com/Meander-Cloud/go-tsconn/psnode"
	"github.com/Meander-Cloud/go-tsconn/wire"
)

type fakePriorSender struct {
	addLsa      int64
	addCount    atomic.Int64
	removeCount atomic.Int64
}

func (f *fakePriorSender) AddSink(_ func(payload []byte)) int64 {
	f.addCount.Add(1)
	return f.addLsa
}

func (f *fakePriorSender) RemoveSink(_ func(payload []byte)) {
	f.removeCount.Add(1)
}

// connectedHandler builds a handler through ats.newHandler (so the
// lsaTracker gets wired via onHandlerCreated), connects it to a fresh
// fake page server, and drives it all the way to CONNECTED via
// CompleteCatchup, matching how a catchup-aware transition hook leaves a
// handler at CONNECTING until the peer confirms.
func connectedHandler(t *testing.T, ats *ActiveTranServer) (*connhandler.Handler, net.Conn) {
	ps := newFakePageServer(t)
	t.Cleanup(ps.close)

	serverDone := make(chan net.Conn, 1)
	go func() {
		serverDone <- ps.acceptAndHandshake(t)
	}()

	h := ats.newHandler(ps.node)
	require.NoError(t, h.Connect())
	require.Equal(t, connhandler.StateConnecting, h.State())
	require.NoError(t, h.CompleteCatchup())
	require.True(t, h.IsConnected())

	ats.handlers = append(ats.handlers, h)

	return h, <-serverDone
}

func setSavedLsa(ats *ActiveTranServer, h *connhandler.Handler, lsa int64) {
	ats.trackersMu.RLock()
	tr := ats.trackers[h]
	ats.trackersMu.RUnlock()
	tr.savedLsa.Store(lsa)
}

func unconnectedHandler(ats *ActiveTranServer) *connhandler.Handler {
	h := ats.newHandler(psnode.PsNode{Host: "127.0.0.1", Port: 1})
	ats.handlers = append(ats.handlers, h)
	return h
}

func newTestActiveTranServer(priorSender PriorSender) *ActiveTranServer {
	return NewActiveTranServer(newTestOptions("", false), priorSender)
}

func TestConsensusLsaFullQuorumOddSet(t *testing.T) {
	ats := newTestActiveTranServer(nil)
	defer ats.Shutdown()

	lsas := []int64{5, 5, 6, 9, 10}
	var conns []net.Conn
	for _, lsa := range lsas {
		h, conn := connectedHandler(t, ats)
		setSavedLsa(ats, h, lsa)
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	require.Equal(t, int64(6), ats.ConsensusLsa())
}

func TestConsensusLsaSmallClusterBothConnected(t *testing.T) {
	ats := newTestActiveTranServer(nil)
	defer ats.Shutdown()

	var conns []net.Conn
	for _, lsa := range []int64{9, 10} {
		h, conn := connectedHandler(t, ats)
		setSavedLsa(ats, h, lsa)
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	require.Equal(t, int64(9), ats.ConsensusLsa())
}

func TestConsensusLsaOneHandlerNeverConnected(t *testing.T) {
	ats := newTestActiveTranServer(nil)
	defer ats.Shutdown()

	var conns []net.Conn
	for _, lsa := range []int64{5, 6, 9, 10} {
		h, conn := connectedHandler(t, ats)
		setSavedLsa(ats, h, lsa)
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	unconnectedHandler(ats) // n=5, |S|=4

	require.Equal(t, int64(6), ats.ConsensusLsa())
}

func TestConsensusLsaTwoOfThreeConnectedMeetsQuorum(t *testing.T) {
	ats := newTestActiveTranServer(nil)
	defer ats.Shutdown()

	var conns []net.Conn
	for _, lsa := range []int64{9, 10} {
		h, conn := connectedHandler(t, ats)
		setSavedLsa(ats, h, lsa)
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	unconnectedHandler(ats) // n=3, |S|=2, q=2

	require.Equal(t, int64(9), ats.ConsensusLsa())
}

func TestConsensusLsaBelowQuorumIsNull(t *testing.T) {
	ats := newTestActiveTranServer(nil)
	defer ats.Shutdown()

	h, conn := connectedHandler(t, ats)
	defer conn.Close()
	setSavedLsa(ats, h, 100)

	unconnectedHandler(ats)
	unconnectedHandler(ats) // n=3, |S|=1, q=2

	require.Equal(t, wire.NullLsa, ats.ConsensusLsa())
}

func TestConsensusLsaNoHandlersIsNull(t *testing.T) {
	ats := newTestActiveTranServer(nil)
	require.Equal(t, wire.NullLsa, ats.ConsensusLsa())
}

func TestReceiveSavedLsaPanicsOnRegression(t *testing.T) {
	ats := newTestActiveTranServer(nil)
	defer ats.Shutdown()

	h, conn := connectedHandler(t, ats)
	defer conn.Close()

	ats.receiveSavedLsa(h, 10)
	require.Panics(t, func() {
		ats.receiveSavedLsa(h, 5)
	})
}

func TestReceiveSavedLsaIgnoresUnknownHandler(t *testing.T) {
	ats := newTestActiveTranServer(nil)
	h := &connhandler.Handler{}
	// no tracker registered for h: must be a silent no-op, not a panic.
	ats.receiveSavedLsa(h, 10)
}

func TestTransitionToConnectedRegistersSinkOnceMainConnSet(t *testing.T) {
	sender := &fakePriorSender{addLsa: 77}
	ats := newTestActiveTranServer(sender)
	defer ats.Shutdown()

	h0, conn0 := connectedHandler(t, ats)
	defer conn0.Close()
	require.Equal(t, int64(0), sender.addCount.Load())

	require.NoError(t, ats.ResetMainConnection())
	require.Equal(t, h0, ats.getMainConn())

	h1, conn1 := connectedHandler(t, ats)
	defer conn1.Close()

	require.Equal(t, int64(1), sender.addCount.Load())

	ats.onDisconnecting(h1)
	require.Equal(t, int64(1), sender.removeCount.Load())
}

func TestTransitionToConnectedSendsStartCatchUpWithMainConnAndCatchupLsa(t *testing.T) {
	sender := &fakePriorSender{addLsa: 42}
	ats := newTestActiveTranServer(sender)
	defer ats.Shutdown()

	h0, conn0 := connectedHandler(t, ats)
	defer conn0.Close()
	require.NoError(t, ats.ResetMainConnection())

	ps1 := newFakePageServer(t)
	defer ps1.close()
	serverDone := make(chan net.Conn, 1)
	go func() {
		serverDone <- ps1.acceptAndHandshake(t)
	}()

	h1 := ats.newHandler(ps1.node)
	require.NoError(t, h1.Connect())
	ats.handlers = append(ats.handlers, h1)

	conn1 := <-serverDone
	defer conn1.Close()

	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg := readFrame(t, conn1, map[byte]struct{}{wire.TsSenderID: {}})
	require.Equal(t, wire.ReqSendStartCatchUp, msg.Kind)

	var payload wire.StartCatchUpPayload
	require.NoError(t, msgpack.Unmarshal(msg.Payload, &payload))
	require.Equal(t, h0.Node().Host, payload.MainHost)
	require.Equal(t, int32(h0.Node().Port), payload.MainPort)
	require.Equal(t, int64(42), payload.CatchupLsa)
}

func TestWaitForPsFlushedLsaReturnsOnceQuorumMet(t *testing.T) {
	ats := newTestActiveTranServer(nil)
	defer ats.Shutdown()

	h, conn := connectedHandler(t, ats)
	defer conn.Close()

	ats.receiveSavedLsa(h, 50)

	done := make(chan struct{})
	go func() {
		ats.WaitForPsFlushedLsa(50)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForPsFlushedLsa did not return once quorum met")
	}
}

func TestExtraRequestHandlersDispatchSavedLsa(t *testing.T) {
	ats := newTestActiveTranServer(nil)
	defer ats.Shutdown()

	h, conn := connectedHandler(t, ats)
	defer conn.Close()

	lsaPayload, err := msgpack.Marshal(&wire.SavedLsaPayload{Lsa: 77})
	require.NoError(t, err)
	writeFrame(t, conn, wire.PsSenderID, &wire.Message{Kind: wire.ReqSendSavedLsa, Payload: lsaPayload})

	require.Eventually(t, func() bool {
		ats.trackersMu.RLock()
		tr := ats.trackers[h]
		ats.trackersMu.RUnlock()
		return tr.savedLsa.Load() == 77
	}, time.Second, 5*time.Millisecond)
}
