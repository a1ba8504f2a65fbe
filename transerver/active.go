package transerver

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Meander-Cloud/go-tsconn/conn"
	"github.com/Meander-Cloud/go-tsconn/connhandler"
	"github.com/Meander-Cloud/go-tsconn/group"
	"github.com/Meander-Cloud/go-tsconn/metrics"
	"github.com/Meander-Cloud/go-tsconn/wire"
)

// PriorSender is the external log fan-out this module registers a sink
// with on every new connection, so newly caught-up page servers start
// receiving log records as they're appended. AddSink returns the LSA
// from which the new sink's stream starts, i.e. the first record the
// sink hasn't seen yet.
type PriorSender interface {
	AddSink(sink func(payload []byte)) (unsentLsa int64)
	RemoveSink(sink func(payload []byte))
}

// lsaTracker holds the saved-LSA state ActiveTranServer keeps per
// handler; kept out-of-band from connhandler.Handler so the base package
// stays free of consensus-specific fields.
type lsaTracker struct {
	savedLsa atomic.Int64
}

// ActiveTranServer layers consensus-LSA tracking and the catchup
// handshake on top of TranServer.
type ActiveTranServer struct {
	*TranServer

	priorSender PriorSender

	trackersMu sync.RWMutex
	trackers   map[*connhandler.Handler]*lsaTracker

	sinksMu sync.Mutex
	sinks   map[*connhandler.Handler]func([]byte)

	lsaMu               sync.Mutex
	lsaCond             *sync.Cond
	upToDate            atomic.Bool
	consensusFlushedLsa int64
}

// NewActiveTranServer wires an ActiveTranServer's hooks into a freshly
// constructed TranServer before any handler is created.
func NewActiveTranServer(options *Options, priorSender PriorSender) *ActiveTranServer {
	ts := NewTranServer(options)

	ats := &ActiveTranServer{
		TranServer:          ts,
		priorSender:         priorSender,
		trackers:            make(map[*connhandler.Handler]*lsaTracker),
		sinks:               make(map[*connhandler.Handler]func([]byte)),
		consensusFlushedLsa: wire.NullLsa,
	}
	ats.lsaCond = sync.NewCond(&ats.lsaMu)

	ts.transitionHook = ats.transitionToConnected
	ts.disconnectHook = ats.onDisconnecting
	ts.extraRequestHandlers = ats.extraRequestHandlers
	ts.onHandlerCreated = ats.onHandlerCreated

	return ats
}

func (ats *ActiveTranServer) onHandlerCreated(h *connhandler.Handler) {
	tr := &lsaTracker{}
	tr.savedLsa.Store(wire.NullLsa)

	ats.trackersMu.Lock()
	ats.trackers[h] = tr
	ats.trackersMu.Unlock()
}

// transitionToConnected runs with h's state_lock still held exclusively
// (see connhandler.TransitionHook): it registers the prior-sender sink,
// composes the start_catch_up payload, and leaves h at CONNECTING.
// CompleteCatchup is what eventually flips it to CONNECTED.
func (ats *ActiveTranServer) transitionToConnected(h *connhandler.Handler) {
	var sink func(payload []byte)
	catchupLsa := wire.NullLsa

	if ats.priorSender != nil {
		sink = func(payload []byte) {
			if err := h.PushRequestRegardlessOfState(wire.ReqSendLogPriorList, payload); err != nil {
				log.Printf("%s: forwarding log prior list to node=%s failed: %s", ats.logPrefix, h.Node(), err.Error())
			}
		}
	}

	mainHost, mainPort := "N/A", int32(-1)
	if main := ats.getMainConn(); main != nil {
		node := main.Node()
		mainHost, mainPort = node.Host, int32(node.Port)

		if sink != nil {
			catchupLsa = ats.priorSender.AddSink(sink)

			ats.sinksMu.Lock()
			ats.sinks[h] = sink
			ats.sinksMu.Unlock()
		}
	}

	payload, err := msgpack.Marshal(&wire.StartCatchUpPayload{
		MainHost:   mainHost,
		MainPort:   mainPort,
		CatchupLsa: catchupLsa,
	})
	if err != nil {
		log.Printf("%s: failed to marshal start_catch_up for node=%s: %s", ats.logPrefix, h.Node(), err.Error())
		return
	}

	if err := h.PushRequestRegardlessOfState(wire.ReqSendStartCatchUp, payload); err != nil {
		log.Printf("%s: failed to send start_catch_up to node=%s: %s", ats.logPrefix, h.Node(), err.Error())
	}
}

func (ats *ActiveTranServer) onDisconnecting(h *connhandler.Handler) {
	ats.sinksMu.Lock()
	sink, ok := ats.sinks[h]
	delete(ats.sinks, h)
	ats.sinksMu.Unlock()

	if ok && sink != nil && ats.priorSender != nil {
		ats.priorSender.RemoveSink(sink)
	}
}

func (ats *ActiveTranServer) extraRequestHandlers(h *connhandler.Handler) map[wire.RequestCode]conn.RequestHandler {
	return map[wire.RequestCode]conn.RequestHandler{
		wire.ReqSendSavedLsa: func(_ *conn.Conn, msg *wire.Message) {
			var payload wire.SavedLsaPayload
			if err := msgpack.Unmarshal(msg.Payload, &payload); err != nil {
				log.Printf("%s: malformed saved_lsa from node=%s: %s", ats.logPrefix, h.Node(), err.Error())
				return
			}
			ats.receiveSavedLsa(h, payload.Lsa)
		},
		wire.ReqSendCatchupComplete: func(_ *conn.Conn, _ *wire.Message) {
			if err := h.CompleteCatchup(); err != nil {
				log.Printf("%s: %s", ats.logPrefix, err.Error())
			}
		},
	}
}

// receiveSavedLsa asserts monotonicity and wakes any waiter on
// WaitForPsFlushedLsa whenever this handler's saved LSA actually
// advances.
func (ats *ActiveTranServer) receiveSavedLsa(h *connhandler.Handler, lsa int64) {
	ats.trackersMu.RLock()
	tr, ok := ats.trackers[h]
	ats.trackersMu.RUnlock()
	if !ok {
		return
	}

	current := tr.savedLsa.Load()
	if lsa < current {
		panic(fmt.Sprintf("%s: saved_lsa regression on node=%s: got=%d current=%d", ats.logPrefix, h.Node(), lsa, current))
	}
	if lsa == current {
		return
	}
	tr.savedLsa.Store(lsa)

	ats.lsaMu.Lock()
	ats.upToDate.Store(false)
	ats.lsaCond.Broadcast()
	ats.lsaMu.Unlock()
}

// ConsensusLsa computes the highest LSA at least a quorum of connected
// handlers have saved, or NullLsa if quorum is unmet.
func (ats *ActiveTranServer) ConsensusLsa() int64 {
	handlers := ats.Handlers()
	n := len(handlers)
	if n == 0 {
		return wire.NullLsa
	}
	q := n/2 + 1

	saved := make([]int64, 0, n)
	ats.trackersMu.RLock()
	for _, h := range handlers {
		if !h.IsConnected() {
			continue
		}
		if tr, ok := ats.trackers[h]; ok {
			saved = append(saved, tr.savedLsa.Load())
		}
	}
	ats.trackersMu.RUnlock()

	var consensus int64 = wire.NullLsa
	if len(saved) >= q {
		sort.Slice(saved, func(i, j int) bool { return saved[i] < saved[j] })
		consensus = saved[len(saved)-q]
	}

	if ats.logQuorumConsensus {
		log.Printf("%s: consensus_lsa n=%d q=%d |S|=%d -> %d", ats.logPrefix, n, q, len(saved), consensus)
	}
	metrics.ConsensusLsa.Set(float64(consensus))

	return consensus
}

// WaitForPsFlushedLsa blocks until the consensus LSA reaches target.
// Exactly one waiter recomputes consensus at a time (guarded by
// upToDate); the rest wait on the condvar until it is signaled again by
// receiveSavedLsa.
func (ats *ActiveTranServer) WaitForPsFlushedLsa(target int64) {
	ats.lsaMu.Lock()
	defer ats.lsaMu.Unlock()

	if ats.consensusFlushedLsa < target {
		log.Printf("%s: %s: waiting for target=%d", ats.logPrefix, group.GroupCatchupWait, target)
	}

	for ats.consensusFlushedLsa < target {
		if !ats.upToDate.CompareAndSwap(false, true) {
			ats.lsaCond.Wait()
			continue
		}

		consensus := ats.ConsensusLsa()
		if consensus == wire.NullLsa {
			ats.upToDate.Store(false)
			continue
		}
		if consensus > ats.consensusFlushedLsa {
			ats.consensusFlushedLsa = consensus
		}
	}
}
