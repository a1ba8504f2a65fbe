// Package connhandler implements the per-page-server connection state
// machine: handshake, request/response forwarding while connected, and
// asynchronous, non-blocking teardown on disconnect.
package connhandler

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Meander-Cloud/go-tsconn/asyncdisconnect"
	"github.com/Meander-Cloud/go-tsconn/channel"
	"github.com/Meander-Cloud/go-tsconn/conn"
	"github.com/Meander-Cloud/go-tsconn/errs"
	"github.com/Meander-Cloud/go-tsconn/metrics"
	"github.com/Meander-Cloud/go-tsconn/psnode"
	"github.com/Meander-Cloud/go-tsconn/wire"
)

// TransitionHook runs with state_lock still held exclusively, immediately
// after a successful handshake. The base hook flips state to CONNECTED
// directly; a catchup-aware hook leaves state at CONNECTING and arranges
// for some later event to call CompleteCatchup.
type TransitionHook func(h *Handler)

// DisconnectHook runs once per teardown, before the connection is torn
// down, with no lock held.
type DisconnectHook func(h *Handler)

// HandlerOptions configures one Handler. Kept as a flat struct (rather
// than functional options) to match the constructor style used
// elsewhere in this module.
type HandlerOptions struct {
	Node     psnode.PsNode
	ConnType int32

	ChannelName        string
	ChannelPollTimeout time.Duration

	SenderID       byte
	ValidSenderIDs map[byte]struct{}

	RequestHandlers map[wire.RequestCode]conn.RequestHandler

	DisconnectWorker *asyncdisconnect.Worker[*Handler]

	OnTransitionToConnected TransitionHook
	OnDisconnecting         DisconnectHook

	LogPrefix string
	LogDebug  bool
}

// Handler is bound 1:1 to one psnode.PsNode for the lifetime of its
// owning TranServer. It is safe for concurrent use.
type Handler struct {
	node     psnode.PsNode
	connType int32

	channelName        string
	channelPollTimeout time.Duration

	senderID       byte
	validSenderIDs map[byte]struct{}

	requestHandlers map[wire.RequestCode]conn.RequestHandler

	disconnectWorker *asyncdisconnect.Worker[*Handler]

	onTransitionToConnected TransitionHook
	onDisconnecting         DisconnectHook

	logPrefix string
	logDebug  bool

	stateLock sync.RWMutex
	state     ConnState

	connLock sync.RWMutex
	conn     *conn.Conn

	withDiscMsg bool

	mu             sync.Mutex
	disconnectDone chan struct{}
}

func NewHandler(options *HandlerOptions) *Handler {
	return &Handler{
		node:     options.Node,
		connType: options.ConnType,

		channelName:        options.ChannelName,
		channelPollTimeout: options.ChannelPollTimeout,

		senderID:       options.SenderID,
		validSenderIDs: options.ValidSenderIDs,

		requestHandlers: options.RequestHandlers,

		disconnectWorker: options.DisconnectWorker,

		onTransitionToConnected: options.OnTransitionToConnected,
		onDisconnecting:         options.OnDisconnecting,

		logPrefix: options.LogPrefix,
		logDebug:  options.LogDebug,

		state: StateIdle,
	}
}

func (h *Handler) Node() psnode.PsNode {
	return h.node
}

// SetRequestHandlers installs the dispatch table used by every future
// Connect. Callers that need h itself to build the table (it carries
// per-node context a closure can capture) construct the Handler first
// with a nil table and call this before the first Connect; it must not
// be called concurrently with Connect.
func (h *Handler) SetRequestHandlers(requestHandlers map[wire.RequestCode]conn.RequestHandler) {
	h.requestHandlers = requestHandlers
}

func (h *Handler) State() ConnState {
	h.stateLock.RLock()
	defer h.stateLock.RUnlock()
	return h.state
}

func (h *Handler) IsConnected() bool {
	h.stateLock.RLock()
	defer h.stateLock.RUnlock()
	return h.state == StateConnected
}

func (h *Handler) IsIdle() bool {
	h.stateLock.RLock()
	defer h.stateLock.RUnlock()
	return h.state == StateIdle
}

// recordStateMetric publishes the one-hot connection_state gauge for
// this node. Callers must hold state_lock (either way) so the read of
// h.state is coherent.
func (h *Handler) recordStateMetric() {
	node := h.node.String()
	for _, s := range []ConnState{StateIdle, StateConnecting, StateConnected, StateDisconnecting} {
		v := 0.0
		if s == h.state {
			v = 1.0
		}
		metrics.ConnectionState.WithLabelValues(node, s.String()).Set(v)
	}
}

// Connect performs the channel handshake and installs a live Conn.
// Requires state == IDLE; holds state_lock exclusively for the duration
// of the handshake, since IDLE handlers are not otherwise contended.
func (h *Handler) Connect() error {
	h.stateLock.Lock()
	defer h.stateLock.Unlock()

	if h.state != StateIdle {
		return fmt.Errorf("%s: connect called on node=%s while state=%s", h.logPrefix, h.node, h.state)
	}
	h.state = StateConnecting
	h.recordStateMetric()

	ch := channel.New(h.channelName, h.channelPollTimeout)
	if err := ch.Connect(h.node.Host, h.node.Port, channel.ServerServerConnect); err != nil {
		h.state = StateIdle
		h.recordStateMetric()
		log.Printf("%s: connect to node=%s failed: %s", h.logPrefix, h.node, err.Error())
		return errs.Wrap(errs.ErrNetPageServerConnection, err.Error())
	}

	if err := ch.SendInt(h.connType); err != nil {
		ch.Close()
		h.state = StateIdle
		h.recordStateMetric()
		log.Printf("%s: handshake send to node=%s failed: %s", h.logPrefix, h.node, err.Error())
		return errs.Wrap(errs.ErrNetPageServerConnection, err.Error())
	}

	echoed, err := ch.RecvInt()
	if err != nil {
		ch.Close()
		h.state = StateIdle
		h.recordStateMetric()
		log.Printf("%s: handshake recv from node=%s failed: %s", h.logPrefix, h.node, err.Error())
		return errs.Wrap(errs.ErrNetPageServerConnection, err.Error())
	}
	if echoed != h.connType {
		ch.Close()
		h.state = StateIdle
		h.recordStateMetric()
		log.Printf("%s: handshake mismatch from node=%s: echoed=%d want=%d", h.logPrefix, h.node, echoed, h.connType)
		return errs.Wrapf(errs.ErrNetPageServerConnection, "echoed conn_type=%d want=%d", echoed, h.connType)
	}

	// the handshake's poll-timeout deadlines must not carry over into
	// conn.Conn, whose read loop blocks until data or disconnect.
	if err := ch.Conn().SetDeadline(time.Time{}); err != nil {
		ch.Close()
		h.state = StateIdle
		h.recordStateMetric()
		log.Printf("%s: clearing handshake deadline for node=%s failed: %s", h.logPrefix, h.node, err.Error())
		return errs.Wrap(errs.ErrNetPageServerConnection, err.Error())
	}

	c := conn.New(&conn.Options{
		Channel:           ch,
		RequestHandlers:   h.requestHandlers,
		SenderID:          h.senderID,
		ValidSenderIDs:    h.validSenderIDs,
		SendErrorCallback: func(_ error) { go h.DisconnectAsync(false) },
		RecvErrorCallback: func(_ error) { go h.DisconnectAsync(false) },
		LogPrefix:         h.logPrefix,
		LogDebug:          h.logDebug,
	})
	c.Start()

	h.connLock.Lock()
	h.conn = c
	h.connLock.Unlock()

	if h.onTransitionToConnected != nil {
		h.onTransitionToConnected(h)
	} else {
		h.state = StateConnected
	}
	h.recordStateMetric()

	log.Printf("%s: connected to node=%s, state=%s", h.logPrefix, h.node, h.state)
	return nil
}

// CompleteCatchup advances CONNECTING -> CONNECTED once the peer has
// confirmed it is caught up. A no-op if the handler has already moved on
// (e.g. a disconnect raced ahead of the catchup-complete message).
func (h *Handler) CompleteCatchup() error {
	h.stateLock.Lock()
	defer h.stateLock.Unlock()

	if h.state != StateConnecting {
		return fmt.Errorf("%s: catchup complete for node=%s ignored, state=%s", h.logPrefix, h.node, h.state)
	}
	h.state = StateConnected
	h.recordStateMetric()
	log.Printf("%s: catchup complete for node=%s, state=CONNECTED", h.logPrefix, h.node)
	return nil
}

// DisconnectAsync transitions into DISCONNECTING and enqueues this
// handler onto the background worker for teardown. Idempotent: a call
// while IDLE or already DISCONNECTING is a no-op.
func (h *Handler) DisconnectAsync(withDiscMsg bool) {
	h.stateLock.Lock()
	if h.state == StateIdle || h.state == StateDisconnecting {
		h.stateLock.Unlock()
		return
	}
	if !isLegalTransition(h.state, StateDisconnecting) {
		h.stateLock.Unlock()
		return
	}
	h.state = StateDisconnecting
	h.recordStateMetric()
	h.withDiscMsg = withDiscMsg

	done := make(chan struct{})
	h.mu.Lock()
	h.disconnectDone = done
	h.mu.Unlock()
	h.stateLock.Unlock()

	h.disconnectWorker.Disconnect(h)
}

// WaitAsyncDisconnection blocks until any outstanding DisconnectAsync has
// fully drained, then asserts the handler landed back in IDLE.
func (h *Handler) WaitAsyncDisconnection() {
	h.mu.Lock()
	done := h.disconnectDone
	h.mu.Unlock()

	if done != nil {
		<-done
	}

	if state := h.State(); state != StateIdle {
		panic(fmt.Sprintf("%s: wait_async_disconnection: node=%s state=%s after drain, want IDLE", h.logPrefix, h.node, state))
	}
}

// Destruct implements asyncdisconnect.Destructible. It runs off the async
// disconnect worker's single goroutine, never on a request path.
func (h *Handler) Destruct() {
	if h.onDisconnecting != nil {
		h.onDisconnecting(h)
	}

	h.connLock.RLock()
	c := h.conn
	h.connLock.RUnlock()

	// the final disconnect message, if any, must go out before the
	// channel is torn down: StopIncomingCommunicationThread closes the
	// underlying connection, and a Push after that point would write to
	// a dead socket.
	if h.withDiscMsg && c != nil {
		payload, err := msgpack.Marshal(&wire.SendDisconnectMsgPayload{ConnType: h.connType})
		if err != nil {
			log.Printf("%s: failed to marshal disconnect payload for node=%s: %s", h.logPrefix, h.node, err.Error())
		} else if err := c.Push(wire.ReqSendDisconnectMsg, payload); err != nil {
			log.Printf("%s: failed to push disconnect message to node=%s: %s", h.logPrefix, h.node, err.Error())
		}
	}

	if c != nil {
		c.StopIncomingCommunicationThread()
	}

	h.stateLock.Lock()
	h.connLock.Lock()

	h.conn = nil
	h.state = StateIdle
	h.recordStateMetric()

	h.connLock.Unlock()
	h.stateLock.Unlock()

	log.Printf("%s: teardown complete for node=%s, state=IDLE", h.logPrefix, h.node)

	h.mu.Lock()
	done := h.disconnectDone
	h.disconnectDone = nil
	h.mu.Unlock()
	if done != nil {
		close(done)
	}
}

// PushRequest is fire-and-forget: it requires state == CONNECTED and maps
// any failure to ErrPageServerCannotBeReached.
func (h *Handler) PushRequest(kind wire.RequestCode, payload []byte) error {
	h.stateLock.RLock()
	if h.state != StateConnected {
		h.stateLock.RUnlock()
		return errs.ErrPageServerCannotBeReached
	}
	h.connLock.RLock()
	h.stateLock.RUnlock()

	err := h.conn.Push(kind, payload)
	h.connLock.RUnlock()
	if err != nil {
		return errs.Wrap(errs.ErrPageServerCannotBeReached, err.Error())
	}
	return nil
}

// SendReceive blocks for a round trip. state_lock is dropped before the
// blocking call so a concurrent DisconnectAsync can proceed and wake this
// call via conn.StopIncomingCommunicationThread.
func (h *Handler) SendReceive(kind wire.RequestCode, payloadIn []byte) ([]byte, error) {
	h.stateLock.RLock()
	if h.state != StateConnected {
		h.stateLock.RUnlock()
		return nil, errs.ErrPageServerCannotBeReached
	}
	h.connLock.RLock()
	h.stateLock.RUnlock()

	started := time.Now()
	payloadOut, err := h.conn.SendRecv(kind, payloadIn)
	metrics.SendReceiveLatencySeconds.WithLabelValues(kind.String()).Observe(time.Since(started).Seconds())
	h.connLock.RUnlock()
	if err != nil {
		return nil, errs.Wrap(errs.ErrPageServerCannotBeReached, err.Error())
	}
	return payloadOut, nil
}

// PushRequestRegardlessOfState skips the state check entirely, for
// catchup and prior-list traffic sent while still CONNECTING.
func (h *Handler) PushRequestRegardlessOfState(kind wire.RequestCode, payload []byte) error {
	h.connLock.RLock()
	c := h.conn
	h.connLock.RUnlock()

	if c == nil {
		return errs.ErrPageServerCannotBeReached
	}
	if err := c.Push(kind, payload); err != nil {
		return errs.Wrap(errs.ErrPageServerCannotBeReached, err.Error())
	}
	return nil
}

// Respond replies to an inbound request dispatched to a RequestHandler.
func (h *Handler) Respond(requestTxseq uint64, payload []byte, errorCode int32) error {
	h.connLock.RLock()
	c := h.conn
	h.connLock.RUnlock()

	if c == nil {
		return errs.ErrPageServerCannotBeReached
	}
	return c.Respond(requestTxseq, payload, errorCode)
}
