// Package transerver owns the vector of page-server connection handlers
// and the main-connection pointer routed requests go through. TranServer
// is the base variant used for passive replicas; ActiveTranServer (in
// active.go) layers consensus-LSA tracking and the catchup handshake on
// top of it.
package transerver

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Meander-Cloud/go-tsconn/asyncdisconnect"
	"github.com/Meander-Cloud/go-tsconn/config"
	"github.com/Meander-Cloud/go-tsconn/conn"
	"github.com/Meander-Cloud/go-tsconn/connhandler"
	"github.com/Meander-Cloud/go-tsconn/errs"
	"github.com/Meander-Cloud/go-tsconn/group"
	"github.com/Meander-Cloud/go-tsconn/metrics"
	"github.com/Meander-Cloud/go-tsconn/psconnector"
	"github.com/Meander-Cloud/go-tsconn/psnode"
	"github.com/Meander-Cloud/go-tsconn/wire"
)

// Options configures one TranServer.
type Options struct {
	Config    *config.Config
	ConnType  int32
	LogPrefix string
}

// TranServer owns the handler vector, the main-connection pointer, and
// the background reconnect daemon and disconnect worker that keep the
// handlers alive.
type TranServer struct {
	connType           int32
	pageServerHosts    string
	remoteStorage      bool
	logQuorumConsensus bool
	cssMaxClients      int

	logPrefix string
	logDebug  bool

	serverName string

	disconnectWorker *asyncdisconnect.Worker[*connhandler.Handler]
	psConnector      *psconnector.Connector

	// handlers is append-only during Boot; read-only afterwards, so no
	// lock is needed to range over it once boot has returned.
	handlers []*connhandler.Handler

	mainConnLock sync.RWMutex
	mainConn     *connhandler.Handler

	// Hooks let ActiveTranServer customize handler construction without
	// this package knowing anything about consensus LSAs or catchup.
	// All are nil for a base TranServer.
	transitionHook       connhandler.TransitionHook
	disconnectHook       connhandler.DisconnectHook
	extraRequestHandlers func(h *connhandler.Handler) map[wire.RequestCode]conn.RequestHandler
	onHandlerCreated     func(h *connhandler.Handler)
	prepareConnections   func()
}

func NewTranServer(options *Options) *TranServer {
	ts := &TranServer{
		connType:           options.ConnType,
		pageServerHosts:    options.Config.PageServerHosts,
		remoteStorage:      options.Config.RemoteStorage,
		logQuorumConsensus: options.Config.LogQuorumConsensus,
		cssMaxClients:      options.Config.CssMaxClients,
		logPrefix:          options.LogPrefix,
		logDebug:           options.Config.LogDebug,
		disconnectWorker:   asyncdisconnect.NewWorker[*connhandler.Handler](options.LogPrefix),
	}
	ts.psConnector = psconnector.NewConnector(ts, config.PsConnectorPeriod, options.LogPrefix)

	metrics.ClientPartitionHint.Set(float64(ts.cssMaxClients))

	return ts
}

func (ts *TranServer) ServerName() string {
	return ts.serverName
}

// Handlers satisfies psconnector.HandlerSet.
func (ts *TranServer) Handlers() []*connhandler.Handler {
	return ts.handlers
}

func (ts *TranServer) newHandler(node psnode.PsNode) *connhandler.Handler {
	h := connhandler.NewHandler(&connhandler.HandlerOptions{
		Node:               node,
		ConnType:           ts.connType,
		ChannelName:        config.ChannelName,
		ChannelPollTimeout: config.ChannelPollTimeout,
		SenderID:           wire.TsSenderID,
		ValidSenderIDs:     map[byte]struct{}{wire.PsSenderID: {}},
		DisconnectWorker:   ts.disconnectWorker,

		OnTransitionToConnected: ts.transitionHook,
		OnDisconnecting:         ts.disconnectHook,

		LogPrefix: ts.logPrefix,
		LogDebug:  ts.logDebug,
	})
	h.SetRequestHandlers(ts.buildRequestHandlers(h))

	if ts.onHandlerCreated != nil {
		ts.onHandlerCreated(h)
	}

	return h
}

// buildRequestHandlers wires the one request code every variant needs to
// react to (a PS asking to be disconnected), then merges in whatever the
// active variant adds for its own inbound codes.
func (ts *TranServer) buildRequestHandlers(h *connhandler.Handler) map[wire.RequestCode]conn.RequestHandler {
	m := map[wire.RequestCode]conn.RequestHandler{
		wire.ReqSendDisconnectRequest: func(_ *conn.Conn, _ *wire.Message) {
			log.Printf("%s: node=%s requested disconnect", ts.logPrefix, h.Node())
			go h.DisconnectAsync(false)
		},
	}

	if ts.extraRequestHandlers != nil {
		for kind, handler := range ts.extraRequestHandlers(h) {
			m[kind] = handler
		}
	}

	return m
}

// Boot parses the configured page server hosts, connects every handler
// it can, establishes the main connection, starts the reconnect daemon,
// and validates boot info when this server relies on remote storage.
func (ts *TranServer) Boot(dbName string) error {
	ts.serverName = dbName

	nodes, parseErrs, ok := psnode.ParseHosts(ts.pageServerHosts)
	for _, e := range parseErrs {
		log.Printf("%s: host token rejected: %s", ts.logPrefix, e.Error())
	}
	if !ok {
		if ts.remoteStorage {
			return errs.Wrap(errs.ErrEmptyPageServerHostsConfig, "no valid page server hosts configured with remote storage required")
		}
		log.Printf("%s: no page server hosts configured, continuing with local storage only", ts.logPrefix)
	}

	for _, node := range nodes {
		ts.handlers = append(ts.handlers, ts.newHandler(node))
	}

	var successes int
	for _, h := range ts.handlers {
		if err := h.Connect(); err != nil {
			log.Printf("%s: boot connect to node=%s failed: %s", ts.logPrefix, h.Node(), err.Error())
			continue
		}
		successes++
	}

	if ts.remoteStorage && successes == 0 {
		return errs.Wrap(errs.ErrNoPageServerConnection, fmt.Sprintf("0/%d page server connections succeeded", len(ts.handlers)))
	}

	if ts.prepareConnections != nil {
		ts.prepareConnections()
	}

	if len(ts.handlers) > 0 {
		// TODO: replace this poll with a condvar woken by the first
		// handler reaching CONNECTED; the fixed 30ms/30s loop is an
		// acknowledged placeholder, not a load-bearing timing contract.
		log.Printf("%s: %s: entering", ts.logPrefix, group.GroupBootMainConn)
		deadline := time.Now().Add(config.BootPollTimeout)
		var lastErr error
		for {
			lastErr = ts.ResetMainConnection()
			if lastErr == nil {
				break
			}
			if time.Now().After(deadline) {
				log.Printf("%s: %s: timed out", ts.logPrefix, group.GroupBootMainConn)
				return errs.Wrap(errs.ErrNoPageServerAvailable, lastErr.Error())
			}
			time.Sleep(config.BootPollInterval)
		}
		log.Printf("%s: %s: released", ts.logPrefix, group.GroupBootMainConn)

		ts.psConnector.Start()
	}

	if ts.remoteStorage {
		payloadOut, err := ts.SendReceive(wire.ReqGetBootInfo, nil)
		if err != nil {
			return err
		}

		var resp wire.GetBootInfoResponsePayload
		if err := msgpack.Unmarshal(payloadOut, &resp); err != nil {
			return fmt.Errorf("%s: malformed get_boot_info response: %w", ts.logPrefix, err)
		}
		if resp.Dknvols != wire.VolidMax {
			return fmt.Errorf("%s: get_boot_info dknvols=%d, want VOLID_MAX=%d", ts.logPrefix, resp.Dknvols, wire.VolidMax)
		}
	}

	return nil
}

// ResetMainConnection satisfies psconnector.HandlerSet and is also called
// directly from request paths on main-connection failure.
func (ts *TranServer) ResetMainConnection() error {
	ts.mainConnLock.Lock()
	defer ts.mainConnLock.Unlock()

	for _, h := range ts.handlers {
		if h.IsConnected() {
			if ts.mainConn != h {
				log.Printf("%s: main connection set to node=%s", ts.logPrefix, h.Node())
				ts.mainConn = h
				metrics.MainConnRotations.Inc()
			}
			metrics.MainConnAvailable.Set(1)
			return nil
		}
	}

	if ts.mainConn != nil {
		log.Printf("%s: main connection lost, no page server currently connected", ts.logPrefix)
	}
	ts.mainConn = nil
	metrics.MainConnAvailable.Set(0)
	return errs.ErrNoPageServerAvailable
}

func (ts *TranServer) getMainConn() *connhandler.Handler {
	ts.mainConnLock.RLock()
	defer ts.mainConnLock.RUnlock()
	return ts.mainConn
}

// PushRequest is fire-and-forget: a NO_PAGE_SERVER_AVAILABLE outcome
// after a failed rotation attempt is swallowed rather than returned.
func (ts *TranServer) PushRequest(kind wire.RequestCode, payload []byte) error {
	for {
		ts.mainConnLock.RLock()
		main := ts.mainConn
		if main == nil {
			ts.mainConnLock.RUnlock()
			return nil
		}
		err := main.PushRequest(kind, payload)
		ts.mainConnLock.RUnlock()

		if err == nil {
			return nil
		}
		if main.IsConnected() {
			return nil
		}
		if rerr := ts.ResetMainConnection(); rerr != nil {
			return nil
		}
	}
}

// SendReceive blocks for a round trip via the current main connection.
// When the main has dropped out of CONNECTED it rotates and retries, for as
// long as rotation finds a connected handler; NO_PAGE_SERVER_AVAILABLE from
// rotation is returned to the caller.
func (ts *TranServer) SendReceive(kind wire.RequestCode, payloadIn []byte) ([]byte, error) {
	for {
		ts.mainConnLock.RLock()
		main := ts.mainConn
		if main == nil {
			ts.mainConnLock.RUnlock()
			return nil, errs.ErrNoPageServerAvailable
		}
		payloadOut, err := main.SendReceive(kind, payloadIn)
		ts.mainConnLock.RUnlock()

		if err == nil {
			return payloadOut, nil
		}
		if main.IsConnected() {
			return nil, err
		}
		if rerr := ts.ResetMainConnection(); rerr != nil {
			return nil, rerr
		}
	}
}

// GetOldestActiveMvccid forwards to the main connection on behalf of the
// MVCC table, an external collaborator this module only asks on request.
func (ts *TranServer) GetOldestActiveMvccid() (uint64, error) {
	payloadOut, err := ts.SendReceive(wire.ReqGetOldestActiveMvccid, nil)
	if err != nil {
		return 0, err
	}

	var resp wire.GetOldestActiveMvccidResponsePayload
	if err := msgpack.Unmarshal(payloadOut, &resp); err != nil {
		return 0, fmt.Errorf("%s: malformed get_oldest_active_mvccid response: %w", ts.logPrefix, err)
	}
	return resp.Mvccid, nil
}

// Shutdown stops the reconnect daemon, tears down every handler with a
// final disconnect message, and blocks until the disconnect worker has
// drained.
func (ts *TranServer) Shutdown() {
	ts.psConnector.Terminate()

	for _, h := range ts.handlers {
		h.DisconnectAsync(true)
	}
	for _, h := range ts.handlers {
		h.WaitAsyncDisconnection()
	}

	ts.disconnectWorker.Terminate()
}
