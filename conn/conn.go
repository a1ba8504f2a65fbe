// Package conn implements a duplex request/response multiplexer on top
// of one channel.Channel: a single read loop demuxes inbound frames
// either into a RequestHandler call, keyed by RequestCode, or into a
// pending SendRecv's response channel, keyed by txseq.
package conn

import (
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/Meander-Cloud/go-tsconn/channel"
	"github.com/Meander-Cloud/go-tsconn/wire"
)

// RequestHandler is invoked for every inbound message whose Kind is not
// ReqRespond (i.e. every pushed, non-correlated request from the peer).
type RequestHandler func(c *Conn, msg *wire.Message)

// Options configures one Conn instance.
type Options struct {
	Channel         *channel.Channel
	RequestHandlers map[wire.RequestCode]RequestHandler
	SenderID        byte
	ValidSenderIDs  map[byte]struct{}
	// PartitionSize hints at response fan-out width; this implementation
	// stores it but does not read it.
	PartitionSize int

	SendErrorCallback func(error)
	RecvErrorCallback func(error)

	LogPrefix string
	LogDebug  bool
}

// Conn is the duplex multiplexer: Push and SendRecv write frames out;
// a single read loop goroutine demuxes inbound frames either into a
// RequestHandler call or into a pending SendRecv's response channel.
type Conn struct {
	options *Options

	txseqGen atomic.Uint64

	mutex   sync.Mutex
	pending map[uint64]chan *wire.Message

	stopped atomic.Bool
	readwg  sync.WaitGroup
}

func New(options *Options) *Conn {
	return &Conn{
		options: options,
		pending: make(map[uint64]chan *wire.Message),
	}
}

// Start launches the read loop goroutine. Must be called at most once.
func (c *Conn) Start() {
	c.readwg.Add(1)
	go c.readLoop()
}

func (c *Conn) nextTxseq() uint64 {
	return c.txseqGen.Add(1)
}

// Push sends a fire-and-forget request: no response is awaited.
func (c *Conn) Push(kind wire.RequestCode, payload []byte) error {
	msg := &wire.Message{
		Txseq:   c.nextTxseq(),
		Kind:    kind,
		Payload: payload,
	}
	return c.write(msg)
}

// SendRecv sends a request and blocks until the correlated RESPOND
// arrives, the underlying channel errors, or StopIncomingCommunicationThread
// is called. Returns the response payload and the response's ErrorCode
// mapped to a non-nil error when non-zero.
func (c *Conn) SendRecv(kind wire.RequestCode, payloadIn []byte) ([]byte, error) {
	txseq := c.nextTxseq()
	respch := make(chan *wire.Message, 1)

	c.mutex.Lock()
	c.pending[txseq] = respch
	c.mutex.Unlock()

	defer func() {
		c.mutex.Lock()
		delete(c.pending, txseq)
		c.mutex.Unlock()
	}()

	msg := &wire.Message{
		Txseq:   txseq,
		Kind:    kind,
		Payload: payloadIn,
	}
	if err := c.write(msg); err != nil {
		return nil, err
	}

	resp, ok := <-respch
	if !ok || resp == nil {
		return nil, fmt.Errorf("%s: send_recv interrupted, no response for kind=%s", c.options.LogPrefix, kind)
	}
	if resp.ErrorCode != 0 {
		return nil, fmt.Errorf("%s: send_recv kind=%s failed with errorCode=%d", c.options.LogPrefix, kind, resp.ErrorCode)
	}

	return resp.Payload, nil
}

func (c *Conn) write(msg *wire.Message) error {
	buf, err := wire.EncodeFrame(c.options.SenderID, msg)
	if err != nil {
		if c.options.SendErrorCallback != nil {
			c.options.SendErrorCallback(err)
		}
		return err
	}

	if _, err := c.options.Channel.Conn().Write(buf); err != nil {
		if c.options.SendErrorCallback != nil {
			c.options.SendErrorCallback(err)
		}
		return err
	}

	return nil
}

// StopIncomingCommunicationThread stops the read loop, closing the
// underlying connection if necessary to unblock a pending Read, and wakes
// every outstanding SendRecv waiter with an error. Callers must not hold
// conn_lock exclusively while calling this, since it blocks on the read
// loop's exit.
func (c *Conn) StopIncomingCommunicationThread() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}

	c.options.Channel.Close()
	c.readwg.Wait()

	c.mutex.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan *wire.Message)
	c.mutex.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (c *Conn) GetUnderlyingChannelID() string {
	return c.options.Channel.GetChannelID()
}

func (c *Conn) readLoop() {
	defer c.readwg.Done()

	for {
		msg, err := wire.DecodeFrame(c.options.Channel.Conn(), c.options.ValidSenderIDs)
		if err != nil {
			if !c.stopped.Load() {
				if err != io.EOF {
					log.Printf("%s: read loop error: %s", c.options.LogPrefix, err.Error())
				}
				if c.options.RecvErrorCallback != nil {
					c.options.RecvErrorCallback(err)
				}
			}
			return
		}

		if c.options.LogDebug {
			log.Printf("%s: received kind=%s txseq=%d", c.options.LogPrefix, msg.Kind, msg.Txseq)
		}

		if msg.Kind == wire.ReqRespond {
			c.mutex.Lock()
			respch, found := c.pending[msg.Txseq]
			c.mutex.Unlock()

			if !found {
				log.Printf("%s: no pending sendRecv for txseq=%d, dropping response", c.options.LogPrefix, msg.Txseq)
				continue
			}
			respch <- msg
			continue
		}

		handler, found := c.options.RequestHandlers[msg.Kind]
		if !found {
			log.Printf("%s: no handler registered for kind=%s, dropping", c.options.LogPrefix, msg.Kind)
			continue
		}
		handler(c, msg)
	}
}

// Respond replies to an inbound request, echoing its Txseq so the peer's
// SendRecv can correlate it.
func (c *Conn) Respond(requestTxseq uint64, payload []byte, errorCode int32) error {
	msg := &wire.Message{
		Txseq:     requestTxseq,
		Kind:      wire.ReqRespond,
		Payload:   payload,
		ErrorCode: errorCode,
	}
	return c.write(msg)
}
