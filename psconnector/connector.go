// Package psconnector implements the periodic reconnect daemon that
// retries idle page-server handlers and re-derives the main connection
// whenever one comes back up.
package psconnector

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-tsconn/connhandler"
	"github.com/Meander-Cloud/go-tsconn/metrics"
)

// HandlerSet is the subset of TranServer the daemon needs: the handler
// vector to scan and the rotation it may trigger.
type HandlerSet interface {
	Handlers() []*connhandler.Handler
	ResetMainConnection() error
}

// Connector retries every idle handler once per period, on its own
// goroutine, never on a request path.
type Connector struct {
	handlerSet HandlerSet
	period     time.Duration
	logPrefix  string

	terminate atomic.Bool
	wg        sync.WaitGroup
}

func NewConnector(handlerSet HandlerSet, period time.Duration, logPrefix string) *Connector {
	c := &Connector{
		handlerSet: handlerSet,
		period:     period,
		logPrefix:  logPrefix,
	}
	c.terminate.Store(true)
	return c
}

// Start requires the daemon to currently be in the terminated state; it
// flips that flag and spawns the ticking goroutine.
func (c *Connector) Start() {
	if !c.terminate.CompareAndSwap(true, false) {
		panic(fmt.Sprintf("%s: start called while already running", c.logPrefix))
	}

	c.wg.Add(1)
	go c.run()
}

// Terminate is idempotent: only the first call past a running state
// blocks for the goroutine to exit.
func (c *Connector) Terminate() {
	if !c.terminate.CompareAndSwap(false, true) {
		return
	}
	c.wg.Wait()
}

func (c *Connector) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	for {
		if c.terminate.Load() {
			return
		}

		select {
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Connector) tick() {
	var anyConnected bool

	for _, h := range c.handlerSet.Handlers() {
		if c.terminate.Load() {
			return
		}

		if !h.IsIdle() {
			continue
		}

		node := h.Node().String()
		metrics.ReconnectAttempts.WithLabelValues(node).Inc()

		if err := h.Connect(); err != nil {
			// tolerated per-tick noise: a page server being down is the
			// common case, not an incident.
			log.Printf("%s: reconnect to node=%s failed: %s", c.logPrefix, h.Node(), err.Error())
			continue
		}
		metrics.ReconnectSuccesses.WithLabelValues(node).Inc()
		anyConnected = true
	}

	if anyConnected {
		if err := c.handlerSet.ResetMainConnection(); err != nil {
			log.Printf("%s: reset_main_connection after reconnect failed: %s", c.logPrefix, err.Error())
		}
	}
}
