// Package asyncdisconnect implements a single background worker that
// destructs drained connection handlers off the hot path, via a dedicated
// goroutine draining a condvar-guarded queue. Terminate blocks until the
// queue is fully drained, so callers have a hard guarantee that no
// destruction is still in flight once it returns.
package asyncdisconnect

import (
	"fmt"
	"log"
	"sync"
	"time"
)

const waitTimeout = time.Second * 1

// Destructible is anything this worker can tear down off the hot path.
// The Destruct method is expected to be the slow operation (joins I/O
// threads, releases sockets).
type Destructible interface {
	Destruct()
}

// Worker is a single-thread destruction queue. Typically one Worker
// exists per handler class in the broader system this module plugs into.
type Worker[H Destructible] struct {
	logPrefix string

	mutex     sync.Mutex
	cond      *sync.Cond
	queue     []H
	terminate bool
	stopped   bool

	wg sync.WaitGroup
}

func NewWorker[H Destructible](logPrefix string) *Worker[H] {
	w := &Worker[H]{
		logPrefix: logPrefix,
	}
	w.cond = sync.NewCond(&w.mutex)

	w.wg.Add(1)
	go w.disconnectLoop()

	return w
}

// Disconnect enqueues h to be destructed asynchronously. Panics if called
// after Terminate, since by then there is no goroutine left to drain it.
func (w *Worker[H]) Disconnect(h H) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.terminate {
		panic(fmt.Sprintf("%s: disconnect called after terminate", w.logPrefix))
	}

	w.queue = append(w.queue, h)
	w.cond.Signal()
}

// Terminate stops the worker once its queue has fully drained, then
// joins the goroutine. Idempotent.
func (w *Worker[H]) Terminate() {
	w.mutex.Lock()
	if w.terminate {
		w.mutex.Unlock()
		return
	}
	w.terminate = true
	w.cond.Signal()
	w.mutex.Unlock()

	w.wg.Wait()
}

func (w *Worker[H]) disconnectLoop() {
	defer w.wg.Done()

	for {
		w.mutex.Lock()
		for len(w.queue) == 0 && !w.terminate {
			// sync.Cond has no WaitTimeout: Wait must be called by the
			// goroutine holding w.mutex, so the timeout comes from a
			// second goroutine that reacquires the lock and broadcasts
			// once waitTimeout elapses, rather than from a goroutine
			// calling Wait on a lock it was never handed.
			timer := time.AfterFunc(waitTimeout, func() {
				w.mutex.Lock()
				w.cond.Broadcast()
				w.mutex.Unlock()
			})
			w.cond.Wait()
			timer.Stop()
		}

		// swap-and-drain: never hold the queue mutex during destruction
		local := w.queue
		w.queue = nil
		shouldExit := w.terminate && len(local) == 0
		w.mutex.Unlock()

		for _, h := range local {
			h.Destruct()
		}

		if shouldExit {
			log.Printf("%s: queue drained, worker exiting", w.logPrefix)
			return
		}
	}
}
