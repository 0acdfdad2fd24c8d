// Package workqueue runs deferred processing for the receive path.
//
// SignalWork is the per-owner FIFO of signals drained by one dedicated
// goroutine. Queue runs named Work items one at a time in submission
// order, mirroring a single-threaded kernel workqueue; both support a
// synchronous cancel that returns only once nothing is still running.
package workqueue

import (
	"context"
	"log/slog"
	"sync"

	"go.uber.org/atomic"

	"github.com/frobware/go-hip"
)

// WakeLock keeps the system awake while a batch is being drained.
type WakeLock interface {
	Acquire()
	Release()
}

// SignalHandler consumes one signal. It owns sig.
type SignalHandler func(ctx context.Context, sig *hip.Signal)

// SignalWork is a FIFO of signals for one owning entity, drained by its
// own goroutine. Signals enqueued by one caller are handled in the order
// they were enqueued.
type SignalWork struct {
	name    string
	handler SignalHandler
	wake    WakeLock
	logger  *slog.Logger

	mu     sync.Mutex
	queue  []*hip.Signal
	closed bool

	// running is held while the handler runs; taken under mu when a
	// signal is dequeued.
	running sync.Mutex
	handled atomic.Uint64

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSignalWork starts the worker for owner name. wake may be nil.
func NewSignalWork(name string, handler SignalHandler, wake WakeLock, logger *slog.Logger) *SignalWork {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &SignalWork{
		name:    name,
		handler: handler,
		wake:    wake,
		logger:  logger.With("component", "workqueue", "work", name),
		kick:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Name returns the owner name the work was created with.
func (w *SignalWork) Name() string { return w.name }

// Enqueue appends sig and wakes the worker. It takes ownership of sig in
// all cases; a signal enqueued after Close is freed and false returned.
func (w *SignalWork) Enqueue(sig *hip.Signal) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Debug("dropping signal for closed work", "signal", sig.ID)
		sig.Free()
		return false
	}
	w.queue = append(w.queue, sig)
	w.mu.Unlock()

	select {
	case w.kick <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of signals waiting to be handled.
func (w *SignalWork) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Handled returns the number of signals passed to the handler so far.
func (w *SignalWork) Handled() uint64 { return w.handled.Load() }

// CancelSync frees every queued signal and waits for a signal being
// handled to finish. The worker keeps running. Must not be called from
// the handler.
func (w *SignalWork) CancelSync() int {
	w.mu.Lock()
	dropped := w.purgeLocked()
	w.mu.Unlock()

	// Wait out the signal being handled.
	w.running.Lock()
	w.running.Unlock()

	if dropped > 0 {
		w.logger.Debug("cancelled queued signals", "count", dropped)
	}
	return dropped
}

// Close cancels the work and joins the worker goroutine. Further
// Enqueue calls free their signal.
func (w *SignalWork) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	w.purgeLocked()
	w.mu.Unlock()

	w.cancel()
	<-w.done
}

func (w *SignalWork) purgeLocked() int {
	n := len(w.queue)
	for i, sig := range w.queue {
		sig.Free()
		w.queue[i] = nil
	}
	w.queue = nil
	return n
}

func (w *SignalWork) run() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.kick:
		}
		w.drain()
	}
}

// drain handles queued signals until the queue is empty, holding the wake
// lock for the whole batch.
func (w *SignalWork) drain() {
	if w.wake != nil {
		w.wake.Acquire()
		defer w.wake.Release()
	}
	for {
		w.mu.Lock()
		if len(w.queue) == 0 || w.closed {
			w.mu.Unlock()
			return
		}
		sig := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.running.Lock()
		w.mu.Unlock()

		w.handler(w.ctx, sig)
		w.handled.Inc()
		w.running.Unlock()
	}
}
