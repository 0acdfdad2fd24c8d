package workqueue

import (
	"context"
	"log/slog"
	"sync"

	"go.uber.org/atomic"
)

// Work is a named deferred function. A Work is pending on at most one
// Queue at a time; queueing it again while pending is a no-op.
type Work struct {
	name string
	fn   func(ctx context.Context)

	// running is held while fn runs.
	running sync.Mutex
	// q is the queue w was last scheduled on.
	q atomic.Pointer[Queue]
	// pending is guarded by the lock of q.
	pending bool
}

// NewWork returns a work item running fn.
func NewWork(name string, fn func(ctx context.Context)) *Work {
	return &Work{name: name, fn: fn}
}

// Name returns the work name.
func (w *Work) Name() string { return w.name }

// CancelSync removes w from its queue if pending and waits for a running
// invocation to return. It reports whether w was pending.
func (w *Work) CancelSync() bool {
	var wasPending bool
	if q := w.q.Load(); q != nil {
		wasPending = q.remove(w)
	}
	// Wait out a running invocation.
	w.running.Lock()
	w.running.Unlock()
	return wasPending
}

// Queue runs Work items one at a time in the order they were queued.
type Queue struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	items  []*Work
	closed bool

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewQueue starts an ordered queue.
func NewQueue(name string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:   name,
		logger: logger.With("component", "workqueue", "queue", name),
		kick:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Queue schedules w. It returns false if w was already pending or the
// queue is closed.
func (q *Queue) Queue(w *Work) bool {
	q.mu.Lock()
	if q.closed || w.pending {
		q.mu.Unlock()
		return false
	}
	w.q.Store(q)
	w.pending = true
	q.items = append(q.items, w)
	q.mu.Unlock()

	q.logger.Debug("queued work", "work", w.name)
	select {
	case q.kick <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of queued items not yet started.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Flush waits until every item queued before the call has run.
func (q *Queue) Flush() {
	barrier := make(chan struct{})
	if !q.Queue(NewWork("flush", func(context.Context) { close(barrier) })) {
		return
	}
	select {
	case <-barrier:
	case <-q.done:
	}
}

// Close discards pending items and joins the worker after any running
// item returns.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for _, w := range q.items {
			w.pending = false
		}
		q.items = nil
	}
	q.mu.Unlock()
	q.cancel()
	<-q.done
}

func (q *Queue) remove(w *Work) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !w.pending {
		return false
	}
	for i, item := range q.items {
		if item == w {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	w.pending = false
	return true
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.kick:
		}
		for q.runOne() {
		}
	}
}

func (q *Queue) runOne() bool {
	q.mu.Lock()
	if len(q.items) == 0 || q.closed {
		q.mu.Unlock()
		return false
	}
	w := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	w.pending = false
	w.running.Lock()
	q.mu.Unlock()

	defer w.running.Unlock()
	q.logger.Debug("running work", "work", w.name)
	w.fn(q.ctx)
	return true
}
