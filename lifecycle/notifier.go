// Package lifecycle delivers platform lifecycle events to the HIP service
// and sequences the transport through start, setup and stop.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/frobware/go-hip"
)

// Result is a notifier's verdict on an event.
type Result int

const (
	NotifyOK Result = iota
	NotifyBad
)

func (r Result) String() string {
	switch r {
	case NotifyOK:
		return "ok"
	case NotifyBad:
		return "bad"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Notifier receives lifecycle events.
type Notifier interface {
	OnEvent(ctx context.Context, ev hip.LifecycleEvent) Result
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev hip.LifecycleEvent) Result

func (f NotifierFunc) OnEvent(ctx context.Context, ev hip.LifecycleEvent) Result {
	return f(ctx, ev)
}

// Handle identifies a registration on a Chain.
type Handle uint64

type entry struct {
	handle Handle
	n      Notifier
}

// Chain is an ordered list of notifiers. Events are delivered in
// registration order and delivery stops at the first NotifyBad.
type Chain struct {
	mu      sync.RWMutex
	next    Handle
	entries []entry
	logger  *slog.Logger
}

// NewChain returns an empty chain.
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger.With("component", "notifier")}
}

// Register appends n to the chain.
func (c *Chain) Register(n Notifier) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	c.entries = append(c.entries, entry{handle: c.next, n: n})
	return c.next
}

// Unregister removes the notifier registered under h. It reports false
// when h is not registered.
func (c *Chain) Unregister(h Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.handle == h {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered notifiers.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Notify delivers ev to each notifier in turn.
func (c *Chain) Notify(ctx context.Context, ev hip.LifecycleEvent) Result {
	c.mu.RLock()
	entries := append([]entry(nil), c.entries...)
	c.mu.RUnlock()

	for _, e := range entries {
		if r := e.n.OnEvent(ctx, ev); r == NotifyBad {
			c.logger.Warn("event rejected", "event", ev, "handle", e.handle)
			return NotifyBad
		}
	}
	return NotifyOK
}
