// Package waiter provides the rendezvous used by synchronous senders: a
// counting completion and the per-owner blocking-signal waiter that the
// receive path completes when a matching confirm or indication arrives.
package waiter

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/frobware/go-hip"
)

const completeAll = math.MaxUint32

// Completion counts completions and lets one waiter consume each. After
// CompleteAll every Wait returns immediately until Reinit.
//
// The zero value is ready for use.
type Completion struct {
	mu   sync.Mutex
	done uint32
	// wake is closed whenever done is raised; nil until someone waits.
	wake chan struct{}
}

func (c *Completion) broadcast() {
	if c.wake != nil {
		close(c.wake)
		c.wake = nil
	}
}

// Complete releases one waiter, current or future.
func (c *Completion) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != completeAll {
		c.done++
	}
	c.broadcast()
}

// CompleteAll releases every waiter, current and future, until Reinit.
func (c *Completion) CompleteAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = completeAll
	c.broadcast()
}

// Reinit discards outstanding completions.
func (c *Completion) Reinit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = 0
}

// Done reports whether a Wait would return without blocking.
func (c *Completion) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done > 0
}

// Released reports whether CompleteAll has been called since the last
// Reinit.
func (c *Completion) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done == completeAll
}

// Wait consumes one completion. It returns hip.ErrTimeout once timeout
// has elapsed, or the context error if ctx ends first. A timeout <= 0
// waits without limit.
func (c *Completion) Wait(ctx context.Context, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		c.mu.Lock()
		if c.done > 0 {
			if c.done != completeAll {
				c.done--
			}
			c.mu.Unlock()
			return nil
		}
		if c.wake == nil {
			c.wake = make(chan struct{})
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-expired:
			return hip.ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
