// Package loopback is an in-memory transport. Transmitted requests can be
// answered by a responder that plays the firmware, and inbound signals
// are injected with Deliver. Every call is recorded in order.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/control"
	"github.com/frobware/go-hip/transport"
)

// ErrNotRunning is returned by Transmit and Deliver while the transport is
// not initialised or is frozen.
var ErrNotRunning = errors.New("loopback transport not running")

// Responder plays the firmware: it returns the signals to send back for a
// transmitted request. It must not retain req.
type Responder func(req *hip.Signal) []*hip.Signal

// Transport is an in-memory transport.Transport.
type Transport struct {
	logger *slog.Logger
	blk    *control.Block

	mu        sync.Mutex
	ops       []string
	running   bool
	frozen    bool
	suspended bool
	initErr   error
	setupErr  error
	rx        transport.RxFunc
	respond   Responder
	sent      []hip.Header
}

var _ transport.Transport = (*Transport)(nil)

// New returns a transport that maps blk on Init.
func New(blk *control.Block, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{blk: blk, logger: logger.With("component", "transport")}
}

// SetRx installs the inbound delivery function.
func (t *Transport) SetRx(rx transport.RxFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rx = rx
}

// SetResponder installs the firmware stand-in.
func (t *Transport) SetResponder(r Responder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.respond = r
}

// FailInit makes the next Init calls return err.
func (t *Transport) FailInit(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initErr = err
}

// FailSetup makes the next Setup calls return err.
func (t *Transport) FailSetup(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setupErr = err
}

func (t *Transport) record(op string) {
	t.ops = append(t.ops, op)
	t.logger.Debug("transport op", "op", op)
}

func (t *Transport) Init(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("init")
	if t.initErr != nil {
		return t.initErr
	}
	t.running = true
	t.frozen = false
	return nil
}

func (t *Transport) Setup(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("setup")
	if t.setupErr != nil {
		return t.setupErr
	}
	t.frozen = false
	return nil
}

func (t *Transport) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("freeze")
	t.frozen = true
}

func (t *Transport) Suspend() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("suspend")
	t.suspended = true
}

func (t *Transport) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("resume")
	t.suspended = false
}

func (t *Transport) Deinit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("deinit")
	t.running = false
}

func (t *Transport) Control() *control.Block {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	return t.blk
}

// Transmit records sig and hands any responder replies back through the
// rx function on a separate goroutine, as an interrupt would.
func (t *Transport) Transmit(sig *hip.Signal) error {
	t.mu.Lock()
	if !t.running || t.frozen {
		t.mu.Unlock()
		sig.Free()
		return ErrNotRunning
	}
	t.sent = append(t.sent, sig.Header)
	respond, rx := t.respond, t.rx
	t.mu.Unlock()

	var replies []*hip.Signal
	if respond != nil {
		replies = respond(sig)
	}
	sig.Free()
	if len(replies) == 0 || rx == nil {
		for _, r := range replies {
			r.Free()
		}
		return nil
	}
	go func() {
		for _, r := range replies {
			t.deliver(context.Background(), rx, r)
		}
	}()
	return nil
}

// Deliver passes sig to the rx function. Signals the core hands back are
// freed here.
func (t *Transport) Deliver(ctx context.Context, sig *hip.Signal) error {
	t.mu.Lock()
	rx, ok := t.rx, t.running && !t.frozen
	t.mu.Unlock()
	if !ok || rx == nil {
		sig.Free()
		return ErrNotRunning
	}
	return t.deliver(ctx, rx, sig)
}

func (t *Transport) deliver(ctx context.Context, rx transport.RxFunc, sig *hip.Signal) error {
	id := sig.ID
	err := rx(ctx, sig)
	if err != nil && hip.CallerOwns(err) {
		sig.Free()
	}
	if err != nil {
		t.logger.Debug("rx rejected signal", "signal", id, "error", err)
		return fmt.Errorf("deliver %s: %w", id, err)
	}
	return nil
}

// Ops returns the recorded lifecycle calls in order.
func (t *Transport) Ops() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.ops...)
}

// ResetOps clears the recorded calls.
func (t *Transport) ResetOps() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = nil
}

// Sent returns the headers of transmitted signals.
func (t *Transport) Sent() []hip.Header {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]hip.Header(nil), t.sent...)
}

// Suspended reports whether Suspend was called more recently than Resume.
func (t *Transport) Suspended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspended
}
