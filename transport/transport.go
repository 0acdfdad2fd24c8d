// Package transport defines the contract between the dispatch core and
// the ring/DMA engine that moves signals to and from the firmware. The
// core only sequences these calls; it never looks inside a transport.
package transport

import (
	"context"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/control"
)

// Transport is an opaque firmware transport.
type Transport interface {
	// Init brings the transport up and maps the control block.
	Init(ctx context.Context) error
	// Setup re-establishes the transport after a failure reset.
	Setup(ctx context.Context) error
	// Freeze stops all traffic without releasing resources.
	Freeze()
	Suspend()
	Resume()
	// Deinit releases the transport.
	Deinit()
	// Transmit queues sig towards the firmware; it owns sig once called.
	Transmit(sig *hip.Signal) error
	// Control returns the control block mapped by Init, or nil before it.
	Control() *control.Block
}

// RxFunc delivers one inbound signal to the dispatch core.
type RxFunc func(ctx context.Context, sig *hip.Signal) error
