// Package dispatcher classifies inbound signals and hands each one to the
// SAP that owns it.
//
// Rx runs on the transport's receive path and must not block: it does a
// registry lookup, offers the signal to the log sinks and calls exactly
// one SAP handler, which defers any real work to a per-owner queue.
//
// Ownership: a signal passed to Rx belongs to the dispatcher unless Rx
// returns hip.ErrNotReady or an *hip.UnclassifiableError, in which case
// the caller must free it (see hip.CallerOwns). Signals in the UDI process
// id range are freed by Rx itself.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.uber.org/atomic"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/registry"
)

// Default UDI process id range. Signals addressed to these pids belong to
// a userspace debug client and never reach a SAP.
const (
	DefaultUDIMin uint16 = 0xCF01
	DefaultUDIMax uint16 = 0xCFFE
)

// LogSink observes every signal crossing the dispatcher. Implementations
// must not block and must not retain sig.
type LogSink interface {
	LogSignal(sig *hip.Signal, dir hip.Direction)
}

// Config holds the classifier tunables.
type Config struct {
	UDIMin uint16
	UDIMax uint16
}

// DefaultConfig returns the standard UDI range.
func DefaultConfig() Config {
	return Config{UDIMin: DefaultUDIMin, UDIMax: DefaultUDIMax}
}

// Stats counts dispatch outcomes.
type Stats struct {
	PerClass       [hip.NumSapClasses]uint64
	Bypassed       uint64
	Unclassifiable uint64
	NotReady       uint64
	HandlerErrors  uint64
}

// Dispatcher routes inbound signals to registered SAPs.
type Dispatcher struct {
	reg    *registry.Registry
	cfg    Config
	sinks  []LogSink
	logger *slog.Logger

	perClass       [hip.NumSapClasses]atomic.Uint64
	bypassed       atomic.Uint64
	unclassifiable atomic.Uint64
	notReady       atomic.Uint64
	handlerErrors  atomic.Uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogSink adds a sink that sees every signal before it is routed.
func WithLogSink(s LogSink) Option {
	return func(d *Dispatcher) { d.sinks = append(d.sinks, s) }
}

// New returns a dispatcher over reg.
func New(reg *registry.Registry, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		reg:    reg,
		cfg:    cfg,
		logger: logger.With("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// InUDIRange reports whether pid is reserved for userspace debug clients.
func (d *Dispatcher) InUDIRange(pid uint16) bool {
	return pid >= d.cfg.UDIMin && pid <= d.cfg.UDIMax
}

// Classify returns the SAP class that owns sig. Block-ack indications are
// data-class signals accounted in the MLME work context.
func Classify(sig *hip.Signal) (hip.SapClass, bool) {
	switch {
	case sig.IsMA() && sig.ID == hip.MABlockackInd:
		return hip.SapMLME, true
	case sig.IsMA():
		return hip.SapMA, true
	case sig.IsMLME():
		return hip.SapMLME, true
	case sig.IsDebug():
		return hip.SapDbg, true
	case sig.IsTest():
		return hip.SapTest, true
	default:
		return 0, false
	}
}

// Rx dispatches one inbound signal to the SAP of its class.
//
// Errors the SAP handler returns are passed back to the caller wrapped
// with the class name, so a signal for a vanished interface surfaces as
// hip.ErrNoInterface and a signal invalid for its SAP as a
// *hip.ProtocolError. The handler has consumed the signal in both cases.
// hip.ErrNotReady and *hip.UnclassifiableError leave the signal with the
// caller; see hip.CallerOwns.
func (d *Dispatcher) Rx(ctx context.Context, sig *hip.Signal) error {
	if !d.reg.AllRegistered() {
		d.notReady.Inc()
		return hip.ErrNotReady
	}

	d.log(sig, hip.DirectionToHost)

	if d.InUDIRange(sig.ReceiverPID) {
		d.logger.Debug("signal claimed by UDI client", "signal", sig.ID, "pid", sig.ReceiverPID)
		d.bypassed.Inc()
		sig.Free()
		return nil
	}

	class, ok := Classify(sig)
	if !ok {
		d.unclassifiable.Inc()
		d.logger.Error("unclassifiable signal", "signal", fmt.Sprintf("0x%04x", uint16(sig.ID)), "vif", sig.VIF)
		return &hip.UnclassifiableError{Signal: sig}
	}

	sap, ok := d.reg.Get(class)
	if !ok {
		// Unregistered between the readiness check and here.
		d.notReady.Inc()
		return hip.ErrNotReady
	}

	d.perClass[class].Inc()
	if err := sap.Handle(ctx, sig); err != nil {
		d.handlerErrors.Inc()
		var perr *hip.ProtocolError
		if errors.As(err, &perr) {
			d.logger.Error("protocol violation", "class", class, "signal", perr.ID, "vif", perr.VIF, "reason", perr.Reason)
		}
		return fmt.Errorf("%s SAP: %w", class, err)
	}
	return nil
}

// LogTx offers an outbound signal to the log sinks.
func (d *Dispatcher) LogTx(sig *hip.Signal) {
	d.log(sig, hip.DirectionFromHost)
}

func (d *Dispatcher) log(sig *hip.Signal, dir hip.Direction) {
	for _, s := range d.sinks {
		s.LogSignal(sig, dir)
	}
}

// TxDone forwards a transmit completion to the MA SAP.
func (d *Dispatcher) TxDone(ctx context.Context, vif uint16, peerIndex, ac uint8) error {
	if !d.reg.AllRegistered() {
		d.notReady.Inc()
		return hip.ErrNotReady
	}
	sap, ok := d.reg.Get(hip.SapMA)
	if !ok {
		return hip.ErrNotReady
	}
	doner, ok := sap.(hip.TxDoner)
	if !ok {
		return fmt.Errorf("ma SAP %T does not account transmit completions", sap)
	}
	return doner.TxDone(ctx, vif, peerIndex, ac)
}

// Stats returns a snapshot of the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	var s Stats
	for i := range d.perClass {
		s.PerClass[i] = d.perClass[i].Load()
	}
	s.Bypassed = d.bypassed.Load()
	s.Unclassifiable = d.unclassifiable.Load()
	s.NotReady = d.notReady.Load()
	s.HandlerErrors = d.handlerErrors.Load()
	return s
}
