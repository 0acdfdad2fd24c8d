// Package sap implements the four service access points the dispatch core
// routes signals to: MLME (control), MA (data), Dbg and Test.
//
// Each SAP does the minimum on the receive path. A signal that completes
// a pending synchronous request is handed to the waiter; anything else is
// queued on the work of the entity that owns it (an interface, or the
// device for the debug and test classes) and handled there in arrival
// order.
package sap

import (
	"log/slog"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/device"
)

// Versions advertised by default, most preferred first.
var (
	DefaultMLMEVersions = []hip.Version{hip.MakeVersion(14, 0), hip.VersionAnyOld}
	DefaultMAVersions   = []hip.Version{hip.MakeVersion(14, 0), hip.VersionAnyOld}
	DefaultDbgVersions  = []hip.Version{hip.MakeVersion(13, 0), hip.VersionAnyOld}
	DefaultTestVersions = []hip.Version{hip.MakeVersion(14, 0), hip.VersionAnyOld}
)

type options struct {
	versions []hip.Version
	logger   *slog.Logger
}

// Option configures a SAP.
type Option func(*options)

// WithVersions replaces the locally supported versions.
func WithVersions(versions ...hip.Version) Option {
	return func(o *options) { o.versions = versions }
}

// WithLogger sets the SAP logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// base carries what every SAP shares.
type base struct {
	class    hip.SapClass
	versions []hip.Version
	dev      *device.Device
	logger   *slog.Logger
}

func newBase(class hip.SapClass, dev *device.Device, defaults []hip.Version, opts []Option) base {
	o := options{versions: defaults, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return base{
		class:    class,
		versions: append([]hip.Version(nil), o.versions...),
		dev:      dev,
		logger:   o.logger.With("component", "sap/"+class.String()),
	}
}

func (b *base) Class() hip.SapClass { return b.class }

func (b *base) Versions() []hip.Version { return b.versions }

// VersionSupported accepts remote when its major component matches any
// local version.
func (b *base) VersionSupported(remote hip.Version) error {
	b.logger.Info("reported version", "version", remote)
	if err := hip.CheckVersion(b.class, b.versions, remote); err != nil {
		b.logger.Error("version not supported", "version", remote)
		return err
	}
	return nil
}

// violation frees sig and reports it as a protocol error.
func (b *base) violation(sig *hip.Signal, reason string) error {
	err := &hip.ProtocolError{ID: sig.ID, VIF: sig.VIF, Reason: reason}
	b.logger.Warn(reason, "signal", sig.ID, "vif", sig.VIF)
	sig.Free()
	return err
}

// Set is one SAP of each class, ready to register.
type Set struct {
	MLME *MLME
	MA   *MA
	Dbg  *Dbg
	Test *Test
}

// NewSet builds all four SAPs over dev with their default versions.
func NewSet(dev *device.Device, sink DataSink, logger *slog.Logger) *Set {
	return &Set{
		MLME: NewMLME(dev, WithLogger(logger)),
		MA:   NewMA(dev, sink, WithLogger(logger)),
		Dbg:  NewDbg(dev, WithLogger(logger)),
		Test: NewTest(dev, WithLogger(logger)),
	}
}

// All returns the SAPs in class order.
func (s *Set) All() []hip.SAP {
	return []hip.SAP{s.MLME, s.MA, s.Dbg, s.Test}
}
