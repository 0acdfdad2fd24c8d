package sap

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/device"
)

// deviceSAP is the shared shape of the Dbg and Test SAPs: recognised
// signals go to one device-wide work, the rest are logged and dropped.
type deviceSAP struct {
	base
	known   map[hip.SignalID]bool
	enqueue func(*hip.Signal) bool

	mu     sync.Mutex
	counts map[hip.SignalID]uint64
}

func (s *deviceSAP) Handle(_ context.Context, sig *hip.Signal) error {
	if s.dev.RxBlockingSignal(sig) {
		return nil
	}
	if !s.known[sig.ID] {
		s.logger.Warn("unhandled signal", "signal", sig.ID, "vif", sig.VIF)
		sig.Free()
		return nil
	}
	s.enqueue(sig)
	return nil
}

func (s *deviceSAP) Notify(_ context.Context, ev hip.LifecycleEvent) error {
	s.logger.Debug("notifier event received", "event", ev)
	return nil
}

func (s *deviceSAP) count(id hip.SignalID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[id]++
}

// Counts returns the number of signals handled on the device work by id.
func (s *deviceSAP) Counts() map[hip.SignalID]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[hip.SignalID]uint64, len(s.counts))
	for id, n := range s.counts {
		out[id] = n
	}
	return out
}

func (s *deviceSAP) init(class hip.SapClass, dev *device.Device, defaults []hip.Version, opts []Option, known []hip.SignalID, enqueue func(*hip.Signal) bool) {
	s.base = newBase(class, dev, defaults, opts)
	s.known = make(map[hip.SignalID]bool, len(known))
	s.enqueue = enqueue
	s.counts = make(map[hip.SignalID]uint64)
	for _, id := range known {
		s.known[id] = true
	}
}

// Dbg is the debug SAP.
type Dbg struct {
	deviceSAP
}

var _ hip.SAP = (*Dbg)(nil)

// NewDbg returns the debug SAP for dev and installs the device debug
// worker.
func NewDbg(dev *device.Device, opts ...Option) *Dbg {
	d := &Dbg{}
	d.init(hip.SapDbg, dev, DefaultDbgVersions, opts, []hip.SignalID{
		hip.DebugGenericCfm,
		hip.DebugGenericInd,
		hip.DebugWord12Ind,
		hip.DebugFaultInd,
		hip.DebugPktSinkReportInd,
		hip.DebugPktGenReportInd,
	}, dev.EnqueueDbg)
	dev.SetDbgWorker(d.work)
	return d
}

func (d *Dbg) work(_ context.Context, sig *hip.Signal) {
	defer sig.Free()
	d.count(sig.ID)

	switch sig.ID {
	case hip.DebugFaultInd:
		d.logger.Error("firmware fault", "vif", sig.VIF, "body", hex.EncodeToString(sig.Body()))
	case hip.DebugPktSinkReportInd, hip.DebugPktGenReportInd:
		d.logger.Info("traffic report", "signal", sig.ID, "vif", sig.VIF, "len", len(sig.Body()))
	default:
		d.logger.Debug("debug signal", "signal", sig.ID, "len", sig.Len())
	}
}

// Test is the test SAP.
type Test struct {
	deviceSAP
}

var _ hip.SAP = (*Test)(nil)

// NewTest returns the test SAP for dev and installs the device test
// worker.
func NewTest(dev *device.Device, opts ...Option) *Test {
	t := &Test{}
	t.init(hip.SapTest, dev, DefaultTestVersions, opts, []hip.SignalID{
		hip.TestBlockRequestsCfm,
		hip.TestPanicInd,
		hip.TestRxFrameInd,
		hip.TestConfigureResultInd,
	}, dev.EnqueueTest)
	dev.SetTestWorker(t.work)
	return t
}

func (t *Test) work(_ context.Context, sig *hip.Signal) {
	defer sig.Free()
	t.count(sig.ID)

	if sig.ID == hip.TestPanicInd {
		t.logger.Error("firmware test panic", "body", hex.EncodeToString(sig.Body()))
		return
	}
	t.logger.Debug("test signal", "signal", sig.ID, "vif", sig.VIF, "len", sig.Len())
}
