package sap

import (
	"context"
	"fmt"

	"go.uber.org/atomic"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/device"
)

// DataSink receives unitdata indications and confirms from the interface
// data work. It owns sig.
type DataSink func(ctx context.Context, ifc *device.Interface, sig *hip.Signal)

// MA is the data SAP.
type MA struct {
	base
	sink DataSink

	delivered atomic.Uint64
	credits   atomic.Uint64
	noCredit  atomic.Uint64
}

var (
	_ hip.SAP     = (*MA)(nil)
	_ hip.TxDoner = (*MA)(nil)
)

// NewMA returns the data SAP for dev. Signals reach sink on the
// interface data work; a nil sink discards them.
func NewMA(dev *device.Device, sink DataSink, opts ...Option) *MA {
	a := &MA{base: newBase(hip.SapMA, dev, DefaultMAVersions, opts), sink: sink}
	dev.SetDataWorker(a.work)
	return a
}

// Handle queues unitdata signals on the data work of their interface.
func (a *MA) Handle(_ context.Context, sig *hip.Signal) error {
	switch sig.ID {
	case hip.MAUnitdataInd, hip.MAUnitdataCfm:
		ifc, ok := a.dev.Interface(sig.VIF)
		if !ok {
			a.logger.Error("interface no longer exists", "signal", sig.ID, "vif", sig.VIF)
			sig.Free()
			return fmt.Errorf("%s on vif %d: %w", sig.ID, sig.VIF, hip.ErrNoInterface)
		}
		ifc.EnqueueData(sig)
		return nil
	}
	return a.violation(sig, "not a data signal")
}

func (a *MA) work(ctx context.Context, ifc *device.Interface, sig *hip.Signal) {
	a.delivered.Inc()
	if a.sink == nil {
		sig.Free()
		return
	}
	a.sink(ctx, ifc, sig)
}

// TxDone releases the transmit credit the firmware has returned for
// (peerIndex, ac) on vif. Peer index 0 is the group queue.
func (a *MA) TxDone(_ context.Context, vif uint16, peerIndex, ac uint8) error {
	ifc, ok := a.dev.Interface(vif)
	if !ok {
		a.logger.Error("interface no longer exists", "vif", vif)
		return fmt.Errorf("tx done on vif %d: %w", vif, hip.ErrNoInterface)
	}
	if peerIndex > device.MaxPeerIndex {
		a.logger.Error("illegal peer index", "vif", vif, "peer_index", peerIndex)
		return fmt.Errorf("tx done on vif %d: illegal peer index %d", vif, peerIndex)
	}
	if !ifc.FlowControl().Done(peerIndex, ac) {
		// The peer went away while the firmware still held its frames.
		a.noCredit.Inc()
		ifc.Logger().Debug("no credit in flight", "peer_index", peerIndex, "ac", ac)
		return nil
	}
	a.credits.Inc()
	return nil
}

// Notify stops the transmit queues of every interface on stop. Recovery
// restarts them.
func (a *MA) Notify(_ context.Context, ev hip.LifecycleEvent) error {
	a.logger.Info("notifier event received", "event", ev)
	if ev != hip.EventStop {
		return nil
	}
	a.logger.Info("stopping interface queues")
	a.dev.WalkInterfaces(func(ifc *device.Interface) {
		ifc.StopTxQueues()
	})
	return nil
}

// MAStats counts data path activity.
type MAStats struct {
	Delivered uint64
	Credits   uint64
	NoCredit  uint64
}

// Stats returns the data path counters.
func (a *MA) Stats() MAStats {
	return MAStats{
		Delivered: a.delivered.Load(),
		Credits:   a.credits.Load(),
		NoCredit:  a.noCredit.Load(),
	}
}
