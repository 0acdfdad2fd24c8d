package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/waiter"
)

// waiterFor returns the blocking-signal waiter for vif, falling back to
// the device waiter when no interface is bound.
func (d *Device) waiterFor(vif uint16) *waiter.SigWait {
	if ifc, ok := d.Interface(vif); ok {
		return ifc.sigWait
	}
	return d.sigWait
}

// RxBlockingSignal completes a pending synchronous request with sig when
// sig is the confirm or indication it waits for. It returns true when
// sig was consumed.
func (d *Device) RxBlockingSignal(sig *hip.Signal) bool {
	if !sig.IsCfm() && !sig.IsInd() {
		return false
	}
	if d.waiterFor(sig.VIF).Match(sig) {
		return true
	}
	if sig.IsCfm() && sig.ID != hip.MLMESendFrameCfm {
		d.logger.Debug("unexpected confirm", "signal", sig.ID, "pid", sig.ReceiverPID, "vif", sig.VIF)
	}
	return false
}

// Req transmits req without waiting for a reply.
func (d *Device) Req(ctx context.Context, ifc *Interface, req *hip.Signal) error {
	_, _, err := d.transact(ctx, ifc, req, 0, 0)
	return err
}

// ReqCfm transmits req and waits for the confirm cfmID. The caller owns
// the returned confirm.
func (d *Device) ReqCfm(ctx context.Context, ifc *Interface, req *hip.Signal, cfmID hip.SignalID) (*hip.Signal, error) {
	cfm, _, err := d.transact(ctx, ifc, req, cfmID, 0)
	return cfm, err
}

// ReqInd transmits req and waits for the indication indID.
func (d *Device) ReqInd(ctx context.Context, ifc *Interface, req *hip.Signal, indID hip.SignalID) (*hip.Signal, error) {
	_, ind, err := d.transact(ctx, ifc, req, 0, indID)
	return ind, err
}

// ReqCfmInd transmits req and waits for the confirm and then the
// indication.
func (d *Device) ReqCfmInd(ctx context.Context, ifc *Interface, req *hip.Signal, cfmID, indID hip.SignalID) (cfm, ind *hip.Signal, err error) {
	return d.transact(ctx, ifc, req, cfmID, indID)
}

func (d *Device) transact(ctx context.Context, ifc *Interface, req *hip.Signal, cfmID, indID hip.SignalID) (*hip.Signal, *hip.Signal, error) {
	if d.mlmeBlocked.Load() {
		d.logger.Debug("request rejected, mlme blocked", "signal", req.ID)
		req.Free()
		return nil, nil, fmt.Errorf("send %s: %w", req.ID, hip.ErrMLMEBlocked)
	}

	sw := d.sigWait
	if ifc != nil {
		sw = ifc.sigWait
	}

	d.wakeLock.Acquire()
	defer d.wakeLock.Release()

	return sw.Transact(ctx, waiter.Exchange{
		Req:     req,
		CfmID:   cfmID,
		IndID:   indID,
		Timeout: d.cfg.SigWaitCfmTimeout,
		Send:    d.tx.Transmit,
		Logger:  d.logger,
	})
}

// ReleaseWaiters wakes every sender blocked on the device or on any
// interface.
func (d *Device) ReleaseWaiters() {
	d.sigWait.ReleaseAll()
	for _, ifc := range d.Interfaces() {
		ifc.sigWait.ReleaseAll()
	}
}

// ErrTxStopped is returned by SendData while the interface transmit
// queues are stopped.
var ErrTxStopped = errors.New("transmit queues stopped")

// SendData transmits a data signal on ifc, taking one flow-control credit
// for (peer, ac) that the matching transmit completion releases.
func (d *Device) SendData(ifc *Interface, peer, ac uint8, sig *hip.Signal) error {
	if ifc.TxStopped() {
		sig.Free()
		return fmt.Errorf("send %s on vif %d: %w", sig.ID, ifc.vif, ErrTxStopped)
	}
	id := sig.ID
	ifc.fc.Sent(peer, ac)
	if err := d.tx.Transmit(sig); err != nil {
		ifc.fc.Done(peer, ac)
		return fmt.Errorf("send %s on vif %d: %w", id, ifc.vif, err)
	}
	return nil
}
