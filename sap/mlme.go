package sap

import (
	"context"
	"fmt"
	"sync"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/device"
)

// Scan ids in this range belong to gscan and are always reported on the
// WLAN interface.
const (
	GScanIDStart uint16 = 0x0410
	GScanIDEnd   uint16 = 0x0500
)

// IsGScanID reports whether scanID was allocated for a gscan bucket.
func IsGScanID(scanID uint16) bool {
	return scanID >= GScanIDStart && scanID <= GScanIDEnd
}

// scanOwner returns the VIF a scan id was issued for. The owning VIF is
// carried in the high byte.
func scanOwner(scanID uint16) uint16 {
	if IsGScanID(scanID) {
		return device.NetIndexWLAN
	}
	return scanID >> 8
}

// IndHandler consumes one deferred MLME signal on the interface it was
// queued for. It owns sig.
type IndHandler func(ctx context.Context, ifc *device.Interface, sig *hip.Signal)

// MLME is the control SAP.
type MLME struct {
	base

	mu       sync.RWMutex
	handlers map[hip.SignalID]IndHandler
}

var _ hip.SAP = (*MLME)(nil)

// NewMLME returns the control SAP for dev and installs its interface
// worker.
func NewMLME(dev *device.Device, opts ...Option) *MLME {
	m := &MLME{base: newBase(hip.SapMLME, dev, DefaultMLMEVersions, opts)}
	m.handlers = m.defaultHandlers()
	dev.SetMLMEWorker(m.work)
	return m
}

// SetHandler replaces the worker handler for id. A nil handler removes
// it, after which id is logged as unhandled.
func (m *MLME) SetHandler(id hip.SignalID, h IndHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h == nil {
		delete(m.handlers, id)
		return
	}
	m.handlers[id] = h
}

func (m *MLME) handler(id hip.SignalID) (IndHandler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[id]
	return h, ok
}

// Handle routes sig to the interface that owns it.
func (m *MLME) Handle(_ context.Context, sig *hip.Signal) error {
	if m.dev.RxBlockingSignal(sig) {
		return nil
	}

	vif := sig.VIF
	if sig.IsInd() {
		switch sig.ID {
		case hip.MLMEScanDoneInd:
			scanID, _ := sig.ScanID()
			return m.enqueue(sig, scanOwner(scanID))

		case hip.MLMEScanInd:
			if vif != 0 {
				return m.enqueue(sig, vif)
			}
			scanID, _ := sig.ScanID()
			return m.enqueue(sig, scanOwner(scanID))

		case hip.MLMEReceivedFrameInd:
			if vif == 0 {
				return m.violation(sig, "received frame on vif 0")
			}
			return m.enqueueAction(sig, vif)

		case hip.MLMERangeInd, hip.MLMERangeDoneInd:
			if vif == 0 {
				vif = device.NetIndexWLAN
			}
			return m.enqueue(sig, vif)

		case hip.MLMEEventLogInd:
			return m.enqueue(sig, device.NetIndexWLAN)

		case hip.MLMERoamedInd:
			if vif == 0 {
				return m.violation(sig, "roamed indication on vif 0")
			}
			ifc, ok := m.dev.Interface(vif)
			if !ok {
				sig.Free()
				return fmt.Errorf("%s on vif %d: %w", hip.MLMERoamedInd, vif, hip.ErrNoInterface)
			}
			if ifc.DropRoamedInd() {
				// The roam request never got its confirm.
				ifc.Logger().Debug("dropping roamed indication")
				sig.Free()
				return nil
			}
			return m.enqueue(sig, vif)

		default:
			if vif == 0 {
				return m.violation(sig, "indication on vif 0")
			}
			return m.enqueue(sig, vif)
		}
	}

	if sig.IsCfm() && sig.ID == hip.MLMESendFrameCfm && vif != 0 {
		if m.dev.Config().ARPFlowControl {
			return m.enqueue(sig, vif)
		}
		sig.Free()
		return nil
	}

	if sig.IsReq() {
		return m.violation(sig, "request received from firmware")
	}

	if m.dev.Config().TestMode {
		sig.Free()
		return nil
	}

	return m.violation(sig, "unexpected signal")
}

// enqueue queues sig on the MLME work of vif. Signals for interfaces that
// no longer exist, which happens after a failed vif delete, are dropped.
func (m *MLME) enqueue(sig *hip.Signal, vif uint16) error {
	ifc, ok := m.dev.Interface(vif)
	if !ok {
		m.logger.Warn("no interface for signal", "signal", sig.ID, "vif", vif)
		sig.Free()
		return nil
	}
	if ifc.FWTest() {
		sig.Free()
		return nil
	}
	ifc.EnqueueMLME(sig)
	return nil
}

// enqueueAction queues a received frame. A P2P group interface receives
// frames addressed to the P2P device identity; those are indicated on the
// P2P device interface instead.
func (m *MLME) enqueueAction(sig *hip.Signal, vif uint16) error {
	ifc, ok := m.dev.Interface(vif)
	if !ok {
		sig.Free()
		return fmt.Errorf("%s on vif %d: %w", sig.ID, vif, hip.ErrNoInterface)
	}
	if ifc.FWTest() {
		sig.Free()
		return nil
	}

	target := ifc
	if t := ifc.IfType(); t == device.IfTypeP2PGO || t == device.IfTypeP2PClient {
		if da, ok := sig.DestAddr(); ok && !ifc.HasAddr(da) {
			p2p, ok := m.dev.Interface(device.NetIndexP2P)
			if !ok {
				sig.Free()
				return fmt.Errorf("%s for p2p device: %w", sig.ID, hip.ErrNoInterface)
			}
			if p2p.HasAddr(da) {
				if p2p.FWTest() {
					sig.Free()
					return nil
				}
				target = p2p
			}
		}
	}
	target.EnqueueMLME(sig)
	return nil
}

// Notify applies lifecycle events to the device and its interfaces.
func (m *MLME) Notify(ctx context.Context, ev hip.LifecycleEvent) error {
	m.logger.Info("notifier event received", "event", ev)

	switch ev {
	case hip.EventStop:
		m.stop(ctx)

	case hip.EventFailureReset:
		if m.dev.BelowPanic() || m.dev.RequireServiceClose() {
			m.logger.Info("queueing recovery on stop", "reset_level", m.dev.ResetLevel())
			m.dev.QueueRecovery(device.RecoveryOnStop)
		}

	case hip.EventSuspend:
		m.checkSuspendMode(ev)

	case hip.EventResume:
		m.abortForwardBeacon(ctx)
		m.checkSuspendMode(ev)

	case hip.EventSubsystemReset:
		m.dev.QueueRecovery(device.RecoveryRebuild)

	case hip.EventChipReady:
		if m.dev.BelowPanic() && m.dev.UpCount() != 0 {
			m.dev.QueueRecovery(device.RecoveryOnStart)
		}

	default:
		m.logger.Info("unknown event", "event", ev)
	}
	return nil
}

// stop blocks the send path and force-cleans every interface.
func (m *MLME) stop(ctx context.Context) {
	m.dev.SetMLMEBlocked(true)

	recovery := m.dev.BelowPanic()
	m.logger.Info("mlme blocked", "reset_level", m.dev.ResetLevel(), "recovery", recovery)

	hooks := m.dev.Hooks()
	m.dev.SigWait().ReleaseAll()
	m.dev.WalkInterfaces(func(ifc *device.Interface) {
		ifc.SigWait().ReleaseAll()
		hooks.ScanCleanup(ctx, ifc)
		ifc.CancelFilterWork()

		ifc.Lock()
		st := ifc.State()
		keepAP := recovery && st.Type == device.VifTypeAP
		hooks.VifCleanup(ctx, ifc, recovery)
		ifc.ResetLocked()
		if keepAP {
			st.Type = device.VifTypeAP
		}
		ifc.Unlock()
	})

	if recovery {
		m.dev.SetState(device.StateStopping)
	}
	if m.dev.UpCount() == 0 {
		m.dev.SetMLMEBlocked(false)
	}
	m.logger.Info("force cleaned all interfaces")
}

func (m *MLME) checkSuspendMode(ev hip.LifecycleEvent) {
	userSuspend, host := m.dev.SuspendConfig()
	if !userSuspend || host&device.HostStateLCDActive != 0 {
		m.logger.Warn(ev.String()+" without suspend mode set", "user_suspend_mode", userSuspend, "host_state", fmt.Sprintf("0x%02x", uint8(host)))
	}
}

// abortForwardBeacon stops beacon forwarding on a connected station
// interface when the host resumes.
func (m *MLME) abortForwardBeacon(ctx context.Context) {
	ifc, ok := m.dev.Interface(device.NetIndexWLAN)
	if !ok {
		return
	}
	ifc.Lock()
	defer ifc.Unlock()
	st := ifc.State()
	if ifc.WipsRunning() && st.Activated && st.Type == device.VifTypeStation && st.Status == device.StatusConnected {
		ifc.SetWipsRunning(false)
		m.dev.Hooks().ForwardBeaconAbort(ctx, ifc)
		m.logger.Info("forward beacon aborted on resume")
	}
}
