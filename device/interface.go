package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"go.uber.org/atomic"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/waiter"
	"github.com/frobware/go-hip/workqueue"
)

// VifType is the firmware role of an interface.
type VifType int

const (
	VifTypeUnspecified VifType = iota
	VifTypeStation
	VifTypeAP
	VifTypeMonitor
)

func (t VifType) String() string {
	switch t {
	case VifTypeUnspecified:
		return "unspecified"
	case VifTypeStation:
		return "station"
	case VifTypeAP:
		return "ap"
	case VifTypeMonitor:
		return "monitor"
	default:
		return fmt.Sprintf("VifType(%d)", int(t))
	}
}

// IfType is the host-side interface type, which determines how some
// management frames are attributed.
type IfType int

const (
	IfTypeStation IfType = iota
	IfTypeAP
	IfTypeP2PGO
	IfTypeP2PClient
	IfTypeP2PDevice
)

func (t IfType) String() string {
	switch t {
	case IfTypeStation:
		return "station"
	case IfTypeAP:
		return "ap"
	case IfTypeP2PGO:
		return "p2p-go"
	case IfTypeP2PClient:
		return "p2p-client"
	case IfTypeP2PDevice:
		return "p2p-device"
	default:
		return fmt.Sprintf("IfType(%d)", int(t))
	}
}

// ConnStatus is the station connection state of an interface.
type ConnStatus int

const (
	StatusUnspecified ConnStatus = iota
	StatusConnecting
	StatusConnected
	StatusDisconnecting
)

func (s ConnStatus) String() string {
	switch s {
	case StatusUnspecified:
		return "unspecified"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("ConnStatus(%d)", int(s))
	}
}

// VifState is the mutable state of an interface guarded by its lock.
type VifState struct {
	Type      VifType
	Activated bool
	Status    ConnStatus
	Scanning  bool
	ScanID    uint16
	// Peers holds the peer indices currently associated.
	Peers map[uint8]struct{}
	// Counters of deferred signals handled by kind.
	Roams     int
	Frames    int
	BlockAcks int
}

var (
	errVifOutOfRange = errors.New("vif out of range")
	errVifInUse      = errors.New("vif already has an interface")
)

// Interface is one virtual network interface.
type Interface struct {
	dev    *Device
	vif    uint16
	name   string
	ifType IfType
	addr   net.HardwareAddr
	logger *slog.Logger

	// mu is the vif mutex.
	mu    sync.Mutex
	state VifState

	up            atomic.Bool
	fwTest        atomic.Bool
	dropRoamedInd atomic.Bool
	wipsRunning   atomic.Bool
	txStopped     atomic.Bool

	sigWait   *waiter.SigWait
	rxMLME    *workqueue.SignalWork
	rxData    *workqueue.SignalWork
	multicast *workqueue.Work
	pktFilter *workqueue.Work
	fc        *FlowControl
}

// AddInterface creates the interface for vif.
func (d *Device) AddInterface(vif uint16, name string, ifType IfType, addr net.HardwareAddr) (*Interface, error) {
	if vif == 0 || int(vif) > d.cfg.MaxInterfaces {
		return nil, fmt.Errorf("add interface %d: %w", vif, errVifOutOfRange)
	}

	d.addRemove.Lock()
	defer d.addRemove.Unlock()

	if _, ok := d.Interface(vif); ok {
		return nil, fmt.Errorf("add interface %d: %w", vif, errVifInUse)
	}

	ifc := &Interface{
		dev:     d,
		vif:     vif,
		name:    name,
		ifType:  ifType,
		addr:    append(net.HardwareAddr(nil), addr...),
		logger:  d.logger.With("vif", vif, "ifname", name),
		sigWait: waiter.NewSigWait(),
		fc:      NewFlowControl(),
	}
	ifc.state.Peers = make(map[uint8]struct{})
	ifc.rxMLME = workqueue.NewSignalWork(name+"-mlme", func(ctx context.Context, sig *hip.Signal) {
		mlme, _, _, _ := d.workers()
		ifc.run(ctx, mlme, sig)
	}, d.wakeLock, ifc.logger)
	ifc.rxData = workqueue.NewSignalWork(name+"-data", func(ctx context.Context, sig *hip.Signal) {
		_, data, _, _ := d.workers()
		ifc.run(ctx, data, sig)
	}, d.wakeLock, ifc.logger)
	ifc.multicast = workqueue.NewWork(name+"-multicast", ifc.updateFilter)
	ifc.pktFilter = workqueue.NewWork(name+"-pkt-filter", ifc.updateFilter)

	d.tableMu.Lock()
	d.netdevs[vif] = ifc
	d.tableMu.Unlock()

	d.logger.Info("added interface", "vif", vif, "ifname", name, "iftype", ifType)
	return ifc, nil
}

// RemoveInterface tears down the interface for vif.
func (d *Device) RemoveInterface(vif uint16) error {
	d.addRemove.Lock()
	defer d.addRemove.Unlock()

	ifc, ok := d.Interface(vif)
	if !ok {
		return fmt.Errorf("remove interface %d: %w", vif, hip.ErrNoInterface)
	}
	d.removeLocked(ifc)
	return nil
}

func (d *Device) removeLocked(ifc *Interface) {
	d.tableMu.Lock()
	delete(d.netdevs, ifc.vif)
	d.tableMu.Unlock()

	ifc.SetUp(false)
	ifc.sigWait.ReleaseAll()
	ifc.multicast.CancelSync()
	ifc.pktFilter.CancelSync()
	ifc.rxMLME.Close()
	ifc.rxData.Close()
	d.logger.Info("removed interface", "vif", ifc.vif, "ifname", ifc.name)
}

func (ifc *Interface) run(ctx context.Context, fn InterfaceWorker, sig *hip.Signal) {
	if fn == nil {
		ifc.logger.Warn("no worker installed, dropping signal", "signal", sig.ID)
		sig.Free()
		return
	}
	fn(ctx, ifc, sig)
}

// updateFilter pushes the interface filter configuration to the
// firmware.
func (ifc *Interface) updateFilter(ctx context.Context) {
	req := hip.NewSignal(hip.Header{ID: hip.MLMESetReq, VIF: ifc.vif}, nil)
	cfm, err := ifc.dev.ReqCfm(ctx, ifc, req, hip.MLMESetCfm)
	if err != nil {
		ifc.logger.Warn("filter update failed", "error", err)
		return
	}
	cfm.Free()
}

// Device returns the owning device.
func (ifc *Interface) Device() *Device { return ifc.dev }

// VIF returns the interface index.
func (ifc *Interface) VIF() uint16 { return ifc.vif }

// Name returns the interface name.
func (ifc *Interface) Name() string { return ifc.name }

// IfType returns the host interface type.
func (ifc *Interface) IfType() IfType { return ifc.ifType }

// Addr returns the interface MAC address.
func (ifc *Interface) Addr() net.HardwareAddr { return ifc.addr }

// HasAddr reports whether addr is the interface address.
func (ifc *Interface) HasAddr(addr net.HardwareAddr) bool {
	return bytes.Equal(ifc.addr, addr)
}

// Logger returns the interface logger.
func (ifc *Interface) Logger() *slog.Logger { return ifc.logger }

// Lock takes the vif mutex.
func (ifc *Interface) Lock() { ifc.mu.Lock() }

// Unlock releases the vif mutex.
func (ifc *Interface) Unlock() { ifc.mu.Unlock() }

// State returns the mutable state. The vif mutex must be held.
func (ifc *Interface) State() *VifState {
	return &ifc.state
}

// Update runs fn on the interface state under the vif mutex.
func (ifc *Interface) Update(fn func(st *VifState)) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	fn(&ifc.state)
}

// Snapshot returns a copy of the interface state.
func (ifc *Interface) Snapshot() VifState {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	st := ifc.state
	st.Peers = make(map[uint8]struct{}, len(ifc.state.Peers))
	for p := range ifc.state.Peers {
		st.Peers[p] = struct{}{}
	}
	return st
}

// SetUp marks the interface up or down, maintaining the device up count.
func (ifc *Interface) SetUp(up bool) {
	if ifc.up.Swap(up) == up {
		return
	}
	if up {
		ifc.dev.upCount.Inc()
	} else {
		ifc.dev.upCount.Dec()
	}
}

// IsUp reports whether the interface is up.
func (ifc *Interface) IsUp() bool { return ifc.up.Load() }

// FWTest reports whether the interface is driven by a firmware test
// harness, in which case MLME traffic for it is discarded.
func (ifc *Interface) FWTest() bool { return ifc.fwTest.Load() }

// SetFWTest sets the firmware test flag.
func (ifc *Interface) SetFWTest(v bool) { ifc.fwTest.Store(v) }

// DropRoamedInd reports whether roamed indications are being ignored
// because a roam request received no confirm.
func (ifc *Interface) DropRoamedInd() bool { return ifc.dropRoamedInd.Load() }

// SetDropRoamedInd sets the roamed indication drop flag.
func (ifc *Interface) SetDropRoamedInd(v bool) { ifc.dropRoamedInd.Store(v) }

// WipsRunning reports whether beacon forwarding is active.
func (ifc *Interface) WipsRunning() bool { return ifc.wipsRunning.Load() }

// SetWipsRunning sets the beacon forwarding flag.
func (ifc *Interface) SetWipsRunning(v bool) { ifc.wipsRunning.Store(v) }

// StopTxQueues stops the transmit queues. It reports false if they were
// already stopped.
func (ifc *Interface) StopTxQueues() bool { return !ifc.txStopped.Swap(true) }

// StartTxQueues restarts the transmit queues.
func (ifc *Interface) StartTxQueues() { ifc.txStopped.Store(false) }

// TxStopped reports whether the transmit queues are stopped.
func (ifc *Interface) TxStopped() bool { return ifc.txStopped.Load() }

// SigWait returns the interface blocking-signal waiter.
func (ifc *Interface) SigWait() *waiter.SigWait { return ifc.sigWait }

// MLMEWork returns the interface MLME queue.
func (ifc *Interface) MLMEWork() *workqueue.SignalWork { return ifc.rxMLME }

// DataWork returns the interface data queue.
func (ifc *Interface) DataWork() *workqueue.SignalWork { return ifc.rxData }

// FlowControl returns the transmit credit accounting.
func (ifc *Interface) FlowControl() *FlowControl { return ifc.fc }

// EnqueueMLME defers sig to the interface MLME queue.
func (ifc *Interface) EnqueueMLME(sig *hip.Signal) bool { return ifc.rxMLME.Enqueue(sig) }

// EnqueueData defers sig to the interface data queue.
func (ifc *Interface) EnqueueData(sig *hip.Signal) bool { return ifc.rxData.Enqueue(sig) }

// ScheduleMulticastUpdate queues a multicast filter update.
func (ifc *Interface) ScheduleMulticastUpdate() bool { return ifc.dev.wq.Queue(ifc.multicast) }

// SchedulePktFilterUpdate queues a packet filter update.
func (ifc *Interface) SchedulePktFilterUpdate() bool { return ifc.dev.wq.Queue(ifc.pktFilter) }

// CancelFilterWork cancels pending filter updates and waits for a running
// one to return.
func (ifc *Interface) CancelFilterWork() {
	ifc.multicast.CancelSync()
	ifc.pktFilter.CancelSync()
}

// ResetLocked clears connection and scan state. The vif mutex must be
// held.
func (ifc *Interface) ResetLocked() {
	ifc.state.Type = VifTypeUnspecified
	ifc.state.Activated = false
	ifc.state.Status = StatusUnspecified
	ifc.state.Scanning = false
	ifc.state.ScanID = 0
	clear(ifc.state.Peers)
	ifc.fc.Reset()
}
