// Package device holds the per-device state the SAPs act on: the table
// of virtual interfaces, the flags that gate outbound signalling during a
// stop, the reset level reported for the current recovery cycle, the
// device-wide work queues and the synchronous request path.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/waiter"
	"github.com/frobware/go-hip/workqueue"
)

// Well-known interface indices.
const (
	NetIndexWLAN uint16 = 1
	NetIndexP2P  uint16 = 2
	NetIndexP2PX uint16 = 3
	NetIndexNAN  uint16 = 4
)

// Config carries the device tunables.
type Config struct {
	// MaxInterfaces is the highest VIF index that may carry an interface.
	MaxInterfaces int
	// SigWaitCfmTimeout bounds each wait for a confirm or indication.
	SigWaitCfmTimeout time.Duration
	// PanicSeverity is the reset level from which fast recovery is not
	// attempted.
	PanicSeverity hip.Severity
	// TestMode makes the MLME SAP silently drop signals it cannot route.
	TestMode bool
	// ARPFlowControl enables asynchronous handling of send-frame confirms.
	ARPFlowControl bool
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() Config {
	return Config{
		MaxInterfaces:     8,
		SigWaitCfmTimeout: 6 * time.Second,
		PanicSeverity:     hip.DefaultPanicSeverity,
	}
}

// State is the coarse device state maintained across recovery.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// HostState is the bitmask of host conditions reported by the platform.
type HostState uint8

// HostStateLCDActive is set while the screen is on.
const HostStateLCDActive HostState = 0x01

// Transmitter sends a signal to the firmware. It owns sig once called.
type Transmitter interface {
	Transmit(sig *hip.Signal) error
}

// Worker functions consume deferred signals. They own sig.
type (
	InterfaceWorker func(ctx context.Context, ifc *Interface, sig *hip.Signal)
	DeviceWorker    func(ctx context.Context, sig *hip.Signal)
)

// Device is one Wi-Fi device instance.
type Device struct {
	id     uuid.UUID
	cfg    Config
	tx     Transmitter
	hooks  Hooks
	logger *slog.Logger

	// addRemove serialises interface add/remove against whole-table walks
	// such as the stop sequence.
	addRemove sync.Mutex
	// tableMu guards netdevs for lookups from the receive path.
	tableMu sync.RWMutex
	netdevs map[uint16]*Interface

	upCount             atomic.Int32
	mlmeBlocked         atomic.Bool
	resetLevel          atomic.Int32
	requireServiceClose atomic.Bool
	state               atomic.Int32

	configMu        sync.Mutex
	userSuspendMode bool
	hostState       HostState

	sigWait  *waiter.SigWait
	wakeLock *WakeLock

	workersMu  sync.RWMutex
	mlmeWorker InterfaceWorker
	dataWorker InterfaceWorker
	dbgWorker  DeviceWorker
	testWorker DeviceWorker

	rxDbg  *workqueue.SignalWork
	rxTest *workqueue.SignalWork

	wq              *workqueue.Queue
	recovery        *workqueue.Work
	recoveryOnStop  *workqueue.Work
	recoveryOnStart *workqueue.Work
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the device logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Device) { d.logger = logger }
}

// WithHooks installs the platform collaborators.
func WithHooks(h Hooks) Option {
	return func(d *Device) { d.hooks = h }
}

// WithID fixes the device id instead of generating one.
func WithID(id uuid.UUID) Option {
	return func(d *Device) { d.id = id }
}

// New creates a device that transmits through tx.
func New(cfg Config, tx Transmitter, opts ...Option) *Device {
	if cfg.MaxInterfaces <= 0 {
		cfg.MaxInterfaces = DefaultConfig().MaxInterfaces
	}
	d := &Device{
		id:      uuid.New(),
		cfg:     cfg,
		tx:      tx,
		logger:  slog.Default(),
		netdevs: make(map[uint16]*Interface),
		sigWait: waiter.NewSigWait(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "device", "device", d.id.String())
	if d.hooks == nil {
		d.hooks = LogHooks{Logger: d.logger}
	}
	d.wakeLock = NewWakeLock("wlan")
	d.rxDbg = workqueue.NewSignalWork("rx-dbg", d.runDbg, d.wakeLock, d.logger)
	d.rxTest = workqueue.NewSignalWork("rx-test", d.runTest, d.wakeLock, d.logger)
	d.wq = workqueue.NewQueue("device", d.logger)
	d.recovery = workqueue.NewWork("recovery", func(ctx context.Context) {
		d.hooks.Recover(ctx, d, RecoveryRebuild)
	})
	d.recoveryOnStop = workqueue.NewWork("recovery-on-stop", func(ctx context.Context) {
		d.hooks.Recover(ctx, d, RecoveryOnStop)
	})
	d.recoveryOnStart = workqueue.NewWork("recovery-on-start", func(ctx context.Context) {
		d.hooks.Recover(ctx, d, RecoveryOnStart)
	})
	return d
}

// ID returns the device instance id.
func (d *Device) ID() uuid.UUID { return d.id }

// Config returns the device tunables.
func (d *Device) Config() Config { return d.cfg }

// Logger returns the device logger.
func (d *Device) Logger() *slog.Logger { return d.logger }

// SigWait returns the device-wide blocking-signal waiter, used when a
// request is not scoped to an interface.
func (d *Device) SigWait() *waiter.SigWait { return d.sigWait }

// WakeLock returns the lock held while deferred work drains.
func (d *Device) WakeLock() *WakeLock { return d.wakeLock }

// Queue returns the ordered device work queue.
func (d *Device) Queue() *workqueue.Queue { return d.wq }

// MLMEBlocked reports whether outbound requests are currently refused.
func (d *Device) MLMEBlocked() bool { return d.mlmeBlocked.Load() }

// SetMLMEBlocked sets or clears the outbound request gate.
func (d *Device) SetMLMEBlocked(blocked bool) { d.mlmeBlocked.Store(blocked) }

// ResetLevel returns the reset severity of the current recovery cycle.
func (d *Device) ResetLevel() hip.Severity { return hip.Severity(d.resetLevel.Load()) }

// SetResetLevel records the reset severity reported by the platform.
func (d *Device) SetResetLevel(level hip.Severity) { d.resetLevel.Store(int32(level)) }

// BelowPanic reports whether the current reset level allows fast
// recovery.
func (d *Device) BelowPanic() bool { return d.ResetLevel() < d.cfg.PanicSeverity }

// RequireServiceClose reports whether the service must be fully closed on
// the next failure reset.
func (d *Device) RequireServiceClose() bool { return d.requireServiceClose.Load() }

// SetRequireServiceClose sets the full-close flag.
func (d *Device) SetRequireServiceClose(v bool) { d.requireServiceClose.Store(v) }

// State returns the device state.
func (d *Device) State() State { return State(d.state.Load()) }

// SetState sets the device state.
func (d *Device) SetState(s State) { d.state.Store(int32(s)) }

// UpCount returns the number of interfaces that are up.
func (d *Device) UpCount() int { return int(d.upCount.Load()) }

// SetSuspendConfig records the user suspend mode and host state.
func (d *Device) SetSuspendConfig(userSuspendMode bool, host HostState) {
	d.configMu.Lock()
	defer d.configMu.Unlock()
	d.userSuspendMode = userSuspendMode
	d.hostState = host
}

// SuspendConfig returns the user suspend mode and host state.
func (d *Device) SuspendConfig() (userSuspendMode bool, host HostState) {
	d.configMu.Lock()
	defer d.configMu.Unlock()
	return d.userSuspendMode, d.hostState
}

// Hooks returns the platform collaborators.
func (d *Device) Hooks() Hooks { return d.hooks }

// SetMLMEWorker installs the per-interface MLME worker.
func (d *Device) SetMLMEWorker(fn InterfaceWorker) {
	d.workersMu.Lock()
	defer d.workersMu.Unlock()
	d.mlmeWorker = fn
}

// SetDataWorker installs the per-interface data worker.
func (d *Device) SetDataWorker(fn InterfaceWorker) {
	d.workersMu.Lock()
	defer d.workersMu.Unlock()
	d.dataWorker = fn
}

// SetDbgWorker installs the device debug worker.
func (d *Device) SetDbgWorker(fn DeviceWorker) {
	d.workersMu.Lock()
	defer d.workersMu.Unlock()
	d.dbgWorker = fn
}

// SetTestWorker installs the device test worker.
func (d *Device) SetTestWorker(fn DeviceWorker) {
	d.workersMu.Lock()
	defer d.workersMu.Unlock()
	d.testWorker = fn
}

func (d *Device) workers() (mlme, data InterfaceWorker, dbg, test DeviceWorker) {
	d.workersMu.RLock()
	defer d.workersMu.RUnlock()
	return d.mlmeWorker, d.dataWorker, d.dbgWorker, d.testWorker
}

func (d *Device) runDbg(ctx context.Context, sig *hip.Signal) {
	_, _, dbg, _ := d.workers()
	if dbg == nil {
		d.logger.Warn("no debug worker, dropping signal", "signal", sig.ID)
		sig.Free()
		return
	}
	dbg(ctx, sig)
}

func (d *Device) runTest(ctx context.Context, sig *hip.Signal) {
	_, _, _, test := d.workers()
	if test == nil {
		d.logger.Warn("no test worker, dropping signal", "signal", sig.ID)
		sig.Free()
		return
	}
	test(ctx, sig)
}

// EnqueueDbg defers sig to the device debug queue.
func (d *Device) EnqueueDbg(sig *hip.Signal) bool { return d.rxDbg.Enqueue(sig) }

// EnqueueTest defers sig to the device test queue.
func (d *Device) EnqueueTest(sig *hip.Signal) bool { return d.rxTest.Enqueue(sig) }

// DbgWork returns the device debug queue.
func (d *Device) DbgWork() *workqueue.SignalWork { return d.rxDbg }

// TestWork returns the device test queue.
func (d *Device) TestWork() *workqueue.SignalWork { return d.rxTest }

// QueueRecovery schedules the recovery work of the given kind on the
// device queue. It returns false when that work is already pending.
func (d *Device) QueueRecovery(kind RecoveryKind) bool {
	var w *workqueue.Work
	switch kind {
	case RecoveryOnStop:
		w = d.recoveryOnStop
	case RecoveryOnStart:
		w = d.recoveryOnStart
	default:
		w = d.recovery
	}
	d.logger.Info("queueing recovery", "kind", kind)
	return d.wq.Queue(w)
}

// CancelRecovery cancels all recovery work and waits for any running
// recovery to return.
func (d *Device) CancelRecovery() {
	d.recovery.CancelSync()
	d.recoveryOnStop.CancelSync()
	d.recoveryOnStart.CancelSync()
}

// CancelDeferred drops every queued signal and work item on the device and
// its interfaces, waiting for running handlers to return. It returns the
// number of signals dropped.
func (d *Device) CancelDeferred() int {
	n := 0
	for _, ifc := range d.Interfaces() {
		n += ifc.rxMLME.CancelSync()
		n += ifc.rxData.CancelSync()
		ifc.CancelFilterWork()
	}
	n += d.rxDbg.CancelSync()
	n += d.rxTest.CancelSync()
	d.CancelRecovery()
	return n
}

// Pending returns the number of deferred signals and work items not yet
// run.
func (d *Device) Pending() int {
	n := d.rxDbg.Pending() + d.rxTest.Pending() + d.wq.Pending()
	for _, ifc := range d.Interfaces() {
		n += ifc.rxMLME.Pending() + ifc.rxData.Pending()
	}
	return n
}

// Interface returns the interface bound to vif.
func (d *Device) Interface(vif uint16) (*Interface, bool) {
	d.tableMu.RLock()
	defer d.tableMu.RUnlock()
	ifc, ok := d.netdevs[vif]
	return ifc, ok
}

// Interfaces returns the interfaces ordered by VIF.
func (d *Device) Interfaces() []*Interface {
	d.tableMu.RLock()
	ifcs := make([]*Interface, 0, len(d.netdevs))
	for _, ifc := range d.netdevs {
		ifcs = append(ifcs, ifc)
	}
	d.tableMu.RUnlock()
	sort.Slice(ifcs, func(i, j int) bool { return ifcs[i].vif < ifcs[j].vif })
	return ifcs
}

// WalkInterfaces calls fn for every interface in VIF order while holding
// the add/remove lock, so the set cannot change underneath fn.
func (d *Device) WalkInterfaces(fn func(*Interface)) {
	d.addRemove.Lock()
	defer d.addRemove.Unlock()
	for _, ifc := range d.Interfaces() {
		fn(ifc)
	}
}

// Close tears down every interface and the device queues.
func (d *Device) Close() {
	d.addRemove.Lock()
	for _, ifc := range d.Interfaces() {
		d.removeLocked(ifc)
	}
	d.addRemove.Unlock()

	d.CancelRecovery()
	d.rxDbg.Close()
	d.rxTest.Close()
	d.wq.Close()
}
