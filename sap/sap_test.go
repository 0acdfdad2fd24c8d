package sap_test

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/control"
	"github.com/frobware/go-hip/device"
	"github.com/frobware/go-hip/dispatcher"
	"github.com/frobware/go-hip/registry"
	"github.com/frobware/go-hip/sap"
	"github.com/frobware/go-hip/transport/loopback"
)

// testLogger returns a logger for tests. By default it discards all output.
// Set HIP_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("HIP_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	wlanAddr = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	p2pAddr  = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
	goAddr   = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x03}
)

// recordingHooks records the collaborator calls made during lifecycle
// events.
type recordingHooks struct {
	mu        sync.Mutex
	scans     []uint16
	cleanups  []uint16
	recovery  []bool
	kinds     []device.RecoveryKind
	fwdAborts []uint16
}

func (h *recordingHooks) ScanCleanup(_ context.Context, ifc *device.Interface) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scans = append(h.scans, ifc.VIF())
}

func (h *recordingHooks) VifCleanup(_ context.Context, ifc *device.Interface, recovery bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups = append(h.cleanups, ifc.VIF())
	h.recovery = append(h.recovery, recovery)
}

func (h *recordingHooks) Recover(_ context.Context, _ *device.Device, kind device.RecoveryKind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kinds = append(h.kinds, kind)
}

func (h *recordingHooks) ForwardBeaconAbort(_ context.Context, ifc *device.Interface) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fwdAborts = append(h.fwdAborts, ifc.VIF())
}

func (h *recordingHooks) recoveries() []device.RecoveryKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]device.RecoveryKind(nil), h.kinds...)
}

// harness is a fully wired device: loopback transport, the four SAPs, a
// complete registry and a dispatcher feeding them.
type harness struct {
	lp    *loopback.Transport
	dev   *device.Device
	saps  *sap.Set
	reg   *registry.Registry
	disp  *dispatcher.Dispatcher
	hooks *recordingHooks

	mu   sync.Mutex
	data []hip.Header
}

func newHarness(t *testing.T, mutate ...func(*device.Config)) *harness {
	t.Helper()
	logger := testLogger()

	blk, err := control.New(control.SchemaV5, [hip.NumSapClasses]hip.Version{
		hip.SapMLME: sap.DefaultMLMEVersions[0],
		hip.SapMA:   sap.DefaultMAVersions[0],
		hip.SapDbg:  sap.DefaultDbgVersions[0],
		hip.SapTest: sap.DefaultTestVersions[0],
	})
	require.NoError(t, err)

	h := &harness{hooks: &recordingHooks{}}
	h.lp = loopback.New(blk, logger)
	require.NoError(t, h.lp.Init(context.Background()))

	cfg := device.DefaultConfig()
	cfg.SigWaitCfmTimeout = 2 * time.Second
	for _, m := range mutate {
		m(&cfg)
	}
	h.dev = device.New(cfg, h.lp, device.WithLogger(logger), device.WithHooks(h.hooks))
	t.Cleanup(h.dev.Close)

	h.saps = sap.NewSet(h.dev, func(_ context.Context, _ *device.Interface, sig *hip.Signal) {
		h.mu.Lock()
		h.data = append(h.data, sig.Header)
		h.mu.Unlock()
		sig.Free()
	}, logger)

	h.reg = registry.New(logger)
	for _, s := range h.saps.All() {
		require.NoError(t, h.reg.Register(s))
	}
	require.NoError(t, h.reg.Negotiate(blk))

	h.disp = dispatcher.New(h.reg, dispatcher.DefaultConfig(), logger)
	h.lp.SetRx(h.disp.Rx)
	return h
}

func (h *harness) addInterface(t *testing.T, vif uint16, name string, ifType device.IfType, addr net.HardwareAddr) *device.Interface {
	t.Helper()
	ifc, err := h.dev.AddInterface(vif, name, ifType, addr)
	require.NoError(t, err)
	return ifc
}

func (h *harness) dataHeaders() []hip.Header {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hip.Header(nil), h.data...)
}

// u16Body encodes v as a little endian signal body.
func u16Body(v uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, v)
}

// frameBody builds a received-frame body with the given destination
// address in the 802.11 management header.
func frameBody(da net.HardwareAddr) []byte {
	b := make([]byte, 24)
	copy(b[4:10], da)
	return b
}
