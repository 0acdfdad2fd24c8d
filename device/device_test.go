package device_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/device"
)

// testLogger returns a logger for tests. By default it discards all output.
// Set HIP_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("HIP_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoTransmitter answers each request with the configured replies by
// feeding them back through the blocking-signal path.
type echoTransmitter struct {
	mu      sync.Mutex
	dev     *device.Device
	replies map[hip.SignalID][]hip.SignalID
	sent    []hip.Header
}

func (e *echoTransmitter) Transmit(sig *hip.Signal) error {
	e.mu.Lock()
	e.sent = append(e.sent, sig.Header)
	replies := e.replies[sig.ID]
	dev := e.dev
	e.mu.Unlock()

	hdr := sig.Header
	sig.Free()
	go func() {
		for _, id := range replies {
			reply := hip.NewSignal(hip.Header{ID: id, ReceiverPID: hdr.SenderPID, VIF: hdr.VIF}, nil)
			if !dev.RxBlockingSignal(reply) {
				reply.Free()
			}
		}
	}()
	return nil
}

func (e *echoTransmitter) Sent() []hip.Header {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]hip.Header(nil), e.sent...)
}

func newDevice(t *testing.T, replies map[hip.SignalID][]hip.SignalID) (*device.Device, *echoTransmitter) {
	t.Helper()
	tx := &echoTransmitter{replies: replies}
	cfg := device.DefaultConfig()
	cfg.SigWaitCfmTimeout = 2 * time.Second
	d := device.New(cfg, tx, device.WithLogger(testLogger()))
	tx.dev = d
	t.Cleanup(d.Close)
	return d, tx
}

var wlanAddr = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}

func TestReqCfmOnInterface(t *testing.T) {
	d, tx := newDevice(t, map[hip.SignalID][]hip.SignalID{
		hip.MLMEConnectReq: {hip.MLMEConnectCfm},
	})
	ifc, err := d.AddInterface(device.NetIndexWLAN, "wlan0", device.IfTypeStation, wlanAddr)
	require.NoError(t, err)

	req := hip.NewSignal(hip.Header{ID: hip.MLMEConnectReq, VIF: ifc.VIF()}, nil)
	cfm, err := d.ReqCfm(context.Background(), ifc, req, hip.MLMEConnectCfm)
	require.NoError(t, err)
	assert.Equal(t, hip.MLMEConnectCfm, cfm.ID)
	cfm.Free()

	sent := tx.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, cfm.ReceiverPID, sent[0].SenderPID)
	assert.False(t, d.WakeLock().Held())
}

func TestReqCfmOnDevice(t *testing.T) {
	d, _ := newDevice(t, map[hip.SignalID][]hip.SignalID{
		hip.MLMEAddVifReq: {hip.MLMEAddVifCfm},
	})

	// No interface on vif 3: the device waiter is used.
	req := hip.NewSignal(hip.Header{ID: hip.MLMEAddVifReq, VIF: 3}, nil)
	cfm, err := d.ReqCfm(context.Background(), nil, req, hip.MLMEAddVifCfm)
	require.NoError(t, err)
	cfm.Free()
}

func TestReqRejectedWhileMLMEBlocked(t *testing.T) {
	d, tx := newDevice(t, nil)
	d.SetMLMEBlocked(true)

	req := hip.NewSignal(hip.Header{ID: hip.MLMESetReq}, nil)
	_, err := d.ReqCfm(context.Background(), nil, req, hip.MLMESetCfm)
	require.ErrorIs(t, err, hip.ErrMLMEBlocked)
	assert.True(t, req.Freed())
	assert.Empty(t, tx.Sent())
}

func TestReqCfmTimeout(t *testing.T) {
	tx := &echoTransmitter{}
	cfg := device.DefaultConfig()
	cfg.SigWaitCfmTimeout = 20 * time.Millisecond
	d := device.New(cfg, tx, device.WithLogger(testLogger()))
	tx.dev = d
	t.Cleanup(d.Close)

	req := hip.NewSignal(hip.Header{ID: hip.MLMESetReq}, nil)
	_, err := d.ReqCfm(context.Background(), nil, req, hip.MLMESetCfm)
	require.ErrorIs(t, err, hip.ErrTimeout)
}

func TestRxBlockingSignalIgnoresUnsolicited(t *testing.T) {
	d, _ := newDevice(t, nil)
	sig := hip.NewSignal(hip.Header{ID: hip.MLMEConnectedInd, VIF: 1, ReceiverPID: 0xC002}, nil)
	assert.False(t, d.RxBlockingSignal(sig))
	assert.False(t, sig.Freed())
	sig.Free()

	req := hip.NewSignal(hip.Header{ID: hip.MAUnitdataReq}, nil)
	assert.False(t, d.RxBlockingSignal(req))
	req.Free()
}

func TestInterfaceTable(t *testing.T) {
	d, _ := newDevice(t, nil)

	_, err := d.AddInterface(0, "bad", device.IfTypeStation, nil)
	require.Error(t, err)
	_, err = d.AddInterface(99, "bad", device.IfTypeStation, nil)
	require.Error(t, err)

	wlan, err := d.AddInterface(device.NetIndexWLAN, "wlan0", device.IfTypeStation, wlanAddr)
	require.NoError(t, err)
	_, err = d.AddInterface(device.NetIndexWLAN, "wlan0", device.IfTypeStation, wlanAddr)
	require.Error(t, err)
	p2p, err := d.AddInterface(device.NetIndexP2P, "p2p0", device.IfTypeP2PDevice, nil)
	require.NoError(t, err)

	wlan.SetUp(true)
	p2p.SetUp(true)
	wlan.SetUp(true)
	assert.Equal(t, 2, d.UpCount())

	var walked []uint16
	d.WalkInterfaces(func(ifc *device.Interface) { walked = append(walked, ifc.VIF()) })
	assert.Equal(t, []uint16{1, 2}, walked)

	require.NoError(t, d.RemoveInterface(device.NetIndexP2P))
	assert.Equal(t, 1, d.UpCount())
	require.ErrorIs(t, d.RemoveInterface(device.NetIndexP2P), hip.ErrNoInterface)

	_, ok := d.Interface(device.NetIndexP2P)
	assert.False(t, ok)
}

func TestFlowControl(t *testing.T) {
	fc := device.NewFlowControl()
	fc.Sent(1, 2)
	fc.Sent(1, 2)
	assert.Equal(t, 2, fc.InFlight(1, 2))
	assert.True(t, fc.Done(1, 2))
	assert.True(t, fc.Done(1, 2))
	assert.False(t, fc.Done(1, 2))
	assert.Equal(t, 0, fc.InFlight(1, 2))
}

func TestWorkersReceiveDeferredSignals(t *testing.T) {
	d, _ := newDevice(t, nil)
	ifc, err := d.AddInterface(device.NetIndexWLAN, "wlan0", device.IfTypeStation, wlanAddr)
	require.NoError(t, err)

	got := make(chan hip.SignalID, 3)
	d.SetMLMEWorker(func(_ context.Context, w *device.Interface, sig *hip.Signal) {
		assert.Same(t, ifc, w)
		got <- sig.ID
		sig.Free()
	})
	d.SetDbgWorker(func(_ context.Context, sig *hip.Signal) {
		got <- sig.ID
		sig.Free()
	})

	ifc.EnqueueMLME(hip.NewSignal(hip.Header{ID: hip.MLMEScanInd, VIF: 1}, nil))
	d.EnqueueDbg(hip.NewSignal(hip.Header{ID: hip.DebugFaultInd}, nil))

	// No test worker installed: dropped without blocking.
	sig := hip.NewSignal(hip.Header{ID: hip.TestPanicInd}, nil)
	d.EnqueueTest(sig)
	assert.Eventually(t, sig.Freed, time.Second, time.Millisecond)

	seen := map[hip.SignalID]bool{}
	for range 2 {
		select {
		case id := <-got:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("worker not run")
		}
	}
	assert.True(t, seen[hip.MLMEScanInd])
	assert.True(t, seen[hip.DebugFaultInd])
}

type recordingHooks struct {
	device.LogHooks
	mu    sync.Mutex
	kinds []device.RecoveryKind
}

func (h *recordingHooks) Recover(_ context.Context, _ *device.Device, kind device.RecoveryKind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kinds = append(h.kinds, kind)
}

func TestQueueRecovery(t *testing.T) {
	hooks := &recordingHooks{}
	d := device.New(device.DefaultConfig(), &echoTransmitter{}, device.WithLogger(testLogger()), device.WithHooks(hooks))
	t.Cleanup(d.Close)

	d.QueueRecovery(device.RecoveryOnStop)
	d.QueueRecovery(device.RecoveryRebuild)
	d.Queue().Flush()

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	assert.Equal(t, []device.RecoveryKind{device.RecoveryOnStop, device.RecoveryRebuild}, hooks.kinds)
}

func TestResetLevel(t *testing.T) {
	d, _ := newDevice(t, nil)
	d.SetResetLevel(hip.DefaultPanicSeverity - 1)
	assert.True(t, d.BelowPanic())
	d.SetResetLevel(hip.DefaultPanicSeverity)
	assert.False(t, d.BelowPanic())
}

func TestSendDataTakesCredit(t *testing.T) {
	d, tx := newDevice(t, nil)
	ifc, err := d.AddInterface(device.NetIndexWLAN, "wlan0", device.IfTypeStation, wlanAddr)
	require.NoError(t, err)

	require.NoError(t, d.SendData(ifc, 3, 1, hip.NewSignal(hip.Header{ID: hip.MAUnitdataReq, VIF: 1}, nil)))
	assert.Equal(t, 1, ifc.FlowControl().InFlight(3, 1))
	assert.Len(t, tx.Sent(), 1)

	require.True(t, ifc.StopTxQueues())
	sig := hip.NewSignal(hip.Header{ID: hip.MAUnitdataReq, VIF: 1}, nil)
	require.ErrorIs(t, d.SendData(ifc, 3, 1, sig), device.ErrTxStopped)
	assert.True(t, sig.Freed())
	assert.Equal(t, 1, ifc.FlowControl().InFlight(3, 1))
}

func TestCancelDeferred(t *testing.T) {
	d, _ := newDevice(t, nil)
	ifc, err := d.AddInterface(device.NetIndexWLAN, "wlan0", device.IfTypeStation, wlanAddr)
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	d.SetMLMEWorker(func(_ context.Context, _ *device.Interface, sig *hip.Signal) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		sig.Free()
	})

	for range 5 {
		ifc.EnqueueMLME(hip.NewSignal(hip.Header{ID: hip.MLMEScanInd, VIF: 1}, nil))
	}
	<-started

	done := make(chan int)
	go func() { done <- d.CancelDeferred() }()
	close(release)

	select {
	case n := <-done:
		assert.Equal(t, uint64(5), uint64(n)+ifc.MLMEWork().Handled())
	case <-time.After(2 * time.Second):
		t.Fatal("CancelDeferred did not return")
	}
	assert.Zero(t, d.Pending())
}
