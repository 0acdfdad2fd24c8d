package sap_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-hip"
)

func TestUnknownDebugAndTestSignalsAreSwallowed(t *testing.T) {
	h := newHarness(t)

	for _, id := range []hip.SignalID{0x8999, 0x9999} {
		sig := hip.NewSignal(hip.Header{ID: id}, []byte{1, 2})
		require.NoError(t, h.disp.Rx(context.Background(), sig), "signal 0x%04x", uint16(id))
		assert.True(t, sig.Freed())
	}
	assert.Zero(t, h.dev.DbgWork().Handled())
	assert.Zero(t, h.dev.TestWork().Handled())
	assert.Empty(t, h.saps.Dbg.Counts())
	assert.Empty(t, h.saps.Test.Counts())
}

func TestDebugSignalsUseDeviceWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, id := range []hip.SignalID{hip.DebugFaultInd, hip.DebugWord12Ind, hip.DebugFaultInd} {
		require.NoError(t, h.disp.Rx(ctx, hip.NewSignal(hip.Header{ID: id, VIF: 1}, []byte{0xde, 0xad})))
	}
	require.NoError(t, h.disp.Rx(ctx, hip.NewSignal(hip.Header{ID: hip.TestPanicInd}, nil)))

	require.Eventually(t, func() bool {
		return h.dev.DbgWork().Handled() == 3 && h.dev.TestWork().Handled() == 1
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, map[hip.SignalID]uint64{hip.DebugFaultInd: 2, hip.DebugWord12Ind: 1}, h.saps.Dbg.Counts())
	assert.Equal(t, map[hip.SignalID]uint64{hip.TestPanicInd: 1}, h.saps.Test.Counts())
}

func TestDebugConfirmCompletesDeviceWaiter(t *testing.T) {
	h := newHarness(t)
	h.lp.SetResponder(func(req *hip.Signal) []*hip.Signal {
		return []*hip.Signal{hip.NewSignal(hip.Header{ID: hip.DebugGenericCfm, ReceiverPID: req.SenderPID}, nil)}
	})

	req := hip.NewSignal(hip.Header{ID: hip.DebugGenericReq}, nil)
	cfm, err := h.dev.ReqCfm(context.Background(), nil, req, hip.DebugGenericCfm)
	require.NoError(t, err)
	cfm.Free()
	assert.Zero(t, h.dev.DbgWork().Handled())
}

func TestDebugAndTestNotifyAccept(t *testing.T) {
	h := newHarness(t)
	for _, ev := range []hip.LifecycleEvent{hip.EventStop, hip.EventSuspend, hip.EventResume} {
		require.NoError(t, h.saps.Dbg.Notify(context.Background(), ev))
		require.NoError(t, h.saps.Test.Notify(context.Background(), ev))
	}
}
