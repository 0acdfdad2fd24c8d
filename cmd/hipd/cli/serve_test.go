package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/config"
	"github.com/frobware/go-hip/store"
	"github.com/frobware/go-hip/store/sqlite"
	"github.com/frobware/go-hip/udi"
)

func discardLogger() *slog.Logger {
	if os.Getenv("HIP_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rawSignal(h hip.Header, body ...byte) []byte {
	sig := hip.NewSignal(h, body)
	defer sig.Free()
	return append([]byte(nil), sig.Bytes()...)
}

func startServe(t *testing.T) (config.Config, *udi.Client) {
	t.Helper()
	dir, err := os.MkdirTemp("", "hipd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	dirs, err := config.NewRuntimeDirs(filepath.Join(dir, "run"))
	require.NoError(t, err)
	require.NoError(t, dirs.EnsureDirectories())
	cfg := config.DefaultConfig()
	cfg.Resolve(dirs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, []string{"wlan0"}, true, discardLogger()) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.UDI.Socket)
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)

	c, err := udi.Dial(cfg.UDI.Socket)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return cfg, c
}

func TestServeEndToEnd(t *testing.T) {
	cfg, c := startServe(t)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "started", st["state"])
	assert.Equal(t, false, st["mlme_blocked"])
	require.Len(t, st["interfaces"], 1)

	// Tail in the background, then inject.
	tail := &TailCmd{IDs: []SignalID{{Value: hip.DebugFaultInd}}, Only: true, Count: 1}
	var out bytes.Buffer
	tailDone := make(chan error, 1)
	go func() { tailDone <- tail.tail(ctx, c, &out) }()
	require.Eventually(t, func() bool {
		st, err := c.Status(ctx)
		return err == nil && st["udi_clients"] == float64(1)
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Inject(ctx, rawSignal(hip.Header{ID: hip.MLMEScanInd, VIF: 1}, 1)))
	require.NoError(t, c.Inject(ctx, rawSignal(hip.Header{ID: hip.DebugFaultInd}, 0xde, 0xad)))
	require.NoError(t, <-tailDone)
	assert.Contains(t, out.String(), "DEBUG_FAULT_IND")
	assert.Contains(t, out.String(), "dead")
	assert.NotContains(t, out.String(), "MLME_SCAN_IND")

	accepted, err := c.Event(ctx, hip.EventSuspend)
	require.NoError(t, err)
	assert.True(t, accepted)

	// The signal log is written asynchronously.
	st2, err := sqlite.New(ctx, cfg.Store.Path, discardLogger())
	require.NoError(t, err)
	defer st2.Close()
	require.Eventually(t, func() bool {
		recs, err := st2.ListSignals(ctx, store.SignalFilter{})
		return err == nil && len(recs) == 2
	}, 5*time.Second, 10*time.Millisecond)

	var buf bytes.Buffer
	cmd := &LogCmd{From: SignalID{Value: hip.DebugFaultInd}, To: SignalID{Value: hip.DebugFaultInd}, Limit: 10, Output: "table"}
	require.NoError(t, cmd.query(ctx, st2, &buf, time.Now()))
	assert.Contains(t, buf.String(), "DEBUG_FAULT_IND")
	assert.NotContains(t, buf.String(), "MLME_SCAN_IND")

	buf.Reset()
	cmd = &LogCmd{Lifecycle: true, Limit: 10, Output: "table"}
	require.NoError(t, cmd.query(ctx, st2, &buf, time.Now()))
	assert.Contains(t, buf.String(), "suspend")
	assert.Contains(t, buf.String(), "accepted")
}

func TestServeControl(t *testing.T) {
	_, c := startServe(t)
	ctx := context.Background()

	set := &SetCmd{ResetLevel: "3", LCDActive: Toggle{Value: true, Set: true}, VIF: 1, FWTest: Toggle{Value: true, Set: true}}
	st, err := set.settings()
	require.NoError(t, err)
	require.NoError(t, c.Configure(ctx, st))

	cfm, ind, err := c.Send(ctx, rawSignal(hip.Header{ID: hip.MLMEAddVifReq, VIF: 1}), udi.SendOptions{CfmID: hip.MLMEAddVifCfm})
	require.NoError(t, err)
	assert.Empty(t, ind)
	reply, err := hip.ParseSignal(cfm)
	require.NoError(t, err)
	assert.Equal(t, hip.MLMEAddVifCfm, reply.ID)
	reply.Free()

	_, _, err = c.Send(ctx, rawSignal(hip.Header{ID: hip.MAUnitdataReq, VIF: 1}, 0xaa), udi.SendOptions{Peer: 1})
	require.NoError(t, err)
	require.NoError(t, c.TxDone(ctx, 1, 1, 0))

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(3), status["reset_level"])
	assert.Equal(t, true, status["lcd_active"])
	assert.Equal(t, float64(1), status["ma_credits"])
	ifaces := status["interfaces"].([]any)
	require.Len(t, ifaces, 1)
	assert.Equal(t, true, ifaces[0].(map[string]any)["fw_test"])

	bad := &SetCmd{ResetLevel: "high"}
	_, err = bad.settings()
	require.ErrorContains(t, err, "invalid reset level")
}

func TestLogQuery(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.NewInMemory(ctx, discardLogger())
	require.NoError(t, err)
	defer st.Close()

	now := time.Now()
	for i, rec := range []store.SignalRecord{
		{Direction: hip.DirectionToHost, Header: hip.Header{ID: hip.MLMEScanInd, VIF: 1}, Time: now.Add(-2 * time.Hour)},
		{Direction: hip.DirectionFromHost, Header: hip.Header{ID: hip.MLMEConnectReq, VIF: 1}, Time: now.Add(-time.Minute)},
		{Direction: hip.DirectionToHost, Header: hip.Header{ID: hip.MAUnitdataInd, VIF: 1}, Body: []byte{1}, Time: now},
	} {
		_, err := st.AppendSignal(ctx, rec)
		require.NoError(t, err, "record %d", i)
	}

	tests := []struct {
		name string
		cmd  LogCmd
		want []string
		skip []string
	}{
		{
			name: "everything",
			cmd:  LogCmd{Limit: 10},
			want: []string{"MLME_SCAN_IND", "MLME_CONNECT_REQ", "MA_UNITDATA_IND"},
		},
		{
			name: "from host",
			cmd:  LogCmd{Limit: 10, Direction: Direction{Value: hip.DirectionFromHost, Set: true}},
			want: []string{"MLME_CONNECT_REQ"},
			skip: []string{"MLME_SCAN_IND", "MA_UNITDATA_IND"},
		},
		{
			name: "since",
			cmd:  LogCmd{Limit: 10, Since: time.Hour},
			want: []string{"MLME_CONNECT_REQ", "MA_UNITDATA_IND"},
			skip: []string{"MLME_SCAN_IND"},
		},
		{
			name: "json",
			cmd:  LogCmd{Limit: 10, Output: "json", To: SignalID{Value: hip.MAUnitdataInd}},
			want: []string{`"Direction"`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, tt.cmd.query(ctx, st, &buf, now))
			for _, s := range tt.want {
				assert.Contains(t, buf.String(), s)
			}
			for _, s := range tt.skip {
				assert.NotContains(t, buf.String(), s)
			}
		})
	}

	bad := LogCmd{Device: "not-a-uuid"}
	require.ErrorContains(t, bad.query(ctx, st, io.Discard, now), "invalid device id")
}

func TestFormatStatus(t *testing.T) {
	out := formatStatus(map[string]any{
		"state":      "started",
		"interfaces": []any{map[string]any{"vif": 1, "name": "wlan0"}},
		"rx_per_class": map[string]any{
			"mlme": 3,
		},
	})
	assert.Contains(t, out, "name=wlan0 vif=1")
	assert.Contains(t, out, "mlme")
	assert.Contains(t, out, "started")
}
