package sqlite_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/store"
	"github.com/frobware/go-hip/store/sqlite"
)

// testLogger returns a logger for tests. By default it discards all output.
// Set HIP_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("HIP_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	st, err := sqlite.NewInMemory(context.Background(), testLogger())
	require.NoError(t, err, "failed to create store")
	t.Cleanup(func() { st.Close() })
	return st
}

func signalRecord(dev uuid.UUID, dir hip.Direction, id hip.SignalID, vif uint16, at time.Time) store.SignalRecord {
	return store.SignalRecord{
		Device:    dev,
		Direction: dir,
		Header:    hip.Header{ID: id, ReceiverPID: 0x0101, SenderPID: 0x0202, VIF: vif},
		Body:      []byte{byte(id), byte(vif)},
		Time:      at,
	}
}

func TestSignalRoundTrip(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	dev := uuid.New()
	at := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)

	in := signalRecord(dev, hip.DirectionFromHost, hip.MLMEConnectReq, 2, at)
	id, err := st.AppendSignal(ctx, in)
	require.NoError(t, err)

	got, err := st.GetSignal(ctx, id)
	require.NoError(t, err)
	in.ID = id
	assert.True(t, in.Time.Equal(got.Time), "time %v != %v", in.Time, got.Time)
	got.Time = in.Time
	assert.Equal(t, in, got)
}

func TestGetSignalNotFound(t *testing.T) {
	st := newStore(t)
	_, err := st.GetSignal(context.Background(), 42)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound), "expected ErrNotFound, got: %v", err)
}

func TestListSignalsFilters(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	devA, devB := uuid.New(), uuid.New()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []store.SignalRecord{
		signalRecord(devA, hip.DirectionToHost, hip.MLMEScanInd, 1, base),
		signalRecord(devA, hip.DirectionFromHost, hip.MLMEConnectReq, 1, base.Add(time.Second)),
		signalRecord(devA, hip.DirectionToHost, hip.MAUnitdataInd, 1, base.Add(2*time.Second)),
		signalRecord(devB, hip.DirectionToHost, hip.DebugFaultInd, 0, base.Add(3*time.Second)),
	}
	for _, rec := range records {
		_, err := st.AppendSignal(ctx, rec)
		require.NoError(t, err)
	}

	ids := func(recs []store.SignalRecord) []hip.SignalID {
		var out []hip.SignalID
		for _, r := range recs {
			out = append(out, r.Header.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		filter store.SignalFilter
		want   []hip.SignalID
	}{
		{
			name: "everything",
			want: []hip.SignalID{hip.MLMEScanInd, hip.MLMEConnectReq, hip.MAUnitdataInd, hip.DebugFaultInd},
		},
		{
			name:   "device",
			filter: store.SignalFilter{Device: devB},
			want:   []hip.SignalID{hip.DebugFaultInd},
		},
		{
			name:   "direction",
			filter: store.SignalFilter{Direction: hip.DirectionFromHost, HasDirection: true},
			want:   []hip.SignalID{hip.MLMEConnectReq},
		},
		{
			name:   "to host only",
			filter: store.SignalFilter{Direction: hip.DirectionToHost, HasDirection: true, Device: devA},
			want:   []hip.SignalID{hip.MLMEScanInd, hip.MAUnitdataInd},
		},
		{
			name:   "id range",
			filter: store.SignalFilter{MinID: 0x2000, MaxID: 0x2FFF},
			want:   []hip.SignalID{hip.MLMEScanInd, hip.MLMEConnectReq},
		},
		{
			name:   "since",
			filter: store.SignalFilter{Since: base.Add(2 * time.Second)},
			want:   []hip.SignalID{hip.MAUnitdataInd, hip.DebugFaultInd},
		},
		{
			name:   "limit",
			filter: store.SignalFilter{Limit: 2},
			want:   []hip.SignalID{hip.MLMEScanInd, hip.MLMEConnectReq},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := st.ListSignals(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestPruneSignals(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	dev := uuid.New()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := range 5 {
		_, err := st.AppendSignal(ctx, signalRecord(dev, hip.DirectionToHost, hip.MLMEScanInd, 1, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	n, err := st.PruneSignals(ctx, base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	left, err := st.ListSignals(ctx, store.SignalFilter{})
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestLifecycleJournal(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	devA, devB := uuid.New(), uuid.New()

	events := []store.LifecycleRecord{
		{Device: devA, Event: hip.EventStop, Accepted: true, State: "blocked"},
		{Device: devB, Event: hip.EventSuspend, Accepted: false, State: "stopped"},
		{Device: devA, Event: hip.EventFailureReset, Accepted: true, State: "started"},
		{Device: devA, Event: hip.EventResume, Accepted: true, State: "started"},
	}
	for _, rec := range events {
		_, err := st.AppendLifecycle(ctx, rec)
		require.NoError(t, err)
	}

	all, err := st.ListLifecycle(ctx, uuid.Nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.False(t, all[1].Accepted)
	assert.Equal(t, devB, all[1].Device)

	recent, err := st.ListLifecycle(ctx, devA, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, hip.EventFailureReset, recent[0].Event)
	assert.Equal(t, hip.EventResume, recent[1].Event)
	assert.Equal(t, "started", recent[1].State)
	assert.False(t, recent[1].Time.IsZero())
}

func TestRunInTransactionRollsBack(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	dev := uuid.New()
	boom := errors.New("boom")

	err := st.RunInTransaction(ctx, func(tx store.Store) error {
		if _, err := tx.AppendLifecycle(ctx, store.LifecycleRecord{Device: dev, Event: hip.EventStop, State: "blocked"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	recs, err := st.ListLifecycle(ctx, dev, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, st.RunInTransaction(ctx, func(tx store.Store) error {
		_, err := tx.AppendLifecycle(ctx, store.LifecycleRecord{Device: dev, Event: hip.EventStop, State: "blocked"})
		return err
	}))
	recs, err = st.ListLifecycle(ctx, dev, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestNewCreatesDatabaseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hip.db")
	st, err := sqlite.New(context.Background(), path, testLogger())
	require.NoError(t, err)
	defer st.Close()

	_, err = st.AppendLifecycle(context.Background(), store.LifecycleRecord{Device: uuid.New(), Event: hip.EventChipReady, State: "started"})
	require.NoError(t, err)
	assert.FileExists(t, path)
}
