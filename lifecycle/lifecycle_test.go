package lifecycle_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/control"
	"github.com/frobware/go-hip/device"
	"github.com/frobware/go-hip/internal/saptest"
	"github.com/frobware/go-hip/lifecycle"
	"github.com/frobware/go-hip/registry"
	"github.com/frobware/go-hip/store"
	"github.com/frobware/go-hip/store/sqlite"
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

var allEvents = []hip.LifecycleEvent{
	hip.EventStop,
	hip.EventFailureReset,
	hip.EventSuspend,
	hip.EventResume,
	hip.EventSubsystemReset,
	hip.EventChipReady,
}

type fixture struct {
	lp    *loopback.Transport
	dev   *device.Device
	reg   *registry.Registry
	saps  [hip.NumSapClasses]*saptest.SAP
	chain *lifecycle.Chain
	svc   *lifecycle.Service
	st    store.Store
}

// newFixture wires a service over fake SAPs. Only the listed classes are
// registered; with none listed all four are.
func newFixture(t *testing.T, classes ...hip.SapClass) *fixture {
	t.Helper()
	logger := testLogger()

	var versions [hip.NumSapClasses]hip.Version
	for _, c := range hip.SapClasses {
		versions[c] = hip.MakeVersion(1, 3)
	}
	blk, err := control.New(control.SchemaV5, versions)
	require.NoError(t, err)

	f := &fixture{saps: saptest.All()}
	f.lp = loopback.New(blk, logger)

	cfg := device.DefaultConfig()
	cfg.SigWaitCfmTimeout = 5 * time.Second
	f.dev = device.New(cfg, f.lp, device.WithLogger(logger))
	t.Cleanup(f.dev.Close)

	if len(classes) == 0 {
		classes = hip.SapClasses[:]
	}
	f.reg = registry.New(logger)
	for _, c := range classes {
		require.NoError(t, f.reg.Register(f.saps[c]))
	}

	f.st, err = sqlite.NewInMemory(context.Background(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { f.st.Close() })

	f.chain = lifecycle.NewChain(logger)
	f.svc = lifecycle.NewService(f.reg, f.lp, f.dev,
		lifecycle.WithLogger(logger),
		lifecycle.WithChain(f.chain),
		lifecycle.WithJournal(f.st))
	return f
}

func (f *fixture) journal(t *testing.T) []store.LifecycleRecord {
	t.Helper()
	recs, err := f.st.ListLifecycle(context.Background(), f.dev.ID(), 0)
	require.NoError(t, err)
	return recs
}

func TestChainStopsAtFirstRejection(t *testing.T) {
	c := lifecycle.NewChain(testLogger())
	var (
		mu    sync.Mutex
		calls []string
	)
	notifier := func(name string, r lifecycle.Result) lifecycle.Notifier {
		return lifecycle.NotifierFunc(func(context.Context, hip.LifecycleEvent) lifecycle.Result {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name)
			return r
		})
	}

	c.Register(notifier("a", lifecycle.NotifyOK))
	bad := c.Register(notifier("b", lifecycle.NotifyBad))
	c.Register(notifier("c", lifecycle.NotifyOK))
	require.Equal(t, 3, c.Len())

	assert.Equal(t, lifecycle.NotifyBad, c.Notify(context.Background(), hip.EventStop))
	assert.Equal(t, []string{"a", "b"}, calls)

	require.True(t, c.Unregister(bad))
	require.False(t, c.Unregister(bad))
	calls = nil
	assert.Equal(t, lifecycle.NotifyOK, c.Notify(context.Background(), hip.EventStop))
	assert.Equal(t, []string{"a", "c"}, calls)
}

func TestEventsRejectedUntilRegistryComplete(t *testing.T) {
	for _, missing := range hip.SapClasses {
		t.Run(missing.String(), func(t *testing.T) {
			var present []hip.SapClass
			for _, c := range hip.SapClasses {
				if c != missing {
					present = append(present, c)
				}
			}
			f := newFixture(t, present...)

			for _, ev := range allEvents {
				assert.Equal(t, lifecycle.NotifyBad, f.chain.Notify(context.Background(), ev), "event %s", ev)
			}
			assert.Empty(t, f.lp.Ops(), "transport must not be touched")
			for _, c := range present {
				assert.Empty(t, f.saps[c].Events())
			}

			recs := f.journal(t)
			require.Len(t, recs, len(allEvents))
			for _, rec := range recs {
				assert.False(t, rec.Accepted)
			}

			// Completing the registry makes the service permissive.
			require.NoError(t, f.reg.Register(f.saps[missing]))
			assert.Equal(t, lifecycle.NotifyOK, f.chain.Notify(context.Background(), hip.EventSuspend))
		})
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, lifecycle.StateStopped, f.svc.State())
	require.NoError(t, f.svc.Start(ctx))
	assert.Equal(t, lifecycle.StateStarted, f.svc.State())
	assert.True(t, f.svc.Running())

	require.Error(t, f.svc.Start(ctx), "second start must be refused")
	assert.Equal(t, lifecycle.StateStarted, f.svc.State())

	require.NoError(t, f.svc.Stop(ctx))
	assert.Equal(t, lifecycle.StateStopped, f.svc.State())
	assert.Equal(t, []string{"init", "deinit"}, f.lp.Ops())
}

func TestStopWhenStoppedIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Stop(ctx))
	require.NoError(t, f.svc.Stop(ctx))
	assert.Equal(t, lifecycle.StateStopped, f.svc.State())
	assert.Empty(t, f.lp.Ops())

	require.NoError(t, f.svc.Start(ctx))
	require.NoError(t, f.svc.Stop(ctx))
	require.NoError(t, f.svc.Stop(ctx))
	assert.Equal(t, []string{"init", "deinit"}, f.lp.Ops())
}

func TestStartFailureRevertsToStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	initErr := errors.New("no firmware")

	f.lp.FailInit(initErr)
	err := f.svc.Start(ctx)
	require.ErrorIs(t, err, initErr)
	assert.Equal(t, lifecycle.StateStopped, f.svc.State())

	f.lp.FailInit(nil)
	require.NoError(t, f.svc.Start(ctx))
	assert.Equal(t, lifecycle.StateStarted, f.svc.State())
}

func TestSetupAndSapSetup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.svc.SapSetup(ctx), lifecycle.ErrNoControlBlock)

	require.NoError(t, f.svc.Start(ctx))
	require.NoError(t, f.svc.Setup(ctx))
	require.NoError(t, f.svc.SapSetup(ctx))

	setupErr := errors.New("ring setup")
	f.lp.FailSetup(setupErr)
	require.ErrorIs(t, f.svc.Setup(ctx), setupErr)
	assert.Equal(t, []string{"init", "setup", "setup"}, f.lp.Ops())
}

func TestSapSetupVersionMismatch(t *testing.T) {
	f := newFixture(t, hip.SapMLME, hip.SapMA, hip.SapDbg)
	require.NoError(t, f.reg.Register(saptest.New(hip.SapTest, hip.MakeVersion(2, 0), hip.VersionAnyOld)))
	require.NoError(t, f.svc.Start(context.Background()))

	err := f.svc.SapSetup(context.Background())
	var verr *hip.UnsupportedVersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, hip.SapTest, verr.Class)
}

func TestEventsDriveTransport(t *testing.T) {
	tests := []struct {
		ev    hip.LifecycleEvent
		ops   []string
		state string
	}{
		{hip.EventStop, []string{"freeze"}, lifecycle.StateBlocked},
		{hip.EventFailureReset, []string{"setup"}, lifecycle.StateStarted},
		{hip.EventSuspend, []string{"suspend"}, lifecycle.StateStarted},
		{hip.EventResume, []string{"resume"}, lifecycle.StateStarted},
		{hip.EventSubsystemReset, nil, lifecycle.StateStarted},
		{hip.EventChipReady, nil, lifecycle.StateStarted},
	}

	for _, tt := range tests {
		t.Run(tt.ev.String(), func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.svc.Start(context.Background()))
			f.lp.ResetOps()

			assert.Equal(t, lifecycle.NotifyOK, f.chain.Notify(context.Background(), tt.ev))
			assert.Equal(t, tt.ops, f.lp.Ops())
			assert.Equal(t, tt.state, f.svc.State())
			for _, c := range hip.SapClasses {
				assert.Equal(t, []hip.LifecycleEvent{tt.ev}, f.saps[c].Events(), "class %s", c)
			}

			recs := f.journal(t)
			require.Len(t, recs, 1)
			assert.True(t, recs[0].Accepted)
			assert.Equal(t, tt.ev, recs[0].Event)
			assert.Equal(t, tt.state, recs[0].State)
		})
	}
}

func TestFreezeThenFailureResetUnblocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.Start(ctx))

	require.Equal(t, lifecycle.NotifyOK, f.chain.Notify(ctx, hip.EventStop))
	require.Equal(t, lifecycle.StateBlocked, f.svc.State())
	assert.False(t, f.svc.Running())

	// A failed setup leaves the service blocked.
	f.lp.FailSetup(errors.New("still broken"))
	require.Equal(t, lifecycle.NotifyOK, f.chain.Notify(ctx, hip.EventFailureReset))
	assert.Equal(t, lifecycle.StateBlocked, f.svc.State())

	f.lp.FailSetup(nil)
	require.Equal(t, lifecycle.NotifyOK, f.chain.Notify(ctx, hip.EventFailureReset))
	assert.Equal(t, lifecycle.StateStarted, f.svc.State())

	// Stop from blocked is allowed.
	require.Equal(t, lifecycle.NotifyOK, f.chain.Notify(ctx, hip.EventStop))
	require.NoError(t, f.svc.Stop(ctx))
	assert.Equal(t, lifecycle.StateStopped, f.svc.State())
	assert.Equal(t, []string{"init", "freeze", "setup", "setup", "freeze", "deinit"}, f.lp.Ops())
}

func TestSAPRejectionStopsEvent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Start(context.Background()))
	f.lp.ResetOps()

	f.saps[hip.SapMA].FailNotify(errors.New("busy"))
	assert.Equal(t, lifecycle.NotifyBad, f.chain.Notify(context.Background(), hip.EventSuspend))

	assert.Equal(t, []hip.LifecycleEvent{hip.EventSuspend}, f.saps[hip.SapMLME].Events())
	assert.Equal(t, []hip.LifecycleEvent{hip.EventSuspend}, f.saps[hip.SapMA].Events())
	assert.Empty(t, f.saps[hip.SapDbg].Events())
	assert.Empty(t, f.saps[hip.SapTest].Events())
	assert.Empty(t, f.lp.Ops())
}

func TestStopDrainsWaitersAndDeferredWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.Start(ctx))

	ifc, err := f.dev.AddInterface(1, "wlan0", device.IfTypeStation, nil)
	require.NoError(t, err)

	// Slow deferred work so some of it is still queued when Stop runs.
	f.dev.SetDbgWorker(func(_ context.Context, sig *hip.Signal) {
		time.Sleep(time.Millisecond)
		sig.Free()
	})
	for range 50 {
		f.dev.EnqueueDbg(hip.NewSignal(hip.Header{ID: hip.DebugFaultInd}, nil))
	}

	type result struct {
		cfm *hip.Signal
		err error
	}
	results := make(chan result, 2)
	send := func(ifc *device.Interface) {
		req := hip.NewSignal(hip.Header{ID: hip.MLMEConnectReq, VIF: 1}, nil)
		cfm, err := f.dev.ReqCfm(ctx, ifc, req, hip.MLMEConnectCfm)
		results <- result{cfm, err}
	}
	go send(nil)
	go send(ifc)

	require.Eventually(t, func() bool { return len(f.lp.Sent()) == 2 }, 2*time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, f.svc.Stop(ctx))

	for range 2 {
		select {
		case r := <-results:
			assert.Nil(t, r.cfm)
			assert.ErrorIs(t, r.err, hip.ErrMLMEBlocked)
		case <-time.After(time.Second):
			t.Fatal("waiter not released by stop")
		}
	}
	assert.Less(t, time.Since(start), f.dev.Config().SigWaitCfmTimeout)
	assert.Zero(t, f.dev.Pending())
	assert.Equal(t, lifecycle.StateStopped, f.svc.State())
}

func TestStopBlocksRequestsUntilRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.Start(ctx))
	assert.False(t, f.dev.MLMEBlocked())

	// A sender that retries as soon as it is released must not get a
	// second request onto the transport.
	retried := make(chan error, 1)
	go func() {
		req := hip.NewSignal(hip.Header{ID: hip.MLMEConnectReq}, nil)
		_, err := f.dev.ReqCfm(ctx, nil, req, hip.MLMEConnectCfm)
		if !errors.Is(err, hip.ErrMLMEBlocked) {
			retried <- err
			return
		}
		req = hip.NewSignal(hip.Header{ID: hip.MLMEConnectReq}, nil)
		_, err = f.dev.ReqCfm(ctx, nil, req, hip.MLMEConnectCfm)
		retried <- err
	}()
	require.Eventually(t, func() bool { return len(f.lp.Sent()) == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, f.svc.Stop(ctx))
	select {
	case err := <-retried:
		require.ErrorIs(t, err, hip.ErrMLMEBlocked)
	case <-time.After(time.Second):
		t.Fatal("retry not rejected")
	}
	assert.Len(t, f.lp.Sent(), 1)
	assert.True(t, f.dev.MLMEBlocked())

	require.NoError(t, f.svc.Start(ctx))
	assert.False(t, f.dev.MLMEBlocked())
}

func TestDeinitLeavesChain(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, 1, f.chain.Len())
	f.svc.Deinit()
	assert.Zero(t, f.chain.Len())
	assert.Equal(t, lifecycle.NotifyOK, f.chain.Notify(context.Background(), hip.EventStop))
	assert.Empty(t, f.lp.Ops())
}
