package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-hip/config"
	"github.com/frobware/go-hip/dispatcher"
	"github.com/frobware/go-hip/lock"
	"github.com/frobware/go-hip/store"
	"github.com/frobware/go-hip/store/sqlite"
	"github.com/frobware/go-hip/udi"
)

// ServeCmd runs the daemon.
type ServeCmd struct {
	TCPAddress string   `name:"tcp-address" help:"Also serve the debug service on this TCP address."`
	UDIPids    PIDRange `name:"udi-pids" help:"Receiver pid range claimed by debug clients (overrides config)."`
	Interfaces []string `name:"interface" short:"i" help:"Station interfaces to create, from vif 1." default:"wlan0"`
	NoStore    bool     `name:"no-store" help:"Do not persist signals."`
}

// Run executes the serve command.
func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := cli.LoggerFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	if c.UDIPids != (PIDRange{}) {
		cfg.HIP.UDIPidMin, cfg.HIP.UDIPidMax = c.UDIPids.Min, c.UDIPids.Max
	}
	if c.TCPAddress != "" {
		cfg.UDI.TCPAddress = c.TCPAddress
	}

	dirs, err := cli.RuntimeDirs()
	if err != nil {
		return err
	}
	if err := dirs.EnsureDirectories(); err != nil {
		return err
	}

	// Create context that cancels on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	l, err := lock.TryAcquire(dirs.Lock())
	if errors.Is(err, lock.ErrHeld) {
		pid, _ := lock.Holder(dirs.Lock())
		return fmt.Errorf("another hipd is running (pid %d, lock %s)", pid, dirs.Lock())
	}
	if err != nil {
		return err
	}
	defer l.Close()

	return serve(ctx, cfg, c.Interfaces, !c.NoStore, logger)
}

func serve(ctx context.Context, cfg config.Config, interfaces []string, persist bool, logger *slog.Logger) error {
	hub := udi.NewHub(cfg.UDI.ClientBuffer, logger)
	defer hub.Close()

	opts := StackOptions{
		ID:         uuid.New(),
		Sinks:      []dispatcher.LogSink{hub},
		Interfaces: interfaces,
	}

	var recorder *store.Recorder
	if persist {
		st, err := sqlite.New(ctx, cfg.Store.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open store at %s: %w", cfg.Store.Path, err)
		}
		defer st.Close()

		recorder = store.NewRecorder(st, opts.ID, cfg.UDI.ClientBuffer, logger)
		opts.Sinks = append(opts.Sinks, recorder)
		opts.Journal = st

		recCtx, recCancel := context.WithCancel(ctx)
		recDone := make(chan struct{})
		go func() {
			defer close(recDone)
			recorder.Run(recCtx)
		}()
		// Runs before st.Close so the final batch is written.
		defer func() {
			recCancel()
			<-recDone
		}()
		if ret := cfg.Store.SignalRetention.Duration; ret > 0 {
			go prune(ctx, st, ret, logger)
		}
	}

	stack, err := NewStack(cfg.HIP, logger, opts)
	if err != nil {
		return err
	}
	return run(ctx, stack, hub, cfg, recorder, logger)
}

func run(ctx context.Context, stack *Stack, hub *udi.Hub, cfg config.Config, recorder *store.Recorder, logger *slog.Logger) error {
	if err := stack.Start(ctx); err != nil {
		stack.Close(context.Background())
		return fmt.Errorf("start HIP service: %w", err)
	}
	logger.Info("HIP service started",
		"device", stack.Device.ID(),
		"schema", cfg.HIP.ControlSchema,
		"udi_pids", PIDRange{Min: cfg.HIP.UDIPidMin, Max: cfg.HIP.UDIPidMax},
		"socket", cfg.UDI.Socket,
	)

	backend := &serveBackend{Stack: stack, recorder: recorder}
	srv := udi.NewServer(hub, backend, logger)
	serveErr := srv.Serve(ctx, cfg.UDI.Socket, cfg.UDI.TCPAddress)

	if err := stack.Close(context.Background()); err != nil {
		logger.Warn("stop HIP service", "error", err)
	}
	logger.Info("HIP service stopped")
	return serveErr
}

// serveBackend adds persistence counters to the stack status.
type serveBackend struct {
	*Stack
	recorder *store.Recorder
}

func (b *serveBackend) Status(ctx context.Context) (map[string]any, error) {
	st, err := b.Stack.Status(ctx)
	if err != nil {
		return nil, err
	}
	if b.recorder != nil {
		st["store_written"] = b.recorder.Written()
		st["store_dropped"] = b.recorder.Dropped()
	}
	return st, nil
}

func prune(ctx context.Context, log store.SignalLog, retention time.Duration, logger *slog.Logger) {
	interval := max(min(retention/4, time.Hour), time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := log.PruneSignals(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("prune signal log", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("pruned signal log", "rows", n)
			}
		}
	}
}
