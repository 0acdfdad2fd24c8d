package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/atomic"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/device"
	"github.com/frobware/go-hip/registry"
	"github.com/frobware/go-hip/store"
	"github.com/frobware/go-hip/transport"
)

// HIP service states.
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateStarted  = "started"
	StateStopping = "stopping"
	// StateBlocked is entered when the platform stops the service
	// underneath a running transport. A failure reset returns it to
	// StateStarted.
	StateBlocked = "blocked"
)

const (
	evStart       = "start"
	evStarted     = "started"
	evStartFailed = "start-failed"
	evStop        = "stop"
	evStopped     = "stopped"
	evBlock       = "block"
	evUnblock     = "unblock"
)

// ErrNoControlBlock is returned by SapSetup before the transport has
// mapped the control block.
var ErrNoControlBlock = errors.New("transport has no control block")

// Journal records lifecycle events. Any store.Journal satisfies it.
type Journal interface {
	AppendLifecycle(ctx context.Context, rec store.LifecycleRecord) (int64, error)
}

// Service sequences the transport through its lifecycle and handles
// platform events on behalf of the registered SAPs. All state changes
// happen with mu held; State may be read without it.
type Service struct {
	mu      sync.Mutex
	machine *fsm.FSM
	state   atomic.String

	reg     *registry.Registry
	tr      transport.Transport
	dev     *device.Device
	chain   *Chain
	handle  Handle
	journal Journal
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithChain registers the service on c. Deinit removes it.
func WithChain(c *Chain) Option {
	return func(s *Service) { s.chain = c }
}

// WithJournal records every event delivered to OnEvent.
func WithJournal(j Journal) Option {
	return func(s *Service) { s.journal = j }
}

// NewService returns a stopped service driving tr for dev.
func NewService(reg *registry.Registry, tr transport.Transport, dev *device.Device, opts ...Option) *Service {
	s := &Service{
		reg:    reg,
		tr:     tr,
		dev:    dev,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "lifecycle")
	s.state.Store(StateStopped)

	s.machine = fsm.NewFSM(
		StateStopped,
		fsm.Events{
			{Name: evStart, Src: []string{StateStopped}, Dst: StateStarting},
			{Name: evStarted, Src: []string{StateStarting}, Dst: StateStarted},
			{Name: evStartFailed, Src: []string{StateStarting}, Dst: StateStopped},
			{Name: evStop, Src: []string{StateStarted, StateBlocked}, Dst: StateStopping},
			{Name: evStopped, Src: []string{StateStopping}, Dst: StateStopped},
			{Name: evBlock, Src: []string{StateStarted}, Dst: StateBlocked},
			{Name: evUnblock, Src: []string{StateBlocked}, Dst: StateStarted},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.state.Store(e.Dst)
				s.logger.Debug("state changed", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)

	if s.chain != nil {
		s.handle = s.chain.Register(s)
	}
	return s
}

// State returns the current state.
func (s *Service) State() string { return s.state.Load() }

// Running reports whether the transport is up and unblocked.
func (s *Service) Running() bool { return s.state.Load() == StateStarted }

func (s *Service) transition(ctx context.Context, event string) error {
	if err := s.machine.Event(ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return nil
		}
		return fmt.Errorf("%s from %s: %w", event, s.machine.Current(), err)
	}
	return nil
}

// Start initialises the transport and reopens the request path. On
// failure the service returns to StateStopped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Debug("[1/3] update state", "state", StateStarting)
	if err := s.transition(ctx, evStart); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	s.logger.Debug("[2/3] initialise transport")
	if err := s.tr.Init(ctx); err != nil {
		_ = s.transition(ctx, evStartFailed)
		s.logger.Error("transport init failed", "error", err)
		return fmt.Errorf("transport init: %w", err)
	}

	s.dev.SetMLMEBlocked(false)
	s.logger.Debug("[3/3] update state", "state", StateStarted)
	return s.transition(ctx, evStarted)
}

// Setup re-establishes the transport after initialisation.
func (s *Service) Setup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setupLocked(ctx)
}

func (s *Service) setupLocked(ctx context.Context) error {
	if err := s.tr.Setup(ctx); err != nil {
		return fmt.Errorf("transport setup: %w", err)
	}
	return nil
}

// SapSetup negotiates every registered SAP's version against the
// control block mapped by Start.
func (s *Service) SapSetup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blk := s.tr.Control()
	if blk == nil {
		return ErrNoControlBlock
	}
	if err := s.reg.Negotiate(blk); err != nil {
		return err
	}
	s.logger.Info("SAP versions negotiated", "schema", blk.Schema())
	return nil
}

// Stop blocks the request path, then releases every waiter, cancels
// deferred work and deinitialises the transport. It does nothing unless
// the service is started or blocked.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.machine.Can(evStop) {
		s.logger.Debug("stop ignored", "state", s.machine.Current())
		return nil
	}
	s.dev.SetMLMEBlocked(true)
	if err := s.transition(ctx, evStop); err != nil {
		return err
	}

	s.dev.ReleaseWaiters()
	if n := s.dev.CancelDeferred(); n > 0 {
		s.logger.Info("dropped deferred signals", "count", n)
	}
	s.tr.Deinit()

	return s.transition(ctx, evStopped)
}

// Deinit removes the service from its notifier chain.
func (s *Service) Deinit() {
	if s.chain != nil {
		s.chain.Unregister(s.handle)
	}
}

// OnEvent handles a platform lifecycle event. The event is refused while
// the SAP registry is incomplete or when any SAP refuses it; otherwise
// the SAPs and then the transport see it with the service lock held.
func (s *Service) OnEvent(ctx context.Context, ev hip.LifecycleEvent) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	saps := s.reg.Snapshot()
	for _, sap := range saps {
		if sap == nil {
			s.logger.Warn("event rejected, SAP registry incomplete", "event", ev)
			s.recordLocked(ctx, ev, false)
			return NotifyBad
		}
	}

	for _, sap := range saps {
		if err := sap.Notify(ctx, ev); err != nil {
			s.logger.Error("SAP rejected event", "event", ev, "class", sap.Class(), "error", err)
			s.recordLocked(ctx, ev, false)
			return NotifyBad
		}
	}

	switch ev {
	case hip.EventStop:
		s.logger.Info("freezing transport")
		s.tr.Freeze()
		if s.machine.Can(evBlock) {
			_ = s.transition(ctx, evBlock)
		}
	case hip.EventFailureReset:
		s.logger.Info("setting up transport after failure reset")
		if err := s.setupLocked(ctx); err != nil {
			s.logger.Error("transport setup failed", "error", err)
		} else if s.machine.Can(evUnblock) {
			_ = s.transition(ctx, evUnblock)
		}
	case hip.EventSuspend:
		s.tr.Suspend()
	case hip.EventResume:
		s.tr.Resume()
	case hip.EventSubsystemReset, hip.EventChipReady:
	default:
		s.logger.Debug("unknown event", "event", ev)
	}

	s.recordLocked(ctx, ev, true)
	return NotifyOK
}

func (s *Service) recordLocked(ctx context.Context, ev hip.LifecycleEvent, accepted bool) {
	if s.journal == nil {
		return
	}
	rec := store.LifecycleRecord{
		Device:   s.dev.ID(),
		Event:    ev,
		Accepted: accepted,
		State:    s.machine.Current(),
		Time:     time.Now(),
	}
	if _, err := s.journal.AppendLifecycle(ctx, rec); err != nil {
		s.logger.Warn("failed to journal event", "event", ev, "error", err)
	}
}

var _ Notifier = (*Service)(nil)
