package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/config"
	"github.com/frobware/go-hip/control"
	"github.com/frobware/go-hip/device"
	"github.com/frobware/go-hip/dispatcher"
	"github.com/frobware/go-hip/lifecycle"
	"github.com/frobware/go-hip/registry"
	"github.com/frobware/go-hip/sap"
	"github.com/frobware/go-hip/transport/loopback"
	"github.com/frobware/go-hip/udi"
)

// firmwareVersions are the SAP versions the loopback control block
// advertises.
var firmwareVersions = [hip.NumSapClasses]hip.Version{
	hip.SapMLME: sap.DefaultMLMEVersions[0],
	hip.SapMA:   sap.DefaultMAVersions[0],
	hip.SapDbg:  sap.DefaultDbgVersions[0],
	hip.SapTest: sap.DefaultTestVersions[0],
}

// Stack is one device with its SAPs, dispatcher and HIP service over a
// loopback transport.
type Stack struct {
	Device     *device.Device
	SAPs       *sap.Set
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Transport  *loopback.Transport
	Chain      *lifecycle.Chain
	Service    *lifecycle.Service

	logger *slog.Logger
}

// StackOptions are the optional collaborators of a Stack.
type StackOptions struct {
	// ID fixes the device id; zero generates one.
	ID      uuid.UUID
	Sinks   []dispatcher.LogSink
	Journal lifecycle.Journal
	Data    sap.DataSink
	// Interfaces are created as station interfaces on vif 1 upwards.
	Interfaces []string
}

// txTap logs outbound signals before the transport takes them.
type txTap struct {
	disp *dispatcher.Dispatcher
	tr   *loopback.Transport
}

func (t *txTap) Transmit(sig *hip.Signal) error {
	t.disp.LogTx(sig)
	return t.tr.Transmit(sig)
}

// cfmOffset turns a request id into its confirm id.
const cfmOffset = hip.SignalID(0x0100)

// confirmRequests plays the firmware on the loopback transport. Every
// MLME request is confirmed on its vif to the process that sent it,
// with a zero result code.
func confirmRequests(req *hip.Signal) []*hip.Signal {
	if !req.IsMLME() || !req.IsReq() {
		return nil
	}
	hdr := hip.Header{ID: req.ID + cfmOffset, ReceiverPID: req.SenderPID, VIF: req.VIF}
	return []*hip.Signal{hip.NewSignal(hdr, []byte{0, 0})}
}

// NewStack wires a device from cfg. Nothing is started.
func NewStack(cfg config.HIPConfig, logger *slog.Logger, opts StackOptions) (*Stack, error) {
	blk, err := control.New(cfg.ControlSchema, firmwareVersions)
	if err != nil {
		return nil, fmt.Errorf("control block: %w", err)
	}

	tr := loopback.New(blk, logger)
	tr.SetResponder(confirmRequests)
	tap := &txTap{tr: tr}
	devOpts := []device.Option{
		device.WithLogger(logger),
		device.WithHooks(device.LogHooks{Logger: logger}),
	}
	if opts.ID != uuid.Nil {
		devOpts = append(devOpts, device.WithID(opts.ID))
	}
	dev := device.New(cfg.DeviceConfig(), tap, devOpts...)

	for i, name := range opts.Interfaces {
		vif := device.NetIndexWLAN + uint16(i)
		addr := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, byte(vif)}
		if _, err := dev.AddInterface(vif, name, device.IfTypeStation, addr); err != nil {
			dev.Close()
			return nil, fmt.Errorf("add interface %s: %w", name, err)
		}
	}

	saps := sap.NewSet(dev, opts.Data, logger)
	reg := registry.New(logger)
	for _, s := range saps.All() {
		if err := reg.Register(s); err != nil {
			dev.Close()
			return nil, fmt.Errorf("register %s SAP: %w", s.Class(), err)
		}
	}

	dispOpts := make([]dispatcher.Option, 0, len(opts.Sinks))
	for _, s := range opts.Sinks {
		dispOpts = append(dispOpts, dispatcher.WithLogSink(s))
	}
	disp := dispatcher.New(reg, cfg.DispatcherConfig(), logger, dispOpts...)
	tap.disp = disp
	tr.SetRx(disp.Rx)

	chain := lifecycle.NewChain(logger)
	svcOpts := []lifecycle.Option{lifecycle.WithLogger(logger), lifecycle.WithChain(chain)}
	if opts.Journal != nil {
		svcOpts = append(svcOpts, lifecycle.WithJournal(opts.Journal))
	}
	svc := lifecycle.NewService(reg, tr, dev, svcOpts...)

	return &Stack{
		Device:     dev,
		SAPs:       saps,
		Registry:   reg,
		Dispatcher: disp,
		Transport:  tr,
		Chain:      chain,
		Service:    svc,
		logger:     logger,
	}, nil
}

// Start brings the transport up and negotiates SAP versions.
func (s *Stack) Start(ctx context.Context) error {
	if err := s.Service.Start(ctx); err != nil {
		return err
	}
	if err := s.Service.SapSetup(ctx); err != nil {
		if stopErr := s.Service.Stop(ctx); stopErr != nil {
			s.logger.Warn("stop after failed negotiation", "error", stopErr)
		}
		return err
	}
	return nil
}

// Close stops the service and tears the device down.
func (s *Stack) Close(ctx context.Context) error {
	err := s.Service.Stop(ctx)
	s.Service.Deinit()
	s.Device.Close()
	return err
}

// Inject delivers sig as if the firmware had sent it. It owns sig.
func (s *Stack) Inject(ctx context.Context, sig *hip.Signal) error {
	return s.Transport.Deliver(ctx, sig)
}

// Event runs ev through the notifier chain.
func (s *Stack) Event(ctx context.Context, ev hip.LifecycleEvent) (bool, error) {
	return s.Chain.Notify(ctx, ev) == lifecycle.NotifyOK, nil
}

// Configure applies debug settings to the device and, when any
// interface field is set, to the interface on st.VIF.
func (s *Stack) Configure(_ context.Context, st udi.Settings) error {
	var ifc *device.Interface
	if st.InterfaceScoped() {
		var ok bool
		if ifc, ok = s.Device.Interface(st.VIF); !ok {
			return fmt.Errorf("configure vif %d: %w", st.VIF, hip.ErrNoInterface)
		}
	}

	if st.ResetLevel != nil {
		s.Device.SetResetLevel(hip.Severity(*st.ResetLevel))
	}
	if st.RequireServiceClose != nil {
		s.Device.SetRequireServiceClose(*st.RequireServiceClose)
	}
	if st.UserSuspendMode != nil || st.LCDActive != nil {
		mode, host := s.Device.SuspendConfig()
		if st.UserSuspendMode != nil {
			mode = *st.UserSuspendMode
		}
		if st.LCDActive != nil {
			host &^= device.HostStateLCDActive
			if *st.LCDActive {
				host |= device.HostStateLCDActive
			}
		}
		s.Device.SetSuspendConfig(mode, host)
	}
	if ifc == nil {
		return nil
	}

	if st.Up != nil {
		ifc.SetUp(*st.Up)
	}
	if st.FWTest != nil {
		ifc.SetFWTest(*st.FWTest)
	}
	if st.DropRoamedInd != nil {
		ifc.SetDropRoamedInd(*st.DropRoamedInd)
	}
	if st.TxQueues != nil {
		if *st.TxQueues {
			ifc.StartTxQueues()
		} else {
			ifc.StopTxQueues()
		}
	}
	switch st.Filter {
	case udi.FilterMulticast:
		ifc.ScheduleMulticastUpdate()
	case udi.FilterPacket:
		ifc.SchedulePktFilterUpdate()
	}
	return nil
}

// Send transmits sig. Data signals go out on their interface under flow
// control. MLME requests wait for the confirm and indication named in
// opts. It owns sig.
func (s *Stack) Send(ctx context.Context, sig *hip.Signal, opts udi.SendOptions) (cfm, ind *hip.Signal, err error) {
	var ifc *device.Interface
	if vif := sig.VIF; vif != 0 {
		var ok bool
		if ifc, ok = s.Device.Interface(vif); !ok {
			id := sig.ID
			sig.Free()
			return nil, nil, fmt.Errorf("send %s on vif %d: %w", id, vif, hip.ErrNoInterface)
		}
	}

	switch {
	case sig.IsMA():
		if ifc == nil {
			id := sig.ID
			sig.Free()
			return nil, nil, fmt.Errorf("send %s: data needs a vif: %w", id, hip.ErrNoInterface)
		}
		return nil, nil, s.Device.SendData(ifc, opts.Peer, opts.AC, sig)
	case sig.IsMLME() && sig.IsReq():
		switch {
		case opts.CfmID != 0 && opts.IndID != 0:
			return s.Device.ReqCfmInd(ctx, ifc, sig, opts.CfmID, opts.IndID)
		case opts.CfmID != 0:
			cfm, err = s.Device.ReqCfm(ctx, ifc, sig, opts.CfmID)
			return cfm, nil, err
		case opts.IndID != 0:
			ind, err = s.Device.ReqInd(ctx, ifc, sig, opts.IndID)
			return nil, ind, err
		default:
			return nil, nil, s.Device.Req(ctx, ifc, sig)
		}
	default:
		id := sig.ID
		sig.Free()
		return nil, nil, fmt.Errorf("send %s: only MLME requests and MA signals can be sent", id)
	}
}

// TxDone returns a transmit credit through the dispatcher.
func (s *Stack) TxDone(ctx context.Context, vif uint16, peer, ac uint8) error {
	return s.Dispatcher.TxDone(ctx, vif, peer, ac)
}

// Status describes the stack in structpb-compatible values.
func (s *Stack) Status(context.Context) (map[string]any, error) {
	ds := s.Dispatcher.Stats()
	perClass := make(map[string]any, hip.NumSapClasses)
	for _, c := range hip.SapClasses {
		perClass[c.String()] = ds.PerClass[c]
	}

	ifaces := make([]any, 0)
	for _, ifc := range s.Device.Interfaces() {
		ifaces = append(ifaces, map[string]any{
			"vif":             int(ifc.VIF()),
			"name":            ifc.Name(),
			"type":            ifc.IfType().String(),
			"up":              ifc.IsUp(),
			"tx_stop":         ifc.TxStopped(),
			"fw_test":         ifc.FWTest(),
			"drop_roamed_ind": ifc.DropRoamedInd(),
		})
	}

	ma := s.SAPs.MA.Stats()
	userSuspend, host := s.Device.SuspendConfig()
	return map[string]any{
		"device":        s.Device.ID().String(),
		"state":         s.Service.State(),
		"mlme_blocked":  s.Device.MLMEBlocked(),
		"reset_level":   int(s.Device.ResetLevel()),
		"service_close": s.Device.RequireServiceClose(),
		"user_suspend":  userSuspend,
		"lcd_active":    host&device.HostStateLCDActive != 0,
		"up_count":      s.Device.UpCount(),
		"pending_work":  s.Device.Pending(),
		"interfaces":    ifaces,
		"rx_per_class":  perClass,
		"rx_bypassed":   ds.Bypassed,
		"rx_unknown":    ds.Unclassifiable,
		"rx_not_ready":  ds.NotReady,
		"rx_errors":     ds.HandlerErrors,
		"ma_delivered":  ma.Delivered,
		"ma_credits":    ma.Credits,
		"ma_no_credit":  ma.NoCredit,
		"dbg_signals":   countsToMap(s.SAPs.Dbg.Counts()),
		"test_signals":  countsToMap(s.SAPs.Test.Counts()),
		"notifiers":     s.Chain.Len(),
	}, nil
}

func countsToMap(counts map[hip.SignalID]uint64) map[string]any {
	out := make(map[string]any, len(counts))
	for id, n := range counts {
		out[id.String()] = n
	}
	return out
}
