package udi

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/frobware/go-hip"
)

// FilterUpdate names the firmware filter an interface reprograms.
type FilterUpdate string

const (
	FilterNone      FilterUpdate = ""
	FilterMulticast FilterUpdate = "multicast"
	FilterPacket    FilterUpdate = "pkt-filter"
)

// Settings adjusts device and interface state. Nil fields and an empty
// Filter are left alone.
type Settings struct {
	ResetLevel          *int32
	RequireServiceClose *bool
	UserSuspendMode     *bool
	LCDActive           *bool

	// The remaining fields apply to the interface on VIF.
	VIF           uint16
	Up            *bool
	FWTest        *bool
	DropRoamedInd *bool
	TxQueues      *bool
	Filter        FilterUpdate
}

// InterfaceScoped reports whether any interface field is set.
func (s Settings) InterfaceScoped() bool {
	return s.Up != nil || s.FWTest != nil || s.DropRoamedInd != nil || s.TxQueues != nil || s.Filter != FilterNone
}

func (s Settings) validate() error {
	switch s.Filter {
	case FilterNone, FilterMulticast, FilterPacket:
	default:
		return fmt.Errorf("unknown filter update %q", s.Filter)
	}
	if s.InterfaceScoped() && s.VIF == 0 {
		return errors.New("interface settings need a vif")
	}
	return nil
}

// SendOptions carries what the send path needs beyond the signal.
// Peer and AC apply to data signals. CfmID and IndID name the replies an
// MLME request waits for; zero means none.
type SendOptions struct {
	Peer  uint8
	AC    uint8
	CfmID hip.SignalID
	IndID hip.SignalID
}

// Controller is the part of a Backend that drives the send path.
type Controller interface {
	// Configure applies s. An unknown VIF fails with hip.ErrNoInterface
	// before anything changes.
	Configure(ctx context.Context, s Settings) error
	// Send transmits sig. Ownership of sig passes to Send; the caller
	// owns any returned replies.
	Send(ctx context.Context, sig *hip.Signal, opts SendOptions) (cfm, ind *hip.Signal, err error)
	// TxDone returns a transmit credit for the peer and access class.
	TxDone(ctx context.Context, vif uint16, peer, ac uint8) error
}

func configureHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DebugServer).Configure(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodConfigure}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DebugServer).Configure(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DebugServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSend}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DebugServer).Send(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func txDoneHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DebugServer).TxDone(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodTxDone}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DebugServer).TxDone(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func (s *Server) Configure(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	st, err := settingsFromStruct(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "configure: %v", err)
	}
	if err := st.validate(); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "configure: %v", err)
	}
	if err := s.backend.Configure(ctx, st); err != nil {
		return nil, status.Errorf(errorCode(err), "configure: %v", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	raw, err := hex.DecodeString(fields["signal"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "send: signal: %v", err)
	}
	sig, err := hip.ParseSignal(raw)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "send: %v", err)
	}
	opts, err := sendOptionsFromStruct(in)
	if err != nil {
		sig.Free()
		return nil, status.Errorf(codes.InvalidArgument, "send: %v", err)
	}

	cfm, ind, err := s.backend.Send(ctx, sig, opts)
	if err != nil {
		return nil, status.Errorf(errorCode(err), "send: %v", err)
	}
	out := make(map[string]any)
	if cfm != nil {
		out["cfm"] = hex.EncodeToString(cfm.Bytes())
		cfm.Free()
	}
	if ind != nil {
		out["ind"] = hex.EncodeToString(ind.Bytes())
		ind.Free()
	}
	return structpb.NewStruct(out)
}

func (s *Server) TxDone(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	fields := in.GetFields()
	vif, err := numberField[uint16](fields, "vif", 0, math.MaxUint16)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "txdone: %v", err)
	}
	peer, err := numberField[uint8](fields, "peer", 0, math.MaxUint8)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "txdone: %v", err)
	}
	ac, err := numberField[uint8](fields, "ac", 0, math.MaxUint8)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "txdone: %v", err)
	}
	if err := s.backend.TxDone(ctx, vif, peer, ac); err != nil {
		return nil, status.Errorf(errorCode(err), "txdone: %v", err)
	}
	return &emptypb.Empty{}, nil
}

// errorCode maps send path errors to status codes.
func errorCode(err error) codes.Code {
	switch {
	case errors.Is(err, hip.ErrNotReady):
		return codes.Unavailable
	case errors.Is(err, hip.ErrNoInterface):
		return codes.NotFound
	case errors.Is(err, hip.ErrTimeout):
		return codes.DeadlineExceeded
	default:
		return codes.FailedPrecondition
	}
}

func numberField[T uint8 | uint16 | int32](fields map[string]*structpb.Value, key string, lo, hi float64) (T, error) {
	n := fields[key].GetNumberValue()
	if n < lo || n > hi || n != math.Trunc(n) {
		return 0, fmt.Errorf("%s %v out of range", key, n)
	}
	return T(n), nil
}

func boolField(fields map[string]*structpb.Value, key string) *bool {
	v, ok := fields[key]
	if !ok {
		return nil
	}
	b := v.GetBoolValue()
	return &b
}

func settingsFromStruct(in *structpb.Struct) (Settings, error) {
	fields := in.GetFields()
	var st Settings
	if _, ok := fields["reset_level"]; ok {
		lvl, err := numberField[int32](fields, "reset_level", math.MinInt32, math.MaxInt32)
		if err != nil {
			return Settings{}, err
		}
		st.ResetLevel = &lvl
	}
	vif, err := numberField[uint16](fields, "vif", 0, math.MaxUint16)
	if err != nil {
		return Settings{}, err
	}
	st.VIF = vif
	st.RequireServiceClose = boolField(fields, "require_service_close")
	st.UserSuspendMode = boolField(fields, "user_suspend_mode")
	st.LCDActive = boolField(fields, "lcd_active")
	st.Up = boolField(fields, "up")
	st.FWTest = boolField(fields, "fw_test")
	st.DropRoamedInd = boolField(fields, "drop_roamed_ind")
	st.TxQueues = boolField(fields, "tx_queues")
	st.Filter = FilterUpdate(fields["filter"].GetStringValue())
	return st, nil
}

func settingsToStruct(st Settings) (*structpb.Struct, error) {
	m := map[string]any{"vif": int(st.VIF)}
	if st.ResetLevel != nil {
		m["reset_level"] = int(*st.ResetLevel)
	}
	for key, v := range map[string]*bool{
		"require_service_close": st.RequireServiceClose,
		"user_suspend_mode":     st.UserSuspendMode,
		"lcd_active":            st.LCDActive,
		"up":                    st.Up,
		"fw_test":               st.FWTest,
		"drop_roamed_ind":       st.DropRoamedInd,
		"tx_queues":             st.TxQueues,
	} {
		if v != nil {
			m[key] = *v
		}
	}
	if st.Filter != FilterNone {
		m["filter"] = string(st.Filter)
	}
	return structpb.NewStruct(m)
}

func sendOptionsFromStruct(in *structpb.Struct) (SendOptions, error) {
	fields := in.GetFields()
	var opts SendOptions
	var err error
	if opts.Peer, err = numberField[uint8](fields, "peer", 0, math.MaxUint8); err != nil {
		return SendOptions{}, err
	}
	if opts.AC, err = numberField[uint8](fields, "ac", 0, math.MaxUint8); err != nil {
		return SendOptions{}, err
	}
	cfm, err := numberField[uint16](fields, "cfm", 0, math.MaxUint16)
	if err != nil {
		return SendOptions{}, err
	}
	ind, err := numberField[uint16](fields, "ind", 0, math.MaxUint16)
	if err != nil {
		return SendOptions{}, err
	}
	opts.CfmID, opts.IndID = hip.SignalID(cfm), hip.SignalID(ind)
	return opts, nil
}
