package udi

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/protobuf/ptypes/wrappers"
	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/frobware/go-hip"
)

const serviceName = "hip.udi.v1.Debug"

const (
	methodStatus = "/" + serviceName + "/Status"
	methodInject = "/" + serviceName + "/Inject"
	methodEvent  = "/" + serviceName + "/Event"
	methodTail   = "/" + serviceName + "/Tail"

	methodConfigure = "/" + serviceName + "/Configure"
	methodSend      = "/" + serviceName + "/Send"
	methodTxDone    = "/" + serviceName + "/TxDone"
)

// Backend is the daemon side of the debug service.
type Backend interface {
	// Status returns a flat description of the running device. Values
	// must be acceptable to structpb.NewStruct.
	Status(ctx context.Context) (map[string]any, error)
	// Inject delivers sig to the dispatcher as if the firmware had sent
	// it. Ownership of sig passes to Inject.
	Inject(ctx context.Context, sig *hip.Signal) error
	// Event delivers a lifecycle event and reports whether it was
	// accepted.
	Event(ctx context.Context, ev hip.LifecycleEvent) (bool, error)

	Controller
}

// DebugServer is the server API of the debug service.
type DebugServer interface {
	Status(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	Inject(ctx context.Context, in *wrappers.BytesValue) (*emptypb.Empty, error)
	Event(ctx context.Context, in *wrappers.StringValue) (*structpb.Struct, error)
	Configure(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
	Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	TxDone(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
	Tail(in *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DebugServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "Inject", Handler: injectHandler},
		{MethodName: "Event", Handler: eventHandler},
		{MethodName: "Configure", Handler: configureHandler},
		{MethodName: "Send", Handler: sendHandler},
		{MethodName: "TxDone", Handler: txDoneHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Tail", Handler: tailHandler, ServerStreams: true},
	},
	Metadata: "udi.proto",
}

// RegisterDebugServer registers srv on s.
func RegisterDebugServer(s grpc.ServiceRegistrar, srv DebugServer) {
	s.RegisterService(&serviceDesc, srv)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DebugServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStatus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DebugServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func injectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrappers.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DebugServer).Inject(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodInject}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DebugServer).Inject(ctx, req.(*wrappers.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func eventHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrappers.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DebugServer).Event(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodEvent}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DebugServer).Event(ctx, req.(*wrappers.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func tailHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DebugServer).Tail(in, stream)
}

// Server implements DebugServer over a Hub and a Backend.
type Server struct {
	hub       *Hub
	backend   Backend
	logger    *slog.Logger
	opCounter atomic.Uint64
}

var _ DebugServer = (*Server)(nil)

// NewServer returns a debug server.
func NewServer(hub *Hub, backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{hub: hub, backend: backend, logger: logger.With("component", "udi")}
}

func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	fields, err := s.backend.Status(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "status: %v", err)
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["udi_clients"] = s.hub.Clients()
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

func (s *Server) Inject(ctx context.Context, in *wrappers.BytesValue) (*emptypb.Empty, error) {
	sig, err := hip.ParseSignal(in.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "inject: %v", err)
	}
	if err := s.backend.Inject(ctx, sig); err != nil {
		return nil, status.Errorf(errorCode(err), "inject: %v", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Event(ctx context.Context, in *wrappers.StringValue) (*structpb.Struct, error) {
	ev, err := hip.ParseLifecycleEvent(in.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "event: %v", err)
	}
	accepted, err := s.backend.Event(ctx, ev)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "event %s: %v", ev, err)
	}
	return structpb.NewStruct(map[string]any{"event": ev.String(), "accepted": accepted})
}

// Tail registers a log client for the life of the stream and sends it
// every matching signal.
func (s *Server) Tail(in *structpb.Struct, stream grpc.ServerStream) error {
	f, err := filterFromStruct(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "tail: %v", err)
	}
	c, err := s.hub.Register(f)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "tail: %v", err)
	}
	defer s.hub.Unregister(c)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-c.C():
			if !ok {
				return nil
			}
			msg, err := entryToStruct(e, c.Dropped())
			if err != nil {
				return status.Errorf(codes.Internal, "encode entry: %v", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// Serve listens on socketPath and, when set, tcpAddr until ctx is done.
func (s *Server) Serve(ctx context.Context, socketPath, tcpAddr string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	unixListener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	defer unixListener.Close()

	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	grpcServer := s.NewGRPCServer()
	errChan := make(chan error, 2)

	go func() {
		s.logger.InfoContext(ctx, "udi gRPC server listening", "socket", socketPath)
		if err := grpcServer.Serve(unixListener); err != nil {
			errChan <- fmt.Errorf("unix socket server: %w", err)
		}
	}()

	if tcpAddr != "" {
		tcpListener, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			grpcServer.GracefulStop()
			return fmt.Errorf("failed to listen on TCP %s: %w", tcpAddr, err)
		}
		go func() {
			s.logger.InfoContext(ctx, "udi gRPC server listening", "tcp", tcpAddr)
			if err := grpcServer.Serve(tcpListener); err != nil {
				errChan <- fmt.Errorf("tcp server: %w", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		s.logger.InfoContext(ctx, "shutting down udi gRPC server")
		s.hub.Close()
		grpcServer.GracefulStop()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// NewGRPCServer returns a gRPC server with the debug service registered.
func (s *Server) NewGRPCServer() *grpc.Server {
	gs := grpc.NewServer(
		grpc.UnaryInterceptor(s.loggingInterceptor()),
	)
	RegisterDebugServer(gs, s)
	return gs
}

// loggingInterceptor assigns a monotonic operation ID to each request and
// logs errors.
func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		opID := s.opCounter.Inc()
		resp, err := handler(ctx, req)
		if err != nil {
			s.logger.ErrorContext(ctx, "grpc error", "op_id", opID, "method", info.FullMethod, "error", err)
		}
		return resp, err
	}
}

func filterFromStruct(in *structpb.Struct) (Filter, error) {
	var f Filter
	fields := in.GetFields()
	if v, ok := fields["ids"]; ok {
		for _, item := range v.GetListValue().GetValues() {
			n := item.GetNumberValue()
			if n < 0 || n > 0xFFFF || n != float64(uint16(n)) {
				return Filter{}, fmt.Errorf("invalid signal id %v", n)
			}
			f.IDs = append(f.IDs, hip.SignalID(n))
		}
	}
	f.ListedOnly = fields["listed_only"].GetBoolValue()
	f.UnitdataSizeLimit = int(fields["unitdata_size_limit"].GetNumberValue())
	return f, nil
}

func filterToStruct(f Filter) (*structpb.Struct, error) {
	ids := make([]any, len(f.IDs))
	for i, id := range f.IDs {
		ids[i] = int(id)
	}
	return structpb.NewStruct(map[string]any{
		"ids":                 ids,
		"listed_only":         f.ListedOnly,
		"unitdata_size_limit": f.UnitdataSizeLimit,
	})
}

func entryToStruct(e Entry, dropped uint64) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"seq":          e.Seq,
		"direction":    e.Direction.String(),
		"id":           int(e.Header.ID),
		"receiver_pid": int(e.Header.ReceiverPID),
		"sender_pid":   int(e.Header.SenderPID),
		"vif":          int(e.Header.VIF),
		"body":         hex.EncodeToString(e.Body),
		"length":       e.Length,
		"time":         e.Time.UTC().Format(time.RFC3339Nano),
		"dropped":      dropped,
	})
}

func entryFromStruct(in *structpb.Struct) (Entry, uint64, error) {
	fields := in.GetFields()
	num := func(k string) float64 { return fields[k].GetNumberValue() }

	body, err := hex.DecodeString(fields["body"].GetStringValue())
	if err != nil {
		return Entry{}, 0, fmt.Errorf("decode body: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, fields["time"].GetStringValue())
	if err != nil {
		return Entry{}, 0, fmt.Errorf("decode time: %w", err)
	}
	dir := hip.DirectionToHost
	if fields["direction"].GetStringValue() == hip.DirectionFromHost.String() {
		dir = hip.DirectionFromHost
	}
	return Entry{
		Seq:       uint64(num("seq")),
		Direction: dir,
		Header: hip.Header{
			ID:          hip.SignalID(num("id")),
			ReceiverPID: uint16(num("receiver_pid")),
			SenderPID:   uint16(num("sender_pid")),
			VIF:         uint16(num("vif")),
		},
		Body:   body,
		Length: int(num("length")),
		Time:   at,
	}, uint64(num("dropped")), nil
}
