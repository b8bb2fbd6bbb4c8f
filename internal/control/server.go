// Package control exposes the agent's scheduler and backfill engines over a local gRPC API.
//
// Request and response bodies are google.protobuf.Struct values and the service
// descriptor is written by hand.
package control

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/harvester/internal/backfill"
	"github.com/and161185/harvester/internal/convert"
	"github.com/and161185/harvester/internal/errs"
	"github.com/and161185/harvester/internal/model"
	"github.com/and161185/harvester/internal/scheduler"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "harvester.control.v1.Control"

const shutdownGrace = 5 * time.Second

// ControlServer is the handler set behind ServiceDesc.
type ControlServer interface {
	ListServices(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunNow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetEnabled(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartBackfill(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelBackfill(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BackfillProgress(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type call func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, fn call) grpc.MethodHandler {
	full := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(srv.(ControlServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListServices", Handler: unary("ListServices", ControlServer.ListServices)},
		{MethodName: "RunNow", Handler: unary("RunNow", ControlServer.RunNow)},
		{MethodName: "SetEnabled", Handler: unary("SetEnabled", ControlServer.SetEnabled)},
		{MethodName: "StartBackfill", Handler: unary("StartBackfill", ControlServer.StartBackfill)},
		{MethodName: "CancelBackfill", Handler: unary("CancelBackfill", ControlServer.CancelBackfill)},
		{MethodName: "BackfillProgress", Handler: unary("BackfillProgress", ControlServer.BackfillProgress)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "harvester/control/v1/control.proto",
}

// Server wires the engine registries into gRPC handlers.
type Server struct {
	services  *scheduler.Registry
	backfills *backfill.Registry
	health    *health.Server
	log       *zap.Logger
}

// New constructs a control server. hs may be nil.
func New(services *scheduler.Registry, backfills *backfill.Registry, hs *health.Server, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if hs == nil {
		hs = health.NewServer()
	}
	return &Server{services: services, backfills: backfills, health: hs, log: log}
}

// ResultHook returns a scheduler result hook that mirrors each run into hs,
// one health service name per source.
func ResultHook(hs *health.Server) func(name string, r model.JobRunResult) {
	return func(name string, r model.JobRunResult) {
		st := healthpb.HealthCheckResponse_SERVING
		if !r.OK() {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus(name, st)
	}
}

// Register attaches the control and health services to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
}

// NewGRPCServer builds a grpc.Server with the recover and logging interceptors and s registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(recoverCalls(s.log), logCalls(s.log)),
	}, opts...)
	gs := grpc.NewServer(opts...)
	s.Register(gs)
	return gs
}

// Serve listens on addr until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	gs := s.NewGRPCServer()
	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()
	s.log.Info("control api listening", zap.String("addr", lis.Addr().String()))

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		done := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			gs.Stop()
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// --- handlers ---

// ListServices returns every scheduler snapshot.
func (s *Server) ListServices(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out, err := convert.ToStructServiceStatuses(s.services.Statuses())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

// RunNow triggers an immediate sync. A failed sync is reported in the body, not as an RPC error.
func (s *Server) RunNow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	svc, err := s.services.Get(stringField(req, "name"))
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := svc.RunNow(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := convert.ToStructRunResult(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

// SetEnabled persists the enabled flag and starts or stops the service.
func (s *Server) SetEnabled(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	v, ok := req.GetFields()["enabled"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "enabled is required")
	}
	svc, err := s.services.Get(stringField(req, "name"))
	if err != nil {
		return nil, toStatus(err)
	}
	if err := svc.SetEnabled(ctx, v.GetBoolValue()); err != nil {
		return nil, toStatus(err)
	}
	out, err := convert.ToStructServiceStatus(svc.Status())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

// StartBackfill launches a backfill in the background and returns the initial snapshot.
func (s *Server) StartBackfill(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	e, err := s.backfills.Get(stringField(req, "family"))
	if err != nil {
		return nil, toStatus(err)
	}
	days := int(req.GetFields()["days"].GetNumberValue())
	if err := e.Start(days); err != nil {
		return nil, toStatus(err)
	}
	out, err := convert.ToStructBackfill(e.Progress())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

// CancelBackfill requests cancellation of a running backfill.
func (s *Server) CancelBackfill(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	e, err := s.backfills.Get(stringField(req, "family"))
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := structpb.NewStruct(map[string]any{"cancelled": e.Cancel()})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

// BackfillProgress returns snapshots for one family, or all of them when family is empty.
func (s *Server) BackfillProgress(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var list []model.BackfillState
	if fam := stringField(req, "family"); fam != "" {
		e, err := s.backfills.Get(fam)
		if err != nil {
			return nil, toStatus(err)
		}
		list = []model.BackfillState{e.Progress()}
	} else {
		list = s.backfills.Progress()
	}
	out, err := convert.ToStructBackfills(list)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

var codeOf = []struct {
	err  error
	code codes.Code
}{
	{errs.ErrUnknownSource, codes.NotFound},
	{errs.ErrValidation, codes.InvalidArgument},
	{errs.ErrDisabled, codes.FailedPrecondition},
	{errs.ErrNoEncryptionKey, codes.FailedPrecondition},
	{errs.ErrSyncInProgress, codes.Aborted},
	{errs.ErrBackfillRunning, codes.AlreadyExists},
}

func toStatus(err error) error {
	for _, m := range codeOf {
		if errors.Is(err, m.err) {
			return status.Error(m.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}
