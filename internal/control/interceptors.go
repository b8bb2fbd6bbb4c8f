package control

import (
	"context"
	"path"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// mutating lists the control operations that change agent state. They log at info.
var mutating = map[string]bool{
	"RunNow":         true,
	"SetEnabled":     true,
	"StartBackfill":  true,
	"CancelBackfill": true,
}

// opName trims "/harvester.control.v1.Control/RunNow" down to "RunNow".
func opName(fullMethod string) string { return path.Base(fullMethod) }

func callLevel(op string, code codes.Code) zapcore.Level {
	switch {
	case code != codes.OK:
		return zap.WarnLevel
	case mutating[op]:
		return zap.InfoLevel
	default:
		return zap.DebugLevel
	}
}

// logCalls records one line per control call. Request bodies are never logged.
func logCalls(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)

		op := opName(info.FullMethod)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("op", op),
			zap.String("code", code.String()),
			zap.Duration("dur", time.Since(start)),
		}
		// unix socket peers carry no useful address
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil && p.Addr.Network() != "unix" {
			fields = append(fields, zap.String("peer", p.Addr.String()))
		}
		if err != nil {
			fields = append(fields, zap.String("reason", status.Convert(err).Message()))
		}
		log.Log(callLevel(op, code), "control call", fields...)
		return resp, err
	}
}

// recoverCalls turns a handler panic into codes.Internal.
func recoverCalls(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("control handler panic",
					zap.String("op", opName(info.FullMethod)),
					zap.Any("reason", r),
					zap.ByteString("stack", debug.Stack()),
				)
				resp, err = nil, status.Error(codes.Internal, "internal")
			}
		}()
		return next(ctx, req)
	}
}
