package grpcserver

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingInterceptor logs every unary call with its status code and latency.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		response, err := handler(ctx, request)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("latency", time.Since(started)),
		}
		switch code {
		case codes.OK:
			logger.Info("grpc call", fields...)
		case codes.Internal, codes.Aborted, codes.DeadlineExceeded:
			logger.Error("grpc call", append(fields, zap.Error(err))...)
		default:
			logger.Warn("grpc call", append(fields, zap.Error(err))...)
		}
		return response, err
	}
}
