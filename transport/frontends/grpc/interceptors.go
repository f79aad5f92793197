package grpc

import (
	"context"
	"time"

	"github.com/jrife/grouse/transport"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func statusInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)

	return resp, transport.ToStatus(err)
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx = log.WithFields(ctx, zap.String("method", info.FullMethod))
		ctx = log.WithLogger(ctx, logger)
		start := time.Now()
		resp, err := handler(ctx, req)

		log.WithContext(ctx, logger).Debug("handled request", zap.Duration("duration", time.Since(start)), zap.Error(err))

		return resp, err
	}
}
