package grpc

import (
	"errors"
	"net"

	"github.com/jrife/grouse/transport/frontends"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var _ frontends.Frontend = (*Frontend)(nil)

// Frontend is an implementation of Frontend for the gRPC protocol.
// Messages are encoded with the transport's JSON codec.
type Frontend struct {
	grpcServer *grpc.Server
	logger     *zap.Logger
}

// Init initializes the frontend
func (frontend *Frontend) Init(options frontends.Options) error {
	if options.Gateway == nil && options.Raft == nil && options.Partitions == nil {
		return errors.New("expected at least one service")
	}

	frontend.logger = log.OrDefault(options.Logger).With(zap.String("frontend", "grpc"))
	frontend.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(statusInterceptor, loggingInterceptor(frontend.logger)))

	if options.Gateway != nil {
		frontend.grpcServer.RegisterService(&GatewayServiceDesc, options.Gateway)
	}

	if options.Raft != nil {
		frontend.grpcServer.RegisterService(&RaftServiceDesc, options.Raft)
	}

	if options.Partitions != nil {
		frontend.grpcServer.RegisterService(&PartitionServiceDesc, options.Partitions)
	}

	return nil
}

// Listen accepts connections from this listener
func (frontend *Frontend) Listen(listener net.Listener) error {
	frontend.logger.Info("listening", zap.Stringer("address", listener.Addr()))

	if err := frontend.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}

	return nil
}

// Stop stops accepting connections from listeners and causes all
// calls to Listen to return
func (frontend *Frontend) Stop() error {
	frontend.grpcServer.GracefulStop()

	return nil
}
