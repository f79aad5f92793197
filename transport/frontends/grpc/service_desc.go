package grpc

import (
	"context"

	"github.com/jrife/grouse/transport"
	"google.golang.org/grpc"
)

// unary describes a unary method whose handler calls fn on a service
// of type S
func unary[S any, Req any, Resp any](service string, method string, fn func(server S, ctx context.Context, request *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := transport.FullMethod(service, method)

	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			request := new(Req)

			if err := dec(request); err != nil {
				return nil, err
			}

			if interceptor == nil {
				return fn(srv.(S), ctx, request)
			}

			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}

			return interceptor(ctx, request, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(srv.(S), ctx, req.(*Req))
			})
		},
	}
}
