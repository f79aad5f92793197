package grpc

import (
	"github.com/jrife/grouse/transport"
	"google.golang.org/grpc"
)

// GatewayServiceDesc describes the gateway service for a
// transport.Gateway
var GatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: transport.GatewayServiceName,
	HandlerType: (*transport.Gateway)(nil),
	Methods: []grpc.MethodDesc{
		unary(transport.GatewayServiceName, "Deploy", transport.Gateway.Deploy),
		unary(transport.GatewayServiceName, "CreateProcessInstance", transport.Gateway.CreateProcessInstance),
		unary(transport.GatewayServiceName, "CancelProcessInstance", transport.Gateway.CancelProcessInstance),
		unary(transport.GatewayServiceName, "CompleteJob", transport.Gateway.CompleteJob),
		unary(transport.GatewayServiceName, "ThrowError", transport.Gateway.ThrowError),
		unary(transport.GatewayServiceName, "ResolveIncident", transport.Gateway.ResolveIncident),
		unary(transport.GatewayServiceName, "ListJobs", transport.Gateway.ListJobs),
		unary(transport.GatewayServiceName, "Topology", transport.Gateway.Topology),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "grouse/gateway",
}
