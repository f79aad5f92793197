// Package clients holds gRPC clients for the services of a grouse
// node
package clients

import (
	"context"

	"github.com/jrife/grouse/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var _ transport.Gateway = (*GatewayClient)(nil)

// DialOptions returns the options every client connection needs
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(transport.CodecName)),
	}
}

// GatewayClient calls the gateway service of a node
type GatewayClient struct {
	conn grpc.ClientConnInterface
}

// NewGatewayClient creates a gateway client on conn. conn must use
// DialOptions.
func NewGatewayClient(conn grpc.ClientConnInterface) *GatewayClient {
	return &GatewayClient{conn: conn}
}

func invoke[Req any, Resp any](ctx context.Context, conn grpc.ClientConnInterface, service string, method string, request *Req) (*Resp, error) {
	response := new(Resp)

	if err := conn.Invoke(ctx, transport.FullMethod(service, method), request, response); err != nil {
		return nil, transport.FromStatus(err)
	}

	return response, nil
}

// Deploy implements transport.Gateway
func (client *GatewayClient) Deploy(ctx context.Context, request *transport.DeployRequest) (*transport.DeployResponse, error) {
	return invoke[transport.DeployRequest, transport.DeployResponse](ctx, client.conn, transport.GatewayServiceName, "Deploy", request)
}

// CreateProcessInstance implements transport.Gateway
func (client *GatewayClient) CreateProcessInstance(ctx context.Context, request *transport.CreateProcessInstanceRequest) (*transport.CreateProcessInstanceResponse, error) {
	return invoke[transport.CreateProcessInstanceRequest, transport.CreateProcessInstanceResponse](ctx, client.conn, transport.GatewayServiceName, "CreateProcessInstance", request)
}

// CancelProcessInstance implements transport.Gateway
func (client *GatewayClient) CancelProcessInstance(ctx context.Context, request *transport.CancelProcessInstanceRequest) (*transport.CancelProcessInstanceResponse, error) {
	return invoke[transport.CancelProcessInstanceRequest, transport.CancelProcessInstanceResponse](ctx, client.conn, transport.GatewayServiceName, "CancelProcessInstance", request)
}

// CompleteJob implements transport.Gateway
func (client *GatewayClient) CompleteJob(ctx context.Context, request *transport.CompleteJobRequest) (*transport.CompleteJobResponse, error) {
	return invoke[transport.CompleteJobRequest, transport.CompleteJobResponse](ctx, client.conn, transport.GatewayServiceName, "CompleteJob", request)
}

// ThrowError implements transport.Gateway
func (client *GatewayClient) ThrowError(ctx context.Context, request *transport.ThrowErrorRequest) (*transport.ThrowErrorResponse, error) {
	return invoke[transport.ThrowErrorRequest, transport.ThrowErrorResponse](ctx, client.conn, transport.GatewayServiceName, "ThrowError", request)
}

// ResolveIncident implements transport.Gateway
func (client *GatewayClient) ResolveIncident(ctx context.Context, request *transport.ResolveIncidentRequest) (*transport.ResolveIncidentResponse, error) {
	return invoke[transport.ResolveIncidentRequest, transport.ResolveIncidentResponse](ctx, client.conn, transport.GatewayServiceName, "ResolveIncident", request)
}

// ListJobs implements transport.Gateway
func (client *GatewayClient) ListJobs(ctx context.Context, request *transport.ListJobsRequest) (*transport.ListJobsResponse, error) {
	return invoke[transport.ListJobsRequest, transport.ListJobsResponse](ctx, client.conn, transport.GatewayServiceName, "ListJobs", request)
}

// Topology implements transport.Gateway
func (client *GatewayClient) Topology(ctx context.Context, request *transport.TopologyRequest) (*transport.TopologyResponse, error) {
	return invoke[transport.TopologyRequest, transport.TopologyResponse](ctx, client.conn, transport.GatewayServiceName, "Topology", request)
}
