package grpc

import (
	"context"

	"github.com/jrife/grouse/transport"
	"google.golang.org/grpc"
)

// PartitionServiceDesc describes the partition service for a
// transport.PartitionService
var PartitionServiceDesc = grpc.ServiceDesc{
	ServiceName: transport.PartitionServiceName,
	HandlerType: (*transport.PartitionService)(nil),
	Methods: []grpc.MethodDesc{
		unary(transport.PartitionServiceName, "Execute", execute),
		unary(transport.PartitionServiceName, "ListJobs", listJobs),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "grouse/partitions",
}

func execute(partitions transport.PartitionService, ctx context.Context, request *transport.ExecuteRequest) (*transport.ExecuteResponse, error) {
	record, err := partitions.Execute(ctx, request.PartitionID, request.Command)

	if err != nil {
		return nil, err
	}

	return &transport.ExecuteResponse{Record: record}, nil
}

func listJobs(partitions transport.PartitionService, ctx context.Context, request *transport.ListPartitionJobsRequest) (*transport.ListJobsResponse, error) {
	jobs, err := partitions.ListJobs(ctx, request.PartitionID, request.Type, request.Limit)

	if err != nil {
		return nil, err
	}

	return &transport.ListJobsResponse{Jobs: jobs}, nil
}
