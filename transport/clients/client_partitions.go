package clients

import (
	"context"

	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/transport"
	"google.golang.org/grpc"
)

var _ transport.PartitionService = (*PartitionClient)(nil)

// PartitionClient calls the partition service of another node
type PartitionClient struct {
	conn grpc.ClientConnInterface
}

// NewPartitionClient creates a partition client on conn. conn must
// use DialOptions.
func NewPartitionClient(conn grpc.ClientConnInterface) *PartitionClient {
	return &PartitionClient{conn: conn}
}

// Execute implements transport.PartitionService
func (client *PartitionClient) Execute(ctx context.Context, partitionID int, command protocol.Record) (protocol.Record, error) {
	response, err := invoke[transport.ExecuteRequest, transport.ExecuteResponse](ctx, client.conn, transport.PartitionServiceName, "Execute", &transport.ExecuteRequest{
		PartitionID: partitionID,
		Command:     command,
	})

	if err != nil {
		return protocol.Record{}, err
	}

	return response.Record, nil
}

// ListJobs implements transport.PartitionService
func (client *PartitionClient) ListJobs(ctx context.Context, partitionID int, jobType string, limit int) ([]transport.Job, error) {
	response, err := invoke[transport.ListPartitionJobsRequest, transport.ListJobsResponse](ctx, client.conn, transport.PartitionServiceName, "ListJobs", &transport.ListPartitionJobsRequest{
		PartitionID: partitionID,
		Type:        jobType,
		Limit:       limit,
	})

	if err != nil {
		return nil, err
	}

	return response.Jobs, nil
}
