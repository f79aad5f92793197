package grpc

import (
	"context"

	"github.com/jrife/grouse/storage/snapshot"
	"github.com/jrife/grouse/transport"
	"google.golang.org/grpc"
)

// RaftServiceDesc describes the raft service for a
// transport.RaftService
var RaftServiceDesc = grpc.ServiceDesc{
	ServiceName: transport.RaftServiceName,
	HandlerType: (*transport.RaftService)(nil),
	Methods: []grpc.MethodDesc{
		unary(transport.RaftServiceName, "SendMessages", sendMessages),
		unary(transport.RaftServiceName, "FetchSnapshotChunk", fetchSnapshotChunk),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "grouse/raft",
}

func sendMessages(raftService transport.RaftService, ctx context.Context, request *transport.RaftMessages) (*transport.RaftMessagesResponse, error) {
	messages, err := request.Decode()

	if err != nil {
		return nil, err
	}

	if err := raftService.Receive(request.PartitionID, messages); err != nil {
		return nil, err
	}

	return &transport.RaftMessagesResponse{}, nil
}

func fetchSnapshotChunk(raftService transport.RaftService, ctx context.Context, request *transport.SnapshotChunkRequest) (*snapshot.Chunk, error) {
	chunk, err := raftService.ReadSnapshotChunk(request.PartitionID, request.SnapshotID, request.Offset)

	if err != nil {
		return nil, err
	}

	return &chunk, nil
}
