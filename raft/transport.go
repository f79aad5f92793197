package raft

import (
	"context"

	"github.com/coreos/etcd/raft/raftpb"
	"github.com/jrife/grouse/storage/snapshot"
)

// Transport moves raft messages and snapshot chunks between the
// replicas of partitions
type Transport interface {
	// Send delivers messages to the replicas they are addressed to.
	// Delivery is best effort.
	Send(partitionID int, messages []raftpb.Message)
	// FetchSnapshotChunk reads a chunk of a persisted snapshot from
	// the replica with id from
	FetchSnapshotChunk(ctx context.Context, partitionID int, from uint64, snapshotID string, offset int64) (snapshot.Chunk, error)
}

// Receiver handles messages addressed to a replica
type Receiver interface {
	Receive(messages []raftpb.Message)
	ReadSnapshotChunk(snapshotID string, offset int64) (snapshot.Chunk, error)
}
