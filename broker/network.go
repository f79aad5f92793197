package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/etcd/raft/raftpb"
	"github.com/jrife/grouse/raft"
	"github.com/jrife/grouse/storage/snapshot"
	"github.com/jrife/grouse/transport"
)

// Network connects the nodes of an in-process cluster. Nodes can be
// cut off to simulate network partitions.
type Network struct {
	mu           sync.RWMutex
	nodes        map[uint64]transport.RaftService
	disconnected map[uint64]bool
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{nodes: map[uint64]transport.RaftService{}, disconnected: map[uint64]bool{}}
}

// Register makes a node reachable under its id
func (network *Network) Register(nodeID uint64, service transport.RaftService) {
	network.mu.Lock()
	defer network.mu.Unlock()

	network.nodes[nodeID] = service
}

// Disconnect drops every message from and to a node
func (network *Network) Disconnect(nodeID uint64) {
	network.mu.Lock()
	defer network.mu.Unlock()

	network.disconnected[nodeID] = true
}

// Connect undoes Disconnect
func (network *Network) Connect(nodeID uint64) {
	network.mu.Lock()
	defer network.mu.Unlock()

	delete(network.disconnected, nodeID)
}

func (network *Network) reachable(from uint64, to uint64) (transport.RaftService, bool) {
	network.mu.RLock()
	defer network.mu.RUnlock()

	if network.disconnected[from] || network.disconnected[to] {
		return nil, false
	}

	service, ok := network.nodes[to]

	return service, ok
}

// Transport returns the raft transport of one node
func (network *Network) Transport(nodeID uint64) raft.Transport {
	return &endpoint{network: network, nodeID: nodeID}
}

type endpoint struct {
	network *Network
	nodeID  uint64
}

// Send implements raft.Transport
func (endpoint *endpoint) Send(partitionID int, messages []raftpb.Message) {
	byNode := map[uint64][]raftpb.Message{}

	for _, message := range messages {
		byNode[message.To] = append(byNode[message.To], message)
	}

	for nodeID, batch := range byNode {
		if service, ok := endpoint.network.reachable(endpoint.nodeID, nodeID); ok {
			service.Receive(partitionID, batch)
		}
	}
}

// FetchSnapshotChunk implements raft.Transport
func (endpoint *endpoint) FetchSnapshotChunk(ctx context.Context, partitionID int, from uint64, snapshotID string, offset int64) (snapshot.Chunk, error) {
	service, ok := endpoint.network.reachable(endpoint.nodeID, from)

	if !ok {
		return snapshot.Chunk{}, fmt.Errorf("node %d is not reachable from node %d: %w", from, endpoint.nodeID, transport.ErrUnavailable)
	}

	return service.ReadSnapshotChunk(partitionID, snapshotID, offset)
}
