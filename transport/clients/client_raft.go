package clients

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/etcd/raft/raftpb"
	"github.com/jrife/grouse/raft"
	"github.com/jrife/grouse/storage/snapshot"
	"github.com/jrife/grouse/transport"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var _ raft.Transport = (*RaftClient)(nil)

// RaftClientConfig configures a raft client
type RaftClientConfig struct {
	// Peers maps node ids to the address of their raft service
	Peers       map[uint64]string
	SendTimeout time.Duration
	Logger      *zap.Logger
	// Dial creates connections. It defaults to grpc.Dial with
	// DialOptions.
	Dial func(address string) (*grpc.ClientConn, error)
}

// RaftClient sends raft messages to other nodes over gRPC. Sends are
// asynchronous and best effort. Messages to one node keep their
// order.
type RaftClient struct {
	peers       map[uint64]string
	sendTimeout time.Duration
	logger      *zap.Logger
	dial        func(address string) (*grpc.ClientConn, error)

	mu     sync.Mutex
	conns  map[uint64]*grpc.ClientConn
	queues map[uint64]chan *transport.RaftMessages
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewRaftClient creates a raft client
func NewRaftClient(config RaftClientConfig) *RaftClient {
	client := &RaftClient{
		peers:       config.Peers,
		sendTimeout: config.SendTimeout,
		logger:      log.OrDefault(config.Logger).With(zap.String("component", "raft client")),
		dial:        config.Dial,
		conns:       map[uint64]*grpc.ClientConn{},
		queues:      map[uint64]chan *transport.RaftMessages{},
		done:        make(chan struct{}),
	}

	if client.sendTimeout == 0 {
		client.sendTimeout = 5 * time.Second
	}

	if client.dial == nil {
		client.dial = func(address string) (*grpc.ClientConn, error) {
			return grpc.Dial(address, DialOptions()...)
		}
	}

	return client
}

func (client *RaftClient) conn(nodeID uint64) (*grpc.ClientConn, error) {
	client.mu.Lock()
	defer client.mu.Unlock()

	if conn, ok := client.conns[nodeID]; ok {
		return conn, nil
	}

	address, ok := client.peers[nodeID]

	if !ok {
		return nil, fmt.Errorf("node %d has no known address", nodeID)
	}

	conn, err := client.dial(address)

	if err != nil {
		return nil, fmt.Errorf("could not dial node %d at %s: %w", nodeID, address, err)
	}

	client.conns[nodeID] = conn

	return conn, nil
}

func (client *RaftClient) queue(nodeID uint64) chan *transport.RaftMessages {
	client.mu.Lock()
	defer client.mu.Unlock()

	if queue, ok := client.queues[nodeID]; ok {
		return queue
	}

	queue := make(chan *transport.RaftMessages, 256)
	client.queues[nodeID] = queue
	client.wg.Add(1)

	go client.sendLoop(nodeID, queue)

	return queue
}

func (client *RaftClient) sendLoop(nodeID uint64, queue chan *transport.RaftMessages) {
	defer client.wg.Done()

	for {
		select {
		case <-client.done:
			return
		case messages := <-queue:
			if err := client.send(nodeID, messages); err != nil {
				client.logger.Debug("could not send raft messages", zap.Uint64("to", nodeID), zap.Int("partition", messages.PartitionID), zap.Error(err))
			}
		}
	}
}

func (client *RaftClient) send(nodeID uint64, messages *transport.RaftMessages) error {
	conn, err := client.conn(nodeID)

	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), client.sendTimeout)
	defer cancel()

	_, err = invoke[transport.RaftMessages, transport.RaftMessagesResponse](ctx, conn, transport.RaftServiceName, "SendMessages", messages)

	return err
}

// Send implements raft.Transport. Messages are dropped when a node's
// queue is full. Raft retransmits them.
func (client *RaftClient) Send(partitionID int, messages []raftpb.Message) {
	byNode := map[uint64][]raftpb.Message{}

	for _, message := range messages {
		byNode[message.To] = append(byNode[message.To], message)
	}

	for nodeID, batch := range byNode {
		encoded, err := transport.EncodeMessages(partitionID, batch)

		if err != nil {
			client.logger.Warn("could not encode raft messages", zap.Error(err))

			continue
		}

		select {
		case client.queue(nodeID) <- encoded:
		default:
			client.logger.Debug("dropping raft messages", zap.Uint64("to", nodeID), zap.Int("count", len(batch)))
		}
	}
}

// FetchSnapshotChunk implements raft.Transport
func (client *RaftClient) FetchSnapshotChunk(ctx context.Context, partitionID int, from uint64, snapshotID string, offset int64) (snapshot.Chunk, error) {
	conn, err := client.conn(from)

	if err != nil {
		return snapshot.Chunk{}, err
	}

	chunk, err := invoke[transport.SnapshotChunkRequest, snapshot.Chunk](ctx, conn, transport.RaftServiceName, "FetchSnapshotChunk", &transport.SnapshotChunkRequest{
		PartitionID: partitionID,
		SnapshotID:  snapshotID,
		Offset:      offset,
	})

	if err != nil {
		return snapshot.Chunk{}, err
	}

	return *chunk, nil
}

// Close stops sending and closes every connection
func (client *RaftClient) Close() error {
	close(client.done)
	client.wg.Wait()

	client.mu.Lock()
	defer client.mu.Unlock()

	var err error

	for nodeID, conn := range client.conns {
		err = multierr.Append(err, conn.Close())

		delete(client.conns, nodeID)
	}

	return err
}
