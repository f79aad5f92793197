package broker

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jrife/grouse/exporter"
	"github.com/jrife/grouse/transport"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ClusterConfig configures an in-process cluster
type ClusterConfig struct {
	Nodes             int
	PartitionCount    int
	ReplicationFactor int
	Directory         string
	Settings          PartitionSettings
	// Sinks returns exporters created by the caller for a replica
	Sinks  func(nodeID uint64, partitionID int) []exporter.Named
	Logger *zap.Logger
}

// Cluster runs several nodes in one process connected by a Network
type Cluster struct {
	layout            Layout
	replicationFactor int
	network           *Network
	nodes             []*Node
	gateway           *Gateway
	logger            *zap.Logger
}

// NewCluster creates the nodes of a cluster. Run starts them.
func NewCluster(config ClusterConfig) (*Cluster, error) {
	nodeIDs := make([]uint64, 0, config.Nodes)

	for i := 1; i <= config.Nodes; i++ {
		nodeIDs = append(nodeIDs, uint64(i))
	}

	layout, err := NewLayout(config.PartitionCount, config.ReplicationFactor, nodeIDs)

	if err != nil {
		return nil, fmt.Errorf("could not lay out partitions: %w", err)
	}

	cluster := &Cluster{
		layout:            layout,
		replicationFactor: config.ReplicationFactor,
		network:           NewNetwork(),
		logger:            log.OrDefault(config.Logger),
	}

	for _, nodeID := range nodeIDs {
		nodeID := nodeID
		var sinks func(partitionID int) []exporter.Named

		if config.Sinks != nil {
			sinks = func(partitionID int) []exporter.Named { return config.Sinks(nodeID, partitionID) }
		}

		node := NewNode(NodeConfig{
			NodeID:    nodeID,
			Directory: filepath.Join(config.Directory, fmt.Sprintf("node-%d", nodeID)),
			Layout:    layout,
			Transport: cluster.network.Transport(nodeID),
			Settings:  config.Settings,
			Sinks:     sinks,
			Logger:    config.Logger,
		})

		cluster.network.Register(nodeID, node)
		cluster.nodes = append(cluster.nodes, node)
	}

	router := NewRouter(RouterConfig{
		Layout: layout,
		Peers:  cluster.peer,
		Logger: config.Logger,
	})

	cluster.gateway = NewGateway(GatewayConfig{
		Layout:            layout,
		ReplicationFactor: config.ReplicationFactor,
		Partitions:        router,
		Brokers:           cluster.brokers,
		Logger:            config.Logger,
	})

	return cluster, nil
}

func (cluster *Cluster) peer(nodeID uint64) (transport.PartitionService, bool) {
	node, ok := cluster.Node(nodeID)

	return node, ok
}

func (cluster *Cluster) brokers() []transport.BrokerInfo {
	brokers := make([]transport.BrokerInfo, 0, len(cluster.nodes))

	for _, node := range cluster.nodes {
		brokers = append(brokers, node.Info())
	}

	return brokers
}

// Node returns a node by id
func (cluster *Cluster) Node(nodeID uint64) (*Node, bool) {
	if nodeID < 1 || int(nodeID) > len(cluster.nodes) {
		return nil, false
	}

	return cluster.nodes[nodeID-1], true
}

// Network returns the network connecting the nodes
func (cluster *Cluster) Network() *Network {
	return cluster.network
}

// Gateway returns a gateway that routes to every node
func (cluster *Cluster) Gateway() *Gateway {
	return cluster.gateway
}

// Layout returns the partition layout
func (cluster *Cluster) Layout() Layout {
	return cluster.layout
}

// Run runs every node until ctx is done
func (cluster *Cluster) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	for _, node := range cluster.nodes {
		node := node

		group.Go(func() error {
			return node.Run(ctx)
		})
	}

	cluster.logger.Info("started cluster", zap.Int("nodes", len(cluster.nodes)), zap.Int("partitions", cluster.layout.PartitionCount()))

	return group.Wait()
}
