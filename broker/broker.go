package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/jrife/grouse/config"
	"github.com/jrife/grouse/transport"
	"github.com/jrife/grouse/transport/clients"
	"github.com/jrife/grouse/transport/frontends"
	grpcfrontend "github.com/jrife/grouse/transport/frontends/grpc"
	restfrontend "github.com/jrife/grouse/transport/frontends/rest"
	"github.com/jrife/grouse/utils/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// Settings converts the partition part of a configuration
func Settings(c config.Config) PartitionSettings {
	return PartitionSettings{
		TickInterval:           c.Raft.TickInterval,
		ElectionTick:           c.Raft.ElectionTick,
		HeartbeatTick:          c.Raft.HeartbeatTick,
		SnapshotPeriod:         c.Partition.SnapshotPeriod,
		ExporterPositionPeriod: c.Partition.ExporterPositionPeriod,
		MetricsPeriod:          c.Partition.MetricsPeriod,
		StepTimeout:            c.Partition.StepTimeout,
		TransitionRetries:      c.Partition.TransitionRetries,
		Exporters:              c.Exporters,
	}
}

type listener struct {
	name     string
	address  string
	frontend frontends.Frontend
}

// Broker is one node of a cluster whose members talk gRPC. It serves
// the gateway to clients and the raft and partition services to the
// other members. A broker configured with in-process nodes runs a
// whole Cluster instead and only serves the gateway.
type Broker struct {
	config    config.Config
	layout    Layout
	node      *Node
	cluster   *Cluster
	raft      *clients.RaftClient
	conns     []*grpc.ClientConn
	gateway   *Gateway
	listeners []listener
	debug     *http.Server
	logger    *zap.Logger
}

// New creates a broker from a validated configuration. Run starts
// it.
func New(c config.Config, logger *zap.Logger) (*Broker, error) {
	logger = log.OrDefault(logger)

	if c.Cluster.InProcessNodes > 0 {
		return newInProcess(c, logger)
	}

	layout, err := NewLayout(c.Cluster.PartitionCount, c.Cluster.ReplicationFactor, c.NodeIDs())

	if err != nil {
		return nil, fmt.Errorf("could not lay out partitions: %w", err)
	}

	broker := &Broker{
		config: c,
		layout: layout,
		raft:   clients.NewRaftClient(clients.RaftClientConfig{Peers: c.Peers(), Logger: logger}),
		logger: logger.With(zap.Uint64("node", c.NodeID)),
	}

	broker.node = NewNode(NodeConfig{
		NodeID:    c.NodeID,
		Directory: c.Directory,
		Layout:    layout,
		Transport: broker.raft,
		Settings:  Settings(c),
		Logger:    logger,
	})

	peers := map[uint64]transport.PartitionService{}

	for nodeID, address := range c.Peers() {
		conn, err := grpc.Dial(address, clients.DialOptions()...)

		if err != nil {
			broker.closeConns()

			return nil, fmt.Errorf("could not dial node %d at %s: %w", nodeID, address, err)
		}

		broker.conns = append(broker.conns, conn)
		peers[nodeID] = clients.NewPartitionClient(conn)
	}

	router := NewRouter(RouterConfig{
		Layout: layout,
		Local:  broker.node,
		Peers: func(nodeID uint64) (transport.PartitionService, bool) {
			if nodeID == c.NodeID {
				return broker.node, true
			}

			service, ok := peers[nodeID]

			return service, ok
		},
		Logger: logger,
	})

	broker.gateway = NewGateway(GatewayConfig{
		Layout:            layout,
		ReplicationFactor: c.Cluster.ReplicationFactor,
		Partitions:        router,
		Brokers:           broker.brokers,
		Logger:            logger,
	})

	if err := broker.initFrontends(); err != nil {
		broker.closeConns()

		return nil, err
	}

	if c.Debug.Address != "" {
		broker.debug = &http.Server{Addr: c.Debug.Address, Handler: broker.debugHandler()}
	}

	return broker, nil
}

func newInProcess(c config.Config, logger *zap.Logger) (*Broker, error) {
	cluster, err := NewCluster(ClusterConfig{
		Nodes:             c.Cluster.InProcessNodes,
		PartitionCount:    c.Cluster.PartitionCount,
		ReplicationFactor: c.Cluster.ReplicationFactor,
		Directory:         c.Directory,
		Settings:          Settings(c),
		Logger:            logger,
	})

	if err != nil {
		return nil, err
	}

	broker := &Broker{
		config:  c,
		layout:  cluster.Layout(),
		cluster: cluster,
		gateway: cluster.Gateway(),
		logger:  logger,
	}

	if err := broker.initFrontends(); err != nil {
		return nil, err
	}

	if c.Debug.Address != "" {
		broker.debug = &http.Server{Addr: c.Debug.Address, Handler: broker.debugHandler()}
	}

	return broker, nil
}

func (broker *Broker) initFrontends() error {
	if self, ok := broker.config.Self(); ok && broker.node != nil {
		internal := &grpcfrontend.Frontend{}

		if err := internal.Init(frontends.Options{Raft: broker.node, Partitions: broker.node, Logger: broker.logger}); err != nil {
			return fmt.Errorf("could not initialize internal frontend: %w", err)
		}

		broker.listeners = append(broker.listeners, listener{name: "internal", address: self.Address, frontend: internal})
	}

	if address := broker.config.Gateway.GRPCAddress; address != "" {
		gateway := &grpcfrontend.Frontend{}

		if err := gateway.Init(frontends.Options{Gateway: broker.gateway, Logger: broker.logger}); err != nil {
			return fmt.Errorf("could not initialize gRPC gateway: %w", err)
		}

		broker.listeners = append(broker.listeners, listener{name: "gateway", address: address, frontend: gateway})
	}

	if address := broker.config.Gateway.RESTAddress; address != "" {
		rest := &restfrontend.Frontend{}

		if err := rest.Init(frontends.Options{Gateway: broker.gateway, Logger: broker.logger}); err != nil {
			return fmt.Errorf("could not initialize REST gateway: %w", err)
		}

		broker.listeners = append(broker.listeners, listener{name: "rest", address: address, frontend: rest})
	}

	return nil
}

func (broker *Broker) brokers() []transport.BrokerInfo {
	if broker.cluster != nil {
		return broker.cluster.brokers()
	}

	local := broker.node.Info()

	if self, ok := broker.config.Self(); ok {
		local.Address = self.Address
	}

	brokers := []transport.BrokerInfo{local}

	for nodeID, address := range broker.config.Peers() {
		brokers = append(brokers, transport.BrokerInfo{NodeID: nodeID, Address: address})
	}

	sort.Slice(brokers, func(i, j int) bool { return brokers[i].NodeID < brokers[j].NodeID })

	return brokers
}

func (broker *Broker) debugHandler() http.Handler {
	router := gin.New()
	router.Use(ginzap.Ginzap(broker.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(broker.logger, true))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, broker.brokers())
	})

	return router
}

// Gateway returns the broker's gateway
func (broker *Broker) Gateway() transport.Gateway {
	return broker.gateway
}

// Node returns the replicas hosted by the broker. It is nil for an
// in-process cluster.
func (broker *Broker) Node() *Node {
	return broker.node
}

// Cluster returns the in-process cluster or nil
func (broker *Broker) Cluster() *Cluster {
	return broker.cluster
}

// Run serves every configured listener and runs the local replicas
// until ctx is done
func (broker *Broker) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	for _, l := range broker.listeners {
		l := l
		netListener, err := net.Listen("tcp", l.address)

		if err != nil {
			broker.stop()

			return fmt.Errorf("could not listen for %s on %s: %w", l.name, l.address, err)
		}

		group.Go(func() error {
			return l.frontend.Listen(netListener)
		})
	}

	if broker.debug != nil {
		group.Go(func() error {
			if err := broker.debug.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			return nil
		})
	}

	group.Go(func() error {
		if broker.cluster != nil {
			return broker.cluster.Run(ctx)
		}

		return broker.node.Run(ctx)
	})

	group.Go(func() error {
		<-ctx.Done()

		return broker.stop()
	})

	if broker.node != nil {
		broker.logger.Info("started broker", zap.Ints("partitions", broker.layout.Hosted(broker.config.NodeID)))
	}

	return group.Wait()
}

func (broker *Broker) stop() error {
	var err error

	for _, l := range broker.listeners {
		err = multierr.Append(err, l.frontend.Stop())
	}

	if broker.debug != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err = multierr.Append(err, broker.debug.Shutdown(ctx))
	}

	if broker.raft != nil {
		err = multierr.Append(err, broker.raft.Close())
	}

	return multierr.Append(err, broker.closeConns())
}

func (broker *Broker) closeConns() error {
	var err error

	for _, conn := range broker.conns {
		err = multierr.Append(err, conn.Close())
	}

	broker.conns = nil

	return err
}
