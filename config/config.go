// Package config loads the configuration of a grouse node from
// YAML
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jrife/grouse/exporter"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalid is returned for a configuration that fails
	// validation
	ErrInvalid = errors.New("invalid configuration")
)

// Config is the configuration of a node
type Config struct {
	NodeID    uint64                `yaml:"nodeId"`
	Directory string                `yaml:"directory"`
	Cluster   ClusterConfig         `yaml:"cluster"`
	Raft      RaftConfig            `yaml:"raft"`
	Partition PartitionConfig       `yaml:"partition"`
	Exporters []exporter.Descriptor `yaml:"exporters,omitempty"`
	Gateway   GatewayConfig         `yaml:"gateway"`
	Debug     DebugConfig           `yaml:"debug"`
	Logging   LoggingConfig         `yaml:"logging"`
}

// Member is a node of the cluster
type Member struct {
	NodeID uint64 `yaml:"nodeId"`
	// Address serves the raft and partition services of the node
	Address string `yaml:"address"`
}

// ClusterConfig describes the cluster a node belongs to
type ClusterConfig struct {
	Members           []Member `yaml:"members,omitempty"`
	PartitionCount    int      `yaml:"partitionCount"`
	ReplicationFactor int      `yaml:"replicationFactor"`
	// InProcessNodes runs a whole cluster of this many nodes in one
	// process instead of a single node. Members are ignored.
	InProcessNodes int `yaml:"inProcessNodes,omitempty"`
}

// RaftConfig configures the raft replicas
type RaftConfig struct {
	TickInterval  time.Duration `yaml:"tickInterval"`
	ElectionTick  int           `yaml:"electionTick"`
	HeartbeatTick int           `yaml:"heartbeatTick"`
}

// PartitionConfig configures partition replicas
type PartitionConfig struct {
	SnapshotPeriod         time.Duration `yaml:"snapshotPeriod"`
	ExporterPositionPeriod time.Duration `yaml:"exporterPositionPeriod"`
	MetricsPeriod          time.Duration `yaml:"metricsPeriod"`
	StepTimeout            time.Duration `yaml:"stepTimeout"`
	TransitionRetries      int           `yaml:"transitionRetries"`
}

// GatewayConfig configures the client gateway. An empty address
// disables the frontend.
type GatewayConfig struct {
	GRPCAddress string `yaml:"grpcAddress,omitempty"`
	RESTAddress string `yaml:"restAddress,omitempty"`
}

// DebugConfig configures the debug HTTP server serving metrics. An
// empty address disables it.
type DebugConfig struct {
	Address string `yaml:"address,omitempty"`
}

// LoggingConfig configures the zap logger
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development,omitempty"`
}

// Default returns the configuration of a single node cluster with
// one partition
func Default() Config {
	return Config{
		NodeID:    1,
		Directory: "data",
		Cluster: ClusterConfig{
			PartitionCount:    1,
			ReplicationFactor: 1,
		},
		Raft: RaftConfig{
			TickInterval:  100 * time.Millisecond,
			ElectionTick:  10,
			HeartbeatTick: 1,
		},
		Partition: PartitionConfig{
			SnapshotPeriod:         5 * time.Minute,
			ExporterPositionPeriod: 5 * time.Second,
			MetricsPeriod:          15 * time.Second,
			StepTimeout:            30 * time.Second,
			TransitionRetries:      5,
		},
		Gateway: GatewayConfig{
			GRPCAddress: ":26500",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Parse decodes YAML on top of the defaults and validates the
// result
func Parse(data []byte) (Config, error) {
	config := Default()

	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("could not parse configuration: %w", err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

// Load reads and parses the configuration file at path
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)

	if err != nil {
		return Config{}, fmt.Errorf("could not read configuration: %w", err)
	}

	return Parse(data)
}

// Marshal encodes the configuration as YAML
func (config Config) Marshal() ([]byte, error) {
	return yaml.Marshal(config)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalid)
}

// Validate reports every problem of the configuration
func (config Config) Validate() error {
	var err error

	if config.NodeID == 0 {
		err = multierr.Append(err, invalid("nodeId must be positive"))
	}

	if config.Directory == "" {
		err = multierr.Append(err, invalid("directory must be set"))
	}

	if config.Cluster.PartitionCount < 1 {
		err = multierr.Append(err, invalid("cluster.partitionCount must be positive"))
	}

	nodes := config.Cluster.InProcessNodes

	if nodes == 0 {
		nodes = len(config.Cluster.Members)

		if nodes == 0 {
			nodes = 1
		}
	}

	if config.Cluster.ReplicationFactor < 1 || config.Cluster.ReplicationFactor > nodes {
		err = multierr.Append(err, invalid("cluster.replicationFactor must be between 1 and the number of nodes (%d)", nodes))
	}

	if config.Cluster.InProcessNodes == 0 && len(config.Cluster.Members) > 0 {
		err = multierr.Append(err, config.validateMembers())
	}

	if config.Raft.TickInterval <= 0 {
		err = multierr.Append(err, invalid("raft.tickInterval must be positive"))
	}

	if config.Raft.HeartbeatTick < 1 || config.Raft.ElectionTick <= config.Raft.HeartbeatTick {
		err = multierr.Append(err, invalid("raft.electionTick must be greater than raft.heartbeatTick which must be positive"))
	}

	if config.Partition.StepTimeout <= 0 {
		err = multierr.Append(err, invalid("partition.stepTimeout must be positive"))
	}

	if config.Partition.TransitionRetries < 0 {
		err = multierr.Append(err, invalid("partition.transitionRetries must not be negative"))
	}

	ids := map[string]bool{}

	for _, descriptor := range config.Exporters {
		if descriptor.ID == "" {
			err = multierr.Append(err, invalid("exporters need an id"))
		} else if ids[descriptor.ID] {
			err = multierr.Append(err, invalid("exporter %s is configured twice", descriptor.ID))
		}

		ids[descriptor.ID] = true

		if _, createErr := exporter.New(descriptor); createErr != nil {
			err = multierr.Append(err, invalid("exporter %s: %s", descriptor.ID, createErr))
		}
	}

	if _, levelErr := zapcore.ParseLevel(config.Logging.Level); levelErr != nil {
		err = multierr.Append(err, invalid("logging.level: %s", levelErr))
	}

	return err
}

func (config Config) validateMembers() error {
	var err error
	self := false
	seen := map[uint64]bool{}

	for _, member := range config.Cluster.Members {
		if member.NodeID == 0 || member.Address == "" {
			err = multierr.Append(err, invalid("cluster members need a nodeId and an address"))
		}

		if seen[member.NodeID] {
			err = multierr.Append(err, invalid("node %d is a member twice", member.NodeID))
		}

		seen[member.NodeID] = true
		self = self || member.NodeID == config.NodeID
	}

	if !self {
		err = multierr.Append(err, invalid("node %d is not a cluster member", config.NodeID))
	}

	return err
}

// NodeIDs returns the ids of the cluster's nodes
func (config Config) NodeIDs() []uint64 {
	if config.Cluster.InProcessNodes > 0 {
		ids := make([]uint64, 0, config.Cluster.InProcessNodes)

		for i := 1; i <= config.Cluster.InProcessNodes; i++ {
			ids = append(ids, uint64(i))
		}

		return ids
	}

	if len(config.Cluster.Members) == 0 {
		return []uint64{config.NodeID}
	}

	ids := make([]uint64, 0, len(config.Cluster.Members))

	for _, member := range config.Cluster.Members {
		ids = append(ids, member.NodeID)
	}

	return ids
}

// Peers maps the node ids of the other members to their addresses
func (config Config) Peers() map[uint64]string {
	peers := map[uint64]string{}

	for _, member := range config.Cluster.Members {
		if member.NodeID != config.NodeID {
			peers[member.NodeID] = member.Address
		}
	}

	return peers
}

// Self returns the member entry of this node
func (config Config) Self() (Member, bool) {
	for _, member := range config.Cluster.Members {
		if member.NodeID == config.NodeID {
			return member, true
		}
	}

	return Member{}, false
}

// Logger builds the logger the configuration describes
func (config Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Logging.Level)

	if err != nil {
		return nil, err
	}

	zapConfig := zap.NewProductionConfig()

	if config.Logging.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	return zapConfig.Build()
}
