// Package broker hosts the partition replicas of a node and routes
// gateway requests to the leaders of partitions.
package broker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/coreos/etcd/raft/raftpb"
	"github.com/jrife/grouse/engine"
	"github.com/jrife/grouse/engine/state"
	"github.com/jrife/grouse/exporter"
	"github.com/jrife/grouse/partition"
	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/raft"
	"github.com/jrife/grouse/storage/snapshot"
	"github.com/jrife/grouse/transport"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	_ transport.RaftService      = (*Node)(nil)
	_ transport.PartitionService = (*Node)(nil)
)

// PartitionSettings are shared by every replica of a node
type PartitionSettings struct {
	TickInterval           time.Duration
	ElectionTick           int
	HeartbeatTick          int
	SnapshotPeriod         time.Duration
	ExporterPositionPeriod time.Duration
	MetricsPeriod          time.Duration
	StepTimeout            time.Duration
	TransitionRetries      int
	BackOff                func() backoff.BackOff
	Exporters              []exporter.Descriptor
	Now                    func() time.Time
}

// NodeConfig configures a node
type NodeConfig struct {
	NodeID    uint64
	Directory string
	Layout    Layout
	Transport raft.Transport
	Settings  PartitionSettings
	// Sinks returns exporters created by the caller for a partition
	Sinks  func(partitionID int) []exporter.Named
	Logger *zap.Logger
}

// Node hosts the replicas the layout assigns to it
type Node struct {
	id         uint64
	logger     *zap.Logger
	partitions map[int]*partition.Partition
}

// NewNode creates the replicas of a node. Run starts them.
func NewNode(config NodeConfig) *Node {
	node := &Node{
		id:         config.NodeID,
		logger:     log.OrDefault(config.Logger).With(zap.Uint64("node", config.NodeID)),
		partitions: map[int]*partition.Partition{},
	}

	for _, partitionID := range config.Layout.Hosted(config.NodeID) {
		var sinks []exporter.Named

		if config.Sinks != nil {
			sinks = config.Sinks(partitionID)
		}

		node.partitions[partitionID] = partition.New(partition.Config{
			NodeID:                 config.NodeID,
			PartitionID:            partitionID,
			Members:                config.Layout[partitionID],
			Directory:              filepath.Join(config.Directory, fmt.Sprintf("partition-%d", partitionID)),
			Transport:              config.Transport,
			TickInterval:           config.Settings.TickInterval,
			ElectionTick:           config.Settings.ElectionTick,
			HeartbeatTick:          config.Settings.HeartbeatTick,
			SnapshotPeriod:         config.Settings.SnapshotPeriod,
			ExporterPositionPeriod: config.Settings.ExporterPositionPeriod,
			MetricsPeriod:          config.Settings.MetricsPeriod,
			StepTimeout:            config.Settings.StepTimeout,
			TransitionRetries:      config.Settings.TransitionRetries,
			BackOff:                config.Settings.BackOff,
			Exporters:              config.Settings.Exporters,
			Sinks:                  sinks,
			Logger:                 config.Logger,
			Now:                    config.Settings.Now,
		})
	}

	return node
}

// ID returns the node id
func (node *Node) ID() uint64 {
	return node.id
}

// Partition returns the local replica of a partition
func (node *Node) Partition(partitionID int) (*partition.Partition, bool) {
	p, ok := node.partitions[partitionID]

	return p, ok
}

// Run runs every replica until ctx is done. A failing replica does
// not stop the others.
func (node *Node) Run(ctx context.Context) error {
	logger := log.Operation(ctx, node.logger, "run")
	group, ctx := errgroup.WithContext(ctx)

	for partitionID, p := range node.partitions {
		partitionID, p := partitionID, p

		group.Go(func() error {
			if err := p.Run(ctx); err != nil {
				logger.Error("partition stopped", zap.Int("partition", partitionID), zap.Error(err))
			}

			return nil
		})
	}

	logger.Info("started partitions", zap.Ints("partitions", node.hosted()))

	return group.Wait()
}

func (node *Node) hosted() []int {
	hosted := make([]int, 0, len(node.partitions))

	for partitionID := range node.partitions {
		hosted = append(hosted, partitionID)
	}

	sort.Ints(hosted)

	return hosted
}

// Statuses returns the status of every local replica
func (node *Node) Statuses() []partition.Status {
	statuses := make([]partition.Status, 0, len(node.partitions))

	for _, partitionID := range node.hosted() {
		statuses = append(statuses, node.partitions[partitionID].Status())
	}

	return statuses
}

// Info describes the node for a topology
func (node *Node) Info() transport.BrokerInfo {
	info := transport.BrokerInfo{NodeID: node.id}

	for _, status := range node.Statuses() {
		info.Partitions = append(info.Partitions, transport.PartitionInfo{
			PartitionID: status.PartitionID,
			Role:        status.Role.String(),
			Term:        status.Term,
			Leader:      status.Leader,
			Healthy:     status.Healthy,
		})
	}

	return info
}

func (node *Node) replica(partitionID int) (*partition.Partition, error) {
	p, ok := node.partitions[partitionID]

	if !ok {
		return nil, fmt.Errorf("node %d, partition %d: %w", node.id, partitionID, transport.ErrNoPartition)
	}

	return p, nil
}

// Receive implements transport.RaftService
func (node *Node) Receive(partitionID int, messages []raftpb.Message) error {
	p, err := node.replica(partitionID)

	if err != nil {
		return err
	}

	p.Receive(messages)

	return nil
}

// ReadSnapshotChunk implements transport.RaftService
func (node *Node) ReadSnapshotChunk(partitionID int, snapshotID string, offset int64) (snapshot.Chunk, error) {
	p, err := node.replica(partitionID)

	if err != nil {
		return snapshot.Chunk{}, err
	}

	return p.ReadSnapshotChunk(snapshotID, offset)
}

// Execute implements transport.PartitionService. Only a local leader
// executes commands.
func (node *Node) Execute(ctx context.Context, partitionID int, command protocol.Record) (protocol.Record, error) {
	p, err := node.replica(partitionID)

	if err != nil {
		return protocol.Record{}, err
	}

	record, err := p.Execute(ctx, command)

	return record, unavailable(err)
}

// ListJobs implements transport.PartitionService. Only a local
// leader lists jobs.
func (node *Node) ListJobs(ctx context.Context, partitionID int, jobType string, limit int) ([]transport.Job, error) {
	p, err := node.replica(partitionID)

	if err != nil {
		return nil, err
	}

	if p.Status().Role != partition.RoleLeader {
		return nil, unavailable(partition.ErrNotLeader)
	}

	var jobs []transport.Job

	err = p.Query(ctx, func(st *state.State, e *engine.Engine) error {
		activatable, err := e.ActivatableJobs(st, jobType)

		if err != nil {
			return err
		}

		for _, job := range activatable {
			if limit > 0 && len(jobs) == limit {
				break
			}

			jobs = append(jobs, transport.Job{
				Key:                job.Key,
				Type:               job.Record.Type,
				BpmnProcessID:      job.Record.BpmnProcessID,
				ProcessInstanceKey: job.Record.ProcessInstanceKey,
				ElementID:          job.Record.ElementID,
				ElementInstanceKey: job.Record.ElementInstanceKey,
				Variables:          job.Variables,
			})
		}

		return nil
	})

	return jobs, unavailable(err)
}

// unavailable marks errors a request may succeed after on another
// replica or later
func unavailable(err error) error {
	if errors.Is(err, partition.ErrNotLeader) || errors.Is(err, partition.ErrClosed) {
		return fmt.Errorf("%w: %w", transport.ErrUnavailable, err)
	}

	return err
}
