// Package raft replicates the log of a partition with etcd's raft
// implementation. A Node wraps a RawNode and persists what raft asks
// for into a durable Storage. Nodes are driven by a single goroutine.
package raft

import (
	"errors"
	"fmt"

	etcd_raft "github.com/coreos/etcd/raft"
	"github.com/coreos/etcd/raft/raftpb"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
)

var (
	// ErrNotLeader is returned for proposals on a replica that does
	// not lead its partition
	ErrNotLeader = errors.New("replica is not the leader")
)

// Config configures a raft node
type Config struct {
	ID uint64
	// Peers lists every replica of the partition including this
	// one. It is only used to bootstrap an empty log.
	Peers         []uint64
	Storage       *Storage
	ElectionTick  int
	HeartbeatTick int
	// Applied is the index of the last entry already applied to
	// the state
	Applied         uint64
	MaxSizePerMsg   uint64
	MaxInflightMsgs int
	Logger          *zap.Logger
}

// Node is one replica of a partition's raft group
type Node struct {
	id      uint64
	rawNode *etcd_raft.RawNode
	storage *Storage
	logger  *zap.Logger
	lead    uint64
	state   etcd_raft.StateType
}

// NewNode starts a raft node on top of config.Storage. An empty
// log is bootstrapped with config.Peers as members.
func NewNode(config Config) (*Node, error) {
	logger := log.OrDefault(config.Logger)

	if config.ElectionTick == 0 {
		config.ElectionTick = 10
	}

	if config.HeartbeatTick == 0 {
		config.HeartbeatTick = 1
	}

	if config.MaxSizePerMsg == 0 {
		config.MaxSizePerMsg = 1024 * 1024
	}

	if config.MaxInflightMsgs == 0 {
		config.MaxInflightMsgs = 256
	}

	var peers []etcd_raft.Peer

	if config.Storage.IsEmpty() {
		for _, id := range config.Peers {
			peers = append(peers, etcd_raft.Peer{ID: id})
		}
	}

	rawNode, err := etcd_raft.NewRawNode(&etcd_raft.Config{
		ID:              config.ID,
		ElectionTick:    config.ElectionTick,
		HeartbeatTick:   config.HeartbeatTick,
		Storage:         config.Storage,
		Applied:         config.Applied,
		MaxSizePerMsg:   config.MaxSizePerMsg,
		MaxInflightMsgs: config.MaxInflightMsgs,
		CheckQuorum:     true,
		PreVote:         true,
		Logger:          &raftLogger{SugaredLogger: logger.With(zap.String("component", "raft")).Sugar()},
	}, peers)

	if err != nil {
		return nil, fmt.Errorf("could not start raft node %d: %w", config.ID, err)
	}

	return &Node{id: config.ID, rawNode: rawNode, storage: config.Storage, logger: logger, state: etcd_raft.StateFollower}, nil
}

// ID returns the id of the replica
func (node *Node) ID() uint64 {
	return node.id
}

// Storage returns the durable log of the node
func (node *Node) Storage() *Storage {
	return node.storage
}

// Tick advances the logical clock of the node
func (node *Node) Tick() {
	node.rawNode.Tick()
}

// Campaign makes the node campaign for leadership
func (node *Node) Campaign() error {
	return node.rawNode.Campaign()
}

// Propose proposes data to be appended to the log
func (node *Node) Propose(data []byte) error {
	if !node.IsLeader() {
		return ErrNotLeader
	}

	return node.rawNode.Propose(data)
}

// Step hands a message from another replica to the node
func (node *Node) Step(msg raftpb.Message) error {
	return node.rawNode.Step(msg)
}

// ApplyConfChange applies a committed membership change
func (node *Node) ApplyConfChange(cc raftpb.ConfChange) (*raftpb.ConfState, error) {
	confState := node.rawNode.ApplyConfChange(cc)

	if err := node.storage.SetConfState(*confState); err != nil {
		return nil, err
	}

	return confState, nil
}

// HasReady reports whether the node has something to persist,
// send or apply
func (node *Node) HasReady() bool {
	return node.rawNode.HasReady()
}

// Ready returns what the node needs handled. Persist must be
// called before the messages are sent and Advance after the
// committed entries are applied.
func (node *Node) Ready() etcd_raft.Ready {
	rd := node.rawNode.Ready()

	if rd.SoftState != nil {
		node.lead = rd.SoftState.Lead
		node.state = rd.SoftState.RaftState
	}

	return rd
}

// Persist writes the snapshot, entries and hard state of rd to
// the durable log
func (node *Node) Persist(rd etcd_raft.Ready) error {
	if !etcd_raft.IsEmptySnap(rd.Snapshot) {
		if err := node.storage.ApplySnapshot(rd.Snapshot); err != nil && !errors.Is(err, etcd_raft.ErrSnapOutOfDate) {
			return fmt.Errorf("could not apply snapshot: %w", err)
		}
	}

	if err := node.storage.Append(rd.Entries); err != nil {
		return err
	}

	if !etcd_raft.IsEmptyHardState(rd.HardState) {
		if err := node.storage.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("could not persist hard state: %w", err)
		}
	}

	return nil
}

// Advance tells the node that rd was handled
func (node *Node) Advance(rd etcd_raft.Ready) {
	node.rawNode.Advance(rd)
}

// ReportUnreachable tells the node that a peer could not be reached
func (node *Node) ReportUnreachable(id uint64) {
	node.rawNode.ReportUnreachable(id)
}

// ReportSnapshot tells the node whether sending a snapshot to a
// peer succeeded
func (node *Node) ReportSnapshot(id uint64, failed bool) {
	status := etcd_raft.SnapshotFinish

	if failed {
		status = etcd_raft.SnapshotFailure
	}

	node.rawNode.ReportSnapshot(id, status)
}

// IsLeader reports whether the node leads its partition as of the
// last Ready
func (node *Node) IsLeader() bool {
	return node.state == etcd_raft.StateLeader
}

// Leader returns the id of the known leader or 0
func (node *Node) Leader() uint64 {
	return node.lead
}

// Term returns the current term
func (node *Node) Term() uint64 {
	hardState, _, _ := node.storage.InitialState()

	return hardState.Term
}

// Commit returns the highest index known to be committed
func (node *Node) Commit() uint64 {
	hardState, _, _ := node.storage.InitialState()

	return hardState.Commit
}

// raftLogger adapts zap to the logger raft expects
type raftLogger struct {
	*zap.SugaredLogger
}

func (logger *raftLogger) Warning(v ...interface{}) {
	logger.Warn(v...)
}

func (logger *raftLogger) Warningf(format string, v ...interface{}) {
	logger.Warnf(format, v...)
}
