// Package partition runs one replica of a partition. A single loop
// drives the raft node, applies committed entries to the state and
// moves the replica between INACTIVE, FOLLOWER and LEADER through
// an ordered pipeline of transition steps.
package partition

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	etcd_raft "github.com/coreos/etcd/raft"
	"github.com/coreos/etcd/raft/raftpb"
	"github.com/jrife/grouse/engine"
	"github.com/jrife/grouse/engine/state"
	"github.com/jrife/grouse/exporter"
	"github.com/jrife/grouse/metrics"
	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/raft"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/snapshot"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
)

const defaultSnapshotChunkSize = 512 * 1024

var _ raft.Receiver = (*Partition)(nil)

// Config configures a partition replica
type Config struct {
	NodeID      uint64
	PartitionID int
	// Members lists the node ids of every replica of the partition
	Members   []uint64
	Directory string
	Transport raft.Transport

	TickInterval  time.Duration
	ElectionTick  int
	HeartbeatTick int

	SnapshotPeriod         time.Duration
	ExporterPositionPeriod time.Duration
	MetricsPeriod          time.Duration
	SnapshotChunkSize      int

	StepTimeout       time.Duration
	TransitionRetries int
	BackOff           func() backoff.BackOff

	Exporters []exporter.Descriptor
	// Sinks are exporters created by the caller, such as recordings
	Sinks []exporter.Named

	Logger *zap.Logger
	Now    func() time.Time
}

// Status describes a replica as of the last loop iteration
type Status struct {
	NodeID      uint64
	PartitionID int
	Role        Role
	Term        uint64
	Leader      uint64
	Healthy     bool
}

type response struct {
	record protocol.Record
	err    error
}

// Partition is one replica of a partition
type Partition struct {
	config     Config
	logger     *zap.Logger
	metrics    *metrics.Partition
	tasks      chan func()
	done       chan struct{}
	startup    *StartupContext
	controller *Controller
	requestIDs atomic.Uint64

	// owned by the loop
	tc        *TransitionContext
	waiters   map[uint64]chan response
	receiving map[string]bool

	mu     sync.Mutex
	status Status
}

// New creates a partition replica. Run starts it.
func New(config Config) *Partition {
	if config.TickInterval == 0 {
		config.TickInterval = 100 * time.Millisecond
	}

	if config.SnapshotChunkSize == 0 {
		config.SnapshotChunkSize = defaultSnapshotChunkSize
	}

	logger := log.Partition(log.OrDefault(config.Logger), config.NodeID, config.PartitionID)
	partitionMetrics := metrics.ForPartition(config.NodeID, config.PartitionID)

	partition := &Partition{
		config:    config,
		logger:    logger,
		metrics:   partitionMetrics,
		tasks:     make(chan func(), 1024),
		done:      make(chan struct{}),
		waiters:   map[uint64]chan response{},
		receiving: map[string]bool{},
		status:    Status{NodeID: config.NodeID, PartitionID: config.PartitionID},
	}

	var exporterIDs []string

	for _, descriptor := range config.Exporters {
		exporterIDs = append(exporterIDs, descriptor.ID)
	}

	for _, sink := range config.Sinks {
		exporterIDs = append(exporterIDs, sink.ID)
	}

	partition.startup = &StartupContext{
		NodeID:      config.NodeID,
		PartitionID: config.PartitionID,
		Directory:   config.Directory,
		Members:     config.Members,
		Logger:      logger,
		Metrics:     partitionMetrics,
		Scheduler:   NewScheduler(partition),
		Transport:   config.Transport,
		RaftConfig: raft.Config{
			ElectionTick:  config.ElectionTick,
			HeartbeatTick: config.HeartbeatTick,
		},
		Settings: Settings{
			SnapshotPeriod:         config.SnapshotPeriod,
			ExporterPositionPeriod: config.ExporterPositionPeriod,
			MetricsPeriod:          config.MetricsPeriod,
			Exporters:              partition.newExporters,
			ExporterIDs:            exporterIDs,
			Now:                    config.Now,
		},
	}

	partition.controller = NewController(ControllerConfig{
		Startup:      partition.startup,
		StartupSteps: StartupSteps(),
		Steps:        TransitionSteps(),
		StepTimeout:  config.StepTimeout,
		Retries:      config.TransitionRetries,
		BackOff:      config.BackOff,
		Logger:       logger,
		Metrics:      partitionMetrics,
	})

	return partition
}

func (partition *Partition) newExporters() ([]exporter.Named, error) {
	exporters := make([]exporter.Named, 0, len(partition.config.Exporters)+len(partition.config.Sinks))

	for _, descriptor := range partition.config.Exporters {
		e, err := exporter.New(descriptor)

		if err != nil {
			return nil, err
		}

		exporters = append(exporters, exporter.Named{ID: descriptor.ID, Exporter: e})
	}

	return append(exporters, partition.config.Sinks...), nil
}

// ID returns the partition id
func (partition *Partition) ID() int {
	return partition.config.PartitionID
}

// Status returns the replica's status
func (partition *Partition) Status() Status {
	partition.mu.Lock()
	defer partition.mu.Unlock()

	return partition.status
}

// Done is closed once the loop stopped
func (partition *Partition) Done() <-chan struct{} {
	return partition.done
}

// Submit implements Executor. Tasks run on the partition's loop in
// submission order.
func (partition *Partition) Submit(task func()) bool {
	select {
	case <-partition.done:
		return false
	default:
	}

	select {
	case partition.tasks <- task:
		return true
	case <-partition.done:
		return false
	}
}

// offer queues task unless the queue is full
func (partition *Partition) offer(task func()) bool {
	select {
	case <-partition.done:
		return false
	case partition.tasks <- task:
		return true
	default:
		return false
	}
}

// Run bootstraps the replica and runs its loop until ctx is done or
// the replica fails
func (partition *Partition) Run(ctx context.Context) error {
	defer close(partition.done)

	logger := log.Operation(ctx, partition.logger, "run")

	if err := partition.controller.Bootstrap(ctx); err != nil {
		return fmt.Errorf("could not bootstrap partition %d: %w", partition.config.PartitionID, err)
	}

	tc, err := partition.controller.TransitionContext()

	if err != nil {
		return err
	}

	partition.tc = tc

	if err := partition.run(ctx, tc); err != nil {
		logger.Error("partition failed", zap.Error(err))
		partition.close()

		return err
	}

	logger.Info("partition stopped")

	return partition.close()
}

func (partition *Partition) run(ctx context.Context, tc *TransitionContext) error {
	applied, err := partition.appliedIndex()

	if err != nil {
		return err
	}

	tc.AppliedIndex = applied

	if err := partition.controller.TransitionTo(ctx, RoleFollower, 0); err != nil {
		return err
	}

	partition.updateStatus()

	if len(partition.config.Members) == 1 {
		if err := tc.Raft.Campaign(); err != nil {
			return fmt.Errorf("could not campaign: %w", err)
		}
	}

	ticker := time.NewTicker(partition.config.TickInterval)
	defer ticker.Stop()

	for {
		if err := partition.handleReady(ctx); err != nil {
			return err
		}

		if err := partition.checkRole(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tc.Raft.Tick()
		case task := <-partition.tasks:
			task()
		}
	}
}

func (partition *Partition) appliedIndex() (uint64, error) {
	var applied uint64

	err := partition.startup.StateStore().View(func(transaction kv.Transaction) error {
		applied = state.New(transaction).AppliedIndex()

		return nil
	})

	return applied, err
}

func (partition *Partition) close() error {
	partition.failWaiters(ErrClosed)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := partition.controller.Close(ctx)
	partition.updateStatus()

	return err
}

// handleReady persists, sends and applies what raft has ready
func (partition *Partition) handleReady(ctx context.Context) error {
	tc := partition.tc
	node := tc.Raft

	for node.HasReady() {
		rd := node.Ready()

		if err := node.Persist(rd); err != nil {
			return err
		}

		if !etcd_raft.IsEmptySnap(rd.Snapshot) {
			if err := partition.installSnapshot(ctx, rd.Snapshot); err != nil {
				return err
			}
		}

		partition.send(rd.Messages)

		if err := partition.apply(ctx, rd.CommittedEntries); err != nil {
			return err
		}

		node.Advance(rd)

		if err := partition.checkRole(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (partition *Partition) send(messages []raftpb.Message) {
	if len(messages) == 0 || partition.config.Transport == nil {
		return
	}

	partition.config.Transport.Send(partition.config.PartitionID, messages)

	for _, message := range messages {
		if message.Type == raftpb.MsgSnap {
			partition.tc.Raft.ReportSnapshot(message.To, false)
		}
	}
}

func (partition *Partition) apply(ctx context.Context, entries []raftpb.Entry) error {
	tc := partition.tc

	for _, entry := range entries {
		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange

			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("could not decode configuration change at %d: %w", entry.Index, err)
			}

			if _, err := tc.Raft.ApplyConfChange(cc); err != nil {
				return err
			}
		}

		if tc.Processor == nil {
			return fmt.Errorf("could not apply entry %d: %w", entry.Index, ErrClosed)
		}

		records, err := tc.Processor.Apply(ctx, []raftpb.Entry{entry})

		if err != nil {
			return fmt.Errorf("could not apply entry %d: %w", entry.Index, err)
		}

		tc.AppliedIndex = entry.Index

		if tc.ExporterDirector != nil {
			tc.ExporterDirector.Export(records)
		}

		partition.respond(records)
	}

	return nil
}

// installSnapshot replaces the state with a snapshot received from
// the leader and rebuilds the role's components on top of it
func (partition *Partition) installSnapshot(ctx context.Context, raftSnapshot raftpb.Snapshot) error {
	tc := partition.tc
	id := string(raftSnapshot.Data)
	logger := log.Operation(ctx, partition.logger, "install snapshot").With(zap.String("snapshot", id))

	if _, err := tc.SnapshotStore.Get(id); err != nil {
		return fmt.Errorf("could not install snapshot %s: %w", id, err)
	}

	if err := RestoreState(ctx, partition.startup); err != nil {
		return err
	}

	tc.AppliedIndex = raftSnapshot.Metadata.Index

	if err := tc.DeletionService().Run(); err != nil {
		logger.Warn("could not compact log", zap.Error(err))
	}

	logger.Info("installed snapshot", zap.Uint64("index", raftSnapshot.Metadata.Index))

	return partition.controller.TransitionTo(ctx, tc.Role, tc.Term)
}

// checkRole moves the replica to the role raft assigned it
func (partition *Partition) checkRole(ctx context.Context) error {
	tc := partition.tc
	role := RoleFollower
	term := tc.Raft.Term()

	if tc.Raft.IsLeader() {
		role = RoleLeader
	}

	defer partition.updateStatus()

	if role == tc.Role && (role != RoleLeader || term == tc.Term) {
		return nil
	}

	if tc.Role == RoleLeader {
		partition.failWaiters(ErrNotLeader)
	}

	err := partition.controller.TransitionTo(ctx, role, term)

	if err != nil && !IsFatal(err) {
		partition.logger.Warn("role transition failed, retrying on the next iteration", zap.Stringer("role", role), zap.Uint64("term", term), zap.Error(err))

		return nil
	}

	return err
}

func (partition *Partition) updateStatus() {
	partition.mu.Lock()
	defer partition.mu.Unlock()

	partition.status.Role = partition.controller.Role()
	partition.status.Term = partition.controller.Term()
	partition.status.Healthy = partition.controller.Healthy()

	if partition.tc != nil && partition.tc.Raft != nil {
		partition.status.Leader = partition.tc.Raft.Leader()
	}
}

func (partition *Partition) respond(records []protocol.Record) {
	for _, record := range records {
		if record.IsCommand() || record.RequestID == 0 || record.RequestNode != partition.config.NodeID {
			continue
		}

		if waiter, ok := partition.waiters[record.RequestID]; ok {
			waiter <- response{record: record}
			delete(partition.waiters, record.RequestID)
		}
	}
}

func (partition *Partition) failWaiters(err error) {
	for id, waiter := range partition.waiters {
		waiter <- response{err: err}
		delete(partition.waiters, id)
	}
}

// Execute writes a command to the partition's log and waits for the
// record that answers it. The answer is an event or a rejection.
func (partition *Partition) Execute(ctx context.Context, command protocol.Record) (protocol.Record, error) {
	requestID := partition.requestIDs.Add(1)
	result := make(chan response, 1)

	command.RecordType = protocol.Command

	if command.ValueType == "" && command.Value != nil {
		command.ValueType = command.Value.ValueType()
	}
	command.PartitionID = partition.config.PartitionID
	command.RequestID = requestID
	command.RequestNode = partition.config.NodeID

	submitted := partition.Submit(func() {
		tc := partition.tc

		if tc == nil || tc.Role != RoleLeader {
			result <- response{err: ErrNotLeader}

			return
		}

		if partition.config.Now != nil {
			command.Timestamp = partition.config.Now().UnixMilli()
		} else {
			command.Timestamp = time.Now().UnixMilli()
		}

		data, err := protocol.EncodeBatch(protocol.Batch{Records: []protocol.Record{command}})

		if err != nil {
			result <- response{err: err}

			return
		}

		if err := tc.Raft.Propose(data); err != nil {
			if err == raft.ErrNotLeader {
				err = ErrNotLeader
			}

			result <- response{err: err}

			return
		}

		partition.waiters[requestID] = result
	})

	if !submitted {
		return protocol.Record{}, ErrClosed
	}

	select {
	case r := <-result:
		return r.record, r.err
	case <-ctx.Done():
		partition.Submit(func() {
			delete(partition.waiters, requestID)
		})

		return protocol.Record{}, ctx.Err()
	}
}

// Query runs fn against the replica's state on the loop
func (partition *Partition) Query(ctx context.Context, fn func(st *state.State, e *engine.Engine) error) error {
	result := make(chan error, 1)

	submitted := partition.Submit(func() {
		tc := partition.tc

		if tc == nil || tc.Processor == nil {
			result <- ErrClosed

			return
		}

		result <- tc.Processor.Query(func(st *state.State) error {
			return fn(st, tc.Processor.Engine())
		})
	})

	if !submitted {
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TakeSnapshot takes a snapshot now instead of waiting for the
// snapshot period. It returns nil if there was nothing to take.
func (partition *Partition) TakeSnapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	type taken struct {
		snapshot *snapshot.Snapshot
		err      error
	}

	result := make(chan taken, 1)

	submitted := partition.Submit(func() {
		tc := partition.tc

		if tc == nil || tc.SnapshotDirector == nil {
			result <- taken{err: ErrClosed}

			return
		}

		persisted, err := tc.SnapshotDirector.TakeSnapshot(ctx)
		result <- taken{snapshot: persisted, err: err}
	})

	if !submitted {
		return nil, ErrClosed
	}

	select {
	case r := <-result:
		return r.snapshot, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FirstLogIndex returns the lowest index still stored in the log
func (partition *Partition) FirstLogIndex() uint64 {
	if partition.startup.Log == nil {
		return 0
	}

	return partition.startup.Log.FirstStoredIndex()
}

// Receive implements raft.Receiver. Messages are dropped while the
// loop is busy. Raft retransmits them.
func (partition *Partition) Receive(messages []raftpb.Message) {
	partition.offer(func() {
		for _, message := range messages {
			if message.Type == raftpb.MsgSnap && !etcd_raft.IsEmptySnap(message.Snapshot) {
				partition.receiveSnapshot(message)

				continue
			}

			if err := partition.tc.Raft.Step(message); err != nil {
				partition.logger.Debug("could not step message", zap.Stringer("type", message.Type), zap.Error(err))
			}
		}
	})
}

// receiveSnapshot fetches the snapshot a MsgSnap refers to before
// the message is handed to raft
func (partition *Partition) receiveSnapshot(message raftpb.Message) {
	id := string(message.Snapshot.Data)
	tc := partition.tc

	if latest, ok := tc.SnapshotStore.Latest(); ok && latest.ID().String() == id {
		if err := tc.Raft.Step(message); err != nil {
			partition.logger.Warn("could not step snapshot", zap.String("snapshot", id), zap.Error(err))
		}

		return
	}

	if partition.receiving[id] || partition.config.Transport == nil {
		return
	}

	partition.receiving[id] = true

	go func() {
		err := partition.fetchSnapshot(context.Background(), message.From, id)

		partition.Submit(func() {
			delete(partition.receiving, id)

			if err != nil {
				partition.logger.Warn("could not receive snapshot", zap.String("snapshot", id), zap.Uint64("from", message.From), zap.Error(err))

				return
			}

			if err := partition.tc.Raft.Step(message); err != nil {
				partition.logger.Warn("could not step snapshot", zap.String("snapshot", id), zap.Error(err))
			}
		})
	}()
}

func (partition *Partition) fetchSnapshot(ctx context.Context, from uint64, id string) error {
	parsed, err := snapshot.ParseID(id)

	if err != nil {
		return err
	}

	received, err := partition.startup.SnapshotStore.NewReceivedSnapshot(parsed)

	if err != nil {
		return err
	}

	var offset int64

	for !received.Complete() {
		chunk, err := partition.config.Transport.FetchSnapshotChunk(ctx, partition.config.PartitionID, from, id, offset)

		if err == nil {
			err = received.Apply(chunk)
		}

		if err != nil {
			received.Abort()

			return err
		}

		offset += int64(len(chunk.Data))

		if len(chunk.Data) == 0 && !received.Complete() {
			received.Abort()

			return fmt.Errorf("snapshot %s ended at %d of %d bytes", id, offset, chunk.TotalSize)
		}
	}

	_, err = received.Persist()

	return err
}

// ReadSnapshotChunk implements raft.Receiver
func (partition *Partition) ReadSnapshotChunk(snapshotID string, offset int64) (snapshot.Chunk, error) {
	store := partition.startup.SnapshotStore

	if store == nil {
		return snapshot.Chunk{}, ErrClosed
	}

	persisted, err := store.Get(snapshotID)

	if err != nil {
		return snapshot.Chunk{}, err
	}

	return persisted.ReadChunk(offset, partition.config.SnapshotChunkSize)
}
