package partition

import (
	"time"

	"github.com/jrife/grouse/exporter"
	"github.com/jrife/grouse/metrics"
	"github.com/jrife/grouse/raft"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/snapshot"
	"github.com/jrife/grouse/stream"
	"go.uber.org/zap"
)

// Settings are the tunables steps read while building role
// components
type Settings struct {
	SnapshotPeriod         time.Duration
	ExporterPositionPeriod time.Duration
	MetricsPeriod          time.Duration
	// Exporters creates the exporters the leader runs. It is called
	// on every transition to LEADER.
	Exporters func() ([]exporter.Named, error)
	// ExporterIDs lists the ids of the exporters Exporters creates
	ExporterIDs []string
	// Now stamps records with a wall clock time
	Now func() time.Time
}

func (settings Settings) now() time.Time {
	if settings.Now == nil {
		return time.Now()
	}

	return settings.Now()
}

// StartupContext holds what a partition replica opens once at
// bootstrap: its durable log, raft node, snapshot store and state
// store. Bootstrap steps fill it in.
type StartupContext struct {
	NodeID      uint64
	PartitionID int
	Directory   string
	Members     []uint64
	Settings    Settings
	Logger      *zap.Logger
	Metrics     *metrics.Partition
	Scheduler   *Scheduler
	Transport   raft.Transport
	RaftConfig  raft.Config

	LogStore      kv.Store
	Log           *raft.Storage
	Raft          *raft.Node
	SnapshotStore *snapshot.FileStore

	deletionService *DeletionService
	metricsTimer    *Timer
	stateStore      kv.Store
}

// ConstructableSnapshotStore returns the writer side of the
// snapshot store
func (sc *StartupContext) ConstructableSnapshotStore() snapshot.ConstructableStore {
	return sc.SnapshotStore
}

// ReceivableSnapshotStore returns the follower side of the snapshot
// store
func (sc *StartupContext) ReceivableSnapshotStore() snapshot.ReceivableStore {
	return sc.SnapshotStore
}

// SetDeletionService sets the log deletion service
func (sc *StartupContext) SetDeletionService(service *DeletionService) {
	sc.deletionService = service
}

// DeletionService returns the log deletion service
func (sc *StartupContext) DeletionService() *DeletionService {
	return sc.deletionService
}

// SetMetricsTimer sets the handle of the timer updating metrics
func (sc *StartupContext) SetMetricsTimer(timer *Timer) {
	sc.metricsTimer = timer
}

// MetricsTimer returns the handle of the timer updating metrics
func (sc *StartupContext) MetricsTimer() *Timer {
	return sc.metricsTimer
}

// SetStateStore sets the store holding the partition state
func (sc *StartupContext) SetStateStore(store kv.Store) {
	sc.stateStore = store
}

// StateStore returns the store holding the partition state
func (sc *StartupContext) StateStore() kv.Store {
	return sc.stateStore
}

// CreateTransitionContext returns the context role transitions run
// with
func (sc *StartupContext) CreateTransitionContext() *TransitionContext {
	return &TransitionContext{StartupContext: sc, Role: RoleInactive}
}

// TransitionContext is shared by the steps of role transitions. It
// carries the startup resources and the components of the current
// role. Only the partition's loop touches it.
type TransitionContext struct {
	*StartupContext

	Role Role
	Term uint64
	// AppliedIndex is the index of the last committed entry the loop
	// handed to the processor
	AppliedIndex uint64
	// Writer proposes batches to the partition's log
	Writer stream.Writer

	Processor        *stream.Processor
	SnapshotDirector *SnapshotDirector
	ExporterDirector *exporter.Director

	logStorageReady bool
	snapshotsOK     bool
	exporterTimer   *Timer
}
