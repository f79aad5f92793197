package partition

import (
	"context"
	"errors"
	"fmt"
	"time"

	etcd_raft "github.com/coreos/etcd/raft"
	"github.com/jrife/grouse/engine/state"
	"github.com/jrife/grouse/metrics"
	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/raft"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/snapshot"
	"github.com/jrife/grouse/stream"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
)

// SnapshotDirectorConfig configures a snapshot director
type SnapshotDirectorConfig struct {
	Store     *snapshot.FileStore
	State     kv.Store
	Log       *raft.Storage
	Processor *stream.Processor
	Deletion  *DeletionService
	// ExporterIDs lists the configured exporters. The snapshot
	// records the lowest position they acknowledged.
	ExporterIDs []string
	Logger      *zap.Logger
	Metrics     *metrics.Partition
}

// SnapshotDirector takes snapshots of the partition state and
// registers them with the log
type SnapshotDirector struct {
	store       *snapshot.FileStore
	state       kv.Store
	log         *raft.Storage
	processor   *stream.Processor
	deletion    *DeletionService
	exporterIDs []string
	logger      *zap.Logger
	metrics     *metrics.Partition
}

// NewSnapshotDirector creates a snapshot director
func NewSnapshotDirector(config SnapshotDirectorConfig) *SnapshotDirector {
	return &SnapshotDirector{
		store:       config.Store,
		state:       config.State,
		log:         config.Log,
		processor:   config.Processor,
		deletion:    config.Deletion,
		exporterIDs: config.ExporterIDs,
		logger:      log.OrDefault(config.Logger),
		metrics:     config.Metrics,
	}
}

// TakeSnapshot persists a snapshot of the state if it moved past
// the latest snapshot. No snapshot is taken while a proposed batch
// is in flight. It returns nil if nothing was taken.
func (director *SnapshotDirector) TakeSnapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	logger := log.Operation(ctx, director.logger, "take snapshot")

	if director.processor.InFlight() {
		logger.Debug("skipping snapshot while results are in flight")

		return nil, nil
	}

	id, err := director.nextID()

	if err != nil {
		return nil, err
	}

	if latest, ok := director.store.Latest(); ok && latest.ID().Index >= id.Index {
		return nil, nil
	}

	if id.Index == 0 {
		return nil, nil
	}

	start := time.Now()
	transient, err := director.store.NewTransientSnapshot(id)

	if err != nil {
		return nil, fmt.Errorf("could not begin snapshot %s: %w", id, err)
	}

	if err := transient.Take(ctx, director.state); err != nil {
		transient.Abort()

		return nil, fmt.Errorf("could not take snapshot %s: %w", id, err)
	}

	persisted, err := transient.Persist()

	if err != nil {
		return nil, fmt.Errorf("could not persist snapshot %s: %w", id, err)
	}

	if _, err := director.log.CreateSnapshot(id.Index, []byte(id.String())); err != nil && !errors.Is(err, etcd_raft.ErrSnapOutOfDate) {
		return nil, fmt.Errorf("could not register snapshot %s with the log: %w", id, err)
	}

	if err := director.deletion.Run(); err != nil {
		logger.Warn("could not compact log", zap.Error(err))
	}

	director.metrics.ObserveSnapshot(time.Since(start))
	logger.Info("took snapshot", zap.Stringer("id", id), zap.Duration("duration", time.Since(start)))

	return persisted, nil
}

func (director *SnapshotDirector) nextID() (snapshot.ID, error) {
	var id snapshot.ID

	err := director.processor.Query(func(st *state.State) error {
		id.Index = st.AppliedIndex()
		lastProcessed := st.LastProcessedPosition()
		id.ProcessedPosition = uint64(lastProcessed)
		id.ExportedPosition = uint64(exportedPosition(st.ExporterPositions(), director.exporterIDs, lastProcessed))

		return nil
	})

	if err != nil {
		return snapshot.ID{}, fmt.Errorf("could not read state: %w", err)
	}

	if id.Index == 0 {
		return id, nil
	}

	term, err := director.log.Term(id.Index)

	if err != nil {
		return snapshot.ID{}, fmt.Errorf("could not read term of index %d: %w", id.Index, err)
	}

	id.Term = term

	return id, nil
}

// exportedPosition returns the lowest position acknowledged by the
// configured exporters. Without exporters nothing holds back
// compaction beyond processing.
func exportedPosition(positions map[string]protocol.Position, exporterIDs []string, lastProcessed protocol.Position) protocol.Position {
	if len(exporterIDs) == 0 {
		return lastProcessed
	}

	lowest := positions[exporterIDs[0]]

	for _, id := range exporterIDs[1:] {
		if position := positions[id]; position < lowest {
			lowest = position
		}
	}

	return lowest
}
