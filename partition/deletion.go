package partition

import (
	"sync"

	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/raft"
	"github.com/jrife/grouse/storage/snapshot"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
)

// DeletionService compacts the log of a partition. The log is only
// compacted up to the latest durable snapshot, and never past
// entries still needed to find unprocessed commands or by an
// exporter that has not acknowledged them.
type DeletionService struct {
	log     *raft.Storage
	logger  *zap.Logger
	mu      sync.Mutex
	enabled bool
	bound   uint64
}

// NewDeletionService creates a disabled deletion service for log
func NewDeletionService(log *raft.Storage, logger *zap.Logger) *DeletionService {
	return &DeletionService{log: log, logger: logger}
}

// DeletableIndex returns the highest log index that may be deleted
// once the snapshot with this id is durable
func DeletableIndex(id snapshot.ID) uint64 {
	index := id.Index

	for _, position := range []protocol.Position{protocol.Position(id.ProcessedPosition), protocol.Position(id.ExportedPosition)} {
		if bound := before(position); bound < index {
			index = bound
		}
	}

	return index
}

func before(position protocol.Position) uint64 {
	if position.Index() == 0 {
		return 0
	}

	return position.Index() - 1
}

// OnSnapshotPersisted is a snapshot.Listener that raises the
// deletable bound
func (service *DeletionService) OnSnapshotPersisted(persisted *snapshot.Snapshot) {
	service.mu.Lock()
	defer service.mu.Unlock()

	if bound := DeletableIndex(persisted.ID()); bound > service.bound {
		service.bound = bound
	}
}

// SetEnabled turns compaction on or off
func (service *DeletionService) SetEnabled(enabled bool) {
	service.mu.Lock()
	defer service.mu.Unlock()

	service.enabled = enabled
}

// Run compacts the log up to the deletable bound. The log itself
// never compacts past its raft snapshot.
func (service *DeletionService) Run() error {
	service.mu.Lock()
	defer service.mu.Unlock()

	if !service.enabled || service.bound < service.log.FirstStoredIndex() {
		return nil
	}

	if err := service.log.Compact(service.bound); err != nil {
		return err
	}

	log.OrDefault(service.logger).Debug("compacted log", zap.Uint64("index", service.bound), zap.Uint64("firstStored", service.log.FirstStoredIndex()))

	return nil
}
