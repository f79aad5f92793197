package partition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrife/grouse/engine/state"
	"github.com/jrife/grouse/raft"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/snapshot"
)

// StartupSteps returns the steps that bootstrap a partition replica
// in the order they run
func StartupSteps() []StartupStep {
	return []StartupStep{
		&logStorageStartup{},
		&snapshotStoreStartup{},
		&stateStoreStartup{},
		&logDeletionStartup{},
		&raftStartup{},
	}
}

type logStorageStartup struct{}

func (step *logStorageStartup) Name() string {
	return "LogStorage"
}

func (step *logStorageStartup) Startup(ctx context.Context, sc *StartupContext) error {
	if err := os.MkdirAll(sc.Directory, 0700); err != nil {
		return fmt.Errorf("could not create partition directory: %w", err)
	}

	store, err := kv.Open(kv.BBoltStoreConfig{Path: filepath.Join(sc.Directory, "raft.db"), Logger: sc.Logger})

	if err != nil {
		return err
	}

	log, err := raft.OpenStorage(raft.StorageConfig{Store: store, Logger: sc.Logger})

	if err != nil {
		store.Close()

		return err
	}

	sc.LogStore = store
	sc.Log = log

	return nil
}

func (step *logStorageStartup) Shutdown(ctx context.Context, sc *StartupContext) error {
	sc.Log = nil

	if sc.LogStore == nil {
		return nil
	}

	err := sc.LogStore.Close()
	sc.LogStore = nil

	return err
}

type snapshotStoreStartup struct{}

func (step *snapshotStoreStartup) Name() string {
	return "SnapshotStore"
}

func (step *snapshotStoreStartup) Startup(ctx context.Context, sc *StartupContext) error {
	store, err := snapshot.OpenFileStore(snapshot.FileStoreConfig{Directory: filepath.Join(sc.Directory, "snapshots"), Logger: sc.Logger})

	if err != nil {
		return err
	}

	sc.SnapshotStore = store

	return nil
}

func (step *snapshotStoreStartup) Shutdown(ctx context.Context, sc *StartupContext) error {
	if sc.SnapshotStore == nil {
		return nil
	}

	err := sc.SnapshotStore.Close()
	sc.SnapshotStore = nil

	return err
}

// stateStoreStartup opens the state and restores it from the latest
// snapshot if it is behind
type stateStoreStartup struct{}

func (step *stateStoreStartup) Name() string {
	return "StateStore"
}

func (step *stateStoreStartup) Startup(ctx context.Context, sc *StartupContext) error {
	store, err := kv.Open(kv.BBoltStoreConfig{Path: filepath.Join(sc.Directory, "state.db"), Logger: sc.Logger})

	if err != nil {
		return err
	}

	sc.SetStateStore(store)
	tc := &TransitionContext{StartupContext: sc}
	behind, err := stateBehindSnapshot(tc)

	if err == nil && behind {
		err = RestoreState(ctx, sc)
	}

	if err != nil {
		store.Close()
		sc.SetStateStore(nil)

		return err
	}

	return nil
}

func (step *stateStoreStartup) Shutdown(ctx context.Context, sc *StartupContext) error {
	store := sc.StateStore()

	if store == nil {
		return nil
	}

	sc.SetStateStore(nil)

	return store.Close()
}

type logDeletionStartup struct {
	removeListener func()
}

func (step *logDeletionStartup) Name() string {
	return "LogDeletion"
}

func (step *logDeletionStartup) Startup(ctx context.Context, sc *StartupContext) error {
	service := NewDeletionService(sc.Log, sc.Logger)

	if latest, ok := sc.SnapshotStore.Latest(); ok {
		service.OnSnapshotPersisted(latest)
	}

	step.removeListener = sc.SnapshotStore.AddListener(service.OnSnapshotPersisted)
	sc.SetDeletionService(service)

	return nil
}

func (step *logDeletionStartup) Shutdown(ctx context.Context, sc *StartupContext) error {
	if step.removeListener != nil {
		step.removeListener()
		step.removeListener = nil
	}

	sc.SetDeletionService(nil)

	return nil
}

// raftStartup starts the raft node on top of the log. Raft resumes
// after the last entry reflected in the state.
type raftStartup struct{}

func (step *raftStartup) Name() string {
	return "Raft"
}

func (step *raftStartup) Startup(ctx context.Context, sc *StartupContext) error {
	var applied uint64

	err := sc.StateStore().View(func(transaction kv.Transaction) error {
		applied = state.New(transaction).AppliedIndex()

		return nil
	})

	if err != nil {
		return fmt.Errorf("could not read applied index: %w", err)
	}

	if first, _ := sc.Log.FirstIndex(); applied < first-1 {
		return fmt.Errorf("state at index %d is behind the log snapshot at %d", applied, first-1)
	}

	config := sc.RaftConfig
	config.ID = sc.NodeID
	config.Peers = sc.Members
	config.Storage = sc.Log
	config.Applied = applied
	config.Logger = sc.Logger

	node, err := raft.NewNode(config)

	if err != nil {
		return err
	}

	sc.Raft = node

	return nil
}

func (step *raftStartup) Shutdown(ctx context.Context, sc *StartupContext) error {
	sc.Raft = nil

	return nil
}
