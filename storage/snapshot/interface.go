package snapshot

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrCorruptedSnapshot indicates that a persisted or received
	// snapshot does not match its checksum. It is not recoverable
	// without operator intervention.
	ErrCorruptedSnapshot = errors.New("snapshot is corrupted")
	// ErrStaleSnapshot indicates an attempt to persist a snapshot
	// older than the latest persisted snapshot
	ErrStaleSnapshot = errors.New("snapshot is older than the latest snapshot")
	// ErrNoSuchSnapshot indicates the requested snapshot does not exist
	ErrNoSuchSnapshot = errors.New("snapshot does not exist")
	// ErrAborted is returned by operations on an aborted snapshot
	ErrAborted = errors.New("snapshot was aborted")
	// ErrChunkOutOfOrder indicates a received chunk does not continue
	// where the previous chunk ended
	ErrChunkOutOfOrder = errors.New("snapshot chunk out of order")
)

// Acceptor describes something that can
// apply a snapshot
type Acceptor interface {
	ApplySnapshot(ctx context.Context, snap io.Reader) error
}

// Source describes something that can
// generate a snapshot
type Source interface {
	Snapshot(ctx context.Context) (io.ReadCloser, error)
}

// Listener is notified after a snapshot is persisted
type Listener func(snapshot *Snapshot)

// ConstructableStore is the writer side of a snapshot store.
// Snapshots are taken from a Source and persisted locally.
type ConstructableStore interface {
	// NewTransientSnapshot begins a new snapshot with this id
	NewTransientSnapshot(id ID) (*TransientSnapshot, error)
	// Latest returns the most recent persisted snapshot
	Latest() (*Snapshot, bool)
	// AddListener registers a listener for persisted snapshots.
	// The returned function removes it again.
	AddListener(listener Listener) func()
}

// ReceivableStore is the follower side of a snapshot store.
// Snapshots arrive as ordered chunks from another replica.
type ReceivableStore interface {
	// NewReceivedSnapshot begins receiving the snapshot with this id
	NewReceivedSnapshot(id ID) (*ReceivedSnapshot, error)
	// Latest returns the most recent persisted snapshot
	Latest() (*Snapshot, bool)
}

// Chunk is one piece of a snapshot file in transit
type Chunk struct {
	SnapshotID string `json:"snapshotId"`
	Offset     int64  `json:"offset"`
	TotalSize  int64  `json:"totalSize"`
	Checksum   uint64 `json:"checksum"`
	Data       []byte `json:"data"`
}
