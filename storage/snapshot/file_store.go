package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jrife/grouse/utils/log"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const (
	snapshotsDirectory = "snapshots"
	pendingDirectory   = "pending"
	dataFile           = "data.zst"
	checksumFile       = "CHECKSUM"
)

var _ ConstructableStore = (*FileStore)(nil)
var _ ReceivableStore = (*FileStore)(nil)

// FileStoreConfig contains configuration
// for a file based snapshot store
type FileStoreConfig struct {
	Directory string
	Logger    *zap.Logger
}

// FileStore keeps the latest snapshot of a partition as a
// zstd compressed file next to its xxhash checksum. It serves
// as both the constructable and the receivable store.
type FileStore struct {
	directory string
	logger    *zap.Logger

	mu        sync.Mutex
	latest    *Snapshot
	listeners map[int]Listener
	nextID    int
}

// OpenFileStore opens the store in config.Directory. Leftovers
// of unfinished snapshots are removed.
func OpenFileStore(config FileStoreConfig) (*FileStore, error) {
	store := &FileStore{
		directory: config.Directory,
		logger:    log.OrDefault(config.Logger).With(zap.String("snapshots", config.Directory)),
		listeners: map[int]Listener{},
	}

	if err := os.RemoveAll(store.pendingPath()); err != nil {
		return nil, fmt.Errorf("could not remove pending snapshots: %w", err)
	}

	for _, dir := range []string{store.pendingPath(), store.snapshotsPath()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("could not create directory %s: %w", dir, err)
		}
	}

	entries, err := os.ReadDir(store.snapshotsPath())

	if err != nil {
		return nil, fmt.Errorf("could not list snapshots: %w", err)
	}

	for _, entry := range entries {
		id, err := ParseID(entry.Name())

		if err != nil {
			store.logger.Warn("ignoring unknown entry in snapshot directory", zap.String("entry", entry.Name()))

			continue
		}

		snapshot, err := store.load(id)

		if err != nil {
			return nil, err
		}

		if store.latest == nil || store.latest.id.Compare(id) < 0 {
			store.latest = snapshot
		}
	}

	if store.latest != nil {
		store.removeOlderThan(store.latest.id)
	}

	return store, nil
}

func (store *FileStore) snapshotsPath() string {
	return filepath.Join(store.directory, snapshotsDirectory)
}

func (store *FileStore) pendingPath() string {
	return filepath.Join(store.directory, pendingDirectory)
}

func (store *FileStore) load(id ID) (*Snapshot, error) {
	directory := filepath.Join(store.snapshotsPath(), id.String())
	rawChecksum, err := os.ReadFile(filepath.Join(directory, checksumFile))

	if err != nil {
		return nil, fmt.Errorf("could not read checksum of snapshot %s: %v: %w", id, err, ErrCorruptedSnapshot)
	}

	checksum, err := strconv.ParseUint(strings.TrimSpace(string(rawChecksum)), 16, 64)

	if err != nil {
		return nil, fmt.Errorf("could not parse checksum of snapshot %s: %v: %w", id, err, ErrCorruptedSnapshot)
	}

	info, err := os.Stat(filepath.Join(directory, dataFile))

	if err != nil {
		return nil, fmt.Errorf("could not stat snapshot %s: %v: %w", id, err, ErrCorruptedSnapshot)
	}

	return &Snapshot{id: id, directory: directory, checksum: checksum, size: info.Size()}, nil
}

// Latest implements ConstructableStore.Latest and ReceivableStore.Latest
func (store *FileStore) Latest() (*Snapshot, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.latest, store.latest != nil
}

// Get returns the persisted snapshot with this id
func (store *FileStore) Get(id string) (*Snapshot, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.latest == nil || store.latest.id.String() != id {
		return nil, ErrNoSuchSnapshot
	}

	return store.latest, nil
}

// AddListener implements ConstructableStore.AddListener
func (store *FileStore) AddListener(listener Listener) func() {
	store.mu.Lock()
	defer store.mu.Unlock()

	id := store.nextID
	store.nextID++
	store.listeners[id] = listener

	return func() {
		store.mu.Lock()
		defer store.mu.Unlock()

		delete(store.listeners, id)
	}
}

// NewTransientSnapshot implements ConstructableStore.NewTransientSnapshot
func (store *FileStore) NewTransientSnapshot(id ID) (*TransientSnapshot, error) {
	directory, err := store.newPendingDirectory()

	if err != nil {
		return nil, err
	}

	return &TransientSnapshot{store: store, id: id, directory: directory}, nil
}

// NewReceivedSnapshot implements ReceivableStore.NewReceivedSnapshot
func (store *FileStore) NewReceivedSnapshot(id ID) (*ReceivedSnapshot, error) {
	directory, err := store.newPendingDirectory()

	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filepath.Join(directory, dataFile), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)

	if err != nil {
		os.RemoveAll(directory)

		return nil, fmt.Errorf("could not create snapshot file: %w", err)
	}

	return &ReceivedSnapshot{store: store, id: id, directory: directory, file: file, hash: xxhash.New()}, nil
}

func (store *FileStore) newPendingDirectory() (string, error) {
	directory := filepath.Join(store.pendingPath(), uuid.NewString())

	if err := os.MkdirAll(directory, 0700); err != nil {
		return "", fmt.Errorf("could not create pending snapshot directory: %w", err)
	}

	return directory, nil
}

// persist moves a complete pending snapshot into place, removes
// older snapshots and notifies listeners.
func (store *FileStore) persist(pending string, id ID, checksum uint64, size int64) (*Snapshot, error) {
	store.mu.Lock()

	if store.latest != nil {
		switch store.latest.id.Compare(id) {
		case 0:
			latest := store.latest
			store.mu.Unlock()
			os.RemoveAll(pending)

			return latest, nil
		case 1:
			latestID := store.latest.id
			store.mu.Unlock()
			os.RemoveAll(pending)

			return nil, fmt.Errorf("could not persist snapshot %s: latest is %s: %w", id, latestID, ErrStaleSnapshot)
		}
	}

	if err := writeFileSync(filepath.Join(pending, checksumFile), []byte(fmt.Sprintf("%016x\n", checksum))); err != nil {
		store.mu.Unlock()
		os.RemoveAll(pending)

		return nil, fmt.Errorf("could not write checksum: %w", err)
	}

	directory := filepath.Join(store.snapshotsPath(), id.String())

	if err := os.Rename(pending, directory); err != nil {
		store.mu.Unlock()
		os.RemoveAll(pending)

		return nil, fmt.Errorf("could not move snapshot into place: %w", err)
	}

	snapshot := &Snapshot{id: id, directory: directory, checksum: checksum, size: size}
	store.latest = snapshot
	store.removeOlderThan(id)

	listeners := make([]Listener, 0, len(store.listeners))

	for i := 0; i < store.nextID; i++ {
		if listener, ok := store.listeners[i]; ok {
			listeners = append(listeners, listener)
		}
	}

	store.mu.Unlock()

	store.logger.Info("persisted snapshot", zap.String("id", id.String()), zap.Int64("size", size))

	for _, listener := range listeners {
		listener(snapshot)
	}

	return snapshot, nil
}

func (store *FileStore) removeOlderThan(id ID) {
	entries, err := os.ReadDir(store.snapshotsPath())

	if err != nil {
		store.logger.Warn("could not list snapshots", zap.Error(err))

		return
	}

	for _, entry := range entries {
		other, err := ParseID(entry.Name())

		if err != nil || other.Compare(id) >= 0 {
			continue
		}

		if err := os.RemoveAll(filepath.Join(store.snapshotsPath(), entry.Name())); err != nil {
			store.logger.Warn("could not remove old snapshot", zap.String("id", entry.Name()), zap.Error(err))
		}
	}
}

// Close releases the store. Pending snapshots are discarded.
func (store *FileStore) Close() error {
	return os.RemoveAll(store.pendingPath())
}

func writeFileSync(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)

	if err != nil {
		return err
	}

	if _, err := file.Write(data); err != nil {
		file.Close()

		return err
	}

	if err := file.Sync(); err != nil {
		file.Close()

		return err
	}

	return file.Close()
}

// Snapshot is an immutable persisted snapshot
type Snapshot struct {
	id        ID
	directory string
	checksum  uint64
	size      int64
}

// ID returns the snapshot id
func (snapshot *Snapshot) ID() ID {
	return snapshot.id
}

// Checksum returns the xxhash of the compressed snapshot file
func (snapshot *Snapshot) Checksum() uint64 {
	return snapshot.checksum
}

// Size returns the size of the compressed snapshot file
func (snapshot *Snapshot) Size() int64 {
	return snapshot.size
}

// Path returns the directory holding the snapshot
func (snapshot *Snapshot) Path() string {
	return snapshot.directory
}

// Open returns the decompressed snapshot contents
func (snapshot *Snapshot) Open() (io.ReadCloser, error) {
	file, err := os.Open(filepath.Join(snapshot.directory, dataFile))

	if err != nil {
		return nil, fmt.Errorf("could not open snapshot %s: %w", snapshot.id, err)
	}

	decoder, err := zstd.NewReader(file, zstd.WithDecoderConcurrency(1))

	if err != nil {
		file.Close()

		return nil, fmt.Errorf("could not create decoder for snapshot %s: %w", snapshot.id, err)
	}

	return &decompressingReader{decoder: decoder, file: file}, nil
}

// Verify recomputes the checksum of the snapshot file. It returns
// ErrCorruptedSnapshot if it does not match.
func (snapshot *Snapshot) Verify() error {
	file, err := os.Open(filepath.Join(snapshot.directory, dataFile))

	if err != nil {
		return fmt.Errorf("could not open snapshot %s: %v: %w", snapshot.id, err, ErrCorruptedSnapshot)
	}

	defer file.Close()

	hash := xxhash.New()
	size, err := io.Copy(hash, file)

	if err != nil {
		return fmt.Errorf("could not read snapshot %s: %w", snapshot.id, err)
	}

	if size != snapshot.size || hash.Sum64() != snapshot.checksum {
		return fmt.Errorf("snapshot %s has checksum %016x, expected %016x: %w", snapshot.id, hash.Sum64(), snapshot.checksum, ErrCorruptedSnapshot)
	}

	return nil
}

// ReadChunk reads up to maxSize bytes of the compressed
// snapshot file starting at offset
func (snapshot *Snapshot) ReadChunk(offset int64, maxSize int) (Chunk, error) {
	file, err := os.Open(filepath.Join(snapshot.directory, dataFile))

	if err != nil {
		return Chunk{}, fmt.Errorf("could not open snapshot %s: %w", snapshot.id, err)
	}

	defer file.Close()

	remaining := snapshot.size - offset

	if remaining < 0 {
		return Chunk{}, fmt.Errorf("offset %d is beyond the end of snapshot %s", offset, snapshot.id)
	}

	if int64(maxSize) < remaining {
		remaining = int64(maxSize)
	}

	data := make([]byte, remaining)

	if _, err := file.ReadAt(data, offset); err != nil && err != io.EOF {
		return Chunk{}, fmt.Errorf("could not read snapshot %s: %w", snapshot.id, err)
	}

	return Chunk{
		SnapshotID: snapshot.id.String(),
		Offset:     offset,
		TotalSize:  snapshot.size,
		Checksum:   snapshot.checksum,
		Data:       data,
	}, nil
}

type decompressingReader struct {
	decoder *zstd.Decoder
	file    *os.File
}

func (reader *decompressingReader) Read(p []byte) (int, error) {
	return reader.decoder.Read(p)
}

func (reader *decompressingReader) Close() error {
	reader.decoder.Close()

	return reader.file.Close()
}

// TransientSnapshot is a snapshot under construction
type TransientSnapshot struct {
	store     *FileStore
	id        ID
	directory string
	checksum  uint64
	size      int64
	taken     bool
	aborted   bool
}

// ID returns the id the snapshot will be persisted under
func (transient *TransientSnapshot) ID() ID {
	return transient.id
}

// Take writes the contents of source into the snapshot
func (transient *TransientSnapshot) Take(ctx context.Context, source Source) error {
	if transient.aborted {
		return ErrAborted
	}

	reader, err := source.Snapshot(ctx)

	if err != nil {
		return fmt.Errorf("could not read snapshot source: %w", err)
	}

	defer reader.Close()

	file, err := os.OpenFile(filepath.Join(transient.directory, dataFile), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)

	if err != nil {
		return fmt.Errorf("could not create snapshot file: %w", err)
	}

	defer file.Close()

	hash := xxhash.New()
	counter := &countingWriter{writer: io.MultiWriter(file, hash)}
	encoder, err := zstd.NewWriter(counter, zstd.WithEncoderConcurrency(1))

	if err != nil {
		return fmt.Errorf("could not create encoder: %w", err)
	}

	if _, err := io.Copy(encoder, reader); err != nil {
		encoder.Close()

		return fmt.Errorf("could not write snapshot: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return fmt.Errorf("could not flush snapshot: %w", err)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("could not sync snapshot: %w", err)
	}

	transient.checksum = hash.Sum64()
	transient.size = counter.n
	transient.taken = true

	return nil
}

// Persist makes the snapshot durable and the latest snapshot
func (transient *TransientSnapshot) Persist() (*Snapshot, error) {
	if transient.aborted {
		return nil, ErrAborted
	}

	if !transient.taken {
		return nil, fmt.Errorf("could not persist snapshot %s: nothing was taken", transient.id)
	}

	transient.aborted = true

	return transient.store.persist(transient.directory, transient.id, transient.checksum, transient.size)
}

// Abort discards the snapshot
func (transient *TransientSnapshot) Abort() error {
	if transient.aborted {
		return nil
	}

	transient.aborted = true

	return os.RemoveAll(transient.directory)
}

type countingWriter struct {
	writer io.Writer
	n      int64
}

func (writer *countingWriter) Write(p []byte) (int, error) {
	n, err := writer.writer.Write(p)
	writer.n += int64(n)

	return n, err
}

// ReceivedSnapshot is a snapshot being received chunk by chunk
type ReceivedSnapshot struct {
	store     *FileStore
	id        ID
	directory string
	file      *os.File
	hash      *xxhash.Digest
	written   int64
	totalSize int64
	checksum  uint64
	started   bool
	aborted   bool
}

// ID returns the id of the snapshot being received
func (received *ReceivedSnapshot) ID() ID {
	return received.id
}

// Apply appends the next chunk. Chunks must arrive in order.
func (received *ReceivedSnapshot) Apply(chunk Chunk) error {
	if received.aborted {
		return ErrAborted
	}

	if chunk.SnapshotID != received.id.String() {
		return fmt.Errorf("chunk belongs to snapshot %s, expected %s", chunk.SnapshotID, received.id)
	}

	if chunk.Offset != received.written {
		return fmt.Errorf("chunk starts at %d, expected %d: %w", chunk.Offset, received.written, ErrChunkOutOfOrder)
	}

	if !received.started {
		received.started = true
		received.totalSize = chunk.TotalSize
		received.checksum = chunk.Checksum
	}

	if _, err := received.file.Write(chunk.Data); err != nil {
		return fmt.Errorf("could not write chunk: %w", err)
	}

	received.hash.Write(chunk.Data)
	received.written += int64(len(chunk.Data))

	return nil
}

// Complete reports whether every byte of the snapshot arrived
func (received *ReceivedSnapshot) Complete() bool {
	return received.started && received.written >= received.totalSize
}

// Persist verifies the received snapshot and makes it the latest
// snapshot. A checksum mismatch aborts the snapshot and returns
// ErrCorruptedSnapshot.
func (received *ReceivedSnapshot) Persist() (*Snapshot, error) {
	if received.aborted {
		return nil, ErrAborted
	}

	if err := received.file.Sync(); err != nil {
		received.Abort()

		return nil, fmt.Errorf("could not sync snapshot: %w", err)
	}

	if err := received.file.Close(); err != nil {
		received.Abort()

		return nil, fmt.Errorf("could not close snapshot: %w", err)
	}

	if received.written != received.totalSize || received.hash.Sum64() != received.checksum {
		received.Abort()

		return nil, fmt.Errorf("received snapshot %s (%d of %d bytes) does not match checksum %016x: %w", received.id, received.written, received.totalSize, received.checksum, ErrCorruptedSnapshot)
	}

	received.aborted = true

	return received.store.persist(received.directory, received.id, received.checksum, received.written)
}

// Abort discards the snapshot
func (received *ReceivedSnapshot) Abort() error {
	if received.aborted {
		return nil
	}

	received.aborted = true
	received.file.Close()

	return os.RemoveAll(received.directory)
}
