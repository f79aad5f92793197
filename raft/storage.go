package raft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	etcd_raft "github.com/coreos/etcd/raft"
	"github.com/coreos/etcd/raft/raftpb"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
)

var (
	bucketMetadata = []byte("metadata")
	bucketEntries  = []byte("entries")
	keyHardState   = []byte("hard_state")
	keyConfState   = []byte("conf_state")
	keySnapshot    = []byte("snapshot")
)

var _ etcd_raft.Storage = (*Storage)(nil)

// StorageConfig configures a durable raft log
type StorageConfig struct {
	Store  kv.Store
	Logger *zap.Logger
}

// Storage is a durable raft log on top of a transactional kv
// store. Raft sees the log starting after the latest raft
// snapshot. Entries up to that snapshot are kept until Compact
// releases them so that exporters can still read them.
type Storage struct {
	mu        sync.Mutex
	store     kv.Store
	logger    *zap.Logger
	hardState raftpb.HardState
	confState raftpb.ConfState
	snapshot  raftpb.Snapshot
	// lowest index still physically present, or lastIndex+1
	// when the log holds no entries
	firstStored uint64
	lastIndex   uint64
}

// OpenStorage loads the raft log kept in config.Store
func OpenStorage(config StorageConfig) (*Storage, error) {
	storage := &Storage{store: config.Store, logger: log.OrDefault(config.Logger)}

	err := storage.store.Update(func(transaction kv.Transaction) error {
		metadata, err := transaction.CreateBucketIfNotExists(bucketMetadata)

		if err != nil {
			return err
		}

		if _, err := transaction.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}

		if data := metadata.Get(keyHardState); data != nil {
			if err := storage.hardState.Unmarshal(data); err != nil {
				return fmt.Errorf("could not unmarshal hard state: %w", err)
			}
		}

		if data := metadata.Get(keyConfState); data != nil {
			if err := storage.confState.Unmarshal(data); err != nil {
				return fmt.Errorf("could not unmarshal conf state: %w", err)
			}
		}

		if data := metadata.Get(keySnapshot); data != nil {
			if err := storage.snapshot.Unmarshal(data); err != nil {
				return fmt.Errorf("could not unmarshal snapshot: %w", err)
			}
		}

		entries := &entriesCursor{cursor: transaction.Bucket(bucketEntries).Cursor()}
		storage.lastIndex = storage.snapshot.Metadata.Index
		storage.firstStored = storage.lastIndex + 1

		if entries.First() {
			storage.firstStored = entries.Index()
		}

		if entries.Error() != nil {
			return entries.Error()
		}

		if entries.Last() && entries.Index() > storage.lastIndex {
			storage.lastIndex = entries.Index()
		}

		return entries.Error()
	})

	if err != nil {
		return nil, fmt.Errorf("could not load raft log: %w", err)
	}

	return storage, nil
}

// InitialState implements raft.Storage
func (storage *Storage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	storage.mu.Lock()
	defer storage.mu.Unlock()

	return storage.hardState, storage.confState, nil
}

// IsEmpty reports whether nothing was ever written to the log
func (storage *Storage) IsEmpty() bool {
	storage.mu.Lock()
	defer storage.mu.Unlock()

	return storage.lastIndex == 0 && etcd_raft.IsEmptyHardState(storage.hardState)
}

// Entries implements raft.Storage. It returns the entries in the
// range [lo,hi). MaxSize limits the total size of the entries
// returned, but at least one entry is returned if any.
func (storage *Storage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	storage.mu.Lock()
	defer storage.mu.Unlock()

	if lo <= storage.snapshot.Metadata.Index {
		return nil, etcd_raft.ErrCompacted
	}

	return storage.read(lo, hi, maxSize)
}

// ReadEntries returns the entries in the range [lo,hi) including
// entries covered by a raft snapshot that were not compacted yet
func (storage *Storage) ReadEntries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	storage.mu.Lock()
	defer storage.mu.Unlock()

	if lo < storage.firstStored {
		return nil, etcd_raft.ErrCompacted
	}

	return storage.read(lo, hi, maxSize)
}

func (storage *Storage) read(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	if hi > storage.lastIndex+1 {
		return nil, fmt.Errorf("entries [%d, %d) out of bound, last index is %d: %w", lo, hi, storage.lastIndex, etcd_raft.ErrUnavailable)
	}

	if lo >= hi {
		return nil, nil
	}

	transaction, err := storage.store.Begin(false)

	if err != nil {
		return nil, err
	}

	defer transaction.Rollback()

	entries := &entriesCursor{cursor: transaction.Bucket(bucketEntries).Cursor()}

	if !entries.Seek(lo) {
		if entries.Error() == nil {
			return nil, etcd_raft.ErrUnavailable
		}

		return nil, fmt.Errorf("could not find entry at index %d: %w", lo, entries.Error())
	}

	if lo != entries.Index() {
		return nil, fmt.Errorf("expected entry at index %d, found %d", lo, entries.Index())
	}

	entry := entries.Entry()
	size := uint64(entry.Size())
	result := make([]raftpb.Entry, 0, hi-lo)
	result = append(result, entry)

	for entry.Index+1 < hi && entries.Next() {
		if entries.Entry().Index != entry.Index+1 {
			return nil, fmt.Errorf("entries don't have consecutive indexes: %d follows %d", entries.Entry().Index, entry.Index)
		}

		entry = entries.Entry()
		size += uint64(entry.Size())

		if size > maxSize {
			break
		}

		result = append(result, entry)
	}

	if entries.Error() != nil {
		return nil, entries.Error()
	}

	return result, nil
}

// Term implements raft.Storage
func (storage *Storage) Term(i uint64) (uint64, error) {
	storage.mu.Lock()
	defer storage.mu.Unlock()

	return storage.term(i)
}

func (storage *Storage) term(i uint64) (uint64, error) {
	snapshotIndex := storage.snapshot.Metadata.Index

	switch {
	case i == snapshotIndex:
		return storage.snapshot.Metadata.Term, nil
	case i < snapshotIndex:
		return 0, etcd_raft.ErrCompacted
	case i > storage.lastIndex:
		return 0, etcd_raft.ErrUnavailable
	}

	var term uint64

	err := storage.store.View(func(transaction kv.Transaction) error {
		data := transaction.Bucket(bucketEntries).Get(uint64ToKey(i))

		if data == nil {
			return etcd_raft.ErrUnavailable
		}

		var entry raftpb.Entry

		if err := entry.Unmarshal(data); err != nil {
			return fmt.Errorf("could not unmarshal entry %d: %w", i, err)
		}

		term = entry.Term

		return nil
	})

	return term, err
}

// LastIndex implements raft.Storage
func (storage *Storage) LastIndex() (uint64, error) {
	storage.mu.Lock()
	defer storage.mu.Unlock()

	return storage.lastIndex, nil
}

// FirstIndex implements raft.Storage
func (storage *Storage) FirstIndex() (uint64, error) {
	storage.mu.Lock()
	defer storage.mu.Unlock()

	return storage.snapshot.Metadata.Index + 1, nil
}

// FirstStoredIndex returns the lowest index that was not compacted
func (storage *Storage) FirstStoredIndex() uint64 {
	storage.mu.Lock()
	defer storage.mu.Unlock()

	return storage.firstStored
}

// Snapshot implements raft.Storage. The data of a raft snapshot is
// the id of the partition snapshot it refers to.
func (storage *Storage) Snapshot() (raftpb.Snapshot, error) {
	storage.mu.Lock()
	defer storage.mu.Unlock()

	if etcd_raft.IsEmptySnap(storage.snapshot) {
		return raftpb.Snapshot{}, etcd_raft.ErrSnapshotTemporarilyUnavailable
	}

	return storage.snapshot, nil
}

// SetHardState persists the hard state
func (storage *Storage) SetHardState(st raftpb.HardState) error {
	data, err := st.Marshal()

	if err != nil {
		return err
	}

	storage.mu.Lock()
	defer storage.mu.Unlock()

	if err := storage.putMetadata(keyHardState, data); err != nil {
		return err
	}

	storage.hardState = st

	return nil
}

// SetConfState persists the membership of the partition
func (storage *Storage) SetConfState(cs raftpb.ConfState) error {
	data, err := cs.Marshal()

	if err != nil {
		return err
	}

	storage.mu.Lock()
	defer storage.mu.Unlock()

	if err := storage.putMetadata(keyConfState, data); err != nil {
		return err
	}

	storage.confState = cs

	return nil
}

func (storage *Storage) putMetadata(key []byte, value []byte) error {
	return storage.store.Update(func(transaction kv.Transaction) error {
		return transaction.Bucket(bucketMetadata).Put(key, value)
	})
}

// Append persists entries. Existing entries from the first new
// index onwards are replaced.
func (storage *Storage) Append(entries []raftpb.Entry) error {
	storage.mu.Lock()
	defer storage.mu.Unlock()

	snapshotIndex := storage.snapshot.Metadata.Index

	for len(entries) > 0 && entries[0].Index <= snapshotIndex {
		entries = entries[1:]
	}

	if len(entries) == 0 {
		return nil
	}

	first := entries[0].Index

	if first > storage.lastIndex+1 {
		return fmt.Errorf("missing log entries [last: %d, append at: %d]", storage.lastIndex, first)
	}

	err := storage.store.Update(func(transaction kv.Transaction) error {
		bucket := transaction.Bucket(bucketEntries)

		for i := first; i <= storage.lastIndex; i++ {
			if err := bucket.Delete(uint64ToKey(i)); err != nil {
				return err
			}
		}

		for _, entry := range entries {
			data, err := entry.Marshal()

			if err != nil {
				return err
			}

			if err := bucket.Put(uint64ToKey(entry.Index), data); err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("could not append entries: %w", err)
	}

	storage.lastIndex = entries[len(entries)-1].Index

	if storage.firstStored > first {
		storage.firstStored = first
	}

	return nil
}

// CreateSnapshot records a raft snapshot at index referring to a
// partition snapshot. Entries up to index stay readable through
// ReadEntries until they are compacted.
func (storage *Storage) CreateSnapshot(index uint64, data []byte) (raftpb.Snapshot, error) {
	storage.mu.Lock()
	defer storage.mu.Unlock()

	if index <= storage.snapshot.Metadata.Index {
		return raftpb.Snapshot{}, etcd_raft.ErrSnapOutOfDate
	}

	if index > storage.lastIndex {
		return raftpb.Snapshot{}, fmt.Errorf("snapshot index %d is out of bound, last index is %d", index, storage.lastIndex)
	}

	term, err := storage.term(index)

	if err != nil {
		return raftpb.Snapshot{}, err
	}

	snapshot := raftpb.Snapshot{
		Data: data,
		Metadata: raftpb.SnapshotMetadata{
			Index:     index,
			Term:      term,
			ConfState: storage.confState,
		},
	}

	if err := storage.putSnapshot(snapshot, false); err != nil {
		return raftpb.Snapshot{}, err
	}

	storage.snapshot = snapshot

	return snapshot, nil
}

// ApplySnapshot replaces the log with a snapshot received from the
// leader
func (storage *Storage) ApplySnapshot(snapshot raftpb.Snapshot) error {
	storage.mu.Lock()
	defer storage.mu.Unlock()

	if snapshot.Metadata.Index <= storage.snapshot.Metadata.Index {
		return etcd_raft.ErrSnapOutOfDate
	}

	if err := storage.putSnapshot(snapshot, true); err != nil {
		return err
	}

	storage.snapshot = snapshot
	storage.confState = snapshot.Metadata.ConfState
	storage.lastIndex = snapshot.Metadata.Index
	storage.firstStored = storage.lastIndex + 1

	return nil
}

func (storage *Storage) putSnapshot(snapshot raftpb.Snapshot, replaceLog bool) error {
	data, err := snapshot.Marshal()

	if err != nil {
		return err
	}

	return storage.store.Update(func(transaction kv.Transaction) error {
		metadata := transaction.Bucket(bucketMetadata)

		if err := metadata.Put(keySnapshot, data); err != nil {
			return err
		}

		if !replaceLog {
			return nil
		}

		confState, err := snapshot.Metadata.ConfState.Marshal()

		if err != nil {
			return err
		}

		if err := metadata.Put(keyConfState, confState); err != nil {
			return err
		}

		return transaction.Bucket(bucketEntries).Empty()
	})
}

// Compact removes the entries up to and including index. Entries
// after the latest raft snapshot are never removed.
func (storage *Storage) Compact(index uint64) error {
	storage.mu.Lock()
	defer storage.mu.Unlock()

	if index > storage.snapshot.Metadata.Index {
		index = storage.snapshot.Metadata.Index
	}

	if index < storage.firstStored {
		return nil
	}

	err := storage.store.Update(func(transaction kv.Transaction) error {
		bucket := transaction.Bucket(bucketEntries)

		for i := storage.firstStored; i <= index; i++ {
			if err := bucket.Delete(uint64ToKey(i)); err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("could not compact log up to %d: %w", index, err)
	}

	storage.logger.Debug("compacted log", zap.Uint64("from", storage.firstStored), zap.Uint64("to", index))
	storage.firstStored = index + 1

	return nil
}

// IsCompacted reports whether err means the requested entries
// were removed
func IsCompacted(err error) bool {
	return errors.Is(err, etcd_raft.ErrCompacted)
}

func uint64ToKey(n uint64) []byte {
	k := make([]byte, 8)

	binary.BigEndian.PutUint64(k, n)

	return k
}

func keyToUint64(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}

type entriesCursor struct {
	cursor kv.Cursor
	index  uint64
	entry  raftpb.Entry
	err    error
}

func (cursor *entriesCursor) unmarshalEntry(key, value []byte) bool {
	var entry raftpb.Entry

	if err := entry.Unmarshal(value); err != nil {
		cursor.err = fmt.Errorf("could not unmarshal value at key %v as raftpb.Entry: %w", key, err)

		return false
	}

	index := keyToUint64(key)

	if entry.Index != index {
		cursor.err = fmt.Errorf("key index does not match index contained inside entry: index=%d, entry=%d", index, entry.Index)

		return false
	}

	cursor.err = nil
	cursor.entry = entry
	cursor.index = index

	return true
}

func (cursor *entriesCursor) Seek(index uint64) bool {
	key, value := cursor.cursor.Seek(uint64ToKey(index))

	if key == nil {
		return false
	}

	return cursor.unmarshalEntry(key, value)
}

func (cursor *entriesCursor) Next() bool {
	key, value := cursor.cursor.Next()

	if key == nil {
		return false
	}

	return cursor.unmarshalEntry(key, value)
}

func (cursor *entriesCursor) First() bool {
	key, value := cursor.cursor.First()

	if key == nil {
		return false
	}

	return cursor.unmarshalEntry(key, value)
}

func (cursor *entriesCursor) Last() bool {
	key, value := cursor.cursor.Last()

	if key == nil {
		return false
	}

	return cursor.unmarshalEntry(key, value)
}

func (cursor *entriesCursor) Index() uint64 {
	return cursor.index
}

func (cursor *entriesCursor) Entry() raftpb.Entry {
	return cursor.entry
}

func (cursor *entriesCursor) Error() error {
	return cursor.err
}
