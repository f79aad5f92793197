package kv

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jrife/grouse/utils/log"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var _ Store = (*BBoltStore)(nil)

// BBoltStoreConfig contains configuration
// for a bbolt backed store
type BBoltStoreConfig struct {
	Path string
	// NoSync skips fsync after each commit. It is safe for
	// stores whose contents can be rebuilt from elsewhere.
	NoSync bool
	// OpenTimeout bounds the time spent waiting for the
	// file lock. Zero means one second.
	OpenTimeout time.Duration
	Logger      *zap.Logger
}

// BBoltStore is a Store backed by a single bbolt file
type BBoltStore struct {
	db     *bolt.DB
	logger *zap.Logger
}

// Open opens or creates a bbolt store at config.Path
func Open(config BBoltStoreConfig) (*BBoltStore, error) {
	timeout := config.OpenTimeout

	if timeout == 0 {
		timeout = time.Second
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{Timeout: timeout, NoSync: config.NoSync})

	if err != nil {
		return nil, fmt.Errorf("could not open bbolt store at %s: %w", config.Path, err)
	}

	return &BBoltStore{db: db, logger: log.OrDefault(config.Logger).With(zap.String("store", config.Path))}, nil
}

// Path implements Store.Path
func (store *BBoltStore) Path() string {
	return store.db.Path()
}

// Close implements Store.Close
func (store *BBoltStore) Close() error {
	return store.db.Close()
}

// Delete implements Store.Delete
func (store *BBoltStore) Delete() error {
	path := store.db.Path()

	if err := store.Close(); err != nil {
		return fmt.Errorf("could not close store: %w", err)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("could not remove path %s: %w", path, err)
	}

	return nil
}

// Begin implements Store.Begin
func (store *BBoltStore) Begin(writable bool) (Transaction, error) {
	transaction, err := store.db.Begin(writable)

	if err != nil {
		return nil, wrapError("could not begin transaction", err)
	}

	return &BBoltTransaction{transaction: transaction}, nil
}

// Update implements Store.Update
func (store *BBoltStore) Update(fn func(Transaction) error) error {
	return wrapError("could not update store", store.db.Update(func(transaction *bolt.Tx) error {
		return fn(&BBoltTransaction{transaction: transaction})
	}))
}

// View implements Store.View
func (store *BBoltStore) View(fn func(Transaction) error) error {
	return wrapError("could not view store", store.db.View(func(transaction *bolt.Tx) error {
		return fn(&BBoltTransaction{transaction: transaction})
	}))
}

// Snapshot implements snapshot.Source. The returned stream
// reads from a read-only transaction that stays open until
// the stream is exhausted or closed.
func (store *BBoltStore) Snapshot(ctx context.Context) (io.ReadCloser, error) {
	logger := log.Operation(ctx, store.logger, "Snapshot")
	logger.Debug("start Snapshot()")

	transaction, err := store.db.Begin(false)

	if err != nil {
		err = wrapError("could not begin transaction", err)

		logger.Debug("error", zap.Error(err))

		return nil, err
	}

	walker := newWalker(transaction)

	return newSnapshotEncoder(ctx, walker, func() {
		transaction.Rollback()
		logger.Debug("return from Snapshot()")
	}), nil
}

// ApplySnapshot implements snapshot.Acceptor. The current
// contents are replaced atomically.
func (store *BBoltStore) ApplySnapshot(ctx context.Context, snap io.Reader) error {
	logger := log.Operation(ctx, store.logger, "ApplySnapshot")
	logger.Debug("start ApplySnapshot()")

	err := store.db.Update(func(transaction *bolt.Tx) error {
		if err := emptyRoot(transaction); err != nil {
			return fmt.Errorf("could not empty store: %w", err)
		}

		return applySnapshot(ctx, transaction, snap)
	})

	if err != nil {
		err = wrapError("could not apply snapshot", err)

		logger.Error("could not apply snapshot", zap.Error(err))

		return err
	}

	logger.Debug("return from ApplySnapshot()")

	return nil
}

// Dump implements Store.Dump
func (store *BBoltStore) Dump() ([]Entry, error) {
	var entries []Entry

	err := store.db.View(func(transaction *bolt.Tx) error {
		walker := newWalker(transaction)

		for {
			step, ok := walker.next()

			if !ok {
				return nil
			}

			if step.kind == stepPair {
				entries = append(entries, Entry{
					Path:  walker.path(),
					Key:   string(step.key),
					Value: string(step.value),
				})
			}
		}
	})

	if err != nil {
		return nil, wrapError("could not dump store", err)
	}

	return entries, nil
}

func emptyRoot(transaction *bolt.Tx) error {
	var names [][]byte

	if err := transaction.ForEach(func(name []byte, _ *bolt.Bucket) error {
		names = append(names, append([]byte{}, name...))

		return nil
	}); err != nil {
		return err
	}

	for _, name := range names {
		if err := transaction.DeleteBucket(name); err != nil {
			return err
		}
	}

	return nil
}

var _ Transaction = (*BBoltTransaction)(nil)

// BBoltTransaction wraps a bbolt transaction
type BBoltTransaction struct {
	transaction *bolt.Tx
}

// Bucket implements Transaction.Bucket
func (transaction *BBoltTransaction) Bucket(path ...[]byte) Bucket {
	if len(path) == 0 {
		return nil
	}

	bucket := transaction.transaction.Bucket(path[0])

	for i := 1; i < len(path) && bucket != nil; i++ {
		bucket = bucket.Bucket(path[i])
	}

	if bucket == nil {
		return nil
	}

	return &BBoltBucket{bucket: bucket}
}

// CreateBucketIfNotExists implements Transaction.CreateBucketIfNotExists
func (transaction *BBoltTransaction) CreateBucketIfNotExists(path ...[]byte) (Bucket, error) {
	if len(path) == 0 {
		return nil, ErrNoSuchBucket
	}

	if !transaction.Writable() {
		if bucket := transaction.Bucket(path...); bucket != nil {
			return bucket, nil
		}

		return nil, ErrReadOnly
	}

	bucket, err := transaction.transaction.CreateBucketIfNotExists(path[0])

	if err != nil {
		return nil, fmt.Errorf("could not create bucket %q: %w", path[0], err)
	}

	for i := 1; i < len(path); i++ {
		bucket, err = bucket.CreateBucketIfNotExists(path[i])

		if err != nil {
			return nil, fmt.Errorf("could not create bucket %q: %w", path[i], err)
		}
	}

	return &BBoltBucket{bucket: bucket}, nil
}

// DeleteBucket implements Transaction.DeleteBucket
func (transaction *BBoltTransaction) DeleteBucket(path ...[]byte) error {
	if len(path) == 0 {
		return ErrNoSuchBucket
	}

	if len(path) == 1 {
		return ignoreBucketNotFound(transaction.transaction.DeleteBucket(path[0]))
	}

	parent := transaction.Bucket(path[:len(path)-1]...)

	if parent == nil {
		return nil
	}

	return parent.DeleteBucket(path[len(path)-1])
}

// Writable implements Transaction.Writable
func (transaction *BBoltTransaction) Writable() bool {
	return transaction.transaction.Writable()
}

// OnCommit implements Transaction.OnCommit
func (transaction *BBoltTransaction) OnCommit(fn func()) {
	transaction.transaction.OnCommit(fn)
}

// Commit implements Transaction.Commit
func (transaction *BBoltTransaction) Commit() error {
	return wrapError("could not commit", transaction.transaction.Commit())
}

// Rollback implements Transaction.Rollback
func (transaction *BBoltTransaction) Rollback() error {
	err := transaction.transaction.Rollback()

	if err == bolt.ErrTxClosed {
		return nil
	}

	return err
}

var _ Bucket = (*BBoltBucket)(nil)

// BBoltBucket wraps a bbolt bucket
type BBoltBucket struct {
	bucket *bolt.Bucket
}

// Bucket implements Bucket.Bucket
func (bucket *BBoltBucket) Bucket(name []byte) Bucket {
	child := bucket.bucket.Bucket(name)

	if child == nil {
		return nil
	}

	return &BBoltBucket{bucket: child}
}

// CreateBucketIfNotExists implements Bucket.CreateBucketIfNotExists
func (bucket *BBoltBucket) CreateBucketIfNotExists(name []byte) (Bucket, error) {
	child, err := bucket.bucket.CreateBucketIfNotExists(name)

	if err != nil {
		return nil, fmt.Errorf("could not create bucket %q: %w", name, err)
	}

	return &BBoltBucket{bucket: child}, nil
}

// DeleteBucket implements Bucket.DeleteBucket
func (bucket *BBoltBucket) DeleteBucket(name []byte) error {
	return ignoreBucketNotFound(bucket.bucket.DeleteBucket(name))
}

// Get implements Bucket.Get
func (bucket *BBoltBucket) Get(key []byte) []byte {
	return bucket.bucket.Get(key)
}

// Put implements Bucket.Put
func (bucket *BBoltBucket) Put(key []byte, value []byte) error {
	return bucket.bucket.Put(key, value)
}

// Delete implements Bucket.Delete
func (bucket *BBoltBucket) Delete(key []byte) error {
	return bucket.bucket.Delete(key)
}

// Cursor implements Bucket.Cursor
func (bucket *BBoltBucket) Cursor() Cursor {
	return bucket.bucket.Cursor()
}

// ForEach implements Bucket.ForEach
func (bucket *BBoltBucket) ForEach(fn func(key []byte, value []byte) error) error {
	return bucket.bucket.ForEach(func(key []byte, value []byte) error {
		if value == nil {
			return nil
		}

		return fn(key, value)
	})
}

// NextSequence implements Bucket.NextSequence
func (bucket *BBoltBucket) NextSequence() (uint64, error) {
	return bucket.bucket.NextSequence()
}

// Empty implements Bucket.Empty
func (bucket *BBoltBucket) Empty() error {
	var buckets [][]byte
	var keys [][]byte

	cursor := bucket.bucket.Cursor()

	for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
		if v == nil {
			buckets = append(buckets, append([]byte{}, k...))
		} else {
			keys = append(keys, append([]byte{}, k...))
		}
	}

	for _, name := range buckets {
		if err := bucket.bucket.DeleteBucket(name); err != nil {
			return fmt.Errorf("could not delete bucket %q: %w", name, err)
		}
	}

	for _, key := range keys {
		if err := bucket.bucket.Delete(key); err != nil {
			return fmt.Errorf("could not delete key %q: %w", key, err)
		}
	}

	return nil
}

func ignoreBucketNotFound(err error) error {
	if err == bolt.ErrBucketNotFound {
		return nil
	}

	return err
}

func wrapError(wrap string, err error) error {
	switch err {
	case nil:
		return nil
	case bolt.ErrDatabaseNotOpen:
		return ErrClosed
	case bolt.ErrTxNotWritable:
		return ErrReadOnly
	}

	return fmt.Errorf("%s: %w", wrap, err)
}
