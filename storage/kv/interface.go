package kv

import (
	"errors"

	"github.com/jrife/grouse/storage/snapshot"
)

var (
	// ErrClosed indicates that the store was closed
	ErrClosed = errors.New("store was closed")
	// ErrNoSuchBucket indicates that a bucket on the requested
	// path does not exist
	ErrNoSuchBucket = errors.New("bucket does not exist")
	// ErrReadOnly indicates a write was attempted inside a
	// read-only transaction
	ErrReadOnly = errors.New("transaction is read-only")
)

// Store is a transactional, hierarchical key-value store.
// Keys are ordered lexicographically inside each bucket.
// A Store can produce a consistent snapshot of its contents
// and replace its contents from a snapshot.
type Store interface {
	snapshot.Source
	snapshot.Acceptor
	// Begin starts a transaction. Only one writable transaction
	// may be open at any time. Read-only transactions see a
	// consistent point-in-time view of the store.
	Begin(writable bool) (Transaction, error)
	// Update runs fn inside a writable transaction. The transaction
	// commits if fn returns nil and rolls back otherwise.
	Update(fn func(Transaction) error) error
	// View runs fn inside a read-only transaction.
	View(fn func(Transaction) error) error
	// Dump returns every key-value pair in the store in
	// traversal order.
	Dump() ([]Entry, error)
	// Path returns the location of the store on disk
	Path() string
	// Close closes the store. Transactions opened before Close
	// must be finished before Close returns.
	Close() error
	// Delete closes then removes the store from disk
	Delete() error
}

// Transaction is a unit of work against a store.
type Transaction interface {
	// Bucket returns the bucket at path or nil if it
	// does not exist.
	Bucket(path ...[]byte) Bucket
	// CreateBucketIfNotExists returns the bucket at path,
	// creating it and any missing parents.
	CreateBucketIfNotExists(path ...[]byte) (Bucket, error)
	// DeleteBucket deletes the bucket at path if it exists
	DeleteBucket(path ...[]byte) error
	// Writable reports whether the transaction may write
	Writable() bool
	// OnCommit registers a callback to be invoked after a
	// successful commit
	OnCommit(fn func())
	// Commit commits the transaction
	Commit() error
	// Rollback discards the transaction
	Rollback() error
}

// Bucket is a collection of ordered key-value pairs and
// nested buckets
type Bucket interface {
	// Bucket returns the nested bucket with this name or
	// nil if it does not exist
	Bucket(name []byte) Bucket
	// CreateBucketIfNotExists returns the nested bucket with
	// this name, creating it if needed
	CreateBucketIfNotExists(name []byte) (Bucket, error)
	// DeleteBucket deletes the nested bucket if it exists
	DeleteBucket(name []byte) error
	// Get returns the value for key or nil. The returned slice
	// is only valid for the life of the transaction.
	Get(key []byte) []byte
	// Put sets key to value
	Put(key []byte, value []byte) error
	// Delete removes key
	Delete(key []byte) error
	// Cursor returns a cursor over this bucket
	Cursor() Cursor
	// ForEach calls fn for every key-value pair, skipping
	// nested buckets, in key order
	ForEach(fn func(key []byte, value []byte) error) error
	// NextSequence returns an autoincrementing integer
	NextSequence() (uint64, error)
	// Empty removes all keys and nested buckets
	Empty() error
}

// Cursor iterates over a bucket. A nil key means the cursor
// is exhausted. A nil value means the key names a nested bucket.
type Cursor interface {
	First() (key []byte, value []byte)
	Last() (key []byte, value []byte)
	Next() (key []byte, value []byte)
	Prev() (key []byte, value []byte)
	Seek(seek []byte) (key []byte, value []byte)
	Delete() error
}

// Entry is one key-value pair along with the
// path of buckets containing it
type Entry struct {
	Path  []string
	Key   string
	Value string
}
