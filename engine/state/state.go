// Package state stores everything a partition knows about its
// processes: deployments, element instances, subscriptions, jobs,
// incidents and variables. State is only ever changed by event
// appliers, so replaying the same events always yields the same
// bytes.
package state

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/storage/kv"
)

var (
	metaBucket                   = []byte("meta")
	elementInstancesBucket       = []byte("elementInstances")
	childrenBucket               = []byte("children")
	subscriptionsBucket          = []byte("subscriptions")
	triggersBucket               = []byte("triggers")
	jobsBucket                   = []byte("jobs")
	incidentsBucket              = []byte("incidents")
	variablesBucket              = []byte("variables")
	processesBucket              = []byte("processes")
	latestProcessBucket          = []byte("latestProcess")
	decisionRequirementsBucket   = []byte("decisionRequirements")
	latestDecisionRequirementsBk = []byte("latestDecisionRequirements")
	decisionsBucket              = []byte("decisions")
	bannedBucket                 = []byte("banned")
	exportersBucket              = []byte("exporters")

	keyKey                   = []byte("key")
	lastProcessedPositionKey = []byte("lastProcessedPosition")
	appliedIndexKey          = []byte("appliedIndex")
)

// KeyBits is the number of low bits of a key holding the counter.
// The partition id occupies the bits above.
const KeyBits = 51

// ErrCorrupted is returned when stored values cannot be decoded
var ErrCorrupted = errors.New("state is corrupted")

// EncodeKey returns the key for counter on partition
func EncodeKey(partitionID int, counter int64) int64 {
	return int64(partitionID)<<KeyBits + counter
}

// DecodePartitionID returns the partition that produced key
func DecodePartitionID(key int64) int {
	return int(key >> KeyBits)
}

// State is a view of the partition state inside one transaction.
// Writes need a writable transaction.
type State struct {
	transaction kv.Transaction
}

// New returns a view of the state inside transaction
func New(transaction kv.Transaction) *State {
	return &State{transaction: transaction}
}

// Transaction returns the underlying transaction
func (state *State) Transaction() kv.Transaction {
	return state.transaction
}

func int64Bytes(value int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(value))

	return b[:]
}

func bytesInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func compositeKey(key int64, suffix string) []byte {
	return append(int64Bytes(key), suffix...)
}

func (state *State) putRaw(bucket []byte, key []byte, value []byte) error {
	b, err := state.transaction.CreateBucketIfNotExists(bucket)

	if err != nil {
		return err
	}

	return b.Put(key, value)
}

func (state *State) put(bucket []byte, key []byte, value interface{}) error {
	data, err := json.Marshal(value)

	if err != nil {
		return fmt.Errorf("could not encode %s value: %w", bucket, err)
	}

	return state.putRaw(bucket, key, data)
}

func (state *State) getRaw(bucket []byte, key []byte) []byte {
	b := state.transaction.Bucket(bucket)

	if b == nil {
		return nil
	}

	return b.Get(key)
}

func (state *State) get(bucket []byte, key []byte, value interface{}) (bool, error) {
	data := state.getRaw(bucket, key)

	if data == nil {
		return false, nil
	}

	if err := decode(bucket, key, data, value); err != nil {
		return false, err
	}

	return true, nil
}

func decode(bucket []byte, key []byte, data []byte, value interface{}) error {
	if err := json.Unmarshal(data, value); err != nil {
		return fmt.Errorf("%s %x: %s: %w", bucket, key, err, ErrCorrupted)
	}

	return nil
}

func (state *State) delete(bucket []byte, key []byte) error {
	b := state.transaction.Bucket(bucket)

	if b == nil {
		return nil
	}

	return b.Delete(key)
}

// forEachWithPrefix calls fn for each pair in bucket whose key starts
// with prefix, in key order. fn must not modify the bucket.
func (state *State) forEachWithPrefix(bucket []byte, prefix []byte, fn func(key []byte, value []byte) error) error {
	b := state.transaction.Bucket(bucket)

	if b == nil {
		return nil
	}

	cursor := b.Cursor()

	for key, value := cursor.Seek(prefix); key != nil && hasPrefix(key, prefix); key, value = cursor.Next() {
		if err := fn(key, value); err != nil {
			return err
		}
	}

	return nil
}

func hasPrefix(key []byte, prefix []byte) bool {
	return len(key) >= len(prefix) && string(key[:len(prefix)]) == string(prefix)
}

// LastKey returns the highest key counter applied so far
func (state *State) LastKey() int64 {
	data := state.getRaw(metaBucket, keyKey)

	if data == nil {
		return 0
	}

	return bytesInt64(data)
}

// SetKeyIfHigher records the counter of key if it exceeds the
// last one
func (state *State) SetKeyIfHigher(key int64) error {
	counter := key & (1<<KeyBits - 1)

	if counter <= state.LastKey() {
		return nil
	}

	return state.putRaw(metaBucket, keyKey, int64Bytes(counter))
}

// LastProcessedPosition returns the position of the last command
// processed on this partition
func (state *State) LastProcessedPosition() protocol.Position {
	data := state.getRaw(metaBucket, lastProcessedPositionKey)

	if data == nil {
		return 0
	}

	return protocol.Position(bytesInt64(data))
}

// SetLastProcessedPosition records the last processed command
func (state *State) SetLastProcessedPosition(position protocol.Position) error {
	return state.putRaw(metaBucket, lastProcessedPositionKey, int64Bytes(int64(position)))
}

// AppliedIndex returns the index of the last log entry reflected
// in the state
func (state *State) AppliedIndex() uint64 {
	data := state.getRaw(metaBucket, appliedIndexKey)

	if data == nil {
		return 0
	}

	return uint64(bytesInt64(data))
}

// SetAppliedIndex records the last log entry reflected in the state
func (state *State) SetAppliedIndex(index uint64) error {
	return state.putRaw(metaBucket, appliedIndexKey, int64Bytes(int64(index)))
}

// Ban marks a process instance as failed. Commands for banned
// instances are rejected.
func (state *State) Ban(processInstanceKey int64) error {
	return state.putRaw(bannedBucket, int64Bytes(processInstanceKey), []byte{1})
}

// IsBanned reports whether the process instance was banned
func (state *State) IsBanned(processInstanceKey int64) bool {
	return state.getRaw(bannedBucket, int64Bytes(processInstanceKey)) != nil
}

// SetExporterPosition records the acknowledged position of an
// exporter
func (state *State) SetExporterPosition(exporterID string, position protocol.Position) error {
	return state.putRaw(exportersBucket, []byte(exporterID), int64Bytes(int64(position)))
}

// ExporterPositions returns the acknowledged position of every
// known exporter
func (state *State) ExporterPositions() map[string]protocol.Position {
	positions := map[string]protocol.Position{}
	b := state.transaction.Bucket(exportersBucket)

	if b == nil {
		return positions
	}

	b.ForEach(func(key []byte, value []byte) error {
		positions[string(key)] = protocol.Position(bytesInt64(value))

		return nil
	})

	return positions
}
