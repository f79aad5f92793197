package partition_test

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/coreos/etcd/raft/raftpb"
	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/partition"
	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/raft"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/snapshot"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDeletableIndex(t *testing.T) {
	testCases := map[string]struct {
		id       snapshot.ID
		expected uint64
	}{
		"bounded by snapshot": {
			id:       snapshot.ID{Index: 10, ProcessedPosition: uint64(protocol.NewPosition(20, 0)), ExportedPosition: uint64(protocol.NewPosition(20, 0))},
			expected: 10,
		},
		"bounded by last processed command": {
			id:       snapshot.ID{Index: 10, ProcessedPosition: uint64(protocol.NewPosition(6, 1)), ExportedPosition: uint64(protocol.NewPosition(9, 0))},
			expected: 5,
		},
		"bounded by exporters": {
			id:       snapshot.ID{Index: 10, ProcessedPosition: uint64(protocol.NewPosition(9, 0)), ExportedPosition: uint64(protocol.NewPosition(3, 2))},
			expected: 2,
		},
		"nothing processed": {
			id:       snapshot.ID{Index: 10},
			expected: 0,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			if diff := cmp.Diff(testCase.expected, partition.DeletableIndex(testCase.id)); diff != "" {
				t.Fatalf("unexpected deletable index (-want +got):\n%s", diff)
			}
		})
	}
}

type bytesSource []byte

func (source bytesSource) Snapshot(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(source)), nil
}

func TestDeletionServiceCompactsUpToSnapshot(t *testing.T) {
	directory := t.TempDir()
	store, err := kv.Open(kv.BBoltStoreConfig{Path: filepath.Join(directory, "raft.db"), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer store.Close()

	log, err := raft.OpenStorage(raft.StorageConfig{Store: store, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	var entries []raftpb.Entry

	for i := uint64(1); i <= 10; i++ {
		entries = append(entries, raftpb.Entry{Index: i, Term: 1, Data: []byte{byte(i)}})
	}

	require.NoError(t, log.Append(entries))

	snapshots, err := snapshot.OpenFileStore(snapshot.FileStoreConfig{Directory: filepath.Join(directory, "snapshots"), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer snapshots.Close()

	service := partition.NewDeletionService(log, zaptest.NewLogger(t))
	snapshots.AddListener(service.OnSnapshotPersisted)

	id := snapshot.ID{Index: 8, Term: 1, ProcessedPosition: uint64(protocol.NewPosition(7, 0)), ExportedPosition: uint64(protocol.NewPosition(9, 0))}
	transient, err := snapshots.NewTransientSnapshot(id)
	require.NoError(t, err)
	require.NoError(t, transient.Take(context.Background(), bytesSource("state")))
	_, err = transient.Persist()
	require.NoError(t, err)

	_, err = log.CreateSnapshot(8, []byte(id.String()))
	require.NoError(t, err)

	// disabled services leave the log alone
	require.NoError(t, service.Run())

	if diff := cmp.Diff(uint64(1), log.FirstStoredIndex()); diff != "" {
		t.Fatalf("unexpected first stored index (-want +got):\n%s", diff)
	}

	service.SetEnabled(true)
	require.NoError(t, service.Run())

	// the entry holding the last processed command stays
	if diff := cmp.Diff(uint64(7), log.FirstStoredIndex()); diff != "" {
		t.Fatalf("unexpected first stored index (-want +got):\n%s", diff)
	}

	retained, err := log.ReadEntries(7, 11, 1024)
	require.NoError(t, err)

	if diff := cmp.Diff(4, len(retained)); diff != "" {
		t.Fatalf("unexpected retained entries (-want +got):\n%s", diff)
	}
}
