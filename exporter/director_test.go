package exporter_test

import (
	"context"
	"errors"
	"testing"

	"github.com/coreos/etcd/raft/raftpb"
	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/exporter"
	"github.com/jrife/grouse/protocol"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type entries []raftpb.Entry

func (e entries) ReadEntries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	return e[lo-1 : hi-1], nil
}

func batchEntry(t *testing.T, index uint64, keys ...int64) raftpb.Entry {
	t.Helper()

	var records []protocol.Record

	for _, key := range keys {
		records = append(records, protocol.Record{Key: key, PartitionID: 1, RecordType: protocol.Event, ValueType: protocol.ValueTypeJob, Intent: protocol.JobCreated, Value: &protocol.JobRecord{}})
	}

	data, err := protocol.EncodeBatch(protocol.Batch{SourcePosition: 1, Records: records})
	require.NoError(t, err)

	return raftpb.Entry{Index: index, Term: 1, Type: raftpb.EntryNormal, Data: data}
}

func decode(t *testing.T, entry raftpb.Entry) []protocol.Record {
	t.Helper()

	batch, err := protocol.DecodeBatch(entry.Index, entry.Data)
	require.NoError(t, err)

	return batch.Records
}

func positions(records []protocol.Record) []protocol.Position {
	var result []protocol.Position

	for _, record := range records {
		result = append(result, record.Position)
	}

	return result
}

// flaky fails every record until failures runs out
type flaky struct {
	*exporter.Recording
	failures int
}

func (f *flaky) Export(record protocol.Record) error {
	if f.failures > 0 {
		f.failures--

		return errors.New("unavailable")
	}

	return f.Recording.Export(record)
}

func TestDirectorExportsInOrderExactlyOnce(t *testing.T) {
	a := exporter.NewRecording()
	b := exporter.NewRecording()
	director := exporter.NewDirector(exporter.DirectorConfig{
		PartitionID: 1,
		Exporters:   []exporter.Named{{ID: "b", Exporter: b}, {ID: "a", Exporter: a}},
		Logger:      zaptest.NewLogger(t),
	})

	require.NoError(t, director.Open(context.Background(), map[string]protocol.Position{"b": protocol.NewPosition(1, 0)}))
	defer director.Close()

	first := decode(t, batchEntry(t, 1, 10, 11))
	second := decode(t, batchEntry(t, 2, 12))

	director.Export(first)
	director.Export(first)
	director.Export(second)

	want := []protocol.Position{protocol.NewPosition(1, 0), protocol.NewPosition(1, 1), protocol.NewPosition(2, 0)}

	if diff := cmp.Diff(want, positions(a.Records())); diff != "" {
		t.Fatalf("unexpected records for a (-want +got):\n%s", diff)
	}

	// b acknowledged 1:0 before it was opened
	if diff := cmp.Diff(want[1:], positions(b.Records())); diff != "" {
		t.Fatalf("unexpected records for b (-want +got):\n%s", diff)
	}

	lowest, ok := director.LowestPosition()

	if !ok || lowest != protocol.NewPosition(2, 0) {
		t.Fatalf("expected lowest position 2:0, got %s", lowest)
	}
}

func TestDirectorRetriesFailedRecords(t *testing.T) {
	f := &flaky{Recording: exporter.NewRecording(), failures: 2}
	director := exporter.NewDirector(exporter.DirectorConfig{
		PartitionID: 1,
		Exporters:   []exporter.Named{{ID: "flaky", Exporter: f}},
		Logger:      zaptest.NewLogger(t),
	})

	require.NoError(t, director.Open(context.Background(), nil))
	defer director.Close()

	first := decode(t, batchEntry(t, 1, 10))
	second := decode(t, batchEntry(t, 2, 11))

	director.Export(first)
	director.Export(second)

	if len(f.Records()) != 0 {
		t.Fatalf("expected no records while the exporter fails, got %v", f.Records())
	}

	director.Export(nil)

	want := []protocol.Position{protocol.NewPosition(1, 0), protocol.NewPosition(2, 0)}

	if diff := cmp.Diff(want, positions(f.Records())); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(map[string]protocol.Position{"flaky": protocol.NewPosition(2, 0)}, director.Positions()); diff != "" {
		t.Fatalf("unexpected positions (-want +got):\n%s", diff)
	}
}

func TestDirectorCatchUp(t *testing.T) {
	log := entries{
		batchEntry(t, 1, 10),
		{Index: 2, Term: 2, Type: raftpb.EntryNormal},
		batchEntry(t, 3, 11, 12),
		batchEntry(t, 4, 13),
	}

	recording := exporter.NewRecording()
	director := exporter.NewDirector(exporter.DirectorConfig{
		PartitionID: 1,
		Exporters:   []exporter.Named{{ID: "recording", Exporter: recording}},
		Logger:      zaptest.NewLogger(t),
	})

	require.NoError(t, director.Open(context.Background(), map[string]protocol.Position{"recording": protocol.NewPosition(3, 0)}))
	defer director.Close()
	require.NoError(t, director.CatchUp(context.Background(), log, 4))

	want := []protocol.Position{protocol.NewPosition(3, 1), protocol.NewPosition(4, 0)}

	if diff := cmp.Diff(want, positions(recording.Records())); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}
}

func TestLowestPosition(t *testing.T) {
	testCases := map[string]struct {
		positions map[string]protocol.Position
		lowest    protocol.Position
		ok        bool
	}{
		"none": {},
		"one": {
			positions: map[string]protocol.Position{"a": 5},
			lowest:    5,
			ok:        true,
		},
		"many": {
			positions: map[string]protocol.Position{"a": 5, "b": 3, "c": 9},
			lowest:    3,
			ok:        true,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			lowest, ok := exporter.LowestPosition(testCase.positions)

			if lowest != testCase.lowest || ok != testCase.ok {
				t.Fatalf("expected (%s, %t), got (%s, %t)", testCase.lowest, testCase.ok, lowest, ok)
			}
		})
	}
}

func TestNewUnknownKind(t *testing.T) {
	_, err := exporter.New(exporter.Descriptor{ID: "x", Kind: "kafka"})

	if !errors.Is(err, exporter.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %#v", err)
	}

	if diff := cmp.Diff([]string{"http", "log"}, exporter.Kinds()); diff != "" {
		t.Fatalf("unexpected kinds (-want +got):\n%s", diff)
	}
}
