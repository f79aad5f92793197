package stream_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreos/etcd/raft/raftpb"
	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/engine"
	"github.com/jrife/grouse/engine/state"
	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/stream"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const process = `
id: simple
elements:
  - id: start
    type: startEvent
    outgoing: [task]
  - id: task
    type: serviceTask
    jobType: work
    outgoing: [end]
  - id: end
    type: endEvent
`

// memoryLog is a committed log. Proposals are appended and
// committed immediately.
type memoryLog struct {
	entries []raftpb.Entry
}

func (l *memoryLog) Propose(ctx context.Context, data []byte) error {
	l.append(data)

	return nil
}

func (l *memoryLog) append(data []byte) raftpb.Entry {
	entry := raftpb.Entry{Index: uint64(len(l.entries) + 1), Term: 1, Type: raftpb.EntryNormal, Data: data}
	l.entries = append(l.entries, entry)

	return entry
}

func (l *memoryLog) ReadEntries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	return append([]raftpb.Entry(nil), l.entries[lo-1:hi-1]...), nil
}

func (l *memoryLog) lastIndex() uint64 {
	return uint64(len(l.entries))
}

func newProcessor(t *testing.T) (*stream.Processor, kv.Store) {
	store, err := kv.Open(kv.BBoltStoreConfig{Path: filepath.Join(t.TempDir(), "state.db"), Logger: zaptest.NewLogger(t)})

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	t.Cleanup(func() { store.Close() })

	return processorOn(t, store), store
}

func processorOn(t *testing.T, store kv.Store) *stream.Processor {
	e := engine.New(engine.Config{
		PartitionID: 1,
		Logger:      zaptest.NewLogger(t),
		Now:         func() time.Time { return time.Unix(0, 0) },
	})

	return stream.New(stream.Config{Engine: e, Store: store, Logger: zaptest.NewLogger(t)})
}

func command(t *testing.T, log *memoryLog, key int64, intent protocol.Intent, value protocol.Value) raftpb.Entry {
	t.Helper()

	data, err := protocol.EncodeBatch(protocol.Batch{Records: []protocol.Record{{
		Key:         key,
		PartitionID: 1,
		RecordType:  protocol.Command,
		ValueType:   value.ValueType(),
		Intent:      intent,
		RequestID:   uint64(len(log.entries) + 1),
		RequestNode: 1,
		Value:       value,
	}}})

	require.NoError(t, err)

	return log.append(data)
}

// commit applies every entry of the log the processor has not
// applied yet, including the results it proposes along the way
func commit(t *testing.T, processor *stream.Processor, log *memoryLog) []protocol.Record {
	t.Helper()

	var committed []protocol.Record

	for {
		applied, err := processor.AppliedIndex()
		require.NoError(t, err)

		if applied == log.lastIndex() {
			return committed
		}

		records, err := processor.Apply(context.Background(), log.entries[applied:applied+1])
		require.NoError(t, err)

		committed = append(committed, records...)
	}
}

func writeCommands(t *testing.T, log *memoryLog) {
	command(t, log, 0, protocol.DeploymentCreate, &protocol.DeploymentRecord{Resources: []protocol.Resource{{Name: "simple.yaml", Content: []byte(process)}}})
	command(t, log, 0, protocol.ProcessInstanceCreationCreate, &protocol.ProcessInstanceCreationRecord{BpmnProcessID: "simple"})
}

func dump(t *testing.T, store kv.Store) []kv.Entry {
	t.Helper()

	entries, err := store.Dump()
	require.NoError(t, err)

	return entries
}

func TestLeaderProcessesCommands(t *testing.T) {
	processor, _ := newProcessor(t)
	log := &memoryLog{}

	require.NoError(t, processor.StartProcessing(context.Background(), log))
	writeCommands(t, log)
	committed := commit(t, processor, log)

	// two commands, each followed by its result batch
	if diff := cmp.Diff(uint64(4), log.lastIndex()); diff != "" {
		t.Fatalf("unexpected log length (-want +got):\n%s", diff)
	}

	lastProcessed, err := processor.LastProcessedPosition()
	require.NoError(t, err)

	if diff := cmp.Diff(protocol.NewPosition(2, 0), lastProcessed); diff != "" {
		t.Fatalf("unexpected last processed position (-want +got):\n%s", diff)
	}

	if processor.InFlight() {
		t.Fatalf("expected no batch in flight after every result committed")
	}

	var jobs []engine.ActivatableJob

	require.NoError(t, processor.Query(func(st *state.State) error {
		var err error
		jobs, err = processor.Engine().ActivatableJobs(st, "work")

		return err
	}))

	if len(jobs) != 1 {
		t.Fatalf("expected one job, got %#v", jobs)
	}

	for _, record := range committed {
		if record.SourcePosition != 0 && record.SourcePosition > record.Position {
			t.Fatalf("record %s precedes its source %s", record, record.SourcePosition)
		}
	}
}

func TestFollowerReplayMatchesLeader(t *testing.T) {
	leader, leaderStore := newProcessor(t)
	log := &memoryLog{}

	require.NoError(t, leader.StartProcessing(context.Background(), log))
	writeCommands(t, log)
	commit(t, leader, log)

	follower, followerStore := newProcessor(t)
	require.NoError(t, follower.Recover(context.Background(), log, log.lastIndex()))

	if diff := cmp.Diff(dump(t, leaderStore), dump(t, followerStore)); diff != "" {
		t.Fatalf("unexpected follower state (-want +got):\n%s", diff)
	}
}

func TestNewLeaderProcessesPendingCommands(t *testing.T) {
	processor, _ := newProcessor(t)
	log := &memoryLog{}

	writeCommands(t, log)
	require.NoError(t, processor.Recover(context.Background(), log, log.lastIndex()))

	lastProcessed, err := processor.LastProcessedPosition()
	require.NoError(t, err)

	if lastProcessed != 0 {
		t.Fatalf("expected a replaying processor not to process commands, got %s", lastProcessed)
	}

	require.NoError(t, processor.StartProcessing(context.Background(), log))

	if diff := cmp.Diff(uint64(4), log.lastIndex()); diff != "" {
		t.Fatalf("unexpected log length (-want +got):\n%s", diff)
	}

	if !processor.InFlight() {
		t.Fatalf("expected proposed results to be in flight")
	}

	commit(t, processor, log)

	if processor.InFlight() {
		t.Fatalf("expected no batch in flight after every result committed")
	}
}

func TestRecoverCollectsPendingCommands(t *testing.T) {
	follower, store := newProcessor(t)
	log := &memoryLog{}

	writeCommands(t, log)
	require.NoError(t, follower.Recover(context.Background(), log, log.lastIndex()))

	// a restarted replica only replays what is after its applied index
	restarted := processorOn(t, store)
	require.NoError(t, restarted.Recover(context.Background(), log, log.lastIndex()))
	require.NoError(t, restarted.StartProcessing(context.Background(), log))

	if diff := cmp.Diff(uint64(4), log.lastIndex()); diff != "" {
		t.Fatalf("unexpected log length (-want +got):\n%s", diff)
	}

	commit(t, restarted, log)

	lastProcessed, err := restarted.LastProcessedPosition()
	require.NoError(t, err)

	if diff := cmp.Diff(protocol.NewPosition(2, 0), lastProcessed); diff != "" {
		t.Fatalf("unexpected last processed position (-want +got):\n%s", diff)
	}
}

func TestStaleResultsAreSkipped(t *testing.T) {
	processor, store := newProcessor(t)
	log := &memoryLog{}

	require.NoError(t, processor.StartProcessing(context.Background(), log))
	writeCommands(t, log)
	commit(t, processor, log)
	before := dump(t, store)

	// a previous leader's result for a command already processed
	stale := log.entries[2]
	stale.Index = log.lastIndex() + 1
	log.entries = append(log.entries, stale)
	commit(t, processor, log)

	after := dump(t, store)

	// only the applied index moves
	if len(before) != len(after) {
		t.Fatalf("expected the stale batch to leave the state unchanged")
	}
}

func TestPausedProcessorIgnoresEntries(t *testing.T) {
	processor, _ := newProcessor(t)
	log := &memoryLog{}

	writeCommands(t, log)
	processor.Pause()

	records, err := processor.Apply(context.Background(), log.entries)
	require.NoError(t, err)

	if len(records) != 0 || processor.Mode() != stream.ModePaused {
		t.Fatalf("expected a paused processor to ignore entries, got %v", records)
	}

	processor.Resume()

	if processor.Mode() != stream.ModeReplay {
		t.Fatalf("expected a resumed processor to replay, got %s", processor.Mode())
	}
}
