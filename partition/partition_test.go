package partition_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/engine"
	"github.com/jrife/grouse/engine/state"
	"github.com/jrife/grouse/exporter"
	"github.com/jrife/grouse/partition"
	"github.com/jrife/grouse/protocol"
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

func config(t *testing.T, directory string, sinks ...exporter.Named) partition.Config {
	return partition.Config{
		NodeID:         1,
		PartitionID:    1,
		Members:        []uint64{1},
		Directory:      directory,
		TickInterval:   5 * time.Millisecond,
		ElectionTick:   10,
		HeartbeatTick:  1,
		SnapshotPeriod: time.Hour,
		MetricsPeriod:  time.Hour,
		StepTimeout:    10 * time.Second,
		Sinks:          sinks,
		Logger:         zaptest.NewLogger(t),
	}
}

// start runs a partition until the test ends and waits until it leads
func start(t *testing.T, config partition.Config) (*partition.Partition, context.CancelFunc) {
	t.Helper()

	p := partition.New(config)
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)

	go func() { errs <- p.Run(ctx) }()

	stop := func() {
		cancel()

		if err := <-errs; err != nil {
			t.Errorf("expected err to be nil, got %#v", err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)

	for p.Status().Role != partition.RoleLeader {
		if time.Now().After(deadline) {
			stop()
			t.Fatalf("expected the partition to become leader, got %#v", p.Status())
		}

		time.Sleep(5 * time.Millisecond)
	}

	return p, stop
}

func deployAndCreate(t *testing.T, p *partition.Partition) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	deployed, err := p.Execute(ctx, protocol.Record{
		Intent: protocol.DeploymentCreate,
		Value:  &protocol.DeploymentRecord{Resources: []protocol.Resource{{Name: "simple.yaml", Content: []byte(process)}}},
	})
	require.NoError(t, err)

	if deployed.RecordType != protocol.Event || deployed.Intent != protocol.DeploymentCreated {
		t.Fatalf("expected a deployment created event, got %s", deployed)
	}

	created, err := p.Execute(ctx, protocol.Record{
		Intent: protocol.ProcessInstanceCreationCreate,
		Value:  &protocol.ProcessInstanceCreationRecord{BpmnProcessID: "simple"},
	})
	require.NoError(t, err)

	if created.RecordType != protocol.Event || created.Intent != protocol.ProcessInstanceCreationCreated {
		t.Fatalf("expected a process instance created event, got %s", created)
	}
}

func jobs(t *testing.T, p *partition.Partition) []engine.ActivatableJob {
	t.Helper()

	var activatable []engine.ActivatableJob

	require.NoError(t, p.Query(context.Background(), func(st *state.State, e *engine.Engine) error {
		var err error
		activatable, err = e.ActivatableJobs(st, "work")

		return err
	}))

	return activatable
}

func TestPartitionExecutesCommands(t *testing.T) {
	recording := exporter.NewRecording()
	p, stop := start(t, config(t, t.TempDir(), exporter.Named{ID: "recording", Exporter: recording}))
	defer stop()

	deployAndCreate(t, p)

	if diff := cmp.Diff(1, len(jobs(t, p))); diff != "" {
		t.Fatalf("unexpected activatable jobs (-want +got):\n%s", diff)
	}

	deadline := time.After(10 * time.Second)

	for {
		created := recording.Filter(func(record protocol.Record) bool {
			return record.ValueType == protocol.ValueTypeJob && record.Intent == protocol.JobCreated
		})

		if len(created) == 1 {
			break
		}

		select {
		case <-recording.Changed():
		case <-deadline:
			t.Fatalf("expected the job to be exported, got %v", recording.Records())
		}
	}

	var last protocol.Position

	for _, record := range recording.Records() {
		if record.Position <= last {
			t.Fatalf("expected records in log order, got %s after %s", record.Position, last)
		}

		last = record.Position
	}

	status := p.Status()

	if !status.Healthy || status.Leader != 1 {
		t.Fatalf("unexpected status %#v", status)
	}
}

func TestPartitionSnapshotsCompactsAndRestarts(t *testing.T) {
	directory := t.TempDir()
	p, stop := start(t, config(t, directory))

	deployAndCreate(t, p)

	taken, err := p.TakeSnapshot(context.Background())
	require.NoError(t, err)

	if taken == nil {
		stop()
		t.Fatalf("expected a snapshot to be taken")
	}

	// the entries before the last processed command are gone
	if p.FirstLogIndex() <= 1 {
		stop()
		t.Fatalf("expected the log to be compacted, first index is %d", p.FirstLogIndex())
	}

	chunk, err := p.ReadSnapshotChunk(taken.ID().String(), 0)
	require.NoError(t, err)

	if diff := cmp.Diff(taken.Size(), chunk.TotalSize); diff != "" {
		t.Fatalf("unexpected snapshot size (-want +got):\n%s", diff)
	}

	// nothing changed since
	again, err := p.TakeSnapshot(context.Background())
	require.NoError(t, err)

	if again != nil {
		t.Fatalf("expected no snapshot without new entries, got %s", again.ID())
	}

	stop()

	restarted, stopRestarted := start(t, config(t, directory))
	defer stopRestarted()

	if diff := cmp.Diff(1, len(jobs(t, restarted))); diff != "" {
		t.Fatalf("unexpected activatable jobs after restart (-want +got):\n%s", diff)
	}
}

func TestStoppedPartitionRejectsCommands(t *testing.T) {
	p, stop := start(t, config(t, t.TempDir()))
	stop()

	<-p.Done()

	_, err := p.Execute(context.Background(), protocol.Record{
		Intent: protocol.ProcessInstanceCreationCreate,
		Value:  &protocol.ProcessInstanceCreationRecord{BpmnProcessID: "simple"},
	})

	if !errors.Is(err, partition.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %#v", err)
	}
}
