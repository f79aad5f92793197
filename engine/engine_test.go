package engine_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/engine"
	"github.com/jrife/grouse/engine/state"
	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/storage/kv"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type harness struct {
	t      *testing.T
	store  kv.Store
	engine *engine.Engine
	index  uint64
	log    []protocol.Record
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	return &harness{t: t, store: openStore(t), engine: newEngine(t)}
}

func newEngine(t *testing.T) *engine.Engine {
	return engine.New(engine.Config{
		PartitionID: 1,
		Logger:      zaptest.NewLogger(t),
		Now:         func() time.Time { return time.Unix(1700000000, 0) },
	})
}

func openStore(t *testing.T) kv.Store {
	t.Helper()

	store, err := kv.Open(kv.BBoltStoreConfig{Path: filepath.Join(t.TempDir(), "state.db"), NoSync: true, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

// execute appends a client command to the log and processes it the way
// a partition leader does
func (h *harness) execute(key int64, intent protocol.Intent, value protocol.Value) []protocol.Record {
	h.t.Helper()

	h.index++
	command := protocol.Record{
		Position:    protocol.NewPosition(h.index, 0),
		Key:         key,
		PartitionID: 1,
		RecordType:  protocol.Command,
		ValueType:   value.ValueType(),
		Intent:      intent,
		RequestID:   h.index,
		RequestNode: 1,
		Value:       value,
	}
	h.log = append(h.log, command)

	var records []protocol.Record

	err := h.store.Update(func(transaction kv.Transaction) error {
		var err error
		records, err = h.engine.Process(state.New(transaction), command)

		return err
	})

	require.NoError(h.t, err)
	require.NotEmpty(h.t, records)

	h.index++

	for i := range records {
		records[i].Position = protocol.NewPosition(h.index, i)
		records[i].SourcePosition = command.Position
	}

	h.log = append(h.log, records...)

	return records
}

func (h *harness) deploy(resources ...protocol.Resource) *protocol.DeploymentRecord {
	h.t.Helper()

	records := h.execute(0, protocol.DeploymentCreate, &protocol.DeploymentRecord{Resources: resources})
	created := find(records, protocol.Event, protocol.ValueTypeDeployment, protocol.DeploymentCreated)
	require.NotNil(h.t, created, "expected the deployment to be created, got %v", records)

	return created.Value.(*protocol.DeploymentRecord)
}

func (h *harness) create(bpmnProcessID string, variables map[string]interface{}) (int64, []protocol.Record) {
	h.t.Helper()

	records := h.execute(0, protocol.ProcessInstanceCreationCreate, &protocol.ProcessInstanceCreationRecord{BpmnProcessID: bpmnProcessID, Variables: variables})
	created := find(records, protocol.Event, protocol.ValueTypeProcessInstanceCreation, protocol.ProcessInstanceCreationCreated)
	require.NotNil(h.t, created, "expected the process instance to be created, got %v", records)

	return created.Key, records
}

func (h *harness) jobs(jobType string) []engine.ActivatableJob {
	h.t.Helper()

	var jobs []engine.ActivatableJob

	err := h.store.View(func(transaction kv.Transaction) error {
		var err error
		jobs, err = h.engine.ActivatableJobs(state.New(transaction), jobType)

		return err
	})

	require.NoError(h.t, err)

	return jobs
}

func (h *harness) job(jobType string) engine.ActivatableJob {
	h.t.Helper()

	jobs := h.jobs(jobType)
	require.NotEmpty(h.t, jobs, "expected a job of type %s", jobType)

	return jobs[0]
}

func (h *harness) view(fn func(st *state.State)) {
	h.t.Helper()

	err := h.store.View(func(transaction kv.Transaction) error {
		fn(state.New(transaction))

		return nil
	})

	require.NoError(h.t, err)
}

func deployProcess(name string, definition string) protocol.Resource {
	return protocol.Resource{Name: name, Content: []byte(definition)}
}

func find(records []protocol.Record, recordType protocol.RecordType, valueType protocol.ValueType, intent protocol.Intent) *protocol.Record {
	for i := range records {
		if records[i].RecordType == recordType && records[i].ValueType == valueType && records[i].Intent == intent {
			return &records[i]
		}
	}

	return nil
}

func count(records []protocol.Record, recordType protocol.RecordType, valueType protocol.ValueType, intent protocol.Intent) int {
	n := 0

	for _, record := range records {
		if record.RecordType == recordType && record.ValueType == valueType && record.Intent == intent {
			n++
		}
	}

	return n
}

type step struct {
	Intent    protocol.Intent
	ElementID string
}

// steps returns the element instance events in order
func steps(records []protocol.Record) []step {
	var result []step

	for _, record := range records {
		if record.RecordType != protocol.Event || record.ValueType != protocol.ValueTypeProcessInstance {
			continue
		}

		result = append(result, step{Intent: record.Intent, ElementID: record.Value.(*protocol.ProcessInstanceRecord).ElementID})
	}

	return result
}

func lifecycle(elementID string, intents ...protocol.Intent) []step {
	if len(intents) == 0 {
		intents = []protocol.Intent{protocol.ElementActivating, protocol.ElementActivated, protocol.ElementCompleting, protocol.ElementCompleted}
	}

	result := make([]step, 0, len(intents))

	for _, intent := range intents {
		result = append(result, step{Intent: intent, ElementID: elementID})
	}

	return result
}

func concat(parts ...[]step) []step {
	var result []step

	for _, part := range parts {
		result = append(result, part...)
	}

	return result
}

const simpleProcess = `
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

func TestCreateAndCompleteProcessInstance(t *testing.T) {
	h := newHarness(t)
	h.deploy(deployProcess("simple.yaml", simpleProcess))

	instanceKey, records := h.create("simple", map[string]interface{}{"x": 1})

	if partition := state.DecodePartitionID(instanceKey); partition != 1 {
		t.Fatalf("expected the instance key to encode partition 1, got %d", partition)
	}

	created := find(records, protocol.Event, protocol.ValueTypeProcessInstanceCreation, protocol.ProcessInstanceCreationCreated)

	if created.RequestID == 0 {
		t.Fatalf("expected the creation event to answer the request")
	}

	if diff := cmp.Diff(concat(
		lifecycle("simple", protocol.ElementActivating, protocol.ElementActivated),
		lifecycle("start"),
		lifecycle("start-task", protocol.SequenceFlowTaken),
		lifecycle("task", protocol.ElementActivating, protocol.ElementActivated),
	), steps(records)); diff != "" {
		t.Fatalf("unexpected steps (-want +got):\n%s", diff)
	}

	job := h.job("work")

	if diff := cmp.Diff(map[string]interface{}{"x": 1.0}, job.Variables); diff != "" {
		t.Fatalf("unexpected job variables (-want +got):\n%s", diff)
	}

	records = h.execute(job.Key, protocol.JobComplete, &protocol.JobRecord{Variables: map[string]interface{}{"x": 2, "y": "a"}})

	if diff := cmp.Diff(concat(
		lifecycle("task", protocol.ElementCompleting, protocol.ElementCompleted),
		lifecycle("task-end", protocol.SequenceFlowTaken),
		lifecycle("end"),
		lifecycle("simple", protocol.ElementCompleting, protocol.ElementCompleted),
	), steps(records)); diff != "" {
		t.Fatalf("unexpected steps (-want +got):\n%s", diff)
	}

	if n := count(records, protocol.Event, protocol.ValueTypeVariable, protocol.VariableUpdated); n != 1 {
		t.Fatalf("expected x to be updated once, got %d updates", n)
	}

	updated := find(records, protocol.Event, protocol.ValueTypeVariable, protocol.VariableUpdated).Value.(*protocol.VariableRecord)

	if updated.Name != "x" || updated.ScopeKey != instanceKey || string(updated.Value) != "2" {
		t.Fatalf("unexpected variable update %#v", updated)
	}

	h.view(func(st *state.State) {
		if instance, _ := st.ElementInstance(instanceKey); instance != nil {
			t.Fatalf("expected the process instance to be removed, got %#v", instance)
		}

		if jobs, _ := st.Jobs("", ""); len(jobs) != 0 {
			t.Fatalf("expected no jobs, got %#v", jobs)
		}
	})
}

func TestDeploymentVersions(t *testing.T) {
	h := newHarness(t)

	first := h.deploy(deployProcess("simple.yaml", simpleProcess))
	second := h.deploy(deployProcess("simple.yaml", simpleProcess))
	third := h.deploy(deployProcess("simple.yaml", simpleProcess+"\nname: changed\n"))

	require.Len(t, first.Processes, 1)
	require.Len(t, second.Processes, 1)
	require.Len(t, third.Processes, 1)

	if !second.Processes[0].Duplicate || second.Processes[0].Key != first.Processes[0].Key || second.Processes[0].Version != 1 {
		t.Fatalf("expected an identical redeploy to reuse version 1, got %#v", second.Processes[0])
	}

	if third.Processes[0].Duplicate || third.Processes[0].Version != 2 || third.Processes[0].Key == first.Processes[0].Key {
		t.Fatalf("expected a changed process to get version 2, got %#v", third.Processes[0])
	}

	_, records := h.create("simple", nil)
	activated := find(records, protocol.Event, protocol.ValueTypeProcessInstance, protocol.ElementActivating).Value.(*protocol.ProcessInstanceRecord)

	if activated.Version != 2 || activated.ProcessDefinitionKey != third.Processes[0].Key {
		t.Fatalf("expected the latest version to be instantiated, got %#v", activated)
	}
}

func TestRejectedCommands(t *testing.T) {
	testCases := map[string]struct {
		key       int64
		intent    protocol.Intent
		value     protocol.Value
		rejection protocol.RejectionType
	}{
		"empty deployment": {
			intent:    protocol.DeploymentCreate,
			value:     &protocol.DeploymentRecord{},
			rejection: protocol.RejectionInvalidArgument,
		},
		"invalid process": {
			intent:    protocol.DeploymentCreate,
			value:     &protocol.DeploymentRecord{Resources: []protocol.Resource{deployProcess("broken.yaml", "id: broken\nelements: []\n")}},
			rejection: protocol.RejectionInvalidArgument,
		},
		"unknown resource type": {
			intent:    protocol.DeploymentCreate,
			value:     &protocol.DeploymentRecord{Resources: []protocol.Resource{deployProcess("simple.bpmn", simpleProcess)}},
			rejection: protocol.RejectionInvalidArgument,
		},
		"duplicate process id": {
			intent:    protocol.DeploymentCreate,
			value:     &protocol.DeploymentRecord{Resources: []protocol.Resource{deployProcess("a.yaml", simpleProcess), deployProcess("b.yaml", simpleProcess)}},
			rejection: protocol.RejectionInvalidArgument,
		},
		"unknown process": {
			intent:    protocol.ProcessInstanceCreationCreate,
			value:     &protocol.ProcessInstanceCreationRecord{BpmnProcessID: "missing"},
			rejection: protocol.RejectionNotFound,
		},
		"unknown job": {
			key:       12,
			intent:    protocol.JobComplete,
			value:     &protocol.JobRecord{},
			rejection: protocol.RejectionNotFound,
		},
		"unknown incident": {
			key:       12,
			intent:    protocol.IncidentResolve,
			value:     &protocol.IncidentRecord{},
			rejection: protocol.RejectionNotFound,
		},
		"unknown process instance": {
			key:       12,
			intent:    protocol.Cancel,
			value:     &protocol.ProcessInstanceRecord{},
			rejection: protocol.RejectionNotFound,
		},
		"engine command": {
			intent:    protocol.ActivateElement,
			value:     &protocol.ProcessInstanceRecord{ElementID: "start"},
			rejection: protocol.RejectionInvalidArgument,
		},
		"unsupported command": {
			intent:    protocol.ElementActivated,
			value:     &protocol.ProcessInstanceRecord{},
			rejection: protocol.RejectionInvalidArgument,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			records := h.execute(testCase.key, testCase.intent, testCase.value)

			if len(records) != 1 || records[0].RecordType != protocol.CommandRejection {
				t.Fatalf("expected a single rejection, got %v", records)
			}

			if records[0].RejectionType != testCase.rejection {
				t.Fatalf("expected rejection %s, got %s: %s", testCase.rejection, records[0].RejectionType, records[0].RejectionReason)
			}

			if records[0].RequestID == 0 {
				t.Fatalf("expected the rejection to answer the request")
			}
		})
	}
}

func TestCancelProcessInstance(t *testing.T) {
	h := newHarness(t)
	h.deploy(deployProcess("simple.yaml", simpleProcess))
	instanceKey, _ := h.create("simple", nil)
	job := h.job("work")

	records := h.execute(instanceKey, protocol.Cancel, &protocol.ProcessInstanceRecord{})

	if diff := cmp.Diff(concat(
		lifecycle("simple", protocol.ElementTerminating),
		lifecycle("task", protocol.ElementTerminating, protocol.ElementTerminated),
		lifecycle("simple", protocol.ElementTerminated),
	), steps(records)); diff != "" {
		t.Fatalf("unexpected steps (-want +got):\n%s", diff)
	}

	if records[0].RequestID == 0 {
		t.Fatalf("expected the first TERMINATING event to answer the request")
	}

	canceled := find(records, protocol.Event, protocol.ValueTypeJob, protocol.JobCanceled)

	if canceled == nil || canceled.Key != job.Key {
		t.Fatalf("expected job %d to be canceled, got %v", job.Key, records)
	}

	records = h.execute(instanceKey, protocol.Cancel, &protocol.ProcessInstanceRecord{})

	if records[0].RejectionType != protocol.RejectionNotFound {
		t.Fatalf("expected the second cancel to be rejected, got %v", records)
	}
}

func TestProcessingErrorBansInstance(t *testing.T) {
	h := newHarness(t)
	h.deploy(deployProcess("simple.yaml", simpleProcess))
	instanceKey, _ := h.create("simple", nil)
	job := h.job("work")
	command := protocol.Record{
		Position:   protocol.NewPosition(100, 0),
		Key:        job.Key,
		RecordType: protocol.Command,
		ValueType:  protocol.ValueTypeJob,
		Intent:     protocol.JobComplete,
		Value:      &protocol.JobRecord{},
	}

	var records []protocol.Record

	err := h.store.Update(func(transaction kv.Transaction) error {
		var err error
		records, err = h.engine.ProcessingError(state.New(transaction), command, errors.New("boom"))

		return err
	})

	require.NoError(t, err)
	require.Len(t, records, 2)

	failure := records[0].Value.(*protocol.ErrorRecord)

	if records[0].Intent != protocol.ErrorCreated || failure.ProcessInstanceKey != instanceKey || failure.ErrorEventPosition != command.Position {
		t.Fatalf("unexpected error record %v", records[0])
	}

	if records[1].RejectionType != protocol.RejectionProcessingError {
		t.Fatalf("expected a PROCESSING_ERROR rejection, got %v", records[1])
	}

	records = h.execute(job.Key, protocol.JobComplete, &protocol.JobRecord{})

	if len(records) != 1 || records[0].RejectionType != protocol.RejectionInvalidState {
		t.Fatalf("expected commands of a banned instance to be rejected, got %v", records)
	}
}

func TestReplayReproducesState(t *testing.T) {
	h := newHarness(t)
	h.deploy(deployProcess("boundary.yaml", boundaryProcess), deployProcess("simple.yaml", simpleProcess))
	h.create("boundary", map[string]interface{}{"items": []int{1, 2}})
	h.create("simple", nil)
	h.execute(h.job("work").Key, protocol.JobThrowError, &protocol.JobRecord{ErrorCode: "ERROR"})
	h.execute(h.job("work").Key, protocol.JobComplete, &protocol.JobRecord{Variables: map[string]interface{}{"done": true}})

	replica := openStore(t)
	replayer := newEngine(t)

	err := replica.Update(func(transaction kv.Transaction) error {
		st := state.New(transaction)

		for _, record := range h.log {
			if err := replayer.Apply(st, record); err != nil {
				return err
			}
		}

		return nil
	})

	require.NoError(t, err)

	want, err := h.store.Dump()
	require.NoError(t, err)

	got, err := replica.Dump()
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected replayed state (-want +got):\n%s", diff)
	}
}
