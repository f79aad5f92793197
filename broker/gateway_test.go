package broker_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/broker"
	"github.com/jrife/grouse/engine/state"
	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/transport"
	"go.uber.org/zap/zaptest"
)

type command struct {
	PartitionID int
	Key         int64
	Intent      protocol.Intent
}

// partitions answers every command with an event keyed on its
// partition
type partitions struct {
	mu       sync.Mutex
	commands []command
	counters map[int]int64
	jobs     map[int][]transport.Job
	reject   protocol.RejectionType
}

func (p *partitions) Execute(ctx context.Context, partitionID int, record protocol.Record) (protocol.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.commands = append(p.commands, command{PartitionID: partitionID, Key: record.Key, Intent: record.Intent})

	if p.reject != protocol.RejectionNone {
		return protocol.Record{RecordType: protocol.CommandRejection, RejectionType: p.reject, RejectionReason: "no"}, nil
	}

	if p.counters == nil {
		p.counters = map[int]int64{}
	}

	p.counters[partitionID]++
	key := state.EncodeKey(partitionID, p.counters[partitionID])

	if creation, ok := record.Value.(*protocol.ProcessInstanceCreationRecord); ok {
		creation.ProcessInstanceKey = key
	}

	return protocol.Record{RecordType: protocol.Event, Key: key, Value: record.Value}, nil
}

func (p *partitions) ListJobs(ctx context.Context, partitionID int, jobType string, limit int) ([]transport.Job, error) {
	jobs := p.jobs[partitionID]

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}

	return jobs, nil
}

func (p *partitions) sent() []command {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]command(nil), p.commands...)
}

func newGateway(t *testing.T, p *partitions, partitionCount int) *broker.Gateway {
	layout, err := broker.NewLayout(partitionCount, 1, []uint64{1})

	if err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	return broker.NewGateway(broker.GatewayConfig{
		Layout:            layout,
		ReplicationFactor: 1,
		Partitions:        p,
		Logger:            zaptest.NewLogger(t),
	})
}

func TestGatewayDeploysToEveryPartition(t *testing.T) {
	p := &partitions{}
	gateway := newGateway(t, p, 3)

	response, err := gateway.Deploy(context.Background(), &transport.DeployRequest{})

	if err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	if state.DecodePartitionID(response.Key) != 1 {
		t.Fatalf("expected the deployment of partition 1, got key %d", response.Key)
	}

	deployed := map[int]bool{}

	for _, c := range p.sent() {
		if c.Intent != protocol.DeploymentCreate {
			t.Fatalf("expected only deployments, got %s", c.Intent)
		}

		deployed[c.PartitionID] = true
	}

	if diff := cmp.Diff(map[int]bool{1: true, 2: true, 3: true}, deployed); diff != "" {
		t.Fatalf("unexpected partitions (-want +got):\n%s", diff)
	}
}

func TestGatewaySpreadsProcessInstances(t *testing.T) {
	p := &partitions{}
	gateway := newGateway(t, p, 2)
	var created []int

	for i := 0; i < 4; i++ {
		response, err := gateway.CreateProcessInstance(context.Background(), &transport.CreateProcessInstanceRequest{BpmnProcessID: "simple"})

		if err != nil {
			t.Fatalf("expected no error, got %#v", err)
		}

		created = append(created, state.DecodePartitionID(response.ProcessInstanceKey))
	}

	if diff := cmp.Diff([]int{1, 2, 1, 2}, created); diff != "" {
		t.Fatalf("unexpected partitions (-want +got):\n%s", diff)
	}
}

func TestGatewayRoutesByKey(t *testing.T) {
	p := &partitions{}
	gateway := newGateway(t, p, 3)
	jobKey := state.EncodeKey(2, 17)

	if _, err := gateway.CompleteJob(context.Background(), &transport.CompleteJobRequest{JobKey: jobKey}); err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	expected := []command{{PartitionID: 2, Key: jobKey, Intent: protocol.JobComplete}}

	if diff := cmp.Diff(expected, p.sent()); diff != "" {
		t.Fatalf("unexpected commands (-want +got):\n%s", diff)
	}
}

func TestGatewayRejectsUnknownKeys(t *testing.T) {
	p := &partitions{}
	gateway := newGateway(t, p, 1)

	testCases := map[string]int64{
		"unknown-partition": state.EncodeKey(5, 1),
		"zero":              0,
	}

	for name, key := range testCases {
		key := key

		t.Run(name, func(t *testing.T) {
			_, err := gateway.CancelProcessInstance(context.Background(), &transport.CancelProcessInstanceRequest{ProcessInstanceKey: key})

			var rejection *transport.RejectionError

			if !errors.As(err, &rejection) || rejection.Type != protocol.RejectionNotFound {
				t.Fatalf("expected a not found rejection, got %#v", err)
			}
		})
	}

	if sent := p.sent(); len(sent) != 0 {
		t.Fatalf("expected no commands, got %v", sent)
	}
}

func TestGatewayReturnsRejections(t *testing.T) {
	p := &partitions{reject: protocol.RejectionInvalidState}
	gateway := newGateway(t, p, 1)

	_, err := gateway.ResolveIncident(context.Background(), &transport.ResolveIncidentRequest{IncidentKey: state.EncodeKey(1, 3)})

	var rejection *transport.RejectionError

	if !errors.As(err, &rejection) || rejection.Type != protocol.RejectionInvalidState {
		t.Fatalf("expected an invalid state rejection, got %#v", err)
	}
}

func TestGatewayMergesJobs(t *testing.T) {
	p := &partitions{jobs: map[int][]transport.Job{
		1: {{Key: state.EncodeKey(1, 1)}, {Key: state.EncodeKey(1, 5)}},
		2: {{Key: state.EncodeKey(2, 2)}},
	}}
	gateway := newGateway(t, p, 2)

	response, err := gateway.ListJobs(context.Background(), &transport.ListJobsRequest{Type: "work", Limit: 2})

	if err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	expected := []transport.Job{{Key: state.EncodeKey(1, 1)}, {Key: state.EncodeKey(1, 5)}}

	if diff := cmp.Diff(expected, response.Jobs); diff != "" {
		t.Fatalf("unexpected jobs (-want +got):\n%s", diff)
	}

	topology, err := gateway.Topology(context.Background(), &transport.TopologyRequest{})

	if err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	if topology.PartitionCount != 2 || topology.ReplicationFactor != 1 {
		t.Fatalf("unexpected topology %#v", topology)
	}
}
