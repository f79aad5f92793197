package grpc_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/coreos/etcd/raft/raftpb"
	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/storage/snapshot"
	"github.com/jrife/grouse/transport"
	"github.com/jrife/grouse/transport/clients"
	"github.com/jrife/grouse/transport/frontends"
	grpcfrontend "github.com/jrife/grouse/transport/frontends/grpc"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type gateway struct {
	transport.Gateway
	err error
}

func (g *gateway) CreateProcessInstance(ctx context.Context, request *transport.CreateProcessInstanceRequest) (*transport.CreateProcessInstanceResponse, error) {
	if g.err != nil {
		return nil, g.err
	}

	return &transport.CreateProcessInstanceResponse{ProcessDefinitionKey: 1, ProcessInstanceKey: 2, BpmnProcessID: request.BpmnProcessID, Version: 1}, nil
}

func (g *gateway) ThrowError(ctx context.Context, request *transport.ThrowErrorRequest) (*transport.ThrowErrorResponse, error) {
	return nil, &transport.RejectionError{Type: protocol.RejectionNotFound, Reason: "no job"}
}

type raftService struct {
	received chan []raftpb.Message
}

func (r *raftService) Receive(partitionID int, messages []raftpb.Message) error {
	if partitionID != 1 {
		return transport.ErrNoPartition
	}

	r.received <- messages

	return nil
}

func (r *raftService) ReadSnapshotChunk(partitionID int, snapshotID string, offset int64) (snapshot.Chunk, error) {
	return snapshot.Chunk{SnapshotID: snapshotID, Offset: offset, TotalSize: 10, Checksum: 42, Data: []byte("chunk")}, nil
}

type partitions struct{}

func (partitions) Execute(ctx context.Context, partitionID int, command protocol.Record) (protocol.Record, error) {
	return protocol.Record{
		RecordType:  protocol.Event,
		PartitionID: partitionID,
		Key:         command.Key,
		ValueType:   command.ValueType,
		Intent:      protocol.JobCompleted,
		Value:       command.Value,
	}, nil
}

func (partitions) ListJobs(ctx context.Context, partitionID int, jobType string, limit int) ([]transport.Job, error) {
	return []transport.Job{{Key: 5, Type: jobType}}, nil
}

func serve(t *testing.T, options frontends.Options) func(address string) (*grpc.ClientConn, error) {
	t.Helper()

	listener := bufconn.Listen(1 << 20)
	frontend := &grpcfrontend.Frontend{}
	options.Logger = zaptest.NewLogger(t)

	if err := frontend.Init(options); err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	errs := make(chan error, 1)

	go func() { errs <- frontend.Listen(listener) }()

	t.Cleanup(func() {
		if err := frontend.Stop(); err != nil {
			t.Errorf("expected no error, got %#v", err)
		}

		if err := <-errs; err != nil {
			t.Errorf("expected no error, got %#v", err)
		}
	})

	return func(address string) (*grpc.ClientConn, error) {
		dialer := func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}

		return grpc.Dial(address, append(clients.DialOptions(), grpc.WithContextDialer(dialer))...)
	}
}

func TestGatewayService(t *testing.T) {
	fake := &gateway{}
	dial := serve(t, frontends.Options{Gateway: fake})
	conn, err := dial("bufnet")

	if err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	defer conn.Close()

	client := clients.NewGatewayClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	response, err := client.CreateProcessInstance(ctx, &transport.CreateProcessInstanceRequest{BpmnProcessID: "simple"})

	if err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	expected := &transport.CreateProcessInstanceResponse{ProcessDefinitionKey: 1, ProcessInstanceKey: 2, BpmnProcessID: "simple", Version: 1}

	if diff := cmp.Diff(expected, response); diff != "" {
		t.Fatalf("unexpected response (-want +got):\n%s", diff)
	}

	_, err = client.ThrowError(ctx, &transport.ThrowErrorRequest{JobKey: 9, ErrorCode: "boom"})

	var rejection *transport.RejectionError

	if !errors.As(err, &rejection) || rejection.Type != protocol.RejectionNotFound || rejection.Reason != "no job" {
		t.Fatalf("expected a not found rejection, got %#v", err)
	}

	fake.err = transport.ErrUnavailable

	if _, err := client.CreateProcessInstance(ctx, &transport.CreateProcessInstanceRequest{BpmnProcessID: "simple"}); !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("expected %#v, got %#v", transport.ErrUnavailable, err)
	}
}

func TestRaftService(t *testing.T) {
	service := &raftService{received: make(chan []raftpb.Message, 1)}
	dial := serve(t, frontends.Options{Raft: service})
	client := clients.NewRaftClient(clients.RaftClientConfig{
		Peers:  map[uint64]string{2: "bufnet"},
		Logger: zaptest.NewLogger(t),
		Dial:   dial,
	})
	defer client.Close()

	messages := []raftpb.Message{{Type: raftpb.MsgHeartbeat, To: 2, From: 1, Term: 4}}
	client.Send(1, messages)

	select {
	case received := <-service.received:
		if diff := cmp.Diff(messages, received); diff != "" {
			t.Fatalf("unexpected messages (-want +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected the messages to arrive")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chunk, err := client.FetchSnapshotChunk(ctx, 1, 2, "snapshot", 3)

	if err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	expected := snapshot.Chunk{SnapshotID: "snapshot", Offset: 3, TotalSize: 10, Checksum: 42, Data: []byte("chunk")}

	if diff := cmp.Diff(expected, chunk); diff != "" {
		t.Fatalf("unexpected chunk (-want +got):\n%s", diff)
	}

	if _, err := client.FetchSnapshotChunk(ctx, 1, 3, "snapshot", 0); err == nil {
		t.Fatalf("expected an error for a node without an address")
	}
}

func TestPartitionService(t *testing.T) {
	dial := serve(t, frontends.Options{Partitions: partitions{}})
	conn, err := dial("bufnet")

	if err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	defer conn.Close()

	client := clients.NewPartitionClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	record, err := client.Execute(ctx, 3, protocol.Record{
		Key:       7,
		ValueType: protocol.ValueTypeJob,
		Intent:    protocol.JobComplete,
		Value:     &protocol.JobRecord{Variables: map[string]interface{}{"done": true}},
	})

	if err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	if record.PartitionID != 3 || record.Key != 7 || record.Intent != protocol.JobCompleted {
		t.Fatalf("unexpected record %s", record)
	}

	job, ok := record.Value.(*protocol.JobRecord)

	if !ok || job.Variables["done"] != true {
		t.Fatalf("unexpected value %#v", record.Value)
	}

	jobs, err := client.ListJobs(ctx, 3, "work", 1)

	if err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	if diff := cmp.Diff([]transport.Job{{Key: 5, Type: "work"}}, jobs); diff != "" {
		t.Fatalf("unexpected jobs (-want +got):\n%s", diff)
	}
}
