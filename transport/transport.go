package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/etcd/raft/raftpb"
	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/storage/snapshot"
)

var (
	// ErrNoPartition is returned for a partition the node does not
	// host
	ErrNoPartition = errors.New("partition is not hosted on this node")
	// ErrUnavailable is returned when no replica can serve a request
	// right now, for example while a partition elects a leader
	ErrUnavailable = errors.New("partition is unavailable")
)

// Gateway describes every operation a workflow client may perform
type Gateway interface {
	Deploy(ctx context.Context, request *DeployRequest) (*DeployResponse, error)
	CreateProcessInstance(ctx context.Context, request *CreateProcessInstanceRequest) (*CreateProcessInstanceResponse, error)
	CancelProcessInstance(ctx context.Context, request *CancelProcessInstanceRequest) (*CancelProcessInstanceResponse, error)
	CompleteJob(ctx context.Context, request *CompleteJobRequest) (*CompleteJobResponse, error)
	ThrowError(ctx context.Context, request *ThrowErrorRequest) (*ThrowErrorResponse, error)
	ResolveIncident(ctx context.Context, request *ResolveIncidentRequest) (*ResolveIncidentResponse, error)
	ListJobs(ctx context.Context, request *ListJobsRequest) (*ListJobsResponse, error)
	Topology(ctx context.Context, request *TopologyRequest) (*TopologyResponse, error)
}

// RaftService is the node side of the raft transport between nodes
type RaftService interface {
	// Receive hands messages to the local replica of a partition
	Receive(partitionID int, messages []raftpb.Message) error
	// ReadSnapshotChunk reads a chunk of the latest snapshot of the
	// local replica of a partition
	ReadSnapshotChunk(partitionID int, snapshotID string, offset int64) (snapshot.Chunk, error)
}

// RejectionError is returned when the engine rejected a command
type RejectionError struct {
	Type   protocol.RejectionType `json:"type"`
	Reason string                 `json:"reason"`
}

func (err *RejectionError) Error() string {
	return fmt.Sprintf("command rejected (%s): %s", err.Type, err.Reason)
}

// Rejection returns the rejection of a response record or nil if
// the record is not a rejection
func Rejection(record protocol.Record) error {
	if record.RecordType != protocol.CommandRejection {
		return nil
	}

	return &RejectionError{Type: record.RejectionType, Reason: record.RejectionReason}
}

type DeployRequest struct {
	Resources []protocol.Resource `json:"resources"`
}

type DeployResponse struct {
	Key                  int64                                   `json:"key"`
	Processes            []protocol.ProcessMetadata              `json:"processes,omitempty"`
	DecisionRequirements []protocol.DecisionRequirementsMetadata `json:"decisionRequirements,omitempty"`
}

type CreateProcessInstanceRequest struct {
	BpmnProcessID        string                 `json:"bpmnProcessId"`
	Version              int                    `json:"version,omitempty"`
	ProcessDefinitionKey int64                  `json:"processDefinitionKey,omitempty"`
	Variables            map[string]interface{} `json:"variables,omitempty"`
}

type CreateProcessInstanceResponse struct {
	ProcessDefinitionKey int64  `json:"processDefinitionKey"`
	ProcessInstanceKey   int64  `json:"processInstanceKey"`
	BpmnProcessID        string `json:"bpmnProcessId"`
	Version              int    `json:"version"`
}

type CancelProcessInstanceRequest struct {
	ProcessInstanceKey int64 `json:"processInstanceKey"`
}

type CancelProcessInstanceResponse struct{}

type CompleteJobRequest struct {
	JobKey    int64                  `json:"jobKey"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type CompleteJobResponse struct{}

type ThrowErrorRequest struct {
	JobKey       int64  `json:"jobKey"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type ThrowErrorResponse struct{}

type ResolveIncidentRequest struct {
	IncidentKey int64 `json:"incidentKey"`
}

type ResolveIncidentResponse struct{}

// ListJobsRequest lists the activatable jobs of a type. A limit of
// zero lists every job.
type ListJobsRequest struct {
	Type  string `json:"type"`
	Limit int    `json:"limit,omitempty"`
}

type Job struct {
	Key                int64                  `json:"key"`
	Type               string                 `json:"type"`
	BpmnProcessID      string                 `json:"bpmnProcessId"`
	ProcessInstanceKey int64                  `json:"processInstanceKey"`
	ElementID          string                 `json:"elementId"`
	ElementInstanceKey int64                  `json:"elementInstanceKey"`
	Variables          map[string]interface{} `json:"variables,omitempty"`
}

type ListJobsResponse struct {
	Jobs []Job `json:"jobs"`
}

type TopologyRequest struct{}

type PartitionInfo struct {
	PartitionID int    `json:"partitionId"`
	Role        string `json:"role"`
	Term        uint64 `json:"term"`
	Leader      uint64 `json:"leader"`
	Healthy     bool   `json:"healthy"`
}

type BrokerInfo struct {
	NodeID     uint64          `json:"nodeId"`
	Address    string          `json:"address,omitempty"`
	Partitions []PartitionInfo `json:"partitions"`
}

type TopologyResponse struct {
	PartitionCount    int          `json:"partitionCount"`
	ReplicationFactor int          `json:"replicationFactor"`
	Brokers           []BrokerInfo `json:"brokers"`
}

// PartitionService runs commands and queries on the leader of a
// partition. Nodes serve it to route gateway requests to replicas
// on other nodes.
type PartitionService interface {
	// Execute writes a command to the partition and returns the
	// record that answers it
	Execute(ctx context.Context, partitionID int, command protocol.Record) (protocol.Record, error)
	// ListJobs lists activatable jobs of the partition
	ListJobs(ctx context.Context, partitionID int, jobType string, limit int) ([]Job, error)
}

type ExecuteRequest struct {
	PartitionID int             `json:"partitionId"`
	Command     protocol.Record `json:"command"`
}

type ExecuteResponse struct {
	Record protocol.Record `json:"record"`
}

type ListPartitionJobsRequest struct {
	PartitionID int    `json:"partitionId"`
	Type        string `json:"type"`
	Limit       int    `json:"limit,omitempty"`
}
