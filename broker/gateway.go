package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jrife/grouse/engine/state"
	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/transport"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var _ transport.Gateway = (*Gateway)(nil)

// GatewayConfig configures a gateway
type GatewayConfig struct {
	Layout            Layout
	ReplicationFactor int
	Partitions        transport.PartitionService
	// Brokers describes the nodes of the cluster for topology
	// requests
	Brokers func() []transport.BrokerInfo
	Logger  *zap.Logger
}

// Gateway turns client requests into commands for partitions.
// Deployments go to every partition. New process instances are
// spread round robin. Requests naming a key go to the partition
// encoded in the key.
type Gateway struct {
	layout            Layout
	replicationFactor int
	partitions        transport.PartitionService
	brokers           func() []transport.BrokerInfo
	logger            *zap.Logger
	next              atomic.Uint64
}

// NewGateway creates a gateway
func NewGateway(config GatewayConfig) *Gateway {
	return &Gateway{
		layout:            config.Layout,
		replicationFactor: config.ReplicationFactor,
		partitions:        config.Partitions,
		brokers:           config.Brokers,
		logger:            log.OrDefault(config.Logger).With(zap.String("component", "gateway")),
	}
}

func (gateway *Gateway) execute(ctx context.Context, partitionID int, key int64, value protocol.Value, intent protocol.Intent) (protocol.Record, error) {
	record, err := gateway.partitions.Execute(ctx, partitionID, protocol.Record{
		Key:       key,
		ValueType: value.ValueType(),
		Intent:    intent,
		Value:     value,
	})

	if err != nil {
		return protocol.Record{}, err
	}

	if err := transport.Rejection(record); err != nil {
		return protocol.Record{}, err
	}

	return record, nil
}

// partitionOf returns the partition that created key
func (gateway *Gateway) partitionOf(key int64) (int, error) {
	partitionID := state.DecodePartitionID(key)

	if _, ok := gateway.layout[partitionID]; !ok || key <= 0 {
		return 0, &transport.RejectionError{Type: protocol.RejectionNotFound, Reason: fmt.Sprintf("key %d does not belong to any partition", key)}
	}

	return partitionID, nil
}

// Deploy implements transport.Gateway. Every partition gets the
// deployment. The response describes the deployment of the first
// partition.
func (gateway *Gateway) Deploy(ctx context.Context, request *transport.DeployRequest) (*transport.DeployResponse, error) {
	logger := log.Operation(ctx, gateway.logger, "deploy")
	group, groupCtx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var first protocol.Record

	for partitionID := 1; partitionID <= gateway.layout.PartitionCount(); partitionID++ {
		partitionID := partitionID

		group.Go(func() error {
			record, err := gateway.execute(groupCtx, partitionID, 0, &protocol.DeploymentRecord{Resources: request.Resources}, protocol.DeploymentCreate)

			if err != nil {
				return fmt.Errorf("could not deploy to partition %d: %w", partitionID, err)
			}

			if partitionID == 1 {
				mu.Lock()
				first = record
				mu.Unlock()
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		logger.Warn("deployment failed", zap.Error(err))

		return nil, err
	}

	deployed := first.Value.(*protocol.DeploymentRecord)
	logger.Info("deployed", zap.Int64("key", first.Key), zap.Int("processes", len(deployed.Processes)), zap.Int("decisionRequirements", len(deployed.DecisionRequirements)))

	return &transport.DeployResponse{
		Key:                  first.Key,
		Processes:            deployed.Processes,
		DecisionRequirements: deployed.DecisionRequirements,
	}, nil
}

// CreateProcessInstance implements transport.Gateway
func (gateway *Gateway) CreateProcessInstance(ctx context.Context, request *transport.CreateProcessInstanceRequest) (*transport.CreateProcessInstanceResponse, error) {
	partitionID := int(gateway.next.Add(1)-1)%gateway.layout.PartitionCount() + 1

	record, err := gateway.execute(ctx, partitionID, 0, &protocol.ProcessInstanceCreationRecord{
		BpmnProcessID:        request.BpmnProcessID,
		Version:              request.Version,
		ProcessDefinitionKey: request.ProcessDefinitionKey,
		Variables:            request.Variables,
	}, protocol.ProcessInstanceCreationCreate)

	if err != nil {
		return nil, err
	}

	created := record.Value.(*protocol.ProcessInstanceCreationRecord)

	return &transport.CreateProcessInstanceResponse{
		ProcessDefinitionKey: created.ProcessDefinitionKey,
		ProcessInstanceKey:   created.ProcessInstanceKey,
		BpmnProcessID:        created.BpmnProcessID,
		Version:              created.Version,
	}, nil
}

// CancelProcessInstance implements transport.Gateway
func (gateway *Gateway) CancelProcessInstance(ctx context.Context, request *transport.CancelProcessInstanceRequest) (*transport.CancelProcessInstanceResponse, error) {
	partitionID, err := gateway.partitionOf(request.ProcessInstanceKey)

	if err != nil {
		return nil, err
	}

	_, err = gateway.execute(ctx, partitionID, request.ProcessInstanceKey, &protocol.ProcessInstanceRecord{ProcessInstanceKey: request.ProcessInstanceKey}, protocol.Cancel)

	if err != nil {
		return nil, err
	}

	return &transport.CancelProcessInstanceResponse{}, nil
}

// CompleteJob implements transport.Gateway
func (gateway *Gateway) CompleteJob(ctx context.Context, request *transport.CompleteJobRequest) (*transport.CompleteJobResponse, error) {
	partitionID, err := gateway.partitionOf(request.JobKey)

	if err != nil {
		return nil, err
	}

	_, err = gateway.execute(ctx, partitionID, request.JobKey, &protocol.JobRecord{Variables: request.Variables}, protocol.JobComplete)

	if err != nil {
		return nil, err
	}

	return &transport.CompleteJobResponse{}, nil
}

// ThrowError implements transport.Gateway
func (gateway *Gateway) ThrowError(ctx context.Context, request *transport.ThrowErrorRequest) (*transport.ThrowErrorResponse, error) {
	partitionID, err := gateway.partitionOf(request.JobKey)

	if err != nil {
		return nil, err
	}

	_, err = gateway.execute(ctx, partitionID, request.JobKey, &protocol.JobRecord{ErrorCode: request.ErrorCode, ErrorMessage: request.ErrorMessage}, protocol.JobThrowError)

	if err != nil {
		return nil, err
	}

	return &transport.ThrowErrorResponse{}, nil
}

// ResolveIncident implements transport.Gateway
func (gateway *Gateway) ResolveIncident(ctx context.Context, request *transport.ResolveIncidentRequest) (*transport.ResolveIncidentResponse, error) {
	partitionID, err := gateway.partitionOf(request.IncidentKey)

	if err != nil {
		return nil, err
	}

	_, err = gateway.execute(ctx, partitionID, request.IncidentKey, &protocol.IncidentRecord{}, protocol.IncidentResolve)

	if err != nil {
		return nil, err
	}

	return &transport.ResolveIncidentResponse{}, nil
}

// ListJobs implements transport.Gateway. Jobs of every partition are
// merged in key order.
func (gateway *Gateway) ListJobs(ctx context.Context, request *transport.ListJobsRequest) (*transport.ListJobsResponse, error) {
	group, groupCtx := errgroup.WithContext(ctx)
	perPartition := make([][]transport.Job, gateway.layout.PartitionCount())

	for partitionID := 1; partitionID <= gateway.layout.PartitionCount(); partitionID++ {
		partitionID := partitionID

		group.Go(func() error {
			jobs, err := gateway.partitions.ListJobs(groupCtx, partitionID, request.Type, request.Limit)

			if err != nil {
				return fmt.Errorf("could not list jobs of partition %d: %w", partitionID, err)
			}

			perPartition[partitionID-1] = jobs

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	jobs := []transport.Job{}

	for _, partitionJobs := range perPartition {
		jobs = append(jobs, partitionJobs...)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Key < jobs[j].Key })

	if request.Limit > 0 && len(jobs) > request.Limit {
		jobs = jobs[:request.Limit]
	}

	return &transport.ListJobsResponse{Jobs: jobs}, nil
}

// Topology implements transport.Gateway
func (gateway *Gateway) Topology(ctx context.Context, request *transport.TopologyRequest) (*transport.TopologyResponse, error) {
	response := &transport.TopologyResponse{
		PartitionCount:    gateway.layout.PartitionCount(),
		ReplicationFactor: gateway.replicationFactor,
	}

	if gateway.brokers != nil {
		response.Brokers = gateway.brokers()
	}

	return response, nil
}
