package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/transport"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
)

var _ transport.PartitionService = (*Router)(nil)

// RouterConfig configures a router
type RouterConfig struct {
	Layout Layout
	// Local is the node the router runs on. It may be nil.
	Local *Node
	// Peers returns the partition service of another node
	Peers   func(nodeID uint64) (transport.PartitionService, bool)
	BackOff func() backoff.BackOff
	Logger  *zap.Logger
}

// Router sends requests for a partition to its leader wherever it
// runs. While a partition has no reachable leader requests are
// retried with backoff until their context ends.
type Router struct {
	layout     Layout
	local      *Node
	peers      func(nodeID uint64) (transport.PartitionService, bool)
	newBackOff func() backoff.BackOff
	logger     *zap.Logger

	mu      sync.Mutex
	leaders map[int]uint64
}

// NewRouter creates a router
func NewRouter(config RouterConfig) *Router {
	router := &Router{
		layout:     config.Layout,
		local:      config.Local,
		peers:      config.Peers,
		newBackOff: config.BackOff,
		logger:     log.OrDefault(config.Logger).With(zap.String("component", "router")),
		leaders:    map[int]uint64{},
	}

	if router.newBackOff == nil {
		router.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = time.Second
			b.MaxElapsedTime = 30 * time.Second

			return b
		}
	}

	return router
}

// candidates lists the nodes to try in order, the last known
// leader first
func (router *Router) candidates(partitionID int) []uint64 {
	var candidates []uint64

	if router.local != nil {
		if p, ok := router.local.Partition(partitionID); ok {
			if leader := p.Status().Leader; leader != 0 {
				candidates = append(candidates, leader)
			}
		}
	}

	router.mu.Lock()
	if leader, ok := router.leaders[partitionID]; ok {
		candidates = append(candidates, leader)
	}
	router.mu.Unlock()

	seen := map[uint64]bool{}
	var ordered []uint64

	for _, nodeID := range append(candidates, router.layout[partitionID]...) {
		if !seen[nodeID] {
			seen[nodeID] = true
			ordered = append(ordered, nodeID)
		}
	}

	return ordered
}

func (router *Router) service(nodeID uint64) (transport.PartitionService, bool) {
	if router.local != nil && router.local.ID() == nodeID {
		return router.local, true
	}

	if router.peers == nil {
		return nil, false
	}

	return router.peers(nodeID)
}

// route calls fn on the leader of a partition
func (router *Router) route(ctx context.Context, partitionID int, fn func(service transport.PartitionService) error) error {
	if _, ok := router.layout[partitionID]; !ok {
		return &transport.RejectionError{Type: protocol.RejectionNotFound, Reason: "partition does not exist"}
	}

	logger := log.Operation(ctx, router.logger, "route").With(zap.Int("partition", partitionID))

	op := func() error {
		err := transport.ErrUnavailable

		for _, nodeID := range router.candidates(partitionID) {
			service, ok := router.service(nodeID)

			if !ok {
				continue
			}

			err = fn(service)

			if err == nil {
				router.mu.Lock()
				router.leaders[partitionID] = nodeID
				router.mu.Unlock()

				return nil
			}

			if !errors.Is(err, transport.ErrUnavailable) && !errors.Is(err, transport.ErrNoPartition) {
				return &backoff.PermanentError{Err: err}
			}
		}

		return err
	}

	err := backoff.RetryNotify(op, backoff.WithContext(router.newBackOff(), ctx), func(err error, next time.Duration) {
		logger.Debug("no leader reachable, retrying", zap.Duration("backoff", next), zap.Error(err))
	})

	var permanent *backoff.PermanentError

	if errors.As(err, &permanent) {
		return permanent.Err
	}

	return err
}

// Execute implements transport.PartitionService
func (router *Router) Execute(ctx context.Context, partitionID int, command protocol.Record) (protocol.Record, error) {
	var record protocol.Record

	err := router.route(ctx, partitionID, func(service transport.PartitionService) error {
		var err error
		record, err = service.Execute(ctx, partitionID, command)

		return err
	})

	return record, err
}

// ListJobs implements transport.PartitionService
func (router *Router) ListJobs(ctx context.Context, partitionID int, jobType string, limit int) ([]transport.Job, error) {
	var jobs []transport.Job

	err := router.route(ctx, partitionID, func(service transport.PartitionService) error {
		var err error
		jobs, err = service.ListJobs(ctx, partitionID, jobType, limit)

		return err
	})

	return jobs, err
}
