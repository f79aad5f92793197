package broker

import (
	"errors"
	"fmt"
)

// Layout maps partition ids to the node ids of their replicas
type Layout map[int][]uint64

// NewLayout spreads partitions 1 to partitionCount round robin over
// nodes. Each partition gets replicationFactor replicas on distinct
// nodes.
func NewLayout(partitionCount int, replicationFactor int, nodes []uint64) (Layout, error) {
	if partitionCount < 1 {
		return nil, errors.New("expected at least one partition")
	}

	if replicationFactor < 1 || replicationFactor > len(nodes) {
		return nil, fmt.Errorf("replication factor %d must be between 1 and the number of nodes %d", replicationFactor, len(nodes))
	}

	layout := Layout{}

	for partitionID := 1; partitionID <= partitionCount; partitionID++ {
		members := make([]uint64, 0, replicationFactor)

		for i := 0; i < replicationFactor; i++ {
			members = append(members, nodes[(partitionID-1+i)%len(nodes)])
		}

		layout[partitionID] = members
	}

	return layout, nil
}

// PartitionCount returns the number of partitions
func (layout Layout) PartitionCount() int {
	return len(layout)
}

// Hosted returns the partitions with a replica on node in order
func (layout Layout) Hosted(nodeID uint64) []int {
	var hosted []int

	for partitionID := 1; partitionID <= len(layout); partitionID++ {
		for _, member := range layout[partitionID] {
			if member == nodeID {
				hosted = append(hosted, partitionID)

				break
			}
		}
	}

	return hosted
}
