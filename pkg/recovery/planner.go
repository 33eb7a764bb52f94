package recovery

import (
	"fmt"
	"slices"
	"strconv"

	"memlog/pkg/cluster"
	"memlog/pkg/dberrors"
	"memlog/pkg/types"
)

// AssignPolicy maps partitions onto distinct healthy nodes. Callers
// guarantee len(healthy) >= len(partitions).
type AssignPolicy interface {
	Assign(partitions []types.PartitionID, healthy []types.ServerID) (map[types.PartitionID]types.ServerID, error)
}

// RingPolicy hashes each partition onto a ring of the healthy nodes and takes
// the first node clockwise that is still free. Repeated recoveries of the
// same partitions over the same nodes land on the same recoverers.
type RingPolicy struct {
	VirtualNodes int
}

func (p RingPolicy) Assign(partitions []types.PartitionID, healthy []types.ServerID) (map[types.PartitionID]types.ServerID, error) {
	ring := cluster.NewHashRing(p.VirtualNodes)
	for _, id := range healthy {
		ring.AddNode(id)
	}

	taken := make(map[types.ServerID]bool, len(partitions))
	result := make(map[types.PartitionID]types.ServerID, len(partitions))
	for _, part := range partitions {
		assigned := false
		for _, id := range ring.Walk("partition-" + strconv.FormatUint(uint64(part), 10)) {
			if taken[id] {
				continue
			}
			taken[id] = true
			result[part] = id
			assigned = true
			break
		}
		if !assigned {
			return nil, fmt.Errorf("partition %d: %w", part, dberrors.ErrInsufficientRecoveryCapacity)
		}
	}
	return result, nil
}

// FirstAvailable gives the i-th partition to the i-th healthy node.
type FirstAvailable struct{}

func (FirstAvailable) Assign(partitions []types.PartitionID, healthy []types.ServerID) (map[types.PartitionID]types.ServerID, error) {
	if len(healthy) < len(partitions) {
		return nil, dberrors.ErrInsufficientRecoveryCapacity
	}
	result := make(map[types.PartitionID]types.ServerID, len(partitions))
	for i, part := range partitions {
		result[part] = healthy[i]
	}
	return result, nil
}

// TagFunc extracts the recovery partition of a tablet.
type TagFunc func(types.Tablet) types.PartitionID

// ByPartitionField uses the tag the caller stored on the tablet.
func ByPartitionField(t types.Tablet) types.PartitionID { return t.Partition }

// Planner groups a crashed master's tablets into recovery partitions.
type Planner struct {
	policy AssignPolicy
}

func NewPlanner(policy AssignPolicy) *Planner {
	if policy == nil {
		policy = RingPolicy{VirtualNodes: 64}
	}
	return &Planner{policy: policy}
}

// Plan groups tablets by tag and assigns each group to its own healthy node.
// Partitions come back in ascending tag order; tablets keep input order.
func (p *Planner) Plan(tablets []types.Tablet, tagOf TagFunc, healthy []types.ServerID) ([]types.RecoveryPartition, error) {
	if tagOf == nil {
		tagOf = ByPartitionField
	}

	groups := make(map[types.PartitionID][]types.Tablet)
	var tags []types.PartitionID
	for _, t := range tablets {
		tag := tagOf(t)
		if _, ok := groups[tag]; !ok {
			tags = append(tags, tag)
		}
		groups[tag] = append(groups[tag], t)
	}
	slices.Sort(tags)

	var nodes []types.ServerID
	for _, id := range healthy {
		if !slices.Contains(nodes, id) {
			nodes = append(nodes, id)
		}
	}
	if len(nodes) < len(tags) {
		return nil, fmt.Errorf("%d partitions but %d healthy nodes: %w",
			len(tags), len(nodes), dberrors.ErrInsufficientRecoveryCapacity)
	}
	if len(tags) == 0 {
		return nil, nil
	}

	assignment, err := p.policy.Assign(tags, nodes)
	if err != nil {
		return nil, err
	}

	partitions := make([]types.RecoveryPartition, 0, len(tags))
	used := make(map[types.ServerID]types.PartitionID, len(tags))
	for _, tag := range tags {
		node, ok := assignment[tag]
		if !ok {
			return nil, fmt.Errorf("partition %d left unassigned: %w", tag, dberrors.ErrInsufficientRecoveryCapacity)
		}
		if !slices.Contains(nodes, node) {
			return nil, fmt.Errorf("partition %d assigned to unknown node %s: %w", tag, node, dberrors.ErrInvalidArgument)
		}
		if other, dup := used[node]; dup {
			return nil, fmt.Errorf("node %s assigned partitions %d and %d: %w", node, other, tag, dberrors.ErrInvalidArgument)
		}
		used[node] = tag
		partitions = append(partitions, types.RecoveryPartition{
			ID:        tag,
			Tablets:   groups[tag],
			Recoverer: node,
		})
	}
	return partitions, nil
}
