package recovery

import (
	"errors"
	"reflect"
	"slices"
	"testing"

	"memlog/pkg/dberrors"
	"memlog/pkg/types"
)

func tablet(table types.TableID, part types.PartitionID) types.Tablet {
	return types.Tablet{Table: table, StartKey: 0, EndKey: ^uint64(0), Partition: part}
}

func TestPlanNotEnoughNodes(t *testing.T) {
	tablets := []types.Tablet{tablet(123, 0), tablet(123, 1), tablet(123, 2)}
	_, err := NewPlanner(nil).Plan(tablets, nil, []types.ServerID{1, 2})
	if !errors.Is(err, dberrors.ErrInsufficientRecoveryCapacity) {
		t.Errorf("expected ErrInsufficientRecoveryCapacity, got %v", err)
	}
}

func TestPlanDuplicateNodesDoNotCount(t *testing.T) {
	tablets := []types.Tablet{tablet(1, 0), tablet(1, 1)}
	_, err := NewPlanner(nil).Plan(tablets, nil, []types.ServerID{1, 1})
	if !errors.Is(err, dberrors.ErrInsufficientRecoveryCapacity) {
		t.Errorf("expected ErrInsufficientRecoveryCapacity, got %v", err)
	}
}

func TestPlanBijection(t *testing.T) {
	policies := map[string]AssignPolicy{
		"ring":  RingPolicy{VirtualNodes: 32},
		"first": FirstAvailable{},
	}
	healthy := []types.ServerID{7, 8}
	for name, policy := range policies {
		t.Run(name, func(t *testing.T) {
			tablets := []types.Tablet{tablet(123, 0), tablet(123, 0), tablet(124, 1)}
			parts, err := NewPlanner(policy).Plan(tablets, nil, healthy)
			if err != nil {
				t.Fatalf("Plan failed: %v", err)
			}
			if len(parts) != 2 {
				t.Fatalf("expected 2 partitions, got %d", len(parts))
			}
			if parts[0].ID != 0 || len(parts[0].Tablets) != 2 {
				t.Errorf("unexpected partition 0: %+v", parts[0])
			}
			if parts[1].ID != 1 || len(parts[1].Tablets) != 1 {
				t.Errorf("unexpected partition 1: %+v", parts[1])
			}
			if parts[0].Recoverer == parts[1].Recoverer {
				t.Errorf("partitions share recoverer %d", parts[0].Recoverer)
			}
			for _, p := range parts {
				if !slices.Contains(healthy, p.Recoverer) {
					t.Errorf("recoverer %d is not healthy", p.Recoverer)
				}
			}
		})
	}
}

func TestPlanRingIsStable(t *testing.T) {
	var tablets []types.Tablet
	for p := range 5 {
		tablets = append(tablets, tablet(1, types.PartitionID(p)))
	}
	healthy := []types.ServerID{10, 11, 12, 13, 14, 15}

	first, err := NewPlanner(nil).Plan(tablets, nil, healthy)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	second, err := NewPlanner(nil).Plan(tablets, nil, healthy)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("plans differ:\n%v\n%v", first, second)
	}
}

func TestPlanCustomTag(t *testing.T) {
	byTable := func(t types.Tablet) types.PartitionID { return types.PartitionID(t.Table) }
	parts, err := NewPlanner(FirstAvailable{}).Plan(
		[]types.Tablet{tablet(3, 0), tablet(4, 0)}, byTable, []types.ServerID{1, 2})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(parts))
	}
	if parts[0].ID != 3 || parts[0].Recoverer != 1 {
		t.Errorf("expected partition 3 on 1, got %d on %d", parts[0].ID, parts[0].Recoverer)
	}
	if parts[1].ID != 4 || parts[1].Recoverer != 2 {
		t.Errorf("expected partition 4 on 2, got %d on %d", parts[1].ID, parts[1].Recoverer)
	}
}

func TestPlanNoTablets(t *testing.T) {
	parts, err := NewPlanner(nil).Plan(nil, nil, nil)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(parts) != 0 {
		t.Errorf("expected no partitions, got %v", parts)
	}
}

type badPolicy struct{}

func (badPolicy) Assign(parts []types.PartitionID, _ []types.ServerID) (map[types.PartitionID]types.ServerID, error) {
	res := make(map[types.PartitionID]types.ServerID)
	for _, p := range parts {
		res[p] = 1
	}
	return res, nil
}

func TestPlanRejectsSharedRecoverer(t *testing.T) {
	_, err := NewPlanner(badPolicy{}).Plan([]types.Tablet{tablet(1, 0), tablet(1, 1)}, nil, []types.ServerID{1, 2})
	if !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}
