package cluster

import (
	"fmt"
	"slices"

	"memlog/pkg/types"
)

// Roster is the membership view recovery plans against.
type Roster interface {
	// ReplicasOf returns every placement of crashed's segments reported by
	// the backups in the cluster.
	ReplicasOf(crashed types.ServerID) ([]types.ReplicaPlacement, error)
	// HealthyNodes returns the masters able to take over partitions.
	HealthyNodes() ([]types.ServerID, error)
}

// Snapshot is an immutable copy of the roster for one crashed master.
type Snapshot struct {
	Crashed  types.ServerID
	Replicas []types.ReplicaPlacement
	Healthy  []types.ServerID
}

// TakeSnapshot copies what r reports about crashed. The crashed master is
// never reported healthy.
func TakeSnapshot(r Roster, crashed types.ServerID) (Snapshot, error) {
	replicas, err := r.ReplicasOf(crashed)
	if err != nil {
		return Snapshot{}, fmt.Errorf("replicas of %s: %w", crashed, err)
	}
	healthy, err := r.HealthyNodes()
	if err != nil {
		return Snapshot{}, fmt.Errorf("healthy nodes: %w", err)
	}

	snap := Snapshot{
		Crashed:  crashed,
		Replicas: make([]types.ReplicaPlacement, len(replicas)),
	}
	for i, p := range replicas {
		if p.Digest != nil {
			d := *p.Digest
			d.Referenced = slices.Clone(d.Referenced)
			p.Digest = &d
		}
		snap.Replicas[i] = p
	}
	for _, id := range healthy {
		if id != crashed && !slices.Contains(snap.Healthy, id) {
			snap.Healthy = append(snap.Healthy, id)
		}
	}
	return snap, nil
}

// Backups returns the distinct backups in the snapshot, ascending.
func (s Snapshot) Backups() []types.ServerID {
	var res []types.ServerID
	for _, p := range s.Replicas {
		if !slices.Contains(res, p.Backup) {
			res = append(res, p.Backup)
		}
	}
	slices.Sort(res)
	return res
}

// StaticRoster is a fixed roster, used by tests and single-process setups.
type StaticRoster struct {
	Replicas map[types.ServerID][]types.ReplicaPlacement
	Healthy  []types.ServerID
}

func (s *StaticRoster) ReplicasOf(crashed types.ServerID) ([]types.ReplicaPlacement, error) {
	return slices.Clone(s.Replicas[crashed]), nil
}

func (s *StaticRoster) HealthyNodes() ([]types.ServerID, error) {
	return slices.Clone(s.Healthy), nil
}
