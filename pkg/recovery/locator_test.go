package recovery

import (
	"math/rand/v2"
	"reflect"
	"slices"
	"testing"

	"memlog/pkg/cluster"
	"memlog/pkg/types"
)

func placement(backup types.ServerID, seg types.SegmentID, primary bool) types.ReplicaPlacement {
	return types.ReplicaPlacement{Backup: backup, Segment: seg, Primary: primary}
}

func TestLocateRoundRobinNewestFirst(t *testing.T) {
	snap := cluster.Snapshot{
		Crashed: 99,
		Replicas: []types.ReplicaPlacement{
			placement(1, 88, true),
			placement(1, 89, true),
			placement(2, 88, true),
		},
	}

	got := NewLocator(FixedOrder{1, 2}, nil).Locate(snap)
	want := []types.ReplicaPlacement{
		placement(1, 89, true),
		placement(2, 88, true),
		placement(1, 88, true),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestLocatePrimariesBeforeSecondaries(t *testing.T) {
	snap := cluster.Snapshot{
		Crashed: 99,
		Replicas: []types.ReplicaPlacement{
			placement(1, 90, false),
			placement(1, 88, true),
			placement(2, 91, false),
			placement(2, 89, true),
			placement(3, 90, true),
		},
	}

	got := NewLocator(FixedOrder{2, 1, 3}, nil).Locate(snap)
	want := []types.ReplicaPlacement{
		placement(2, 89, true),
		placement(1, 88, true),
		placement(3, 90, true),
		placement(2, 91, false),
		placement(1, 90, false),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

// randomSnapshot scatters up to 40 replicas of segments 1..20 over up to 8
// backups, with duplicates.
func randomSnapshot(rng *rand.Rand) cluster.Snapshot {
	backups := 1 + rng.IntN(8)
	snap := cluster.Snapshot{Crashed: 99}
	for range rng.IntN(41) {
		snap.Replicas = append(snap.Replicas, placement(
			types.ServerID(1+rng.IntN(backups)),
			types.SegmentID(1+rng.IntN(20)),
			rng.IntN(2) == 0,
		))
	}
	return snap
}

func TestLocatePrimaryOrderHoldsForAnyPlacement(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))

	for i := range 1000 {
		snap := randomSnapshot(rng)
		got := NewLocator(NewShuffleOrder(rng.Uint64()), nil).Locate(snap)

		seenSecondary := false
		for _, p := range got {
			if !p.Primary {
				seenSecondary = true
			} else if seenSecondary {
				t.Fatalf("case %d: primary %d@%d after a secondary in %v", i, p.Segment, p.Backup, got)
			}
		}

		// every replica shows up exactly once, primary if any copy was
		want := make(map[replicaKey]bool)
		for _, p := range snap.Replicas {
			k := replicaKey{p.Backup, p.Segment}
			want[k] = want[k] || p.Primary
		}
		if len(got) != len(want) {
			t.Fatalf("case %d: expected %d replicas, got %d", i, len(want), len(got))
		}
		for _, p := range got {
			primary, ok := want[replicaKey{p.Backup, p.Segment}]
			if !ok {
				t.Fatalf("case %d: unexpected replica %d@%d", i, p.Segment, p.Backup)
			}
			if primary != p.Primary {
				t.Fatalf("case %d: replica %d@%d primary=%v, expected %v", i, p.Segment, p.Backup, p.Primary, primary)
			}
			delete(want, replicaKey{p.Backup, p.Segment})
		}
	}
}

func TestLocateDeduplicatesKeepingPrimary(t *testing.T) {
	digest := &types.SegmentDigest{Segment: 5, Length: 10, Referenced: []types.SegmentID{5}}
	snap := cluster.Snapshot{
		Replicas: []types.ReplicaPlacement{
			placement(1, 5, false),
			{Backup: 1, Segment: 5, Primary: true, Digest: digest},
		},
	}

	got := NewLocator(nil, nil).Locate(snap)
	if len(got) != 1 {
		t.Fatalf("expected 1 replica, got %v", got)
	}
	if !got[0].Primary {
		t.Errorf("expected the merged replica to be primary")
	}
	if got[0].Digest != digest {
		t.Errorf("expected digest %v, got %v", digest, got[0].Digest)
	}
	if d := Digests(got); !reflect.DeepEqual(d, []types.SegmentDigest{*digest}) {
		t.Errorf("unexpected digests %v", d)
	}
}

func TestLocateEmpty(t *testing.T) {
	if got := NewLocator(nil, nil).Locate(cluster.Snapshot{}); len(got) != 0 {
		t.Errorf("expected empty work list, got %v", got)
	}
}

func TestShuffleOrderIsSeeded(t *testing.T) {
	backups := []types.ServerID{1, 2, 3, 4, 5, 6, 7, 8}
	a := NewShuffleOrder(42).Order(backups)
	b := NewShuffleOrder(42).Order(backups)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("same seed gave %v and %v", a, b)
	}

	sorted := slices.Clone(a)
	slices.Sort(sorted)
	if !reflect.DeepEqual(sorted, backups) {
		t.Errorf("%v is not a permutation of %v", a, backups)
	}
	if !reflect.DeepEqual(backups, []types.ServerID{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("input was modified: %v", backups)
	}
}

func TestFixedOrder(t *testing.T) {
	got := FixedOrder{3, 9}.Order([]types.ServerID{4, 1, 3})
	if want := []types.ServerID{3, 1, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
