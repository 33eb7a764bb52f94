package recovery

import (
	"cmp"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"memlog/pkg/cluster"
	"memlog/pkg/types"
)

// HostOrder decides the order backups are visited in when building a work
// list. It is drawn once per recovery.
type HostOrder interface {
	Order(backups []types.ServerID) []types.ServerID
}

// ShuffleOrder permutes backups with a seeded generator so concurrent
// recoveries do not all start on the same backup.
type ShuffleOrder struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewShuffleOrder(seed uint64) *ShuffleOrder {
	return &ShuffleOrder{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *ShuffleOrder) Order(backups []types.ServerID) []types.ServerID {
	out := slices.Clone(backups)
	s.mu.Lock()
	s.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	s.mu.Unlock()
	return out
}

// FixedOrder visits the listed backups first, in the given order, then the
// rest ascending. A nil FixedOrder is plain ascending order.
type FixedOrder []types.ServerID

func (f FixedOrder) Order(backups []types.ServerID) []types.ServerID {
	out := make([]types.ServerID, 0, len(backups))
	for _, id := range f {
		if slices.Contains(backups, id) && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	rest := slices.Clone(backups)
	slices.Sort(rest)
	for _, id := range rest {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// Locator builds the ordered work list of a crashed master's replicas.
type Locator struct {
	order  HostOrder
	logger *slog.Logger
}

func NewLocator(order HostOrder, logger *slog.Logger) *Locator {
	if order == nil {
		order = FixedOrder(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{order: order, logger: logger}
}

type backupReplicas struct {
	primaries   []types.ReplicaPlacement
	secondaries []types.ReplicaPlacement
}

// Locate returns one entry per (backup, segment) pair in snap. Every primary
// precedes every secondary. Within a tier, backups take turns in HostOrder
// and each backup offers its newest segment first.
func (l *Locator) Locate(snap cluster.Snapshot) []types.ReplicaPlacement {
	type replicaKey struct {
		backup  types.ServerID
		segment types.SegmentID
	}
	unique := make(map[replicaKey]int, len(snap.Replicas))
	var deduped []types.ReplicaPlacement
	for _, p := range snap.Replicas {
		k := replicaKey{p.Backup, p.Segment}
		if i, ok := unique[k]; ok {
			// primary report wins, keep whichever digest we saw
			deduped[i].Primary = deduped[i].Primary || p.Primary
			if deduped[i].Digest == nil {
				deduped[i].Digest = p.Digest
			}
			continue
		}
		unique[k] = len(deduped)
		deduped = append(deduped, p)
	}

	primaryOf := make(map[types.SegmentID]types.ServerID)
	byBackup := make(map[types.ServerID]*backupReplicas)
	for _, p := range deduped {
		br, ok := byBackup[p.Backup]
		if !ok {
			br = &backupReplicas{}
			byBackup[p.Backup] = br
		}
		if p.Primary {
			if other, dup := primaryOf[p.Segment]; dup {
				l.logger.Warn("segment has more than one primary replica",
					"segment", p.Segment, "backup", p.Backup, "other", other)
			}
			primaryOf[p.Segment] = p.Backup
			br.primaries = append(br.primaries, p)
		} else {
			br.secondaries = append(br.secondaries, p)
		}
	}

	newestFirst := func(a, b types.ReplicaPlacement) int { return cmp.Compare(b.Segment, a.Segment) }
	for _, br := range byBackup {
		slices.SortFunc(br.primaries, newestFirst)
		slices.SortFunc(br.secondaries, newestFirst)
	}

	order := l.order.Order(snap.Backups())
	out := make([]types.ReplicaPlacement, 0, len(deduped))
	out = appendRoundRobin(out, order, byBackup, func(br *backupReplicas) []types.ReplicaPlacement { return br.primaries })
	out = appendRoundRobin(out, order, byBackup, func(br *backupReplicas) []types.ReplicaPlacement { return br.secondaries })
	return out
}

func appendRoundRobin(
	out []types.ReplicaPlacement,
	order []types.ServerID,
	byBackup map[types.ServerID]*backupReplicas,
	tier func(*backupReplicas) []types.ReplicaPlacement,
) []types.ReplicaPlacement {
	for round := 0; ; round++ {
		emitted := false
		for _, backup := range order {
			br, ok := byBackup[backup]
			if !ok {
				continue
			}
			list := tier(br)
			if round < len(list) {
				out = append(out, list[round])
				emitted = true
			}
		}
		if !emitted {
			return out
		}
	}
}

// Digests extracts the log digests carried by located replicas.
func Digests(workList []types.ReplicaPlacement) []types.SegmentDigest {
	var digests []types.SegmentDigest
	for _, p := range workList {
		if p.Digest != nil {
			digests = append(digests, *p.Digest)
		}
	}
	return digests
}
