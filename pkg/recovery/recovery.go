package recovery

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"memlog/pkg/cluster"
	"memlog/pkg/dberrors"
	"memlog/pkg/types"
)

// State is a step of the recovery state machine.
type State int

const (
	StatePlanning State = iota
	StateDispatching
	StateVerifying
	StateComplete
	StateFailed
)

var stateNames = map[State]string{
	StatePlanning:    "planning",
	StateDispatching: "dispatching",
	StateVerifying:   "verifying",
	StateComplete:    "complete",
	StateFailed:      "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st, name := range stateNames {
		if name == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown recovery state %q", b)
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == StateComplete || s == StateFailed }

// Handle identifies a recovery started by a Coordinator.
type Handle string

// Progress is a point-in-time view of a recovery.
type Progress struct {
	State                State `json:"state"`
	TabletsUnderRecovery int   `json:"tablets_under_recovery"`
	TotalTablets         int   `json:"total_tablets"`
	SegmentsFetched      int   `json:"segments_fetched"`
	SegmentsTotal        int   `json:"segments_total"`
}

// Result is the terminal outcome of a recovery. Err is nil on success and
// wraps one of the dberrors failure reasons otherwise.
type Result struct {
	Partitions []types.RecoveryPartition
	Err        error
}

type fetchKey struct {
	partition types.PartitionID
	segment   types.SegmentID
}

// Recovery is the state of one crashed master's recovery. Everything but the
// progress fields is written once, during planning.
type Recovery struct {
	ID      Handle
	Crashed types.ServerID

	tablets    []types.Tablet
	snapshot   cluster.Snapshot
	workList   []types.ReplicaPlacement
	view       LogView
	partitions []types.RecoveryPartition

	cancel context.CancelFunc
	done   chan struct{}

	mu                   sync.Mutex
	state                State
	err                  error
	tabletsUnderRecovery int
	fetched              map[fetchKey]types.ServerID
	remaining            map[types.PartitionID]int
	startedAt            time.Time
	finishedAt           time.Time
}

func newRecovery(id Handle, crashed types.ServerID, tablets []types.Tablet, cancel context.CancelFunc) *Recovery {
	return &Recovery{
		ID:        id,
		Crashed:   crashed,
		tablets:   slices.Clone(tablets),
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StatePlanning,
		fetched:   make(map[fetchKey]types.ServerID),
		remaining: make(map[types.PartitionID]int),
		startedAt: time.Now(),
	}
}

// Done is closed once the recovery reached a terminal state.
func (r *Recovery) Done() <-chan struct{} { return r.done }

func (r *Recovery) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// WorkList returns the ordered replica list built during planning.
func (r *Recovery) WorkList() []types.ReplicaPlacement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.workList)
}

// LogView returns the verified log built during planning.
func (r *Recovery) LogView() LogView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

func (r *Recovery) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Progress{
		State:                r.state,
		TabletsUnderRecovery: r.tabletsUnderRecovery,
		TotalTablets:         len(r.tablets),
		SegmentsFetched:      len(r.fetched),
		SegmentsTotal:        len(r.partitions) * len(r.view.Segments),
	}
}

func (r *Recovery) planned(snap cluster.Snapshot, work []types.ReplicaPlacement, view LogView, partitions []types.RecoveryPartition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot = snap
	r.workList = work
	r.view = view
	r.partitions = partitions
	for _, p := range partitions {
		r.remaining[p.ID] = len(view.Segments)
	}
	r.state = StateDispatching
}

// fetchedFrom records a completed (partition, segment) fetch. It returns
// true when that completed the partition.
func (r *Recovery) fetchedFrom(part types.RecoveryPartition, seg types.SegmentID, backup types.ServerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := fetchKey{part.ID, seg}
	if _, dup := r.fetched[k]; dup {
		return false
	}
	r.fetched[k] = backup
	r.remaining[part.ID]--
	if r.remaining[part.ID] == 0 {
		r.tabletsUnderRecovery += len(part.Tablets)
		return true
	}
	return false
}

func (r *Recovery) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// unresolved lists the (partition, segment) pairs that never got data.
func (r *Recovery) unresolved() []fetchKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	var gaps []fetchKey
	for _, p := range r.partitions {
		for _, seg := range r.view.Segments {
			if _, ok := r.fetched[fetchKey{p.ID, seg}]; !ok {
				gaps = append(gaps, fetchKey{p.ID, seg})
			}
		}
	}
	return gaps
}

// finish moves the recovery to its terminal state. Failed recoveries drop
// partial progress: a partition is recovered fully or not at all.
func (r *Recovery) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	r.finishedAt = time.Now()
	if err != nil {
		r.state = StateFailed
		r.err = err
		r.tabletsUnderRecovery = 0
		clear(r.fetched)
	} else {
		r.state = StateComplete
	}
	close(r.done)
}

func (r *Recovery) result() (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Terminal() {
		return Result{}, fmt.Errorf("recovery %s is %s: %w", r.ID, r.state, dberrors.ErrRecoveryInProgress)
	}
	if r.err != nil {
		return Result{Err: r.err}, nil
	}
	partitions := make([]types.RecoveryPartition, len(r.partitions))
	for i, p := range r.partitions {
		p.Tablets = slices.Clone(p.Tablets)
		partitions[i] = p
	}
	return Result{Partitions: partitions}, nil
}

func (r *Recovery) duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finishedAt.IsZero() {
		return time.Since(r.startedAt)
	}
	return r.finishedAt.Sub(r.startedAt)
}
