package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"memlog/pkg/dberrors"
	"memlog/pkg/metrics"
	"memlog/pkg/types"

	backoff "github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// FetchRequest asks one backup for the entries of one segment that fall in
// one partition's tablets.
type FetchRequest struct {
	Backup    types.ServerID    `json:"backup"`
	Crashed   types.ServerID    `json:"crashed"`
	Segment   types.SegmentID   `json:"segment"`
	Partition types.PartitionID `json:"partition"`
	Tablets   []types.Tablet    `json:"tablets"`
}

// BackupClient is the backup RPC capability. FetchRecoveryData returns the
// recovery data, or an error wrapping dberrors.ErrTransientUnavailable or
// dberrors.ErrNotFound.
type BackupClient interface {
	FetchRecoveryData(ctx context.Context, req FetchRequest) ([]byte, error)
}

// DataSink receives fetched data on behalf of a partition's recoverer.
type DataSink interface {
	Deliver(ctx context.Context, part types.RecoveryPartition, seg types.SegmentID, data []byte) error
}

type discardSink struct{}

func (discardSink) Deliver(context.Context, types.RecoveryPartition, types.SegmentID, []byte) error {
	return nil
}

// RetryPolicy bounds how long one replica is retried while it reports
// itself transiently unavailable.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxRetries      uint64
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	// attempts are bounded by MaxRetries, not wall time
	b.MaxElapsedTime = 0
	return b
}

type replicaKey struct {
	backup  types.ServerID
	segment types.SegmentID
}

// dispatcher runs the fetches of one recovery. Replica health is shared by
// all partitions: a replica that served one partition is tried first by the
// others, and one that exhausted its retries is skipped by all of them.
type dispatcher struct {
	r            *Recovery
	client       BackupClient
	sink         DataSink
	retry        RetryPolicy
	fanOut       int
	fetchTimeout time.Duration
	logger       *slog.Logger
	metrics      metrics.Collector

	candidates map[types.SegmentID][]types.ReplicaPlacement
	segments   []types.SegmentID // dispatch order

	mu     sync.Mutex
	failed map[replicaKey]bool
	served map[types.SegmentID]types.ServerID
}

func (d *dispatcher) prepare() {
	view := d.r.view
	required := make(map[types.SegmentID]bool, len(view.Segments))
	for _, id := range view.Segments {
		required[id] = true
	}

	d.candidates = make(map[types.SegmentID][]types.ReplicaPlacement)
	for _, p := range d.r.workList {
		if !required[p.Segment] {
			continue
		}
		if _, seen := d.candidates[p.Segment]; !seen {
			d.segments = append(d.segments, p.Segment)
		}
		d.candidates[p.Segment] = append(d.candidates[p.Segment], p)
	}

	// Nobody reported these; ask every backup we know of.
	missing := slices.Clone(view.Missing)
	slices.Reverse(missing)
	for _, seg := range missing {
		d.segments = append(d.segments, seg)
		for _, backup := range d.r.snapshot.Backups() {
			d.candidates[seg] = append(d.candidates[seg], types.ReplicaPlacement{Backup: backup, Segment: seg})
		}
	}

	d.failed = make(map[replicaKey]bool)
	d.served = make(map[types.SegmentID]types.ServerID)
}

// run fetches every (partition, segment) pair. It only returns an error when
// ctx is cancelled; fetches that cannot be satisfied are left unresolved.
func (d *dispatcher) run(ctx context.Context) error {
	d.prepare()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.fanOut)
	for _, part := range d.r.partitions {
		for _, seg := range d.segments {
			g.Go(func() error {
				return d.fetchSegment(gctx, part, seg)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// next picks the replica to try for seg. Work-list order puts primaries
// first, so a secondary is only reached once every primary is exhausted.
func (d *dispatcher) next(seg types.SegmentID, tried map[types.ServerID]bool) (types.ReplicaPlacement, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cands := d.candidates[seg]
	if backup, ok := d.served[seg]; ok && !tried[backup] && !d.failed[replicaKey{backup, seg}] {
		for _, c := range cands {
			if c.Backup == backup {
				return c, true
			}
		}
	}
	for _, c := range cands {
		if tried[c.Backup] || d.failed[replicaKey{c.Backup, seg}] {
			continue
		}
		return c, true
	}
	return types.ReplicaPlacement{}, false
}

func (d *dispatcher) fetchSegment(ctx context.Context, part types.RecoveryPartition, seg types.SegmentID) error {
	tried := make(map[types.ServerID]bool)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cand, ok := d.next(seg, tried)
		if !ok {
			d.logger.Warn("no replica left for segment", "segment", seg, "partition", part.ID)
			return nil
		}
		tried[cand.Backup] = true

		req := FetchRequest{
			Backup:    cand.Backup,
			Crashed:   d.r.Crashed,
			Segment:   seg,
			Partition: part.ID,
			Tablets:   part.Tablets,
		}
		d.logger.Debug("getRecoveryData", "master", d.r.Crashed, "segment", seg,
			"partition", part.ID, "backup", cand.Backup, "primary", cand.Primary)

		data, err := d.fetch(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.mu.Lock()
			d.failed[replicaKey{cand.Backup, seg}] = true
			d.mu.Unlock()
			d.logger.Warn("replica exhausted, falling back",
				"segment", seg, "partition", part.ID, "backup", cand.Backup, "error", err)
			continue
		}

		if err := d.sink.Deliver(ctx, part, seg, data); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("deliver recovery data", "segment", seg, "partition", part.ID,
				"recoverer", part.Recoverer, "error", err)
			return nil
		}

		d.mu.Lock()
		d.served[seg] = cand.Backup
		d.mu.Unlock()

		d.logger.Debug("getRecoveryData complete", "segment", seg, "partition", part.ID,
			"backup", cand.Backup, "bytes", len(data))
		if d.r.fetchedFrom(part, seg, cand.Backup) {
			d.logger.Info("partition fetched", "partition", part.ID,
				"recoverer", part.Recoverer, "tablets", len(part.Tablets))
			d.metrics.IncCounter("tablets_recovered_total", nil, float64(len(part.Tablets)))
		}
		return nil
	}
}

// fetch asks one replica, retrying it with backoff while it is transiently
// unavailable or too slow.
func (d *dispatcher) fetch(ctx context.Context, req FetchRequest) ([]byte, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(d.retry.newBackOff(), d.retry.MaxRetries), ctx)

	op := func() ([]byte, error) {
		actx, cancel := ctx, context.CancelFunc(func() {})
		if d.fetchTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, d.fetchTimeout)
		}
		defer cancel()

		data, err := d.client.FetchRecoveryData(actx, req)
		switch {
		case err == nil:
			d.countAttempt("ok")
			return data, nil
		case errors.Is(err, dberrors.ErrTransientUnavailable):
			d.countAttempt("transient")
			return nil, err
		case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
			d.countAttempt("timeout")
			return nil, fmt.Errorf("%w: %w", dberrors.ErrTransientUnavailable, err)
		case errors.Is(err, dberrors.ErrNotFound):
			d.countAttempt("not_found")
			return nil, backoff.Permanent(err)
		default:
			d.countAttempt("error")
			return nil, backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		d.metrics.IncCounter("fetch_retries_total", nil, 1)
		d.logger.Debug("backup unavailable, retrying", "backup", req.Backup,
			"segment", req.Segment, "partition", req.Partition, "wait", wait, "error", err)
	}
	return backoff.RetryNotifyWithData(op, b, notify)
}

func (d *dispatcher) countAttempt(result string) {
	d.metrics.IncCounter("fetch_attempts_total", map[string]string{"result": result}, 1)
}
