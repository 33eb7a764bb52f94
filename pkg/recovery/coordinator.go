package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"memlog/pkg/cluster"
	"memlog/pkg/config"
	"memlog/pkg/dberrors"
	"memlog/pkg/metrics"
	"memlog/pkg/types"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipmap"
)

// Coordinator runs crash recoveries: it plans which replicas and which
// recoverers are needed, then fetches every segment of every partition.
type Coordinator struct {
	client       BackupClient
	sink         DataSink
	order        HostOrder
	planner      *Planner
	tagOf        TagFunc
	fanOut       int
	fetchTimeout time.Duration
	retry        RetryPolicy
	logger       *slog.Logger
	metrics      metrics.Collector

	recoveries *skipmap.OrderedMap[string, *Recovery]
	active     atomic.Int64
	wg         sync.WaitGroup

	retain     int
	finishedMu sync.Mutex
	finished   []Handle // oldest first
}

type Option func(*Coordinator)

// WithHostOrder sets the backup visiting order used by the locator.
func WithHostOrder(order HostOrder) Option {
	return func(c *Coordinator) { c.order = order }
}

func WithAssignPolicy(policy AssignPolicy) Option {
	return func(c *Coordinator) { c.planner = NewPlanner(policy) }
}

// WithTagFunc overrides how tablets are grouped into partitions.
func WithTagFunc(fn TagFunc) Option {
	return func(c *Coordinator) { c.tagOf = fn }
}

func WithDataSink(sink DataSink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

func WithFanOut(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.fanOut = n
		}
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.fetchTimeout = d }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Coordinator) { c.retry = p }
}

// WithRetention keeps at most n finished recoveries; older ones are
// forgotten as new ones finish.
func WithRetention(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.retain = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(m metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// OptionsFromConfig translates the recovery section of the config file.
func OptionsFromConfig(cfg config.RecoveryConfig) []Option {
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return []Option{
		WithFanOut(cfg.FanOut),
		WithFetchTimeout(cfg.FetchTimeout),
		WithHostOrder(NewShuffleOrder(seed)),
		WithRetention(cfg.Retain),
		WithRetryPolicy(RetryPolicy{
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      cfg.Retry.Multiplier,
			MaxRetries:      cfg.Retry.MaxRetries,
		}),
	}
}

func NewCoordinator(client BackupClient, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:  client,
		sink:    discardSink{},
		order:   NewShuffleOrder(uint64(time.Now().UnixNano())),
		planner: NewPlanner(nil),
		tagOf:   ByPartitionField,
		fanOut:  16,
		retry: RetryPolicy{
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			Multiplier:      2,
			MaxRetries:      8,
		},
		logger:     slog.Default(),
		metrics:    metrics.Nop{},
		recoveries: skipmap.New[string, *Recovery](),
		retain:     128,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartRecovery begins recovering crashed and returns immediately. The roster
// is read once, when planning starts; later membership changes need a new
// recovery.
func (c *Coordinator) StartRecovery(crashed types.ServerID, tablets []types.Tablet, roster cluster.Roster) (Handle, error) {
	if roster == nil {
		return "", fmt.Errorf("start recovery: nil roster: %w", dberrors.ErrInvalidArgument)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := newRecovery(Handle(uuid.NewString()), crashed, tablets, cancel)
	c.recoveries.Store(string(r.ID), r)

	c.metrics.IncCounter("recoveries_started_total", nil, 1)
	c.metrics.SetGauge("active_recoveries", nil, float64(c.active.Add(1)))

	c.wg.Add(1)
	go c.run(ctx, r, roster)
	return r.ID, nil
}

func (c *Coordinator) lookup(h Handle) (*Recovery, error) {
	r, ok := c.recoveries.Load(string(h))
	if !ok {
		return nil, fmt.Errorf("recovery %q: %w", h, dberrors.ErrUnknownRecovery)
	}
	return r, nil
}

func (c *Coordinator) Progress(h Handle) (Progress, error) {
	r, err := c.lookup(h)
	if err != nil {
		return Progress{}, err
	}
	return r.Progress(), nil
}

// Outcome returns the result of a finished recovery, or
// dberrors.ErrRecoveryInProgress while it is still running.
func (c *Coordinator) Outcome(h Handle) (Result, error) {
	r, err := c.lookup(h)
	if err != nil {
		return Result{}, err
	}
	return r.result()
}

// Wait blocks until the recovery finishes or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, h Handle) (Result, error) {
	r, err := c.lookup(h)
	if err != nil {
		return Result{}, err
	}
	select {
	case <-r.Done():
		return r.result()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Abort cancels a running recovery. In-flight fetches are cancelled and the
// recovery fails with dberrors.ErrAborted. Aborting a finished recovery is a
// no-op.
func (c *Coordinator) Abort(h Handle) error {
	r, err := c.lookup(h)
	if err != nil {
		return err
	}
	r.cancel()
	return nil
}

// Forget drops a finished recovery. A running one must be aborted and
// waited for first.
func (c *Coordinator) Forget(h Handle) error {
	r, err := c.lookup(h)
	if err != nil {
		return err
	}
	if !r.State().Terminal() {
		return fmt.Errorf("forget recovery %q: %w", h, dberrors.ErrRecoveryInProgress)
	}

	c.finishedMu.Lock()
	defer c.finishedMu.Unlock()
	c.finished = slices.DeleteFunc(c.finished, func(f Handle) bool { return f == h })
	c.recoveries.Delete(string(h))
	return nil
}

// retire records r as finished and evicts the oldest finished recoveries
// beyond the retention bound.
func (c *Coordinator) retire(r *Recovery) {
	c.finishedMu.Lock()
	defer c.finishedMu.Unlock()
	if _, ok := c.recoveries.Load(string(r.ID)); !ok {
		return
	}
	c.finished = append(c.finished, r.ID)
	for len(c.finished) > c.retain {
		c.recoveries.Delete(string(c.finished[0]))
		c.finished = c.finished[1:]
	}
}

// Recovery returns the recovery behind h.
func (c *Coordinator) Recovery(h Handle) (*Recovery, error) {
	return c.lookup(h)
}

// List returns every known recovery, ordered by handle.
func (c *Coordinator) List() []*Recovery {
	var res []*Recovery
	c.recoveries.Range(func(_ string, r *Recovery) bool {
		res = append(res, r)
		return true
	})
	return res
}

// Shutdown aborts every running recovery and waits for them to stop.
func (c *Coordinator) Shutdown() {
	c.recoveries.Range(func(_ string, r *Recovery) bool {
		r.cancel()
		return true
	})
	c.wg.Wait()
}

func (c *Coordinator) run(ctx context.Context, r *Recovery, roster cluster.Roster) {
	defer c.wg.Done()
	defer r.cancel()

	logger := c.logger.With("recovery_id", r.ID, "crashed", r.Crashed)

	err := c.plan(ctx, r, roster, logger)
	if err == nil {
		err = c.dispatch(ctx, r, logger)
	}
	if err == nil {
		err = c.verify(r, logger)
	}
	if err != nil && ctx.Err() != nil && !errors.Is(err, dberrors.ErrAborted) {
		err = fmt.Errorf("%w: %w", dberrors.ErrAborted, err)
	}
	r.finish(err)

	outcome := "complete"
	if err != nil {
		outcome = "failed"
		logger.Error("recovery failed", "error", err, "duration", r.duration())
	} else {
		logger.Info("recovery complete", "tablets", r.Progress().TabletsUnderRecovery, "duration", r.duration())
	}
	c.metrics.IncCounter("recoveries_finished_total", map[string]string{"outcome": outcome}, 1)
	c.metrics.ObserveHistogram("recovery_duration_seconds", map[string]string{"outcome": outcome}, r.duration().Seconds())
	c.metrics.SetGauge("active_recoveries", nil, float64(c.active.Add(-1)))
	c.retire(r)
}

// plan runs locate, verify and partition. Failures here are fatal and no
// fetch is ever issued.
func (c *Coordinator) plan(ctx context.Context, r *Recovery, roster cluster.Roster, logger *slog.Logger) error {
	snap, err := cluster.TakeSnapshot(roster, r.Crashed)
	if err != nil {
		return fmt.Errorf("plan recovery: %w", err)
	}
	if ctx.Err() != nil {
		return dberrors.ErrAborted
	}

	work := NewLocator(c.order, logger).Locate(snap)
	logger.Debug("replicas located", "replicas", len(work), "backups", len(snap.Backups()))

	view, err := NewVerifier(logger).Verify(Digests(work), work)
	if err != nil {
		return fmt.Errorf("plan recovery: %w", err)
	}

	partitions, err := c.planner.Plan(r.tablets, c.tagOf, snap.Healthy)
	if err != nil {
		return fmt.Errorf("plan recovery: %w", err)
	}
	if ctx.Err() != nil {
		return dberrors.ErrAborted
	}

	r.planned(snap, work, view, partitions)
	logger.Info("starting recovery", "partitions", len(partitions), "segments", len(view.Segments))
	for _, p := range partitions {
		logger.Debug("partition assigned", "partition", p.ID, "recoverer", p.Recoverer, "tablets", len(p.Tablets))
	}
	return nil
}

func (c *Coordinator) dispatch(ctx context.Context, r *Recovery, logger *slog.Logger) error {
	d := &dispatcher{
		r:            r,
		client:       c.client,
		sink:         c.sink,
		retry:        c.retry,
		fanOut:       c.fanOut,
		fetchTimeout: c.fetchTimeout,
		logger:       logger,
		metrics:      c.metrics,
	}
	if err := d.run(ctx); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}

// verify fails the recovery if any partition is still missing a segment,
// including digest gaps no probe could fill.
func (c *Coordinator) verify(r *Recovery, logger *slog.Logger) error {
	r.setState(StateVerifying)

	gaps := r.unresolved()
	if len(gaps) == 0 {
		if missing := r.LogView().Missing; len(missing) > 0 {
			logger.Info("missing segments recovered from probed backups", "segments", missing)
		}
		return nil
	}

	segs := make(map[types.SegmentID]struct{})
	for _, g := range gaps {
		segs[g.segment] = struct{}{}
	}
	return fmt.Errorf("%d unresolved fetches over %d segments (first: partition %d segment %d): %w",
		len(gaps), len(segs), gaps[0].partition, gaps[0].segment, dberrors.ErrIncompleteLog)
}
