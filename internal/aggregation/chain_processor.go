package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	v1 "github.com/aevon-lab/aevon-meter/internal/api/v1"
	"github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	"github.com/aevon-lab/aevon-meter/internal/core/partition"
	"github.com/aevon-lab/aevon-meter/internal/core/storage"
	"github.com/aevon-lab/aevon-meter/internal/telemetry"
	"github.com/shopspring/decimal"
)

const (
	defaultBatchSize      = 5000
	defaultWorkerCount    = 8
	defaultChannelBuffer  = 1024
	defaultMaxRetries     = 3
	defaultLockTTL        = 30 * time.Second
	defaultCheckpointName = "chain_pipeline"
)

// PipelineParameter controls throughput and retry behavior of the incremental pipeline.
type PipelineParameter struct {
	BatchSize         int
	WorkerCount       int
	ChannelBufferSize int
	MaxRetries        int
	LockTTL           time.Duration
	CheckpointName    string
}

// DefaultPipelineParameter returns safe defaults.
func DefaultPipelineParameter() PipelineParameter {
	return PipelineParameter{
		BatchSize:         defaultBatchSize,
		WorkerCount:       defaultWorkerCount,
		ChannelBufferSize: defaultChannelBuffer,
		MaxRetries:        defaultMaxRetries,
		LockTTL:           defaultLockTTL,
		CheckpointName:    defaultCheckpointName,
	}
}

func (o PipelineParameter) normalized() PipelineParameter {
	n := o
	if n.BatchSize <= 0 {
		n.BatchSize = defaultBatchSize
	}
	if n.WorkerCount <= 0 {
		n.WorkerCount = defaultWorkerCount
	}
	if n.ChannelBufferSize < 0 {
		n.ChannelBufferSize = 0
	}
	if n.MaxRetries < 0 {
		n.MaxRetries = 0
	}
	if n.LockTTL <= 0 {
		n.LockTTL = defaultLockTTL
	}
	if n.CheckpointName == "" {
		n.CheckpointName = defaultCheckpointName
	}
	return n
}

// ChainStores bundles the storage ports the pipeline writes through.
type ChainStores struct {
	Events      storage.EventStore
	Units       storage.UnitStore
	Chains      storage.ChainStore
	Checkpoints storage.CheckpointStore
	Lifecycles  storage.LifecycleSource
	Locker      storage.ChainLocker
}

// ChainProcessor drains the event log and applies every event to its chains
// through the IncrementalEventAggregator.
type ChainProcessor struct {
	stores    ChainStores
	metrics   aggregation.MetricRepository
	telemetry *telemetry.Metrics
	opts      PipelineParameter
}

// NewChainProcessor builds a processor. A nil Locker means single-instance mode.
func NewChainProcessor(
	stores ChainStores,
	metrics aggregation.MetricRepository,
	tel *telemetry.Metrics,
	opts PipelineParameter,
) *ChainProcessor {
	if stores.Locker == nil {
		stores.Locker = storage.NoopLocker{}
	}
	return &ChainProcessor{
		stores:    stores,
		metrics:   metrics,
		telemetry: tel,
		opts:      opts.normalized(),
	}
}

// chainJob is one event applied to one metric's chain.
type chainJob struct {
	event  *v1.Event
	metric aggregation.BillableMetric
	key    aggregation.ChainKey
}

// RunBatch processes the events after the checkpoint and returns how many
// were read. The checkpoint only moves when every chain job succeeded.
func (p *ChainProcessor) RunBatch(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { p.telemetry.BatchDuration.Observe(time.Since(start).Seconds()) }()

	cursor, err := p.stores.Checkpoints.ReadCheckpoint(ctx, p.opts.CheckpointName)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}

	events, err := p.stores.Events.RetrieveEventsAfterCursor(ctx, cursor, p.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query events: %w", err)
	}
	if len(events) == 0 {
		slog.Debug("[ChainProcessor] No new events to process", "cursor", cursor)
		return 0, nil
	}

	jobs, err := p.planJobs(ctx, events)
	if err != nil {
		return 0, err
	}

	slog.Info("[ChainProcessor] Processing events",
		"count", len(events),
		"chain_jobs", len(jobs),
		"from_cursor", cursor,
	)

	if err := p.runJobs(ctx, jobs); err != nil {
		return 0, err
	}

	newCursor := events[len(events)-1].IngestSeq
	if err := p.stores.Checkpoints.WriteCheckpoint(ctx, p.opts.CheckpointName, newCursor); err != nil {
		return 0, fmt.Errorf("write checkpoint: %w", err)
	}
	p.telemetry.PipelineCursor.Set(float64(newCursor))

	slog.Info("[ChainProcessor] Batch complete",
		"events_processed", len(events),
		"chain_jobs", len(jobs),
		"cursor_advanced", fmt.Sprintf("%d -> %d", cursor, newCursor),
	)
	return len(events), nil
}

// planJobs expands each event into one job per metric consuming its code,
// keeping ingest order.
func (p *ChainProcessor) planJobs(ctx context.Context, events []*v1.Event) ([]chainJob, error) {
	byCode := make(map[string][]aggregation.BillableMetric)
	var jobs []chainJob
	for _, evt := range events {
		metrics, ok := byCode[evt.Code]
		if !ok {
			var err error
			metrics, err = p.metrics.List(ctx, evt.Code)
			if err != nil {
				return nil, fmt.Errorf("list metrics for %q: %w", evt.Code, err)
			}
			byCode[evt.Code] = metrics
		}
		for _, m := range metrics {
			jobs = append(jobs, chainJob{event: evt, metric: m, key: m.ChainKey(evt.SubscriptionID, evt.Properties)})
		}
	}
	return jobs, nil
}

// runJobs shards jobs by chain so that each chain has a single writer, and
// waits for every worker.
func (p *ChainProcessor) runJobs(ctx context.Context, jobs []chainJob) error {
	if len(jobs) == 0 {
		return nil
	}
	workerCount := minInt(p.opts.WorkerCount, len(jobs))

	queues := make([]chan chainJob, workerCount)
	for i := range queues {
		queues[i] = make(chan chainJob, p.opts.ChannelBufferSize)
	}

	errs := make([]error, workerCount)
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func(worker int) {
			defer wg.Done()
			failed := make(map[aggregation.ChainKey]struct{})
			for job := range queues[worker] {
				// A failed chain must not apply later events out of order.
				if _, skip := failed[job.key]; skip {
					continue
				}
				if err := p.processWithLock(ctx, job); err != nil {
					failed[job.key] = struct{}{}
					if errs[worker] == nil {
						errs[worker] = err
					}
				}
			}
		}(i)
	}

	for _, job := range jobs {
		queues[partition.Worker(job.key.String(), workerCount)] <- job
	}
	for _, q := range queues {
		close(q)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (p *ChainProcessor) processWithLock(ctx context.Context, job chainJob) error {
	unlock, err := p.stores.Locker.Lock(ctx, job.key.String(), p.opts.LockTTL)
	if err != nil {
		return fmt.Errorf("chain %s: %w", job.key, err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("[ChainProcessor] Failed to release chain lock", "chain", job.key.String(), "error", err)
		}
	}()
	return p.process(ctx, job)
}

// process applies one event to its chain, retrying on version conflicts.
func (p *ChainProcessor) process(ctx context.Context, job chainJob) error {
	evt := job.event
	l, err := p.stores.Lifecycles.GetLifecycle(ctx, job.key.SubscriptionID, evt.Timestamp)
	if errors.Is(err, storage.ErrNotFound) {
		slog.Warn("[ChainProcessor] No subscription billing at event time, skipping",
			"event_id", evt.ID,
			"subscription_id", evt.SubscriptionID,
			"timestamp", evt.Timestamp)
		return nil
	}
	if err != nil {
		return fmt.Errorf("event %s: %w", evt.ID, err)
	}

	window, err := aggregation.BillingWindow(*l, evt.Timestamp)
	if err != nil {
		return fmt.Errorf("event %s: %w", evt.ID, err)
	}
	period, err := aggregation.Effective(window, *l)
	if err != nil {
		return fmt.Errorf("event %s: %w", evt.ID, err)
	}
	if !period.Days.IsPositive() {
		slog.Warn("[ChainProcessor] Event outside the subscription lifecycle, skipping",
			"event_id", evt.ID,
			"chain", job.key.String(),
			"timestamp", evt.Timestamp)
		return nil
	}

	agg, err := aggregation.For(job.metric)
	if err != nil {
		return fmt.Errorf("event %s: %w", evt.ID, err)
	}
	uniqueID, _ := aggregation.ExtractUniqueID(evt.Properties, job.metric.FieldName)

	for attempt := 0; ; attempt++ {
		t, res, err := p.compute(ctx, job, agg, period, l.Timing, uniqueID)
		if err != nil {
			return err
		}
		if res.State == nil {
			slog.Debug("[ChainProcessor] Event left chain unchanged",
				"event_id", evt.ID,
				"chain", job.key.String(),
				"has_unique_id", uniqueID != "")
			p.telemetry.TransitionsTotal.WithLabelValues(job.metric.Code, string(aggregation.OperationIgnored)).Inc()
			return nil
		}

		err = p.stores.Chains.ApplyTransition(ctx, t)
		switch {
		case err == nil:
			p.telemetry.TransitionsTotal.WithLabelValues(job.metric.Code, string(t.Operation)).Inc()
			p.telemetry.PayInAdvanceUnitsSum.WithLabelValues(job.metric.Code).Add(t.PayInAdvance.InexactFloat64())
			return nil
		case errors.Is(err, storage.ErrDuplicate):
			slog.Debug("[ChainProcessor] Event already applied", "event_id", evt.ID, "chain", job.key.String())
			return nil
		case errors.Is(err, storage.ErrStaleState) && attempt < p.opts.MaxRetries:
			p.telemetry.StaleRetriesTotal.Inc()
			slog.Warn("[ChainProcessor] Chain state moved, retrying",
				"event_id", evt.ID,
				"chain", job.key.String(),
				"expected_version", t.ExpectedVersion,
				"attempt", attempt+1)
			continue
		default:
			return fmt.Errorf("event %s on chain %s: %w", evt.ID, job.key, err)
		}
	}
}

// compute reads the chain and derives the next transition without writing.
func (p *ChainProcessor) compute(
	ctx context.Context,
	job chainJob,
	agg aggregation.Aggregator,
	period aggregation.Period,
	timing aggregation.Timing,
	uniqueID string,
) (storage.Transition, aggregation.Result, error) {
	prior, err := p.stores.Chains.LoadState(ctx, job.key, period.From)
	if err != nil {
		return storage.Transition{}, aggregation.Result{}, fmt.Errorf("load state %s: %w", job.key, err)
	}
	if prior == nil {
		units, err := p.stores.Units.ListUnits(ctx, job.key, period.From, period.To)
		if err != nil {
			return storage.Transition{}, aggregation.Result{}, fmt.Errorf("list units %s: %w", job.key, err)
		}
		prior = aggregation.OpeningState(period, units)
	}
	var expected int64
	if prior != nil {
		expected = prior.Version
	}

	open, err := p.stores.Units.ListOpenUnits(ctx, job.key)
	if err != nil {
		return storage.Transition{}, aggregation.Result{}, fmt.Errorf("list open units %s: %w", job.key, err)
	}

	res, err := agg.ComputeIncremental(period, aggregation.IncomingEvent{
		ID:         job.event.ID,
		Chain:      job.key,
		Timestamp:  job.event.Timestamp,
		Properties: job.event.Properties,
		Prior:      prior,
	}, open)
	if err != nil {
		return storage.Transition{}, aggregation.Result{}, fmt.Errorf("event %s: %w", job.event.ID, err)
	}
	if res.State == nil {
		return storage.Transition{}, res, nil
	}

	pay := res.PayInAdvanceAggregation
	if timing != aggregation.TimingAdvance {
		// Arrears chains keep their state for current usage but bill nothing now.
		pay = decimal.Zero
	}

	return storage.Transition{
		Key:             job.key,
		PeriodFrom:      period.From,
		EventID:         job.event.ID,
		ExpectedVersion: expected,
		Next:            *res.State,
		Operation:       res.Operation,
		UniqueID:        uniqueID,
		At:              job.event.Timestamp,
		PayInAdvance:    pay,
		UnitsApplied:    res.UnitsApplied,
	}, res, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
