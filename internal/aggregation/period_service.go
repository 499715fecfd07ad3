package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	"github.com/aevon-lab/aevon-meter/internal/core/storage"
	"github.com/aevon-lab/aevon-meter/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const defaultPeriodWorkers = 8

// StateLoader reads persisted chain state.
type StateLoader interface {
	LoadState(ctx context.Context, key aggregation.ChainKey, periodFrom time.Time) (*aggregation.ChainState, error)
}

// PeriodRequest asks for the aggregation of one chain over one period.
// A zero From/To means the billing window containing At (or now).
type PeriodRequest struct {
	SubscriptionID string // external id of the subscription chain
	MetricCode     string
	GroupKey       string
	From           time.Time
	To             time.Time
	At             time.Time
	CurrentUsage   bool
}

func (r PeriodRequest) chainKey() aggregation.ChainKey {
	return aggregation.ChainKey{SubscriptionID: r.SubscriptionID, MetricCode: r.MetricCode, GroupKey: r.GroupKey}
}

// PeriodResponse is the aggregation of a resolved period.
type PeriodResponse struct {
	Key       aggregation.ChainKey
	Period    aggregation.Period
	Lifecycle *aggregation.Lifecycle
	Timing    aggregation.Timing
	Result    aggregation.Result
}

// PeriodService evaluates PeriodAggregationEngine requests against storage.
type PeriodService struct {
	metrics    aggregation.MetricRepository
	units      storage.UnitStore
	lifecycles storage.LifecycleSource
	states     StateLoader
	telemetry  *telemetry.Metrics
	workers    int
	nowFn      func() time.Time
}

// NewPeriodService wires the period aggregation path. workers bounds AggregateMany.
func NewPeriodService(
	metrics aggregation.MetricRepository,
	units storage.UnitStore,
	lifecycles storage.LifecycleSource,
	states StateLoader,
	tel *telemetry.Metrics,
	workers int,
) *PeriodService {
	if workers <= 0 {
		workers = defaultPeriodWorkers
	}
	return &PeriodService{
		metrics:    metrics,
		units:      units,
		lifecycles: lifecycles,
		states:     states,
		telemetry:  tel,
		workers:    workers,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// ResolvePeriod finds the lifecycle billing the request and clips the window to it.
func (s *PeriodService) ResolvePeriod(ctx context.Context, req PeriodRequest) (aggregation.Period, *aggregation.Lifecycle, error) {
	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
		return aggregation.Period{}, nil, fmt.Errorf("%w: from=%s to=%s",
			aggregation.ErrInvalidRange, req.From.Format(time.RFC3339), req.To.Format(time.RFC3339))
	}

	at := req.At
	if at.IsZero() {
		at = s.nowFn()
	}
	if !req.To.IsZero() {
		at = req.To
	}

	l, err := s.lifecycles.GetLifecycle(ctx, req.SubscriptionID, at)
	if err != nil {
		return aggregation.Period{}, nil, err
	}

	window := aggregation.Window{From: req.From, To: req.To}
	if req.From.IsZero() || req.To.IsZero() {
		window, err = aggregation.BillingWindow(*l, at)
		if err != nil {
			return aggregation.Period{}, nil, err
		}
	}

	period, err := aggregation.Effective(window, *l)
	if err != nil {
		return aggregation.Period{}, nil, err
	}
	return period, l, nil
}

// Aggregate runs the PeriodAggregationEngine for one request.
func (s *PeriodService) Aggregate(ctx context.Context, req PeriodRequest) (*PeriodResponse, error) {
	start := time.Now()
	resp, err := s.aggregate(ctx, req)

	status := "ok"
	if err != nil {
		status = "error"
	}
	timing := aggregation.Timing("unknown")
	if resp != nil {
		timing = resp.Timing
	}
	s.telemetry.PeriodAggregationsTotal.WithLabelValues(string(timing), status).Inc()
	s.telemetry.PeriodAggregationDuration.Observe(time.Since(start).Seconds())
	return resp, err
}

func (s *PeriodService) aggregate(ctx context.Context, req PeriodRequest) (*PeriodResponse, error) {
	metric, err := s.metrics.Get(ctx, req.MetricCode)
	if err != nil {
		return nil, err
	}
	agg, err := aggregation.For(*metric)
	if err != nil {
		return nil, err
	}

	period, l, err := s.ResolvePeriod(ctx, req)
	if err != nil {
		return nil, err
	}

	key := req.chainKey()
	units, err := s.units.ListUnits(ctx, key, period.From, period.To)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", key, err)
	}

	opts := aggregation.Options{Timing: l.Timing, CurrentUsage: req.CurrentUsage}
	if l.Timing == aggregation.TimingAdvance && req.CurrentUsage {
		prior, err := s.states.LoadState(ctx, key, period.From)
		if err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", key, err)
		}
		if prior == nil {
			prior = aggregation.OpeningState(period, units)
		}
		opts.Prior = prior
	}

	res, err := aggregation.Aggregate(agg, period, units, opts)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s over %s..%s: %w",
			key, period.From.Format(time.RFC3339), period.To.Format(time.RFC3339), err)
	}

	slog.Debug("[PeriodService] Aggregated period",
		"chain", key.String(),
		"from", period.From,
		"to", period.To,
		"timing", l.Timing,
		"current_usage", req.CurrentUsage,
		"aggregation", res.Aggregation.String())

	return &PeriodResponse{
		Key:       key,
		Period:    period,
		Lifecycle: l,
		Timing:    l.Timing,
		Result:    res,
	}, nil
}

// AggregateMany evaluates independent requests concurrently. Responses keep
// the order of reqs; the first error cancels the rest.
func (s *PeriodService) AggregateMany(ctx context.Context, reqs []PeriodRequest) ([]*PeriodResponse, error) {
	out := make([]*PeriodResponse, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := s.Aggregate(gctx, req)
			if err != nil {
				return fmt.Errorf("request %d (%s/%s): %w", i, req.SubscriptionID, req.MetricCode, err)
			}
			out[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ChainSnapshot is the state of a chain in the period containing an instant.
type ChainSnapshot struct {
	Key    aggregation.ChainKey
	Period aggregation.Period
	State  *aggregation.ChainState
	Stored bool // false when State is the opening state derived from units
}

// Chain returns the chain state in force for the period containing req.At.
func (s *PeriodService) Chain(ctx context.Context, req PeriodRequest) (*ChainSnapshot, error) {
	if _, err := s.metrics.Get(ctx, req.MetricCode); err != nil {
		return nil, err
	}
	period, _, err := s.ResolvePeriod(ctx, req)
	if err != nil {
		return nil, err
	}

	key := req.chainKey()
	state, err := s.states.LoadState(ctx, key, period.From)
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", key, err)
	}
	if state != nil {
		return &ChainSnapshot{Key: key, Period: period, State: state, Stored: true}, nil
	}

	units, err := s.units.ListUnits(ctx, key, period.From, period.To)
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", key, err)
	}
	opening := aggregation.OpeningState(period, units)
	if opening == nil {
		zero := aggregation.ZeroState()
		opening = &zero
	}
	return &ChainSnapshot{Key: key, Period: period, State: opening}, nil
}
