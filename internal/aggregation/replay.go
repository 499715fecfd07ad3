package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	"github.com/aevon-lab/aevon-meter/internal/core/storage"
	"github.com/shopspring/decimal"
)

const replayEventLimit = 100000

// ReplayResult is a chain recomputed from the event log, in memory.
type ReplayResult struct {
	Key          aggregation.ChainKey
	Period       aggregation.Period
	Events       int
	Applied      int
	Ignored      int
	PayInAdvance decimal.Decimal
	State        aggregation.ChainState
}

// Replayer recomputes chains without writing anything.
type Replayer struct {
	events     storage.EventStore
	units      storage.UnitStore
	lifecycles storage.LifecycleSource
	metrics    aggregation.MetricRepository
}

// NewReplayer wires a replayer over the read side of storage.
func NewReplayer(
	events storage.EventStore,
	units storage.UnitStore,
	lifecycles storage.LifecycleSource,
	metrics aggregation.MetricRepository,
) *Replayer {
	return &Replayer{events: events, units: units, lifecycles: lifecycles, metrics: metrics}
}

// Replay folds the chain's events of the period containing at, in ingest
// order, starting from the units that were already open before the period began.
func (r *Replayer) Replay(ctx context.Context, key aggregation.ChainKey, at time.Time) (*ReplayResult, error) {
	metric, err := r.metrics.Get(ctx, key.MetricCode)
	if err != nil {
		return nil, err
	}
	agg, err := aggregation.For(*metric)
	if err != nil {
		return nil, err
	}

	l, err := r.lifecycles.GetLifecycle(ctx, key.SubscriptionID, at)
	if err != nil {
		return nil, err
	}
	window, err := aggregation.BillingWindow(*l, at)
	if err != nil {
		return nil, err
	}
	period, err := aggregation.Effective(window, *l)
	if err != nil {
		return nil, err
	}

	events, err := r.events.RetrieveSubscriptionEvents(ctx, key.SubscriptionID, metric.EventCode,
		period.From, period.To.Add(time.Second), replayEventLimit)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", key, err)
	}

	// Units opened by an event at the period start come from the log itself.
	openedAtStart := aggregation.NewUnitSet()
	for _, evt := range events {
		if metric.ChainKey(evt.SubscriptionID, evt.Properties) != key || !evt.Timestamp.Truncate(time.Second).Equal(period.From) {
			continue
		}
		if id, ok := aggregation.ExtractUniqueID(evt.Properties, metric.FieldName); ok {
			openedAtStart[id] = struct{}{}
		}
	}

	units, err := r.units.ListUnits(ctx, key, period.From, period.To)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", key, err)
	}
	var carried []aggregation.QuantifiedEvent
	open := aggregation.NewUnitSet()
	for _, u := range aggregation.CarriedUnits(period, units) {
		if u.AddedAt.Truncate(time.Second).Equal(period.From) && openedAtStart.Has(u.UniqueID) {
			continue
		}
		carried = append(carried, u)
		open[u.UniqueID] = struct{}{}
	}

	state := aggregation.ZeroState()
	if opening := aggregation.OpeningState(period, carried); opening != nil {
		state = *opening
	}

	out := &ReplayResult{Key: key, Period: period, PayInAdvance: decimal.Zero}
	for _, evt := range events {
		if metric.ChainKey(evt.SubscriptionID, evt.Properties) != key {
			continue
		}
		out.Events++

		prior := state
		res, err := agg.ComputeIncremental(period, aggregation.IncomingEvent{
			ID:         evt.ID,
			Chain:      key,
			Timestamp:  evt.Timestamp,
			Properties: evt.Properties,
			Prior:      &prior,
		}, open)
		if err != nil {
			return nil, fmt.Errorf("replay %s: event %s: %w", key, evt.ID, err)
		}
		if res.State == nil {
			out.Ignored++
			continue
		}

		id, _ := aggregation.ExtractUniqueID(evt.Properties, metric.FieldName)
		if res.Operation == aggregation.OperationAdd {
			open[id] = struct{}{}
		} else {
			delete(open, id)
		}
		state = *res.State
		out.Applied++
		if l.Timing == aggregation.TimingAdvance {
			out.PayInAdvance = out.PayInAdvance.Add(res.PayInAdvanceAggregation)
		}
	}
	out.State = state

	slog.Info("[Replayer] Chain replayed",
		"chain", key.String(),
		"period_from", period.From,
		"events", out.Events,
		"applied", out.Applied,
		"ignored", out.Ignored,
		"max_aggregation_with_proration", state.MaxAggregationWithProration.String())
	return out, nil
}
