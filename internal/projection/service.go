package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	aggsvc "github.com/aevon-lab/aevon-meter/internal/aggregation"
	"github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	"github.com/aevon-lab/aevon-meter/internal/core/storage"
)

// ErrInvalidQuery marks request validation errors that should return HTTP 400.
var ErrInvalidQuery = errors.New("invalid usage query")

// PeriodAggregator evaluates periods and chain snapshots.
type PeriodAggregator interface {
	Aggregate(ctx context.Context, req aggsvc.PeriodRequest) (*aggsvc.PeriodResponse, error)
	Chain(ctx context.Context, req aggsvc.PeriodRequest) (*aggsvc.ChainSnapshot, error)
}

// ResultLister reads the applied events of a chain.
type ResultLister interface {
	ListEventResults(ctx context.Context, key aggregation.ChainKey, periodFrom time.Time) ([]storage.EventResult, error)
}

// Service implements the usage query layer on top of the period aggregation engine.
type Service struct {
	periods PeriodAggregator
	units   storage.UnitStore
	results ResultLister
}

// NewService creates a new projection service.
func NewService(periods PeriodAggregator, units storage.UnitStore, results ResultLister) *Service {
	return &Service{
		periods: periods,
		units:   units,
		results: results,
	}
}

// Usage aggregates one chain over the requested or current billing period.
func (s *Service) Usage(ctx context.Context, req UsageRequest) (*UsageResponse, error) {
	if err := validateUsage(req); err != nil {
		return nil, err
	}

	resp, err := s.periods.Aggregate(ctx, aggsvc.PeriodRequest{
		SubscriptionID: req.SubscriptionID,
		MetricCode:     req.MetricCode,
		GroupKey:       req.Group,
		From:           req.From.UTC(),
		To:             req.To.UTC(),
		At:             req.At.UTC(),
		CurrentUsage:   req.CurrentUsage,
	})
	if err != nil {
		return nil, err
	}

	out := &UsageResponse{
		SubscriptionID:          req.SubscriptionID,
		MetricCode:              req.MetricCode,
		GroupKey:                req.Group,
		From:                    resp.Period.From,
		To:                      resp.Period.To,
		Days:                    resp.Period.Days,
		Timing:                  resp.Timing,
		CurrentUsage:            req.CurrentUsage,
		Aggregation:             resp.Result.Aggregation,
		PayInAdvanceAggregation: resp.Result.PayInAdvanceAggregation,
		CurrentUsageUnits:       resp.Result.CurrentUsageUnits,
		FullUnitsNumber:         resp.Result.FullUnitsNumber,
	}

	if req.Breakdown {
		units, err := s.units.ListUnits(ctx, resp.Key, resp.Period.From, resp.Period.To)
		if err != nil {
			return nil, fmt.Errorf("usage breakdown %s: %w", resp.Key, err)
		}
		out.Units = unitBreakdown(resp.Period, units)
	}
	return out, nil
}

// Chain returns the chain state for the period containing the query instant,
// optionally with the applied events that produced it.
func (s *Service) Chain(ctx context.Context, subscriptionID, metricCode string, q ChainQuery) (*ChainResponse, error) {
	if subscriptionID == "" || metricCode == "" {
		return nil, invalidQueryf("subscription_id and metric_code are required")
	}

	snap, err := s.periods.Chain(ctx, aggsvc.PeriodRequest{
		SubscriptionID: subscriptionID,
		MetricCode:     metricCode,
		GroupKey:       q.Group,
		At:             q.At.UTC(),
	})
	if err != nil {
		return nil, err
	}

	out := &ChainResponse{
		SubscriptionID: subscriptionID,
		MetricCode:     metricCode,
		GroupKey:       q.Group,
		PeriodFrom:     snap.Period.From,
		PeriodTo:       snap.Period.To,
		Stored:         snap.Stored,
		State:          *snap.State,
	}

	if q.Results && snap.Stored {
		results, err := s.results.ListEventResults(ctx, snap.Key, snap.Period.From)
		if err != nil {
			return nil, fmt.Errorf("chain results %s: %w", snap.Key, err)
		}
		out.Results = make([]EventResultView, 0, len(results))
		for _, r := range results {
			out.Results = append(out.Results, EventResultView{
				EventID:      r.EventID,
				Operation:    r.Operation,
				UniqueID:     r.UniqueID,
				PayInAdvance: r.PayInAdvance,
				UnitsApplied: r.UnitsApplied,
				State:        r.State,
				CreatedAt:    r.CreatedAt,
			})
		}
	}
	return out, nil
}

func validateUsage(req UsageRequest) error {
	if req.SubscriptionID == "" {
		return invalidQueryf("subscription_id is required")
	}
	if req.MetricCode == "" {
		return invalidQueryf("metric_code is required")
	}
	if req.From.IsZero() != req.To.IsZero() {
		return invalidQueryf("from and to must be given together")
	}
	return nil
}

func invalidQueryf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidQuery, fmt.Sprintf(format, args...))
}
