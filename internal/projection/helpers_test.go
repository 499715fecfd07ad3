package projection

import (
	"context"
	"testing"
	"time"

	aggsvc "github.com/aevon-lab/aevon-meter/internal/aggregation"
	"github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	"github.com/aevon-lab/aevon-meter/internal/core/storage/memory"
	"github.com/aevon-lab/aevon-meter/internal/telemetry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	periodFrom = time.Date(2022, 7, 9, 0, 0, 0, 0, time.UTC)
	periodTo   = time.Date(2022, 8, 8, 23, 59, 59, 0, time.UTC)
	seatsChain = aggregation.ChainKey{SubscriptionID: "sub-ext-1", MetricCode: "seats"}
)

func day(n int) time.Time {
	return periodFrom.AddDate(0, 0, n)
}

// newSeatStore holds one seat carried into the period and one added on its eleventh day.
func newSeatStore(t *testing.T, timing aggregation.Timing) *memory.Store {
	t.Helper()
	s := memory.NewStore()
	require.NoError(t, s.SaveLifecycle(context.Background(), aggregation.Lifecycle{
		SubscriptionID: "sub-1",
		ExternalID:     "sub-ext-1",
		StartedAt:      periodFrom,
		SubscriptionAt: periodFrom,
		Status:         "active",
		Timing:         timing,
		Anchor:         aggregation.AnchorAnniversary,
		Interval:       aggregation.IntervalMonthly,
	}))
	require.NoError(t, s.PutUnit(aggregation.QuantifiedEvent{
		UniqueID: "seat-1", SubscriptionID: "sub-ext-1", MetricCode: "seats", AddedAt: periodFrom.AddDate(0, -1, 0),
	}))
	require.NoError(t, s.PutUnit(aggregation.QuantifiedEvent{
		UniqueID: "seat-2", SubscriptionID: "sub-ext-1", MetricCode: "seats", AddedAt: day(10),
	}))
	return s
}

func newSeatService(t *testing.T, s *memory.Store) *Service {
	t.Helper()
	metrics, err := aggregation.NewStaticMetricRepository(aggregation.BillableMetric{
		Code:            "seats",
		EventCode:       "seat.changed",
		AggregationType: aggregation.KindUniqueCount,
		FieldName:       "seat_id",
	})
	require.NoError(t, err)
	periods := aggsvc.NewPeriodService(metrics, s, s, s, telemetry.New(), 2)
	return NewService(periods, s, s)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

// stubPeriods returns a fixed error from every call.
type stubPeriods struct {
	err error
}

func (s stubPeriods) Aggregate(context.Context, aggsvc.PeriodRequest) (*aggsvc.PeriodResponse, error) {
	return nil, s.err
}

func (s stubPeriods) Chain(context.Context, aggsvc.PeriodRequest) (*aggsvc.ChainSnapshot, error) {
	return nil, s.err
}
