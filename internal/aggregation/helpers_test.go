package aggregation

import (
	"context"
	"testing"
	"time"

	v1 "github.com/aevon-lab/aevon-meter/internal/api/v1"
	"github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	"github.com/aevon-lab/aevon-meter/internal/core/storage"
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

func seatsMetrics(t *testing.T) aggregation.MetricRepository {
	t.Helper()
	repo, err := aggregation.NewStaticMetricRepository(aggregation.BillableMetric{
		Code:            "seats",
		EventCode:       "seat.changed",
		AggregationType: aggregation.KindUniqueCount,
		FieldName:       "seat_id",
	})
	require.NoError(t, err)
	return repo
}

func seedLifecycle(t *testing.T, s *memory.Store, timing aggregation.Timing) {
	t.Helper()
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
}

func seatEvent(id string, at time.Time, seatID string) *v1.Event {
	props := map[string]interface{}{}
	if seatID != "" {
		props["seat_id"] = seatID
	}
	return &v1.Event{
		ID:             id,
		SubscriptionID: "sub-ext-1",
		Code:           "seat.changed",
		Timestamp:      at,
		IngestedAt:     at,
		Properties:     props,
	}
}

func saveEvents(t *testing.T, s storage.EventStore, events ...*v1.Event) {
	t.Helper()
	for _, evt := range events {
		require.NoError(t, s.SaveEvent(context.Background(), evt))
	}
}

func storesFor(s *memory.Store) ChainStores {
	return ChainStores{
		Events:      s,
		Units:       s,
		Chains:      s,
		Checkpoints: s,
		Lifecycles:  s,
	}
}

func newTestProcessor(t *testing.T, stores ChainStores, opts PipelineParameter) (*ChainProcessor, *telemetry.Metrics) {
	t.Helper()
	tel := telemetry.New()
	return NewChainProcessor(stores, seatsMetrics(t), tel, opts), tel
}

func day(n int) time.Time {
	return periodFrom.AddDate(0, 0, n)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}
