package projection

import (
	"context"
	"errors"
	"testing"

	"github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	"github.com/aevon-lab/aevon-meter/internal/core/storage"
	storagemocks "github.com/aevon-lab/aevon-meter/internal/mocks/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestService_Usage_Validation(t *testing.T) {
	svc := NewService(stubPeriods{}, nil, nil)

	tests := []struct {
		name string
		req  UsageRequest
	}{
		{name: "missing subscription", req: UsageRequest{MetricCode: "seats"}},
		{name: "missing metric", req: UsageRequest{SubscriptionID: "sub-ext-1"}},
		{
			name: "from without to",
			req: UsageRequest{
				SubscriptionID: "sub-ext-1",
				MetricCode:     "seats",
				UsageQuery:     UsageQuery{From: periodFrom},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Usage(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidQuery)
		})
	}
}

func TestService_Usage_ExplicitPeriod(t *testing.T) {
	svc := newSeatService(t, newSeatStore(t, aggregation.TimingArrears))

	resp, err := svc.Usage(context.Background(), UsageRequest{
		SubscriptionID: "sub-ext-1",
		MetricCode:     "seats",
		UsageQuery:     UsageQuery{From: periodFrom, To: periodTo, Breakdown: true},
	})
	require.NoError(t, err)

	require.Equal(t, periodFrom, resp.From)
	require.Equal(t, periodTo, resp.To)
	requireDecimal(t, "31", resp.Days)
	require.Equal(t, aggregation.TimingArrears, resp.Timing)
	requireDecimal(t, "1.67742", resp.Aggregation)
	require.Equal(t, int64(2), resp.FullUnitsNumber)

	require.Len(t, resp.Units, 2)
	require.Equal(t, "seat-1", resp.Units[0].UniqueID)
	requireDecimal(t, "31", resp.Units[0].ActiveDays)
	requireDecimal(t, "1", resp.Units[0].Fraction)
	require.Equal(t, "seat-2", resp.Units[1].UniqueID)
	requireDecimal(t, "21", resp.Units[1].ActiveDays)
	requireDecimal(t, "0.67742", resp.Units[1].Fraction)
}

func TestService_Usage_BillingWindowAtInstant(t *testing.T) {
	svc := newSeatService(t, newSeatStore(t, aggregation.TimingAdvance))

	resp, err := svc.Usage(context.Background(), UsageRequest{
		SubscriptionID: "sub-ext-1",
		MetricCode:     "seats",
		UsageQuery:     UsageQuery{At: day(20), CurrentUsage: true},
	})
	require.NoError(t, err)

	require.Equal(t, periodFrom, resp.From)
	require.Equal(t, periodTo, resp.To)
	require.True(t, resp.CurrentUsage)
	require.Equal(t, int64(2), resp.CurrentUsageUnits)
	requireDecimal(t, "1.67742", resp.Aggregation)
	require.Empty(t, resp.Units)
}

func TestService_Usage_PropagatesNotFound(t *testing.T) {
	svc := newSeatService(t, newSeatStore(t, aggregation.TimingArrears))

	_, err := svc.Usage(context.Background(), UsageRequest{
		SubscriptionID: "sub-unknown",
		MetricCode:     "seats",
		UsageQuery:     UsageQuery{At: day(20)},
	})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestService_Chain(t *testing.T) {
	s := newSeatStore(t, aggregation.TimingAdvance)
	svc := newSeatService(t, s)

	t.Run("opening state before any event", func(t *testing.T) {
		resp, err := svc.Chain(context.Background(), "sub-ext-1", "seats", ChainQuery{At: day(5), Results: true})
		require.NoError(t, err)
		require.False(t, resp.Stored)
		requireDecimal(t, "1", resp.State.MaxAggregation)
		require.Empty(t, resp.Results)
	})

	one := decimal.NewFromInt(1)
	require.NoError(t, s.ApplyTransition(context.Background(), storage.Transition{
		Key:          seatsChain,
		PeriodFrom:   periodFrom,
		EventID:      "evt-1",
		Next:         aggregation.ZeroState().Next(one, one, one),
		Operation:    aggregation.OperationAdd,
		UniqueID:     "seat-3",
		At:           day(3),
		PayInAdvance: one,
		UnitsApplied: 1,
	}))

	t.Run("stored state with results", func(t *testing.T) {
		resp, err := svc.Chain(context.Background(), "sub-ext-1", "seats", ChainQuery{At: day(5), Results: true})
		require.NoError(t, err)
		require.True(t, resp.Stored)
		require.Equal(t, int64(1), resp.State.Version)
		require.Equal(t, periodFrom, resp.PeriodFrom)
		require.Len(t, resp.Results, 1)
		require.Equal(t, "evt-1", resp.Results[0].EventID)
		require.Equal(t, aggregation.OperationAdd, resp.Results[0].Operation)
		requireDecimal(t, "1", resp.Results[0].PayInAdvance)
	})
}

func TestService_Chain_ResultsError(t *testing.T) {
	s := newSeatStore(t, aggregation.TimingAdvance)
	seeded := newSeatService(t, s)

	one := decimal.NewFromInt(1)
	require.NoError(t, s.ApplyTransition(context.Background(), storage.Transition{
		Key:        seatsChain,
		PeriodFrom: periodFrom,
		EventID:    "evt-1",
		Next:       aggregation.ZeroState().Next(one, one, one),
		Operation:  aggregation.OperationAdd,
		UniqueID:   "seat-3",
		At:         day(3),
	}))

	results := storagemocks.NewChainStore(t)
	results.EXPECT().
		ListEventResults(mock.Anything, seatsChain, periodFrom).
		Return(nil, errors.New("db failure")).
		Once()

	svc := NewService(seeded.periods, s, results)
	_, err := svc.Chain(context.Background(), "sub-ext-1", "seats", ChainQuery{At: day(5), Results: true})
	require.ErrorContains(t, err, "chain results sub-ext-1/seats")
}
