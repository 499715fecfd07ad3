package aggregation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	periodFrom = time.Date(2022, 7, 9, 0, 0, 0, 0, time.UTC)
	periodTo   = time.Date(2022, 8, 8, 23, 59, 59, 0, time.UTC)
)

func julyPeriod(t *testing.T) Period {
	t.Helper()
	p, err := NewPeriod(periodFrom, periodTo, time.UTC)
	require.NoError(t, err)
	return p
}

func unit(id string, added time.Time, removed *time.Time) QuantifiedEvent {
	return QuantifiedEvent{
		ID:             "qe-" + id,
		UniqueID:       id,
		SubscriptionID: "sub-1",
		MetricCode:     "seats",
		AddedAt:        added,
		RemovedAt:      removed,
	}
}

func ptr(t time.Time) *time.Time { return &t }

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}
