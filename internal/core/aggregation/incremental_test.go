package aggregation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func incoming(id string, at time.Time, props map[string]interface{}, prior *ChainState) IncomingEvent {
	return IncomingEvent{
		ID:         id,
		Chain:      ChainKey{SubscriptionID: "sub-1", MetricCode: "seats"},
		Timestamp:  at,
		Properties: props,
		Prior:      prior,
	}
}

func state(current, peak int64, withProration string) *ChainState {
	return &ChainState{
		CurrentAggregation:          decimal.NewFromInt(current),
		MaxAggregation:              decimal.NewFromInt(peak),
		MaxAggregationWithProration: decimal.RequireFromString(withProration),
		Version:                     3,
	}
}

func TestComputeIncremental_FirstEventOfChain(t *testing.T) {
	p := julyPeriod(t)
	agg := UniqueCount{FieldName: "seat_id"}

	res, err := agg.ComputeIncremental(p, incoming("e1", periodFrom.Add(days(10)), map[string]interface{}{"seat_id": "s1"}, nil), NewUnitSet())
	require.NoError(t, err)
	requireDecimal(t, "0.67742", res.PayInAdvanceAggregation)
	requireDecimal(t, "0.67742", res.Aggregation)
	require.Equal(t, 1, res.UnitsApplied)
	require.Equal(t, OperationAdd, res.Operation)
	require.NotNil(t, res.State)
	requireDecimal(t, "1", res.State.CurrentAggregation)
	requireDecimal(t, "1", res.State.MaxAggregation)
	requireDecimal(t, "0.67742", res.State.MaxAggregationWithProration)
	require.EqualValues(t, 1, res.State.Version)

	// An event without the identifier is a soft no-op.
	empty, err := agg.ComputeIncremental(p, incoming("e2", periodFrom.Add(days(11)), map[string]interface{}{}, res.State), NewUnitSet("s1"))
	require.NoError(t, err)
	require.True(t, empty.PayInAdvanceAggregation.IsZero())
	require.Zero(t, empty.UnitsApplied)
	require.Equal(t, OperationIgnored, empty.Operation)
	require.Nil(t, empty.State)
	requireDecimal(t, "0.67742", empty.Aggregation)
}

func TestComputeIncremental_Peaks(t *testing.T) {
	p := julyPeriod(t)
	agg := UniqueCount{FieldName: "seat_id"}
	at := periodFrom.Add(days(10))

	tests := []struct {
		name        string
		prior       *ChainState
		props       map[string]interface{}
		open        UnitSet
		wantPay     string
		wantState   *ChainState
		wantApplied int
		wantOp      Operation
	}{
		{
			name:        "new peak is prorated over remaining days",
			prior:       state(7, 7, "5.8"),
			props:       map[string]interface{}{"seat_id": "s8"},
			open:        NewUnitSet("s1", "s2", "s3", "s4", "s5", "s6", "s7"),
			wantPay:     "0.67742",
			wantState:   state(8, 8, "6.47742"),
			wantApplied: 1,
			wantOp:      OperationAdd,
		},
		{
			name:        "add below the peak bills nothing",
			prior:       state(4, 7, "5.8"),
			props:       map[string]interface{}{"seat_id": "s5"},
			open:        NewUnitSet("s1", "s2", "s3", "s4"),
			wantPay:     "0",
			wantState:   state(5, 7, "5.8"),
			wantApplied: 1,
			wantOp:      OperationAdd,
		},
		{
			name:        "removal of an open unit",
			prior:       state(4, 7, "5.8"),
			props:       map[string]interface{}{"seat_id": "s4"},
			open:        NewUnitSet("s1", "s2", "s3", "s4"),
			wantPay:     "0",
			wantState:   state(3, 7, "5.8"),
			wantApplied: 1,
			wantOp:      OperationRemove,
		},
		{
			name:        "removal floors at zero",
			prior:       state(0, 2, "1.5"),
			props:       map[string]interface{}{"seat_id": "s1"},
			open:        NewUnitSet("s1"),
			wantPay:     "0",
			wantState:   state(0, 2, "1.5"),
			wantApplied: 1,
			wantOp:      OperationRemove,
		},
		{
			name:        "explicit add of an open unit is ignored",
			prior:       state(1, 1, "1"),
			props:       map[string]interface{}{"seat_id": "s1", "operation_type": "add"},
			open:        NewUnitSet("s1"),
			wantPay:     "0",
			wantApplied: 0,
			wantOp:      OperationIgnored,
		},
		{
			name:        "explicit remove of an unknown unit is ignored",
			prior:       state(1, 1, "1"),
			props:       map[string]interface{}{"seat_id": "s9", "operation_type": "remove"},
			open:        NewUnitSet("s1"),
			wantPay:     "0",
			wantApplied: 0,
			wantOp:      OperationIgnored,
		},
		{
			name:        "explicit remove of an open unit",
			prior:       state(1, 1, "1"),
			props:       map[string]interface{}{"seat_id": "s1", "operation_type": "REMOVE"},
			open:        NewUnitSet("s1"),
			wantPay:     "0",
			wantState:   state(0, 1, "1"),
			wantApplied: 1,
			wantOp:      OperationRemove,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := agg.ComputeIncremental(p, incoming("e", at, tc.props, tc.prior), tc.open)
			require.NoError(t, err)
			requireDecimal(t, tc.wantPay, res.PayInAdvanceAggregation)
			require.Equal(t, tc.wantApplied, res.UnitsApplied)
			require.Equal(t, tc.wantOp, res.Operation)
			if tc.wantState == nil {
				require.Nil(t, res.State)
				return
			}
			require.NotNil(t, res.State)
			require.True(t, tc.wantState.Equal(*res.State), "state %+v", *res.State)
			require.Equal(t, tc.prior.Version+1, res.State.Version)
			requireDecimal(t, res.State.MaxAggregationWithProration.String(), res.Aggregation)
		})
	}
}

func TestComputeIncremental_EventOutsidePeriod(t *testing.T) {
	p := julyPeriod(t)
	agg := UniqueCount{FieldName: "seat_id"}

	before, err := agg.ComputeIncremental(p, incoming("e", periodFrom.Add(-days(2)), map[string]interface{}{"seat_id": "a"}, nil), NewUnitSet())
	require.NoError(t, err)
	requireDecimal(t, "1", before.PayInAdvanceAggregation)

	after, err := agg.ComputeIncremental(p, incoming("e", periodTo.Add(days(2)), map[string]interface{}{"seat_id": "a"}, nil), NewUnitSet())
	require.NoError(t, err)
	require.True(t, after.PayInAdvanceAggregation.IsZero())
	require.Equal(t, 1, after.UnitsApplied)
}

func TestComputeIncremental_NonPositiveDuration(t *testing.T) {
	p, err := NewPeriod(periodFrom, periodFrom, time.UTC)
	require.NoError(t, err)

	_, err = UniqueCount{FieldName: "seat_id"}.ComputeIncremental(p, incoming("e", periodFrom, map[string]interface{}{"seat_id": "a"}, nil), NewUnitSet())
	require.ErrorIs(t, err, ErrNonPositiveDuration)
}

// replay folds events through the aggregator the way a chain worker does.
func replay(t *testing.T, p Period, events []IncomingEvent, state *ChainState, open UnitSet) *ChainState {
	t.Helper()
	agg := UniqueCount{FieldName: "seat_id"}
	for _, ev := range events {
		ev.Prior = state
		res, err := agg.ComputeIncremental(p, ev, open)
		require.NoError(t, err)
		if res.State == nil {
			continue
		}
		id, _ := ExtractUniqueID(ev.Properties, "seat_id")
		if res.Operation == OperationAdd {
			open[id] = struct{}{}
		} else {
			delete(open, id)
		}
		state = res.State
	}
	return state
}

func TestComputeIncremental_ReplayIsIndependentOfBatching(t *testing.T) {
	p := julyPeriod(t)
	ids := []string{"a", "b", "a", "c", "", "b", "d", "a", "e", "c"}
	events := make([]IncomingEvent, 0, len(ids))
	for i, id := range ids {
		props := map[string]interface{}{}
		if id != "" {
			props["seat_id"] = id
		}
		events = append(events, incoming("e", periodFrom.Add(days(i*3)), props, nil))
	}

	whole := replay(t, p, events, nil, NewUnitSet())

	for split := 1; split < len(events); split++ {
		open := NewUnitSet()
		mid := replay(t, p, events[:split], nil, open)
		final := replay(t, p, events[split:], mid, open)
		require.True(t, whole.Equal(*final), "split at %d: %+v vs %+v", split, *whole, *final)
	}
}

func TestOpeningState(t *testing.T) {
	p := julyPeriod(t)
	require.Nil(t, OpeningState(p, nil))
	require.Nil(t, OpeningState(p, []QuantifiedEvent{unit("late", periodFrom.Add(days(2)), nil)}))

	s := OpeningState(p, []QuantifiedEvent{
		unit("a", periodFrom.Add(-days(2)), nil),
		unit("b", periodFrom.Add(-days(9)), nil),
		unit("c", periodFrom.Add(-days(9)), ptr(periodFrom.Add(-days(1)))),
	})
	require.NotNil(t, s)
	require.True(t, state(2, 2, "2").Equal(*s))
	require.Zero(t, s.Version)
}

func TestCarriedUnits_IncludesUnitAddedAtStart(t *testing.T) {
	p := julyPeriod(t)
	units := []QuantifiedEvent{
		unit("at-start", periodFrom, nil),
		unit("before", periodFrom.Add(-days(3)), nil),
		unit("removed-at-start", periodFrom.Add(-days(3)), ptr(periodFrom)),
		unit("later", periodFrom.Add(days(1)), nil),
	}

	carried := CarriedUnits(p, units)
	require.Len(t, carried, 2)
	ids := []string{carried[0].UniqueID, carried[1].UniqueID}
	require.ElementsMatch(t, []string{"at-start", "before"}, ids)

	s := OpeningState(p, units)
	require.NotNil(t, s)
	require.True(t, state(2, 2, "2").Equal(*s))
}
