package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	"github.com/aevon-lab/aevon-meter/internal/core/storage"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	testChain      = aggregation.ChainKey{SubscriptionID: "sub-ext-1", MetricCode: "seats", GroupKey: ""}
	testPeriodFrom = time.Date(2022, 7, 9, 0, 0, 0, 0, time.UTC)
	testNow        = time.Date(2022, 7, 20, 8, 0, 0, 0, time.UTC)
)

func newMockChainAdapter(t *testing.T) (*ChainAdapter, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	adapter := &ChainAdapter{
		db:    db,
		newID: func() string { return "unit-row-1" },
		nowFn: func() time.Time { return testNow },
	}
	return adapter, mock, db
}

func addTransition(expectedVersion int64) storage.Transition {
	return storage.Transition{
		Key:             testChain,
		PeriodFrom:      testPeriodFrom,
		EventID:         "evt-1",
		ExpectedVersion: expectedVersion,
		Next: aggregation.ChainState{
			CurrentAggregation:          decimal.NewFromInt(2),
			MaxAggregation:              decimal.NewFromInt(2),
			MaxAggregationWithProration: decimal.RequireFromString("1.61291"),
			Version:                     expectedVersion + 1,
		},
		Operation:    aggregation.OperationAdd,
		UniqueID:     "seat-2",
		At:           testNow,
		PayInAdvance: decimal.RequireFromString("0.61291"),
		UnitsApplied: 1,
	}
}

func expectEventResult(mock sqlmock.Sqlmock, tr storage.Transition, rows int64) {
	mock.ExpectExec(regexp.QuoteMeta(queryInsertEventResult)).
		WithArgs(
			tr.Key.SubscriptionID, tr.Key.MetricCode, tr.EventID, tr.Key.GroupKey, tr.PeriodFrom,
			string(tr.Operation), tr.UniqueID, sqlmock.AnyArg(), tr.UnitsApplied,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			tr.Next.Version, testNow,
		).
		WillReturnResult(sqlmock.NewResult(0, rows))
}

func TestChainAdapter_ApplyTransition(t *testing.T) {
	tests := []struct {
		name       string
		transition storage.Transition
		expect     func(mock sqlmock.Sqlmock, tr storage.Transition)
		wantErr    error
	}{
		{
			name:       "first step inserts state and opens unit",
			transition: addTransition(0),
			expect: func(mock sqlmock.Sqlmock, tr storage.Transition) {
				mock.ExpectBegin()
				expectEventResult(mock, tr, 1)
				mock.ExpectExec(regexp.QuoteMeta(queryInsertChainState)).
					WithArgs(
						tr.Key.SubscriptionID, tr.Key.MetricCode, tr.Key.GroupKey, tr.PeriodFrom,
						sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
						int64(1), tr.EventID, testNow,
					).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(regexp.QuoteMeta(queryOpenUnit)).
					WithArgs("unit-row-1", "seat-2", tr.Key.SubscriptionID, tr.Key.MetricCode, tr.Key.GroupKey, testNow).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
		},
		{
			name:       "later step updates state by version",
			transition: addTransition(3),
			expect: func(mock sqlmock.Sqlmock, tr storage.Transition) {
				mock.ExpectBegin()
				expectEventResult(mock, tr, 1)
				mock.ExpectExec(regexp.QuoteMeta(queryUpdateChainState)).
					WithArgs(
						tr.Key.SubscriptionID, tr.Key.MetricCode, tr.Key.GroupKey, tr.PeriodFrom,
						sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
						int64(4), tr.EventID, testNow, int64(3),
					).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(regexp.QuoteMeta(queryOpenUnit)).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
		},
		{
			name:       "already applied event is a duplicate",
			transition: addTransition(3),
			expect: func(mock sqlmock.Sqlmock, tr storage.Transition) {
				mock.ExpectBegin()
				expectEventResult(mock, tr, 0)
				mock.ExpectRollback()
			},
			wantErr: storage.ErrDuplicate,
		},
		{
			name:       "version moved on is stale",
			transition: addTransition(3),
			expect: func(mock sqlmock.Sqlmock, tr storage.Transition) {
				mock.ExpectBegin()
				expectEventResult(mock, tr, 1)
				mock.ExpectExec(regexp.QuoteMeta(queryUpdateChainState)).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectRollback()
			},
			wantErr: storage.ErrStaleState,
		},
		{
			name:       "unit already open is stale",
			transition: addTransition(0),
			expect: func(mock sqlmock.Sqlmock, tr storage.Transition) {
				mock.ExpectBegin()
				expectEventResult(mock, tr, 1)
				mock.ExpectExec(regexp.QuoteMeta(queryInsertChainState)).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(regexp.QuoteMeta(queryOpenUnit)).
					WillReturnError(&pq.Error{Code: pqUniqueViolation})
				mock.ExpectRollback()
			},
			wantErr: storage.ErrStaleState,
		},
		{
			name: "remove closes the open unit",
			transition: func() storage.Transition {
				tr := addTransition(2)
				tr.Operation = aggregation.OperationRemove
				tr.PayInAdvance = decimal.Zero
				tr.UnitsApplied = 0
				return tr
			}(),
			expect: func(mock sqlmock.Sqlmock, tr storage.Transition) {
				mock.ExpectBegin()
				expectEventResult(mock, tr, 1)
				mock.ExpectExec(regexp.QuoteMeta(queryUpdateChainState)).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(regexp.QuoteMeta(queryCloseUnit)).
					WithArgs(tr.Key.SubscriptionID, tr.Key.MetricCode, tr.Key.GroupKey, "seat-2", testNow).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "remove without open unit is stale",
			transition: func() storage.Transition {
				tr := addTransition(2)
				tr.Operation = aggregation.OperationRemove
				return tr
			}(),
			expect: func(mock sqlmock.Sqlmock, tr storage.Transition) {
				mock.ExpectBegin()
				expectEventResult(mock, tr, 1)
				mock.ExpectExec(regexp.QuoteMeta(queryUpdateChainState)).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(regexp.QuoteMeta(queryCloseUnit)).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectRollback()
			},
			wantErr: storage.ErrStaleState,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			adapter, mock, db := newMockChainAdapter(t)
			defer db.Close()

			tc.expect(mock, tc.transition)

			err := adapter.ApplyTransition(context.Background(), tc.transition)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestChainAdapter_ApplyTransitionWrapsDriverError(t *testing.T) {
	adapter, mock, db := newMockChainAdapter(t)
	defer db.Close()

	boom := errors.New("connection reset")
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(queryInsertEventResult)).WillReturnError(boom)
	mock.ExpectRollback()

	err := adapter.ApplyTransition(context.Background(), addTransition(0))
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "insert event result")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChainAdapter_LoadState(t *testing.T) {
	t.Run("no state", func(t *testing.T) {
		adapter, mock, db := newMockChainAdapter(t)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(queryLoadChainState)).
			WithArgs("sub-ext-1", "seats", "", testPeriodFrom).
			WillReturnRows(sqlmock.NewRows([]string{"current_aggregation", "max_aggregation", "max_aggregation_with_proration", "version"}))

		state, err := adapter.LoadState(context.Background(), testChain, testPeriodFrom)
		require.NoError(t, err)
		require.Nil(t, state)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stored state", func(t *testing.T) {
		adapter, mock, db := newMockChainAdapter(t)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(queryLoadChainState)).
			WithArgs("sub-ext-1", "seats", "", testPeriodFrom).
			WillReturnRows(sqlmock.NewRows([]string{"current_aggregation", "max_aggregation", "max_aggregation_with_proration", "version"}).
				AddRow("1", "2", "1.67742", int64(5)))

		state, err := adapter.LoadState(context.Background(), testChain, testPeriodFrom)
		require.NoError(t, err)
		require.NotNil(t, state)
		require.True(t, state.CurrentAggregation.Equal(decimal.NewFromInt(1)))
		require.True(t, state.MaxAggregation.Equal(decimal.NewFromInt(2)))
		require.Equal(t, "1.67742", state.MaxAggregationWithProration.String())
		require.Equal(t, int64(5), state.Version)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestChainAdapter_ListUnits(t *testing.T) {
	adapter, mock, db := newMockChainAdapter(t)
	defer db.Close()

	to := time.Date(2022, 8, 8, 23, 59, 59, 0, time.UTC)
	added := time.Date(2022, 7, 19, 0, 0, 0, 0, time.UTC)
	removed := time.Date(2022, 7, 25, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(queryListUnits)).
		WithArgs("sub-ext-1", "seats", "", testPeriodFrom, to).
		WillReturnRows(sqlmock.NewRows([]string{"id", "unique_id", "subscription_id", "metric_code", "group_key", "added_at", "removed_at"}).
			AddRow("u1", "seat-1", "sub-ext-1", "seats", "", testPeriodFrom, nil).
			AddRow("u2", "seat-2", "sub-ext-1", "seats", "", added, removed))

	units, err := adapter.ListUnits(context.Background(), testChain, testPeriodFrom, to)
	require.NoError(t, err)
	require.Len(t, units, 2)
	require.Nil(t, units[0].RemovedAt)
	require.NotNil(t, units[1].RemovedAt)
	require.True(t, units[1].RemovedAt.Equal(removed))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChainAdapter_ListOpenUnits(t *testing.T) {
	adapter, mock, db := newMockChainAdapter(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryListOpenUnits)).
		WithArgs("sub-ext-1", "seats", "").
		WillReturnRows(sqlmock.NewRows([]string{"unique_id"}).AddRow("seat-1").AddRow("seat-3"))

	open, err := adapter.ListOpenUnits(context.Background(), testChain)
	require.NoError(t, err)
	require.True(t, open.Has("seat-1"))
	require.True(t, open.Has("seat-3"))
	require.False(t, open.Has("seat-2"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChainAdapter_ListEventResults(t *testing.T) {
	adapter, mock, db := newMockChainAdapter(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryListEventResults)).
		WithArgs("sub-ext-1", "seats", "", testPeriodFrom).
		WillReturnRows(sqlmock.NewRows([]string{
			"event_id", "operation", "unique_id", "pay_in_advance_aggregation", "units_applied",
			"current_aggregation", "max_aggregation", "max_aggregation_with_proration", "version", "created_at",
		}).
			AddRow("evt-1", "add", "seat-1", "1", 1, "1", "1", "1", int64(1), testNow).
			AddRow("evt-2", "remove", "seat-1", "0", 0, "0", "1", "1", int64(2), testNow))

	results, err := adapter.ListEventResults(context.Background(), testChain, testPeriodFrom)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, aggregation.OperationAdd, results[0].Operation)
	require.Equal(t, aggregation.OperationRemove, results[1].Operation)
	require.True(t, results[1].State.CurrentAggregation.IsZero())
	require.Equal(t, int64(2), results[1].State.Version)
	require.Equal(t, testChain, results[1].Key)
	require.NoError(t, mock.ExpectationsWereMet())
}
