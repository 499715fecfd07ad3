package postgres

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	v1 "github.com/aevon-lab/aevon-meter/internal/api/v1"
	"github.com/aevon-lab/aevon-meter/internal/core/storage"
	"github.com/stretchr/testify/require"
)

func TestAdapter_SaveEvent(t *testing.T) {
	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		event      *v1.Event
		mockResult func(mock sqlmock.Sqlmock, event *v1.Event)
		assertions func(t *testing.T, event *v1.Event, err error)
	}{
		{
			name: "success sets ingest seq",
			event: &v1.Event{
				ID:             "evt-1",
				SubscriptionID: "sub-ext-1",
				Code:           "seat.changed",
				Timestamp:      now,
				IngestedAt:     now,
				Metadata:       map[string]string{"source": "api"},
				Properties:     map[string]interface{}{"seat_id": "s1"},
			},
			mockResult: func(mock sqlmock.Sqlmock, event *v1.Event) {
				mock.ExpectQuery(regexp.QuoteMeta(querySaveEvent)).
					WithArgs(
						event.ID,
						event.SubscriptionID,
						event.Code,
						event.Timestamp,
						event.IngestedAt,
						sqlmock.AnyArg(),
						sqlmock.AnyArg(),
					).
					WillReturnRows(sqlmock.NewRows([]string{"ingest_seq"}).AddRow(int64(42)))
			},
			assertions: func(t *testing.T, event *v1.Event, err error) {
				require.NoError(t, err)
				require.Equal(t, int64(42), event.IngestSeq)
			},
		},
		{
			name: "duplicate maps to ErrDuplicate",
			event: &v1.Event{
				ID:             "evt-dup",
				SubscriptionID: "sub-ext-1",
				Code:           "seat.changed",
				Timestamp:      now,
				IngestedAt:     now,
			},
			mockResult: func(mock sqlmock.Sqlmock, event *v1.Event) {
				mock.ExpectQuery(regexp.QuoteMeta(querySaveEvent)).
					WithArgs(
						event.ID,
						event.SubscriptionID,
						event.Code,
						event.Timestamp,
						event.IngestedAt,
						sqlmock.AnyArg(),
						[]byte(`{}`),
					).
					WillReturnRows(sqlmock.NewRows([]string{"ingest_seq"}))
			},
			assertions: func(t *testing.T, event *v1.Event, err error) {
				require.ErrorIs(t, err, storage.ErrDuplicate)
				require.Equal(t, int64(0), event.IngestSeq)
			},
		},
		{
			name: "marshal error short-circuits",
			event: &v1.Event{
				ID:             "evt-bad",
				SubscriptionID: "sub-ext-1",
				Code:           "seat.changed",
				Timestamp:      now,
				IngestedAt:     now,
				Properties:     map[string]interface{}{"value": math.NaN()},
			},
			assertions: func(t *testing.T, event *v1.Event, err error) {
				require.ErrorContains(t, err, "failed to marshal properties")
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			adapter, mock, db := newMockAdapter(t)
			defer db.Close()

			if tc.mockResult != nil {
				tc.mockResult(mock, tc.event)
			}

			err := adapter.SaveEvent(context.Background(), tc.event)
			tc.assertions(t, tc.event, err)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAdapter_RetrieveEventsAfterCursor(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	ts := time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(queryRetrieveEventsAfterCursor)).
		WithArgs(int64(100), 2).
		WillReturnRows(sqlmock.NewRows(eventRowColumns()).
			AddRow("evt-101", "sub-ext-1", "seat.changed", ts, ts.Add(time.Second),
				[]byte(`{"source":"api"}`), []byte(`{"seat_id":"s1"}`), int64(101)).
			AddRow("evt-102", "sub-ext-2", "seat.changed", ts.Add(time.Minute), ts.Add(time.Minute),
				nil, []byte(`{"seat_id":"s2","operation_type":"remove"}`), int64(102)),
		).RowsWillBeClosed()

	events, err := adapter.RetrieveEventsAfterCursor(context.Background(), 100, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "evt-101", events[0].ID)
	require.Equal(t, int64(101), events[0].IngestSeq)
	require.Equal(t, "api", events[0].Metadata["source"])
	require.Equal(t, "s1", events[0].Properties["seat_id"])
	require.Nil(t, events[1].Metadata)
	require.Equal(t, "remove", events[1].Properties["operation_type"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_RetrieveSubscriptionEvents(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	mock.ExpectQuery(regexp.QuoteMeta(queryRetrieveSubscriptionEvents)).
		WithArgs("sub-ext-1", "seat.changed", start, end, 1000).
		WillReturnRows(sqlmock.NewRows(eventRowColumns()).
			AddRow("evt-7", "sub-ext-1", "seat.changed", start.Add(time.Hour), start.Add(time.Hour),
				nil, []byte(`{"seat_id":"s7"}`), int64(7)),
		).RowsWillBeClosed()

	events, err := adapter.RetrieveSubscriptionEvents(context.Background(), "sub-ext-1", "seat.changed", start, end, 1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "s7", events[0].Properties["seat_id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_RetrieveQueryErrorIsWrapped(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	boom := errors.New("connection reset")
	mock.ExpectQuery(regexp.QuoteMeta(queryRetrieveEventsAfterCursor)).
		WithArgs(int64(0), 10).
		WillReturnError(boom)

	_, err := adapter.RetrieveEventsAfterCursor(context.Background(), 0, 10)
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "failed to query events by cursor")
}

func TestAdapter_CloseReturnsDBCloseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	dbCloseErr := errors.New("db close failed")

	adapter := &Adapter{db: db}
	mock.ExpectPrepare(regexp.QuoteMeta(querySaveEvent)).WillBeClosed()
	adapter.stmtSaveEvent, err = db.Prepare(querySaveEvent)
	require.NoError(t, err)
	mock.ExpectPrepare(regexp.QuoteMeta(queryRetrieveEventsAfterCursor)).WillBeClosed()
	adapter.stmtRetrieveEventsCursor, err = db.Prepare(queryRetrieveEventsAfterCursor)
	require.NoError(t, err)
	mock.ExpectPrepare(regexp.QuoteMeta(queryRetrieveSubscriptionEvents)).WillBeClosed()
	adapter.stmtRetrieveSubscriptions, err = db.Prepare(queryRetrieveSubscriptionEvents)
	require.NoError(t, err)

	mock.ExpectClose().WillReturnError(dbCloseErr)

	err = adapter.Close()
	require.ErrorContains(t, err, "failed to close database")
	require.ErrorIs(t, err, dbCloseErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func newMockAdapter(t *testing.T) (*Adapter, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	adapter := &Adapter{
		db:                        db,
		stmtSaveEvent:             mustPrepareStmt(t, db, mock, querySaveEvent),
		stmtRetrieveEventsCursor:  mustPrepareStmt(t, db, mock, queryRetrieveEventsAfterCursor),
		stmtRetrieveSubscriptions: mustPrepareStmt(t, db, mock, queryRetrieveSubscriptionEvents),
	}

	return adapter, mock, db
}

func mustPrepareStmt(t *testing.T, db *sql.DB, mock sqlmock.Sqlmock, query string) *sql.Stmt {
	t.Helper()

	mock.ExpectPrepare(regexp.QuoteMeta(query))
	stmt, err := db.Prepare(query)
	require.NoError(t, err)

	return stmt
}

func eventRowColumns() []string {
	return []string{
		"id",
		"subscription_id",
		"code",
		"timestamp",
		"ingested_at",
		"metadata",
		"properties",
		"ingest_seq",
	}
}
