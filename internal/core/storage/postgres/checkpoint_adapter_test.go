package postgres

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestCheckpointAdapter_ReadCheckpoint(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	adapter := NewCheckpointAdapter(db)

	mock.ExpectQuery(regexp.QuoteMeta(queryReadCheckpoint)).
		WithArgs("chain_pipeline").
		WillReturnRows(sqlmock.NewRows([]string{"checkpoint_cursor"}))
	cursor, err := adapter.ReadCheckpoint(context.Background(), "chain_pipeline")
	require.NoError(t, err)
	require.Equal(t, int64(0), cursor)

	mock.ExpectQuery(regexp.QuoteMeta(queryReadCheckpoint)).
		WithArgs("chain_pipeline").
		WillReturnRows(sqlmock.NewRows([]string{"checkpoint_cursor"}).AddRow(int64(77)))
	cursor, err = adapter.ReadCheckpoint(context.Background(), "chain_pipeline")
	require.NoError(t, err)
	require.Equal(t, int64(77), cursor)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointAdapter_WriteCheckpoint(t *testing.T) {
	tests := []struct {
		name    string
		cursor  int64
		expect  func(mock sqlmock.Sqlmock)
		wantErr string
	}{
		{
			name:   "advances the cursor",
			cursor: 20,
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta(querySelectCheckpointForUpdate)).
					WithArgs("chain_pipeline").
					WillReturnRows(sqlmock.NewRows([]string{"checkpoint_cursor"}).AddRow(int64(10)))
				mock.ExpectExec(regexp.QuoteMeta(queryUpdateCheckpoint)).
					WithArgs(int64(20), sqlmock.AnyArg(), "chain_pipeline").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
		},
		{
			name:   "stale cursor is skipped",
			cursor: 5,
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta(querySelectCheckpointForUpdate)).
					WithArgs("chain_pipeline").
					WillReturnRows(sqlmock.NewRows([]string{"checkpoint_cursor"}).AddRow(int64(10)))
				mock.ExpectRollback()
			},
		},
		{
			name:   "missing row is initialised",
			cursor: 3,
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta(querySelectCheckpointForUpdate)).
					WithArgs("chain_pipeline").
					WillReturnRows(sqlmock.NewRows([]string{"checkpoint_cursor"}))
				mock.ExpectExec(regexp.QuoteMeta(queryInitCheckpointRow)).
					WithArgs("chain_pipeline", sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectQuery(regexp.QuoteMeta(querySelectCheckpointForUpdate)).
					WithArgs("chain_pipeline").
					WillReturnRows(sqlmock.NewRows([]string{"checkpoint_cursor"}).AddRow(int64(0)))
				mock.ExpectExec(regexp.QuoteMeta(queryUpdateCheckpoint)).
					WithArgs(int64(3), sqlmock.AnyArg(), "chain_pipeline").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
		},
		{
			name:   "row vanishing during update fails",
			cursor: 20,
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta(querySelectCheckpointForUpdate)).
					WillReturnRows(sqlmock.NewRows([]string{"checkpoint_cursor"}).AddRow(int64(10)))
				mock.ExpectExec(regexp.QuoteMeta(queryUpdateCheckpoint)).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectRollback()
			},
			wantErr: "row missing",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			tc.expect(mock)

			err = NewCheckpointAdapter(db).WriteCheckpoint(context.Background(), "chain_pipeline", tc.cursor)
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
