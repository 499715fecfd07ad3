package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	"github.com/aevon-lab/aevon-meter/internal/core/storage"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

// ChainAdapter implements storage.ChainStore and storage.UnitStore.
// A transition writes the event result, the chain state and the unit row in
// one transaction.
type ChainAdapter struct {
	db    *sql.DB
	newID func() string
	nowFn func() time.Time
}

// NewChainAdapter shares the given connection.
func NewChainAdapter(db *sql.DB) *ChainAdapter {
	return &ChainAdapter{
		db:    db,
		newID: uuid.NewString,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// LoadState returns nil when the chain has no state in the period.
func (a *ChainAdapter) LoadState(ctx context.Context, key aggregation.ChainKey, periodFrom time.Time) (*aggregation.ChainState, error) {
	var current, peak, withProration string
	var version int64
	err := a.db.QueryRowContext(ctx, queryLoadChainState,
		key.SubscriptionID, key.MetricCode, key.GroupKey, periodFrom.UTC(),
	).Scan(&current, &peak, &withProration, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load chain state %s: %w", key, err)
	}

	values, err := parseDecimals(current, peak, withProration)
	if err != nil {
		return nil, fmt.Errorf("load chain state %s: %w", key, err)
	}
	return &aggregation.ChainState{
		CurrentAggregation:          values[0],
		MaxAggregation:              values[1],
		MaxAggregationWithProration: values[2],
		Version:                     version,
	}, nil
}

// ApplyTransition commits one chain step or nothing.
func (a *ChainAdapter) ApplyTransition(ctx context.Context, t storage.Transition) error {
	now := a.nowFn()
	periodFrom := t.PeriodFrom.UTC()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply transition: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, queryInsertEventResult,
		t.Key.SubscriptionID, t.Key.MetricCode, t.EventID, t.Key.GroupKey, periodFrom,
		string(t.Operation), t.UniqueID, t.PayInAdvance, t.UnitsApplied,
		t.Next.CurrentAggregation, t.Next.MaxAggregation, t.Next.MaxAggregationWithProration,
		t.Next.Version, now,
	)
	if err != nil {
		return fmt.Errorf("apply transition: insert event result: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("apply transition: check event result: %w", err)
	} else if n == 0 {
		return storage.ErrDuplicate
	}

	if t.ExpectedVersion == 0 {
		res, err = tx.ExecContext(ctx, queryInsertChainState,
			t.Key.SubscriptionID, t.Key.MetricCode, t.Key.GroupKey, periodFrom,
			t.Next.CurrentAggregation, t.Next.MaxAggregation, t.Next.MaxAggregationWithProration,
			t.Next.Version, t.EventID, now,
		)
	} else {
		res, err = tx.ExecContext(ctx, queryUpdateChainState,
			t.Key.SubscriptionID, t.Key.MetricCode, t.Key.GroupKey, periodFrom,
			t.Next.CurrentAggregation, t.Next.MaxAggregation, t.Next.MaxAggregationWithProration,
			t.Next.Version, t.EventID, now, t.ExpectedVersion,
		)
	}
	if err != nil {
		return fmt.Errorf("apply transition: write chain state: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("apply transition: check chain state: %w", err)
	} else if n == 0 {
		return storage.ErrStaleState
	}

	switch t.Operation {
	case aggregation.OperationAdd:
		_, err = tx.ExecContext(ctx, queryOpenUnit,
			a.newID(), t.UniqueID, t.Key.SubscriptionID, t.Key.MetricCode, t.Key.GroupKey, t.At.UTC(),
		)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return storage.ErrStaleState
		}
		if err != nil {
			return fmt.Errorf("apply transition: open unit %q: %w", t.UniqueID, err)
		}
	case aggregation.OperationRemove:
		res, err = tx.ExecContext(ctx, queryCloseUnit,
			t.Key.SubscriptionID, t.Key.MetricCode, t.Key.GroupKey, t.UniqueID, t.At.UTC(),
		)
		if err != nil {
			return fmt.Errorf("apply transition: close unit %q: %w", t.UniqueID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("apply transition: check close unit: %w", err)
		} else if n == 0 {
			return storage.ErrStaleState
		}
	default:
		return fmt.Errorf("apply transition: unsupported operation %q", t.Operation)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply transition: commit: %w", err)
	}

	slog.Debug("[ChainAdapter] Applied transition",
		"chain", t.Key.String(),
		"event_id", t.EventID,
		"operation", t.Operation,
		"version", t.Next.Version)
	return nil
}

// ListEventResults returns a chain's results in a period, by version.
func (a *ChainAdapter) ListEventResults(ctx context.Context, key aggregation.ChainKey, periodFrom time.Time) ([]storage.EventResult, error) {
	rows, err := a.db.QueryContext(ctx, queryListEventResults,
		key.SubscriptionID, key.MetricCode, key.GroupKey, periodFrom.UTC())
	if err != nil {
		return nil, fmt.Errorf("list event results %s: %w", key, err)
	}
	defer rows.Close()

	var out []storage.EventResult
	for rows.Next() {
		var (
			r                                  storage.EventResult
			op                                 string
			pay, current, peak, withProration string
		)
		if err := rows.Scan(
			&r.EventID, &op, &r.UniqueID, &pay, &r.UnitsApplied,
			&current, &peak, &withProration, &r.State.Version, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("list event results: scan row: %w", err)
		}
		values, err := parseDecimals(pay, current, peak, withProration)
		if err != nil {
			return nil, fmt.Errorf("list event results: %w", err)
		}
		r.Key = key
		r.PeriodFrom = periodFrom.UTC()
		r.Operation = aggregation.Operation(op)
		r.PayInAdvance = values[0]
		r.State.CurrentAggregation = values[1]
		r.State.MaxAggregation = values[2]
		r.State.MaxAggregationWithProration = values[3]
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list event results: iterate rows: %w", err)
	}
	return out, nil
}

// ListUnits returns activations of the chain overlapping [from, to].
func (a *ChainAdapter) ListUnits(ctx context.Context, key aggregation.ChainKey, from, to time.Time) ([]aggregation.QuantifiedEvent, error) {
	rows, err := a.db.QueryContext(ctx, queryListUnits,
		key.SubscriptionID, key.MetricCode, key.GroupKey, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list units %s: %w", key, err)
	}
	defer rows.Close()

	var units []aggregation.QuantifiedEvent
	for rows.Next() {
		var (
			u       aggregation.QuantifiedEvent
			removed sql.NullTime
		)
		if err := rows.Scan(&u.ID, &u.UniqueID, &u.SubscriptionID, &u.MetricCode, &u.GroupKey, &u.AddedAt, &removed); err != nil {
			return nil, fmt.Errorf("list units: scan row: %w", err)
		}
		u.AddedAt = u.AddedAt.UTC()
		u.RemovedAt = timePtr(removed)
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list units: iterate rows: %w", err)
	}
	return units, nil
}

// ListOpenUnits returns the unique ids open in the chain right now.
func (a *ChainAdapter) ListOpenUnits(ctx context.Context, key aggregation.ChainKey) (aggregation.UnitSet, error) {
	rows, err := a.db.QueryContext(ctx, queryListOpenUnits, key.SubscriptionID, key.MetricCode, key.GroupKey)
	if err != nil {
		return nil, fmt.Errorf("list open units %s: %w", key, err)
	}
	defer rows.Close()

	open := aggregation.NewUnitSet()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list open units: scan row: %w", err)
		}
		open[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list open units: iterate rows: %w", err)
	}
	return open, nil
}
