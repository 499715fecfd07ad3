package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	"github.com/aevon-lab/aevon-meter/internal/core/storage"
)

// maxChainDepth bounds predecessor walks so a cyclic link cannot loop forever.
const maxChainDepth = 32

// LifecycleAdapter implements storage.LifecycleSource over the subscriptions table.
type LifecycleAdapter struct {
	db *sql.DB
}

// NewLifecycleAdapter shares the given connection.
func NewLifecycleAdapter(db *sql.DB) *LifecycleAdapter {
	return &LifecycleAdapter{db: db}
}

// GetLifecycle returns the subscription of externalID billing at instant at,
// with its predecessors linked.
func (a *LifecycleAdapter) GetLifecycle(ctx context.Context, externalID string, at time.Time) (*aggregation.Lifecycle, error) {
	head, prevID, err := scanLifecycle(a.db.QueryRowContext(ctx, queryLifecycleAt, externalID, at.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lifecycle %q at %s: %w", externalID, at.Format(time.RFC3339), storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle %q: %w", externalID, err)
	}

	cur := head
	for depth := 0; prevID.Valid && depth < maxChainDepth; depth++ {
		prev, nextID, err := scanLifecycle(a.db.QueryRowContext(ctx, queryLifecycleByID, prevID.String))
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("lifecycle %q: predecessor %q: %w", externalID, prevID.String, err)
		}
		cur.Predecessor = prev
		cur, prevID = prev, nextID
	}
	return head, nil
}

// SaveLifecycle inserts a subscription, or updates its termination and status.
func (a *LifecycleAdapter) SaveLifecycle(ctx context.Context, l aggregation.Lifecycle) error {
	var prev sql.NullString
	if l.Predecessor != nil {
		prev = sql.NullString{String: l.Predecessor.SubscriptionID, Valid: true}
	}
	timezone := l.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	_, err := a.db.ExecContext(ctx, queryUpsertSubscription,
		l.SubscriptionID, l.ExternalID, l.StartedAt.UTC(), l.SubscriptionAt.UTC(), nullTime(l.TerminatedAt),
		l.Status, string(l.Timing), string(l.Anchor), string(l.Interval), timezone, prev,
	)
	if err != nil {
		return fmt.Errorf("save lifecycle %q: %w", l.SubscriptionID, err)
	}
	return nil
}

func scanLifecycle(row scanner) (*aggregation.Lifecycle, sql.NullString, error) {
	var (
		l                        aggregation.Lifecycle
		terminated               sql.NullTime
		timing, anchor, interval string
		prevID                   sql.NullString
	)
	err := row.Scan(
		&l.SubscriptionID, &l.ExternalID, &l.StartedAt, &l.SubscriptionAt, &terminated, &l.Status,
		&timing, &anchor, &interval, &l.Timezone, &prevID,
	)
	if err != nil {
		return nil, sql.NullString{}, err
	}
	l.StartedAt = l.StartedAt.UTC()
	l.SubscriptionAt = l.SubscriptionAt.UTC()
	l.TerminatedAt = timePtr(terminated)
	l.Timing = aggregation.Timing(timing)
	l.Anchor = aggregation.Anchor(anchor)
	l.Interval = aggregation.Interval(interval)
	return &l, prevID, nil
}
