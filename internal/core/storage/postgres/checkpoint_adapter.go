package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// CheckpointAdapter implements storage.CheckpointStore. Writes lock the
// checkpoint row so that concurrent or out-of-order writers can only move it forward.
type CheckpointAdapter struct {
	db *sql.DB
}

// NewCheckpointAdapter shares the given connection.
func NewCheckpointAdapter(db *sql.DB) *CheckpointAdapter {
	return &CheckpointAdapter{db: db}
}

// ReadCheckpoint returns 0 when no checkpoint exists yet, meaning "from the beginning".
func (a *CheckpointAdapter) ReadCheckpoint(ctx context.Context, name string) (int64, error) {
	var cursor int64
	err := a.db.QueryRowContext(ctx, queryReadCheckpoint, name).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint %q: %w", name, err)
	}
	return cursor, nil
}

// WriteCheckpoint advances the named cursor. Stale cursors are skipped.
func (a *CheckpointAdapter) WriteCheckpoint(ctx context.Context, name string, cursor int64) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write checkpoint: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var durable int64
	err = tx.QueryRowContext(ctx, querySelectCheckpointForUpdate, name).Scan(&durable)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err = tx.ExecContext(ctx, queryInitCheckpointRow, name, time.Now().UTC()); err != nil {
			return fmt.Errorf("write checkpoint: init row: %w", err)
		}
		err = tx.QueryRowContext(ctx, querySelectCheckpointForUpdate, name).Scan(&durable)
	}
	if err != nil {
		return fmt.Errorf("write checkpoint: read for update: %w", err)
	}

	if cursor <= durable {
		slog.Warn("[CheckpointAdapter] Skipping stale checkpoint write",
			"name", name,
			"cursor", cursor,
			"durable_cursor", durable)
		return nil
	}

	res, err := tx.ExecContext(ctx, queryUpdateCheckpoint, cursor, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("write checkpoint: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write checkpoint: check update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("write checkpoint: row missing (name=%s)", name)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write checkpoint: commit: %w", err)
	}

	slog.Debug("[CheckpointAdapter] Checkpoint advanced", "name", name, "cursor", cursor)
	return nil
}
