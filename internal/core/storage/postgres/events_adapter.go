package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/aevon-lab/aevon-meter/internal/api/v1"
	"github.com/aevon-lab/aevon-meter/internal/core/storage"
	_ "github.com/lib/pq" // Register postgres driver
)

const connectPingTimeout = 5 * time.Second

// requiredTables must exist before the adapter accepts traffic.
var requiredTables = []string{"events", "quantified_events", "chain_states", "event_results", "subscriptions", "pipeline_checkpoints"}

// Adapter implements storage.EventStore for PostgreSQL.
type Adapter struct {
	db                        *sql.DB
	stmtSaveEvent             *sql.Stmt
	stmtRetrieveEventsCursor  *sql.Stmt
	stmtRetrieveSubscriptions *sql.Stmt
}

// Open connects to PostgreSQL and applies pool settings. The schema is not checked.
func Open(dsn string, maxOpenConns, maxIdleConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	slog.Info("[Postgres] Connection pool configured",
		"max_open_conns", maxOpenConns,
		"max_idle_conns", maxIdleConns)

	pingCtx, cancel := context.WithTimeout(context.Background(), connectPingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return db, nil
}

// NewAdapter wraps an open connection. Run migrations first: the schema is
// validated and statements are prepared here.
func NewAdapter(db *sql.DB) (*Adapter, error) {
	if err := validateSchema(db); err != nil {
		return nil, fmt.Errorf("schema validation failed - did you run migrations?: %w", err)
	}

	stmtSave, err := db.Prepare(querySaveEvent)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare saveEvent statement: %w", err)
	}

	stmtCursor, err := db.Prepare(queryRetrieveEventsAfterCursor)
	if err != nil {
		stmtSave.Close()
		return nil, fmt.Errorf("failed to prepare retrieveEventsAfterCursor statement: %w", err)
	}

	stmtSubscription, err := db.Prepare(queryRetrieveSubscriptionEvents)
	if err != nil {
		stmtSave.Close()
		stmtCursor.Close()
		return nil, fmt.Errorf("failed to prepare retrieveSubscriptionEvents statement: %w", err)
	}

	slog.Info("[Postgres] Adapter initialized with prepared statements")

	return &Adapter{
		db:                        db,
		stmtSaveEvent:             stmtSave,
		stmtRetrieveEventsCursor:  stmtCursor,
		stmtRetrieveSubscriptions: stmtSubscription,
	}, nil
}

func validateSchema(db *sql.DB) error {
	for _, table := range requiredTables {
		var exists bool
		err := db.QueryRow(`
			SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check schema: %w", err)
		}
		if !exists {
			return fmt.Errorf("%s table does not exist", table)
		}
	}
	return nil
}

// SaveEvent persists an event and populates IngestSeq.
// Returns storage.ErrDuplicate if (subscription_id, id) already exists.
func (a *Adapter) SaveEvent(ctx context.Context, event *v1.Event) error {
	metadataJSON, propertiesJSON, err := marshalEventJSON(event)
	if err != nil {
		return err
	}

	var ingestSeq int64
	err = a.stmtSaveEvent.QueryRowContext(ctx,
		event.ID,
		event.SubscriptionID,
		event.Code,
		event.Timestamp,
		event.IngestedAt,
		metadataJSON,
		propertiesJSON,
	).Scan(&ingestSeq)

	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}

	event.IngestSeq = ingestSeq

	slog.Debug("[Postgres] Saved event",
		"subscription_id", event.SubscriptionID,
		"event_id", event.ID,
		"ingest_seq", ingestSeq)
	return nil
}

// RetrieveEventsAfterCursor fetches events with ingest_seq > cursor, oldest first.
func (a *Adapter) RetrieveEventsAfterCursor(ctx context.Context, cursor int64, limit int) ([]*v1.Event, error) {
	rows, err := a.stmtRetrieveEventsCursor.QueryContext(ctx, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by cursor: %w", err)
	}
	return collectEvents(rows)
}

// RetrieveSubscriptionEvents fetches one subscription's events in [start, end).
func (a *Adapter) RetrieveSubscriptionEvents(
	ctx context.Context,
	subscriptionID string,
	code string,
	start time.Time,
	end time.Time,
	limit int,
) ([]*v1.Event, error) {
	rows, err := a.stmtRetrieveSubscriptions.QueryContext(ctx, subscriptionID, code, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription events: %w", err)
	}
	return collectEvents(rows)
}

// DB returns the shared connection for the other adapters.
func (a *Adapter) DB() *sql.DB {
	return a.db
}

// Close closes the prepared statements and the database connection.
func (a *Adapter) Close() error {
	var firstErr error

	if err := a.stmtSaveEvent.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close saveEvent statement: %w", err)
	}
	if err := a.stmtRetrieveEventsCursor.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close retrieveEventsCursor statement: %w", err)
	}
	if err := a.stmtRetrieveSubscriptions.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close retrieveSubscriptionEvents statement: %w", err)
	}
	if err := a.db.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close database: %w", err)
	}

	if firstErr != nil {
		return firstErr
	}

	slog.Info("[Postgres] Adapter closed gracefully")
	return nil
}
