package storage

import (
	"context"
	"errors"
	"time"

	v1 "github.com/aevon-lab/aevon-meter/internal/api/v1"
	"github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicate is returned when an event (or an event result) with the same key already exists.
	ErrDuplicate = errors.New("event already exists")

	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("not found")

	// ErrStaleState is returned when a chain transition was computed from a
	// state version that is no longer current.
	ErrStaleState = errors.New("chain state version conflict")
)

// EventStore persists raw usage events.
type EventStore interface {
	// SaveEvent stores the event and populates IngestSeq. Returns ErrDuplicate
	// when (subscription_id, id) already exists.
	SaveEvent(ctx context.Context, event *v1.Event) error

	// RetrieveEventsAfterCursor fetches events with ingest_seq > cursor in strict total order.
	// cursor=0 means "from the beginning".
	RetrieveEventsAfterCursor(ctx context.Context, cursor int64, limit int) ([]*v1.Event, error)

	// RetrieveSubscriptionEvents fetches one subscription's events of a code
	// with timestamp in [start, end), ordered by ingest_seq. An empty code matches all codes.
	RetrieveSubscriptionEvents(
		ctx context.Context,
		subscriptionID string,
		code string,
		start time.Time,
		end time.Time,
		limit int,
	) ([]*v1.Event, error)
}

// UnitStore reads quantified events. Writes happen through ChainStore.ApplyTransition
// so that unit rows and chain state move together.
type UnitStore interface {
	// ListUnits returns every activation of the chain overlapping [from, to].
	ListUnits(ctx context.Context, key aggregation.ChainKey, from, to time.Time) ([]aggregation.QuantifiedEvent, error)

	// ListOpenUnits returns the unique ids currently open in the chain.
	ListOpenUnits(ctx context.Context, key aggregation.ChainKey) (aggregation.UnitSet, error)
}

// Transition is one applied incremental step of a chain.
type Transition struct {
	Key             aggregation.ChainKey
	PeriodFrom      time.Time
	EventID         string
	ExpectedVersion int64 // version the step was computed from; 0 when the chain had no stored state
	Next            aggregation.ChainState
	Operation       aggregation.Operation
	UniqueID        string
	At              time.Time
	PayInAdvance    decimal.Decimal
	UnitsApplied    int
}

// EventResult is the persisted outcome of one incoming event.
type EventResult struct {
	EventID      string
	Key          aggregation.ChainKey
	PeriodFrom   time.Time
	Operation    aggregation.Operation
	UniqueID     string
	PayInAdvance decimal.Decimal
	UnitsApplied int
	State        aggregation.ChainState
	CreatedAt    time.Time
}

// ChainStore keeps the versioned state of every chain, one record per billing period.
type ChainStore interface {
	// LoadState returns the chain state for the period starting at periodFrom,
	// or nil when the chain has no state in that period.
	LoadState(ctx context.Context, key aggregation.ChainKey, periodFrom time.Time) (*aggregation.ChainState, error)

	// ApplyTransition records the event result, moves the state from
	// ExpectedVersion to Next.Version and opens or closes the unit, atomically.
	// Returns ErrDuplicate if the event was already applied and ErrStaleState
	// if the stored version moved on.
	ApplyTransition(ctx context.Context, t Transition) error

	// ListEventResults returns a chain's results in a period, oldest first.
	ListEventResults(ctx context.Context, key aggregation.ChainKey, periodFrom time.Time) ([]EventResult, error)
}

// CheckpointStore tracks how far a named consumer has read the event log.
type CheckpointStore interface {
	// ReadCheckpoint returns 0 when no checkpoint exists.
	ReadCheckpoint(ctx context.Context, name string) (int64, error)

	// WriteCheckpoint only moves the cursor forward; a lower cursor is a no-op.
	WriteCheckpoint(ctx context.Context, name string, cursor int64) error
}

// LifecycleSource supplies subscription lifecycle facts.
type LifecycleSource interface {
	// GetLifecycle returns the subscription of the chain externalID that is
	// billing at instant at, with its predecessors linked. Returns ErrNotFound
	// when the chain has no subscription started by then.
	GetLifecycle(ctx context.Context, externalID string, at time.Time) (*aggregation.Lifecycle, error)
}
