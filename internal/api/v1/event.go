package v1

import (
	"fmt"
	"time"
)

// Event is a usage event sent by a client for one subscription.
type Event struct {
	// ID is the client-provided identifier. It MUST be unique per
	// SubscriptionID; resubmitting the same pair is a no-op.
	ID string `json:"id"`

	// SubscriptionID is the external id of the subscription chain. Upgrades
	// keep the external id, so units survive a plan change.
	SubscriptionID string `json:"subscription_id"`

	// Code names the event type; billable metrics subscribe to it.
	Code string `json:"code"`

	// Timestamp is when the change happened (client clock).
	Timestamp time.Time `json:"timestamp"`

	// IngestedAt is set by the ingestion service.
	IngestedAt time.Time `json:"ingested_at"`

	// IngestSeq is the database-assigned total order used by the pipeline cursor.
	IngestSeq int64 `json:"-"`

	Metadata map[string]string `json:"metadata,omitempty"`

	// Properties carry the unit identifier and an optional operation_type.
	Properties map[string]interface{} `json:"properties"`
}

// Validate ensures the envelope is complete.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.SubscriptionID == "" {
		return fmt.Errorf("subscription_id is required")
	}
	if e.Code == "" {
		return fmt.Errorf("code is required")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}
