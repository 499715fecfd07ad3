package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/aevon-lab/aevon-meter/internal/api/v1"
	"github.com/shopspring/decimal"
)

// marshalEventJSON marshals metadata and properties. Empty metadata becomes SQL NULL.
func marshalEventJSON(event *v1.Event) (metadataJSON, propertiesJSON []byte, err error) {
	if len(event.Metadata) > 0 {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	props := event.Properties
	if props == nil {
		props = map[string]interface{}{}
	}
	propertiesJSON, err = json.Marshal(props)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal properties: %w", err)
	}

	return metadataJSON, propertiesJSON, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanEventRow scans one events row; works for both sql.Row and sql.Rows.
func scanEventRow(row scanner) (*v1.Event, error) {
	var evt v1.Event
	var metadataJSON, propertiesJSON []byte

	err := row.Scan(
		&evt.ID,
		&evt.SubscriptionID,
		&evt.Code,
		&evt.Timestamp,
		&evt.IngestedAt,
		&metadataJSON,
		&propertiesJSON,
		&evt.IngestSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &evt.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	if len(propertiesJSON) > 0 {
		if err := json.Unmarshal(propertiesJSON, &evt.Properties); err != nil {
			return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
		}
	}

	return &evt, nil
}

func collectEvents(rows *sql.Rows) ([]*v1.Event, error) {
	defer rows.Close()

	var events []*v1.Event
	for rows.Next() {
		event, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// parseDecimals parses NUMERIC columns scanned as strings.
func parseDecimals(raw ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(raw))
	for i, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("parse numeric %q: %w", s, err)
		}
		out[i] = d
	}
	return out, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
