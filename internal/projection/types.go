package projection

import (
	"time"

	"github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	"github.com/shopspring/decimal"
)

// UsageQuery is the query string of GET /v1/usage. From and To must be given
// together; without them the billing window containing At (or now) is used.
type UsageQuery struct {
	From         time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To           time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	At           time.Time `form:"at" time_format:"2006-01-02T15:04:05Z07:00"`
	Group        string    `form:"group"`
	CurrentUsage bool      `form:"current_usage"`
	Breakdown    bool      `form:"breakdown"`
}

// UsageRequest identifies one chain and the period to aggregate.
type UsageRequest struct {
	SubscriptionID string
	MetricCode     string
	UsageQuery
}

// UnitUsage is one unit's share of a period.
type UnitUsage struct {
	UniqueID    string          `json:"unique_id"`
	Activations int             `json:"activations"`
	ActiveDays  decimal.Decimal `json:"active_days"`
	Fraction    decimal.Decimal `json:"fraction"`
}

// UsageResponse is the aggregation of one chain over a resolved period.
type UsageResponse struct {
	SubscriptionID          string             `json:"subscription_id"`
	MetricCode              string             `json:"metric_code"`
	GroupKey                string             `json:"group_key,omitempty"`
	From                    time.Time          `json:"from"`
	To                      time.Time          `json:"to"`
	Days                    decimal.Decimal    `json:"days"`
	Timing                  aggregation.Timing `json:"timing"`
	CurrentUsage            bool               `json:"current_usage"`
	Aggregation             decimal.Decimal    `json:"aggregation"`
	PayInAdvanceAggregation decimal.Decimal    `json:"pay_in_advance_aggregation"`
	CurrentUsageUnits       int64              `json:"current_usage_units"`
	FullUnitsNumber         int64              `json:"full_units_number"`
	Units                   []UnitUsage        `json:"units,omitempty"`
}

// ChainQuery is the query string of GET /v1/chains.
type ChainQuery struct {
	At      time.Time `form:"at" time_format:"2006-01-02T15:04:05Z07:00"`
	Group   string    `form:"group"`
	Results bool      `form:"results"`
}

// EventResultView is one applied event of a chain.
type EventResultView struct {
	EventID      string                 `json:"event_id"`
	Operation    aggregation.Operation  `json:"operation"`
	UniqueID     string                 `json:"unique_id"`
	PayInAdvance decimal.Decimal        `json:"pay_in_advance"`
	UnitsApplied int                    `json:"units_applied"`
	State        aggregation.ChainState `json:"state"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ChainResponse is the chain state in force for a period.
type ChainResponse struct {
	SubscriptionID string                 `json:"subscription_id"`
	MetricCode     string                 `json:"metric_code"`
	GroupKey       string                 `json:"group_key,omitempty"`
	PeriodFrom     time.Time              `json:"period_from"`
	PeriodTo       time.Time              `json:"period_to"`
	Stored         bool                   `json:"stored"`
	State          aggregation.ChainState `json:"state"`
	Results        []EventResultView      `json:"results,omitempty"`
}
