package aggregation

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Supported aggregation kinds. Only unique_count is implemented; sum/count/max
// slot into Kinds once they exist.
const (
	KindUniqueCount = "unique_count"
)

// Timing is the billing mode of a plan.
type Timing string

const (
	TimingArrears Timing = "arrears"
	TimingAdvance Timing = "advance"
)

// Operation is how an incoming event was classified against the open-unit set.
type Operation string

const (
	OperationAdd     Operation = "add"
	OperationRemove  Operation = "remove"
	OperationIgnored Operation = "ignored"
)

var (
	// ErrInvalidRange is returned when a window ends before it starts.
	ErrInvalidRange = errors.New("invalid range: to is before from")

	// ErrNonPositiveDuration is returned when an aggregation is asked over a
	// period with zero or negative length.
	ErrNonPositiveDuration = errors.New("period duration must be positive")

	// ErrUnknownKind is returned for an aggregation_type with no registered Aggregator.
	ErrUnknownKind = errors.New("unknown aggregation kind")

	// ErrMetricNotFound is returned when no billable metric has the requested code.
	ErrMetricNotFound = errors.New("billable metric not found")
)

// QuantifiedEvent is one activation of a unit. RemovedAt is nil while the unit is still active.
type QuantifiedEvent struct {
	ID             string
	UniqueID       string
	SubscriptionID string // external id of the subscription chain
	MetricCode     string
	GroupKey       string
	AddedAt        time.Time
	RemovedAt      *time.Time
}

// Validate checks the added/removed ordering.
func (q QuantifiedEvent) Validate() error {
	if q.UniqueID == "" {
		return errors.New("quantified event: unique_id is required")
	}
	if q.RemovedAt != nil && q.RemovedAt.Before(q.AddedAt) {
		return ErrInvalidRange
	}
	return nil
}

// ActiveAt reports whether the unit is active at instant t. Removal is exclusive.
func (q QuantifiedEvent) ActiveAt(t time.Time) bool {
	if q.AddedAt.After(t) {
		return false
	}
	return q.RemovedAt == nil || q.RemovedAt.After(t)
}

// ChainKey identifies a sequential chain of incremental transitions.
type ChainKey struct {
	SubscriptionID string
	MetricCode     string
	GroupKey       string
}

func (k ChainKey) String() string {
	if k.GroupKey == "" {
		return k.SubscriptionID + "/" + k.MetricCode
	}
	return k.SubscriptionID + "/" + k.MetricCode + "/" + k.GroupKey
}

// ChainState is the running peak-tracking record of a chain. Values are never
// mutated in place; Next produces the following snapshot.
type ChainState struct {
	CurrentAggregation          decimal.Decimal `json:"current_aggregation"`
	MaxAggregation              decimal.Decimal `json:"max_aggregation"`
	MaxAggregationWithProration decimal.Decimal `json:"max_aggregation_with_proration"`
	Version                     int64           `json:"version"`
}

// ZeroState is the state of a chain that has not seen any event yet.
func ZeroState() ChainState {
	return ChainState{
		CurrentAggregation:          decimal.Zero,
		MaxAggregation:              decimal.Zero,
		MaxAggregationWithProration: decimal.Zero,
	}
}

// Next returns the successor snapshot with the version bumped.
func (s ChainState) Next(current, peak, peakWithProration decimal.Decimal) ChainState {
	return ChainState{
		CurrentAggregation:          current,
		MaxAggregation:              peak,
		MaxAggregationWithProration: peakWithProration,
		Version:                     s.Version + 1,
	}
}

// Equal compares the aggregation triple, ignoring the version.
func (s ChainState) Equal(o ChainState) bool {
	return s.CurrentAggregation.Equal(o.CurrentAggregation) &&
		s.MaxAggregation.Equal(o.MaxAggregation) &&
		s.MaxAggregationWithProration.Equal(o.MaxAggregationWithProration)
}

func priorOrZero(p *ChainState) ChainState {
	if p == nil {
		return ZeroState()
	}
	return *p
}

// IncomingEvent is a single event for a pay-in-advance chain.
type IncomingEvent struct {
	ID         string
	Chain      ChainKey
	Timestamp  time.Time
	Properties map[string]interface{}
	Prior      *ChainState // nil means the chain has no history
}

// Options selects the aggregation path.
type Options struct {
	Timing       Timing
	CurrentUsage bool
	Prior        *ChainState // used by the current-usage advance path
}

// Result is the output of every aggregation path.
type Result struct {
	Aggregation             decimal.Decimal `json:"aggregation"`
	PayInAdvanceAggregation decimal.Decimal `json:"pay_in_advance_aggregation"`
	CurrentUsageUnits       int64           `json:"current_usage_units"`
	UnitsApplied            int             `json:"units_applied"`
	FullUnitsNumber         int64           `json:"full_units_number"`
	Operation               Operation       `json:"operation,omitempty"`
	State                   *ChainState     `json:"state,omitempty"`
}

func zeroResult() Result {
	return Result{
		Aggregation:             decimal.Zero,
		PayInAdvanceAggregation: decimal.Zero,
	}
}
