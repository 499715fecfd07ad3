package aggregation

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OperationTypeProperty optionally names the transition explicitly ("add" or "remove").
const OperationTypeProperty = "operation_type"

// UnitSet is the set of unique ids currently open in a chain.
type UnitSet map[string]struct{}

// NewUnitSet builds a set from ids.
func NewUnitSet(ids ...string) UnitSet {
	s := make(UnitSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is open.
func (s UnitSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// classify decides the transition for id. An explicit operation_type that
// contradicts the open set yields OperationIgnored.
func classify(props map[string]interface{}, id string, open UnitSet) Operation {
	isOpen := open.Has(id)
	if raw, ok := props[OperationTypeProperty].(string); ok {
		switch Operation(strings.ToLower(strings.TrimSpace(raw))) {
		case OperationAdd:
			if isOpen {
				return OperationIgnored
			}
			return OperationAdd
		case OperationRemove:
			if !isOpen {
				return OperationIgnored
			}
			return OperationRemove
		}
	}
	if isOpen {
		return OperationRemove
	}
	return OperationAdd
}

// ComputeIncremental bills only new peaks reached during the period. Events
// without an identifier, or with a contradicting operation, leave the state untouched.
func (u UniqueCount) ComputeIncremental(p Period, ev IncomingEvent, open UnitSet) (Result, error) {
	if !p.Days.IsPositive() {
		return Result{}, ErrNonPositiveDuration
	}
	prior := priorOrZero(ev.Prior)
	res := zeroResult()
	res.Aggregation = prior.MaxAggregationWithProration
	res.CurrentUsageUnits = prior.CurrentAggregation.IntPart()
	res.FullUnitsNumber = prior.MaxAggregation.IntPart()
	res.Operation = OperationIgnored

	id, ok := ExtractUniqueID(ev.Properties, u.FieldName)
	if !ok {
		return res, nil
	}
	op := classify(ev.Properties, id, open)
	if op == OperationIgnored {
		return res, nil
	}

	current := prior.CurrentAggregation
	if op == OperationAdd {
		current = current.Add(one)
	} else {
		current = current.Sub(one)
		if current.IsNegative() {
			current = decimal.Zero
		}
	}

	peak := prior.MaxAggregation
	withProration := prior.MaxAggregationWithProration
	pay := decimal.Zero
	if current.GreaterThan(peak) {
		c, err := remainingContribution(p, ev.Timestamp)
		if err != nil {
			return Result{}, err
		}
		pay = c
		peak = current
		withProration = withProration.Add(c)
	}

	next := prior.Next(current, peak, withProration)
	res.Aggregation = withProration
	res.PayInAdvanceAggregation = pay
	res.CurrentUsageUnits = current.IntPart()
	res.FullUnitsNumber = peak.IntPart()
	res.UnitsApplied = 1
	res.Operation = op
	res.State = &next
	return res, nil
}

// remainingContribution prorates the time from at (or the period start) to the period end.
func remainingContribution(p Period, at time.Time) (decimal.Decimal, error) {
	from := at.Truncate(time.Second)
	if from.Before(p.From) {
		from = p.From
	}
	end := p.end()
	if !from.Before(end) {
		return decimal.Zero, nil
	}
	return prorate(daysBetween(from, end, p.location()), p.Days)
}

// OpeningState is the state a chain enters a period with. Units already active
// at the period start were billed in full by the advance charge, so they form
// the initial peak. Returns nil when nothing was active.
func OpeningState(p Period, units []QuantifiedEvent) *ChainState {
	n := int64(len(CarriedUnits(p, units)))
	if n == 0 {
		return nil
	}
	d := decimal.NewFromInt(n)
	return &ChainState{
		CurrentAggregation:          d,
		MaxAggregation:              d,
		MaxAggregationWithProration: d,
	}
}
