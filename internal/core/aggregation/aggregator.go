package aggregation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Aggregator is the capability set of one aggregation kind.
// To add a kind: implement this interface and register a constructor in Kinds.
type Aggregator interface {
	// ComputeArrears integrates unit activity over the period.
	ComputeArrears(p Period, units []QuantifiedEvent, opts Options) (Result, error)

	// ComputeAdvance forecasts the period from its starting state, or reports
	// current usage when opts.CurrentUsage is set.
	ComputeAdvance(p Period, units []QuantifiedEvent, opts Options) (Result, error)

	// ComputeIncremental applies a single incoming event to the chain state.
	ComputeIncremental(p Period, ev IncomingEvent, open UnitSet) (Result, error)
}

// Kinds is the registry of aggregation kinds, keyed by aggregation_type.
var Kinds = map[string]func(fieldName string) Aggregator{
	KindUniqueCount: func(fieldName string) Aggregator { return UniqueCount{FieldName: fieldName} },
}

// ValidKind reports whether kind has a registered Aggregator.
func ValidKind(kind string) bool {
	_, ok := Kinds[kind]
	return ok
}

// For builds the Aggregator for a billable metric.
func For(m BillableMetric) (Aggregator, error) {
	build, ok := Kinds[m.AggregationType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, m.AggregationType)
	}
	return build(m.FieldName), nil
}

// Aggregate dispatches to the arrears or advance path of agg.
func Aggregate(agg Aggregator, p Period, units []QuantifiedEvent, opts Options) (Result, error) {
	if opts.Timing == TimingAdvance {
		return agg.ComputeAdvance(p, units, opts)
	}
	return agg.ComputeArrears(p, units, opts)
}

// UniqueCount counts distinct units, prorated by the time each was active.
type UniqueCount struct {
	FieldName string // property holding the unit identifier
}

func (UniqueCount) ComputeArrears(p Period, units []QuantifiedEvent, opts Options) (Result, error) {
	if !p.Days.IsPositive() {
		return Result{}, ErrNonPositiveDuration
	}
	res := zeroResult()

	sum := decimal.Zero
	for _, iv := range Resolve(p, units) {
		f, err := Fraction(iv.ActiveDays, p.Days)
		if err != nil {
			return Result{}, err
		}
		sum = sum.Add(f)
	}
	res.Aggregation = RoundUp(sum)
	res.FullUnitsNumber = CountActiveAt(units, p.To)
	if opts.CurrentUsage {
		res.CurrentUsageUnits = res.FullUnitsNumber
	}
	return res, nil
}

func (UniqueCount) ComputeAdvance(p Period, units []QuantifiedEvent, opts Options) (Result, error) {
	if !p.Days.IsPositive() {
		return Result{}, ErrNonPositiveDuration
	}
	res := zeroResult()

	if !opts.CurrentUsage {
		n := CountActiveAt(units, p.From)
		res.Aggregation = decimal.NewFromInt(n)
		res.FullUnitsNumber = n
		return res, nil
	}

	prior := priorOrZero(opts.Prior)
	active := activeAt(units, p.To)
	n := int64(len(active))

	// Units beyond the billed peak are the newest ones; each is charged from
	// its own start to the end of the period.
	sum := prior.MaxAggregationWithProration
	excess := n - prior.MaxAggregation.IntPart()
	for i := int64(0); i < excess; i++ {
		u := active[i]
		from := u.AddedAt.Truncate(time.Second)
		if from.Before(p.From) {
			from = p.From
		}
		c, err := prorate(daysBetween(from, p.end(), p.location()), p.Days)
		if err != nil {
			return Result{}, err
		}
		sum = sum.Add(c)
	}

	res.Aggregation = sum
	res.CurrentUsageUnits = n
	res.FullUnitsNumber = n
	if peak := prior.MaxAggregation.IntPart(); peak > n {
		res.FullUnitsNumber = peak
	}
	return res, nil
}
