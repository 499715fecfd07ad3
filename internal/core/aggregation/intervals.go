package aggregation

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// UnitInterval is the part of one unit activation that falls inside a period.
// To is exclusive.
type UnitInterval struct {
	UniqueID   string
	From       time.Time
	To         time.Time
	ActiveDays decimal.Decimal
}

// Resolve intersects every unit with the period and drops empty or inverted
// intervals. Output order follows the input and carries no meaning.
func Resolve(p Period, units []QuantifiedEvent) []UnitInterval {
	end := p.end()
	out := make([]UnitInterval, 0, len(units))
	for _, u := range units {
		from := u.AddedAt.Truncate(time.Second)
		if from.Before(p.From) {
			from = p.From
		}
		to := end
		if u.RemovedAt != nil {
			removed := u.RemovedAt.Truncate(time.Second)
			if removed.Before(to) {
				to = removed
			}
		}
		if !to.After(from) {
			continue
		}
		out = append(out, UnitInterval{
			UniqueID:   u.UniqueID,
			From:       from,
			To:         to,
			ActiveDays: daysBetween(from, to, p.location()),
		})
	}
	return out
}

// activeAt returns the distinct units active at t, newest activation first.
// When a unique id has several activations only the latest counts.
func activeAt(units []QuantifiedEvent, t time.Time) []QuantifiedEvent {
	latest := make(map[string]QuantifiedEvent)
	for _, u := range units {
		if !u.ActiveAt(t) {
			continue
		}
		if cur, ok := latest[u.UniqueID]; !ok || u.AddedAt.After(cur.AddedAt) {
			latest[u.UniqueID] = u
		}
	}
	out := make([]QuantifiedEvent, 0, len(latest))
	for _, u := range latest {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].UniqueID < out[j].UniqueID
		}
		return out[i].AddedAt.After(out[j].AddedAt)
	})
	return out
}

// CarriedUnits returns the units a chain enters p with: every distinct unit
// active at p.From, including one added exactly at the start.
func CarriedUnits(p Period, units []QuantifiedEvent) []QuantifiedEvent {
	return activeAt(units, p.From)
}

// CountActiveAt is the number of distinct units active at t.
func CountActiveAt(units []QuantifiedEvent, t time.Time) int64 {
	return int64(len(activeAt(units, t)))
}
