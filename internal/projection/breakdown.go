package projection

import (
	"sort"

	"github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	"github.com/shopspring/decimal"
)

// unitBreakdown folds the unit intervals of a period into one row per unique
// id. A unit re-added inside the period sums its activations.
func unitBreakdown(p aggregation.Period, units []aggregation.QuantifiedEvent) []UnitUsage {
	if !p.Days.IsPositive() {
		return nil
	}

	byID := make(map[string]*UnitUsage)
	for _, iv := range aggregation.Resolve(p, units) {
		row, ok := byID[iv.UniqueID]
		if !ok {
			row = &UnitUsage{UniqueID: iv.UniqueID, ActiveDays: decimal.Zero}
			byID[iv.UniqueID] = row
		}
		row.Activations++
		row.ActiveDays = row.ActiveDays.Add(iv.ActiveDays)
	}

	out := make([]UnitUsage, 0, len(byID))
	for _, row := range byID {
		f, err := aggregation.Fraction(row.ActiveDays, p.Days)
		if err != nil {
			continue
		}
		row.ActiveDays = row.ActiveDays.Round(aggregation.Precision)
		row.Fraction = aggregation.RoundUp(f)
		out = append(out, *row)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UniqueID < out[j].UniqueID
	})
	return out
}
