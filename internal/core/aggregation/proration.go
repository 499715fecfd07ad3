package aggregation

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places every billed quantity is rounded to.
const Precision = 5

// fractionScale bounds the intermediate precision of a fraction before rounding.
const fractionScale = 28

var one = decimal.NewFromInt(1)

// Fraction returns active/period clamped to [0, 1].
func Fraction(active, period decimal.Decimal) (decimal.Decimal, error) {
	if !period.IsPositive() {
		return decimal.Zero, ErrNonPositiveDuration
	}
	if !active.IsPositive() {
		return decimal.Zero, nil
	}
	f := active.DivRound(period, fractionScale)
	if f.GreaterThan(one) {
		return one, nil
	}
	return f, nil
}

// RoundUp rounds toward positive infinity at Precision places. It never
// returns less than x.
func RoundUp(x decimal.Decimal) decimal.Decimal {
	return x.RoundCeil(Precision)
}

// prorate is the rounded single-unit contribution used by the incremental path.
func prorate(active, period decimal.Decimal) (decimal.Decimal, error) {
	f, err := Fraction(active, period)
	if err != nil {
		return decimal.Zero, err
	}
	return RoundUp(f), nil
}

// ExtractUniqueID pulls the unit identifier from an event's properties.
// Numeric identifiers are normalised through decimal so 42 and 42.0 collide.
// Returns false when the field is missing, empty, or of an unsupported type.
func ExtractUniqueID(props map[string]interface{}, field string) (string, bool) {
	if field == "" || props == nil {
		return "", false
	}
	v, ok := props[field]
	if !ok || v == nil {
		return "", false
	}
	var id string
	switch val := v.(type) {
	case string:
		id = strings.TrimSpace(val)
	case float64:
		id = decimal.NewFromFloat(val).String()
	case float32:
		id = decimal.NewFromFloat32(val).String()
	case int:
		id = strconv.Itoa(val)
	case int64:
		id = strconv.FormatInt(val, 10)
	case int32:
		id = strconv.FormatInt(int64(val), 10)
	case interface{ String() string }:
		id = strings.TrimSpace(val.String())
	default:
		return "", false
	}
	if id == "" {
		return "", false
	}
	return id, true
}
