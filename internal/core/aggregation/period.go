package aggregation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const secondsPerDay = 86400

// Anchor decides where billing windows start.
type Anchor string

const (
	AnchorCalendar    Anchor = "calendar"
	AnchorAnniversary Anchor = "anniversary"
)

// Interval is the length of a billing window.
type Interval string

const (
	IntervalWeekly  Interval = "weekly"
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

// Lifecycle statuses.
const (
	StatusActive     = "active"
	StatusTerminated = "terminated"
)

// Window is a requested billing window. Both bounds are inclusive.
type Window struct {
	From time.Time
	To   time.Time
}

// Lifecycle holds the subscription facts needed to clip a window.
// ExternalID is shared by every subscription of an upgrade chain.
type Lifecycle struct {
	SubscriptionID string
	ExternalID     string
	StartedAt      time.Time
	SubscriptionAt time.Time
	TerminatedAt   *time.Time
	Status         string
	Timing         Timing
	Anchor         Anchor
	Interval       Interval
	Timezone       string
	Predecessor    *Lifecycle
}

// Location resolves the lifecycle's timezone. Empty means UTC.
func (l Lifecycle) Location() (*time.Location, error) {
	if l.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(l.Timezone)
	if err != nil {
		return nil, fmt.Errorf("lifecycle %s: timezone %q: %w", l.SubscriptionID, l.Timezone, err)
	}
	return loc, nil
}

// ChainStart returns the earliest start along the upgrade chain.
func ChainStart(l Lifecycle) time.Time {
	start := l.StartedAt
	for p := l.Predecessor; p != nil; p = p.Predecessor {
		if p.StartedAt.Before(start) {
			start = p.StartedAt
		}
	}
	return start
}

// PredecessorEnd is the last billed instant of the predecessor: its recorded
// termination, capped at the second before this subscription begins.
func PredecessorEnd(l Lifecycle) (time.Time, bool) {
	if l.Predecessor == nil {
		return time.Time{}, false
	}
	last := l.StartedAt.Add(-time.Second)
	if t := l.Predecessor.TerminatedAt; t != nil && t.Before(last) {
		return *t, true
	}
	return last, true
}

// Supersede returns the predecessor of l terminated at PredecessorEnd. It
// reports false when there is no predecessor or it already ended by then.
func Supersede(l Lifecycle) (Lifecycle, bool) {
	end, ok := PredecessorEnd(l)
	if !ok {
		return Lifecycle{}, false
	}
	prev := *l.Predecessor
	if prev.TerminatedAt != nil && prev.TerminatedAt.Equal(end) {
		return prev, false
	}
	prev.TerminatedAt = &end
	prev.Status = StatusTerminated
	return prev, true
}

// Period is an effective billing period. From and To are inclusive instants
// truncated to the second; Days is the elapsed length on the wall clock of Location.
type Period struct {
	From     time.Time
	To       time.Time
	Days     decimal.Decimal
	Location *time.Location
}

// NewPeriod builds a period over [from, to]. A period whose bounds coincide has zero days.
func NewPeriod(from, to time.Time, loc *time.Location) (Period, error) {
	if to.Before(from) {
		return Period{}, fmt.Errorf("%w: from=%s to=%s", ErrInvalidRange, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	if loc == nil {
		loc = time.UTC
	}
	p := Period{
		From:     from.Truncate(time.Second).UTC(),
		To:       to.Truncate(time.Second).UTC(),
		Location: loc,
	}
	if p.To.After(p.From) {
		p.Days = daysBetween(p.From, p.end(), loc)
	} else {
		p.Days = decimal.Zero
	}
	return p, nil
}

// end is the exclusive upper bound.
func (p Period) end() time.Time {
	return p.To.Add(time.Second)
}

func (p Period) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// Effective clips the window against the lifecycle: it starts no earlier than
// started_at and ends no later than terminated_at.
func Effective(w Window, l Lifecycle) (Period, error) {
	if w.To.Before(w.From) {
		return Period{}, fmt.Errorf("%w: from=%s to=%s", ErrInvalidRange, w.From.Format(time.RFC3339), w.To.Format(time.RFC3339))
	}
	loc, err := l.Location()
	if err != nil {
		return Period{}, err
	}

	from, to := w.From, w.To
	if l.StartedAt.After(from) {
		from = l.StartedAt
	}
	if l.TerminatedAt != nil && l.TerminatedAt.Before(to) {
		to = *l.TerminatedAt
	}
	if to.Before(from) {
		// The lifecycle does not overlap the window at all.
		return Period{From: from.Truncate(time.Second).UTC(), To: from.Truncate(time.Second).UTC(), Days: decimal.Zero, Location: loc}, nil
	}
	return NewPeriod(from, to, loc)
}

// BillingWindow returns the window of the lifecycle's interval that contains at.
func BillingWindow(l Lifecycle, at time.Time) (Window, error) {
	loc, err := l.Location()
	if err != nil {
		return Window{}, err
	}
	local := at.In(loc)
	anchor := l.SubscriptionAt
	if anchor.IsZero() {
		anchor = ChainStart(l)
	}
	anchor = anchor.In(loc)

	var start, next time.Time
	switch l.Interval {
	case IntervalWeekly:
		weekday := time.Monday
		if l.Anchor == AnchorAnniversary {
			weekday = anchor.Weekday()
		}
		back := (int(local.Weekday()) - int(weekday) + 7) % 7
		start = time.Date(local.Year(), local.Month(), local.Day()-back, 0, 0, 0, 0, loc)
		next = start.AddDate(0, 0, 7)
	case IntervalMonthly, "":
		day := 1
		if l.Anchor == AnchorAnniversary {
			day = anchor.Day()
		}
		start = clampDate(local.Year(), local.Month(), day, loc)
		if start.After(local) {
			start = clampDate(local.Year(), local.Month()-1, day, loc)
		}
		next = clampDate(start.Year(), start.Month()+1, day, loc)
	case IntervalYearly:
		month, day := time.January, 1
		if l.Anchor == AnchorAnniversary {
			month, day = anchor.Month(), anchor.Day()
		}
		start = clampDate(local.Year(), month, day, loc)
		if start.After(local) {
			start = clampDate(local.Year()-1, month, day, loc)
		}
		next = clampDate(start.Year()+1, month, day, loc)
	default:
		return Window{}, fmt.Errorf("unsupported billing interval %q", l.Interval)
	}
	return Window{From: start.UTC(), To: next.Add(-time.Second).UTC()}, nil
}

// clampDate builds local midnight of (year, month, day), clamping day to the month length.
func clampDate(year int, month time.Month, day int, loc *time.Location) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	last := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, loc).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, loc)
}

// daysBetween measures [a, b) in days of wall-clock time in loc, so a DST
// switch inside the range neither adds nor removes an hour.
func daysBetween(a, b time.Time, loc *time.Location) decimal.Decimal {
	secs := wallSeconds(b, loc) - wallSeconds(a, loc)
	if secs <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(secs).DivRound(decimal.NewFromInt(secondsPerDay), fractionScale)
}

func wallSeconds(t time.Time, loc *time.Location) int64 {
	w := t.In(loc)
	return time.Date(w.Year(), w.Month(), w.Day(), w.Hour(), w.Minute(), w.Second(), 0, time.UTC).Unix()
}
