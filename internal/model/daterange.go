package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// DateLayout is the calendar-date layout used by EDGAR and the API.
const DateLayout = "2006-01-02"

// DateRange is a half-open filing-date window [From, To).
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NewDateRange builds a day-granular range.
func NewDateRange(from, to time.Time) DateRange {
	return DateRange{From: Day(from), To: Day(to)}
}

// ParseDate parses a YYYY-MM-DD date. Timestamps with a time component are
// accepted and truncated to the day.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, eris.Errorf("model: invalid date %q", s)
	}
	return Day(t), nil
}

// Contains reports whether t falls inside [From, To).
func (r DateRange) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(r.From) && d.Before(r.To)
}

// Overlaps reports whether the closed interval [a, b] intersects the range.
func (r DateRange) Overlaps(a, b time.Time) bool {
	return !Day(b).Before(r.From) && Day(a).Before(r.To)
}

// Empty reports whether the range contains no days.
func (r DateRange) Empty() bool {
	return !r.From.Before(r.To)
}

// Validate rejects zero or inverted ranges.
func (r DateRange) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return eris.New("model: date range requires both from and to")
	}
	if r.To.Before(r.From) {
		return eris.Errorf("model: date range to %s is before from %s",
			r.To.Format(DateLayout), r.From.Format(DateLayout))
	}
	return nil
}

func (r DateRange) String() string {
	return "[" + r.From.Format(DateLayout) + ", " + r.To.Format(DateLayout) + ")"
}
