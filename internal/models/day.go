// Package models defines the core domain entities for the relay panel builder.
// These models represent calendar days, relay fingerprints, per-day bandwidth
// mappings and the assembled panel with its output rows.
//
// Terminology (matching the Tor directory protocol):
//   - Relay: a network participant listed in a consensus document.
//   - Fingerprint: the hex form of a relay's 20-byte identity digest.
//   - Panel: the day × relay matrix restricted to relays present on every day.
package models

import (
	"fmt"
	"time"
)

// DateLayout is the YYYY-MM-DD form used on the command line and in the CSV.
const DateLayout = "2006-01-02"

// MonthLayout is the YYYY-MM form used to name monthly archives.
const MonthLayout = "2006-01"

// CalendarDay is a UTC date, the iteration unit of the panel.
// The zero value is not a valid day.
type CalendarDay struct {
	t time.Time
}

// NewCalendarDay returns the day for the given year, month and day of month.
// Out-of-range values are normalized the way time.Date normalizes them.
func NewCalendarDay(year int, month time.Month, day int) CalendarDay {
	return CalendarDay{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseCalendarDay parses a YYYY-MM-DD string.
func ParseCalendarDay(s string) (CalendarDay, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return CalendarDay{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return CalendarDay{t: t.UTC()}, nil
}

// IsZero reports whether d is the zero value.
func (d CalendarDay) IsZero() bool {
	return d.t.IsZero()
}

// String formats the day as YYYY-MM-DD.
func (d CalendarDay) String() string {
	return d.t.Format(DateLayout)
}

// Month returns the YYYY-MM identifier of the month containing d.
func (d CalendarDay) Month() string {
	return d.t.Format(MonthLayout)
}

// Midnight returns the instant at 00:00 UTC on d.
func (d CalendarDay) Midnight() time.Time {
	return d.t
}

// Next returns the following day.
func (d CalendarDay) Next() CalendarDay {
	return CalendarDay{t: d.t.AddDate(0, 0, 1)}
}

// After reports whether d falls strictly after other.
func (d CalendarDay) After(other CalendarDay) bool {
	return d.t.After(other.t)
}

// DayRange returns every day from start to end inclusive, in order.
// It returns nil when start falls after end.
func DayRange(start, end CalendarDay) []CalendarDay {
	if start.After(end) {
		return nil
	}
	var days []CalendarDay
	for d := start; !d.After(end); d = d.Next() {
		days = append(days, d)
	}
	return days
}
