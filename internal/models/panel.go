package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// TimestampLayout is the ISO-8601 layout of the CSV timestamp column.
const TimestampLayout = "2006-01-02T15:04:05"

// DayEntry pairs a day with the bandwidth mapping parsed for it.
type DayEntry struct {
	Day     CalendarDay
	Mapping DayMapping
}

// OutputRow is one line of the panel CSV
type OutputRow struct {
	Day         CalendarDay
	Fingerprint Fingerprint
	Bandwidth   uint64
	Timestamp   time.Time
}

// Validate checks that all row fields are valid
func (r *OutputRow) Validate() error {
	if r.Day.IsZero() {
		return errors.New("row day must not be zero")
	}
	if err := r.Fingerprint.Validate(); err != nil {
		return err
	}
	if r.Timestamp.IsZero() {
		return errors.New("row timestamp must not be zero")
	}
	return nil
}

// Record renders the row in CSV column order.
func (r *OutputRow) Record() []string {
	return []string{
		r.Day.String(),
		string(r.Fingerprint),
		fmt.Sprintf("%d", r.Bandwidth),
		r.Timestamp.Format(TimestampLayout),
	}
}

// Panel accumulates per-day mappings in the order they are added and derives
// the set of relays common to every day.
type Panel struct {
	days   []DayEntry
	common map[Fingerprint]struct{}
}

// NewPanel creates an empty panel.
func NewPanel() *Panel {
	return &Panel{}
}

// Add appends a day's mapping and narrows the common set to its keys.
func (p *Panel) Add(day CalendarDay, mapping DayMapping) {
	if mapping == nil {
		mapping = DayMapping{}
	}
	p.days = append(p.days, DayEntry{Day: day, Mapping: mapping})

	if len(p.days) == 1 {
		p.common = make(map[Fingerprint]struct{}, len(mapping))
		for fp := range mapping {
			p.common[fp] = struct{}{}
		}
		return
	}
	for fp := range p.common {
		if _, ok := mapping[fp]; !ok {
			delete(p.common, fp)
		}
	}
}

// Days returns the entries in insertion order.
func (p *Panel) Days() []DayEntry {
	return p.days
}

// Common returns the fingerprints present on every day, sorted.
func (p *Panel) Common() []Fingerprint {
	fps := make([]Fingerprint, 0, len(p.common))
	for fp := range p.common {
		fps = append(fps, fp)
	}
	sort.Slice(fps, func(i, j int) bool { return fps[i] < fps[j] })
	return fps
}

// Empty reports whether no relay is common to every day.
func (p *Panel) Empty() bool {
	return len(p.common) == 0
}

// Rows expands the panel into one row per day per common relay. Days keep
// insertion order; relays within a day are sorted by fingerprint.
func (p *Panel) Rows() []OutputRow {
	common := p.Common()
	rows := make([]OutputRow, 0, len(p.days)*len(common))
	for _, entry := range p.days {
		stamp := entry.Day.Midnight()
		for _, fp := range common {
			rows = append(rows, OutputRow{
				Day:         entry.Day,
				Fingerprint: fp,
				Bandwidth:   entry.Mapping[fp],
				Timestamp:   stamp,
			})
		}
	}
	return rows
}
