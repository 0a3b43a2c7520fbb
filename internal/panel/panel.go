// Package panel assembles a daily, relay-aligned bandwidth panel.
//
// For each day in order, a Resolver obtains one consensus document by trying
// candidate hours, the consensus parser reduces it to a DayMapping, and the
// mapping is folded into a models.Panel. The run is all-or-nothing at day
// granularity: one unavailable day aborts the build before any output exists.
package panel

import (
	"context"
	"errors"
	"time"

	"github.com/rewired-gh/relaypanel/internal/consensus"
	"github.com/rewired-gh/relaypanel/internal/logger"
	"github.com/rewired-gh/relaypanel/internal/models"
)

// ErrNoDays is returned when the requested range holds no days.
var ErrNoDays = errors.New("no days in requested range")

// DayReport summarizes how one day was obtained.
type DayReport struct {
	Day      models.CalendarDay
	Entry    string
	Hour     int
	Relays   int
	Stats    consensus.Stats
	Duration time.Duration
}

// Builder drives the resolver and parser across a range of days.
type Builder struct {
	resolver *Resolver
	hours    []int
}

// NewBuilder creates a builder trying hours in the given order for every day.
func NewBuilder(resolver *Resolver, hours []int) *Builder {
	return &Builder{resolver: resolver, hours: append([]int(nil), hours...)}
}

// Build processes days strictly in order and returns the assembled panel.
func (b *Builder) Build(ctx context.Context, days []models.CalendarDay) (*models.Panel, []DayReport, error) {
	if len(days) == 0 {
		return nil, nil, ErrNoDays
	}
	if err := ValidateHours(b.hours); err != nil {
		return nil, nil, err
	}

	p := models.NewPanel()
	reports := make([]DayReport, 0, len(days))
	for _, day := range days {
		start := time.Now()
		logger.Info("[%s] Fetching consensus (hours tried: %v)", day, b.hours)

		doc, err := b.resolver.Resolve(ctx, day, b.hours)
		if err != nil {
			return nil, nil, err
		}

		mapping, stats := consensus.Parse(doc.Text)
		p.Add(day, mapping)

		report := DayReport{
			Day:      day,
			Entry:    doc.Name,
			Hour:     doc.Hour,
			Relays:   len(mapping),
			Stats:    stats,
			Duration: time.Since(start),
		}
		reports = append(reports, report)
		logger.Info("[%s] Parsed relays: %d (in %.1fs)", day, len(mapping), report.Duration.Seconds())
		logger.Debug("[%s] %s: %d lines, %d relay lines, %d malformed, %d unpaired",
			day, doc.Name, stats.Lines, stats.Relays, stats.Malformed, stats.Unpaired)
	}

	return p, reports, nil
}
