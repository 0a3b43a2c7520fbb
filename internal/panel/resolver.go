package panel

import (
	"context"
	"errors"
	"fmt"

	"github.com/rewired-gh/relaypanel/internal/archive"
	"github.com/rewired-gh/relaypanel/internal/collector"
	"github.com/rewired-gh/relaypanel/internal/logger"
	"github.com/rewired-gh/relaypanel/internal/models"
)

// ErrHourOutOfRange is returned for candidate hours outside 0–23.
var ErrHourOutOfRange = errors.New("hour out of range")

// ArchiveSource resolves a month identifier to archive bytes.
type ArchiveSource interface {
	Fetch(ctx context.Context, month string) (*collector.Archive, error)
}

// UnavailableError reports that no candidate hour produced a document for a day.
type UnavailableError struct {
	Day   models.CalendarDay
	Hours []int
	Err   error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("failed to fetch consensus for %s (hours tried: %v): %v", e.Day, e.Hours, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// ValidateHours checks that every candidate hour lies in 0–23 and that at least one is given.
func ValidateHours(hours []int) error {
	if len(hours) == 0 {
		return fmt.Errorf("%w: no candidate hours", ErrHourOutOfRange)
	}
	for _, h := range hours {
		if h < 0 || h > 23 {
			return fmt.Errorf("%w: %d", ErrHourOutOfRange, h)
		}
	}
	return nil
}

// Resolver tries candidate hours in order until one yields a document.
type Resolver struct {
	source ArchiveSource
}

// NewResolver creates a resolver over source.
func NewResolver(source ArchiveSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns the first document obtained for day, trying hours strictly
// in the given order. Each hour goes through fetch and extract; any failure
// moves on to the next hour without retrying the same one.
func (r *Resolver) Resolve(ctx context.Context, day models.CalendarDay, hours []int) (*archive.Document, error) {
	var lastErr error
	for _, hour := range hours {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logger.Info("Using month archive for %s @ %02d:00", day, hour)

		doc, err := r.attempt(ctx, day, hour)
		if err == nil {
			logger.Info("Found consensus entry %s", doc.Name)
			return doc, nil
		}
		lastErr = err
		logger.Warn("No consensus for %s @ %02d:00: %v", day, hour, err)
	}
	if lastErr == nil {
		lastErr = errors.New("no candidate hours")
	}
	return nil, &UnavailableError{Day: day, Hours: hours, Err: lastErr}
}

func (r *Resolver) attempt(ctx context.Context, day models.CalendarDay, hour int) (*archive.Document, error) {
	a, err := r.source.Fetch(ctx, day.Month())
	if err != nil {
		return nil, err
	}
	return archive.Extract(a.Data, day, hour, a.Source)
}
