package obligation

import (
	"time"

	id "covenant/pkg/domain"
	dErrors "covenant/pkg/domain-errors"
)

// Horizon bounds how far forward Materialize generates deadlines. Recurrences
// stop at whichever limit is reached first; the deadline sweep extends the
// series as time advances.
type Horizon struct {
	MaxOccurrences int
	MaxSpan        time.Duration
}

// DefaultHorizon covers the common audit window without flooding storage for
// weekly recurrences.
var DefaultHorizon = Horizon{
	MaxOccurrences: 12,
	MaxSpan:        2 * 365 * 24 * time.Hour,
}

// Materialize generates the deadline sequence forward from the obligation's
// anchor date. ONE_OFF yields a single deadline at the anchor; recurring
// frequencies step from the anchor until the horizon is exhausted. Monthly,
// quarterly and annual steps keep the anchor's day-of-month, clamping to the
// last day of shorter months.
func Materialize(o *Obligation, h Horizon) ([]Deadline, error) {
	if o.AnchorDate.IsZero() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "anchor date is required to materialize deadlines")
	}
	if !o.Frequency.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "unknown frequency %q", o.Frequency)
	}

	if o.Frequency == id.FrequencyOneOff {
		return []Deadline{{
			ID:           id.NewDeadlineID(),
			ObligationID: o.ID,
			DueAt:        o.AnchorDate,
		}}, nil
	}

	limit := o.AnchorDate.Add(h.MaxSpan)
	deadlines := make([]Deadline, 0, h.MaxOccurrences)
	due := o.AnchorDate
	for i := 0; i < h.MaxOccurrences && !due.After(limit); i++ {
		deadlines = append(deadlines, Deadline{
			ID:           id.NewDeadlineID(),
			ObligationID: o.ID,
			DueAt:        due,
		})
		due = next(o.AnchorDate, o.Frequency, i+1)
	}
	return deadlines, nil
}

// next computes occurrence n (1-based) from the anchor rather than stepping
// from the previous occurrence, so clamped end-of-month dates do not drift.
func next(anchor time.Time, freq id.Frequency, n int) time.Time {
	switch freq {
	case id.FrequencyWeekly:
		return anchor.AddDate(0, 0, 7*n)
	case id.FrequencyMonthly:
		return addMonths(anchor, n)
	case id.FrequencyQuarterly:
		return addMonths(anchor, 3*n)
	case id.FrequencyAnnual:
		return addMonths(anchor, 12*n)
	default:
		return anchor
	}
}

// addMonths advances by whole months, clamping the day to the target month's
// length (Jan 31 + 1 month = Feb 28, not Mar 3).
func addMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	m := int(month) + months
	year += (m - 1) / 12
	month = time.Month((m-1)%12 + 1)

	if last := daysIn(year, month); day > last {
		day = last
	}
	h, min, sec := t.Clock()
	return time.Date(year, month, day, h, min, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
