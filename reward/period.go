package reward

import (
	"fmt"
	"time"
)

// PeriodType is the only reward period supported.
const PeriodType = "WEEK"

const (
	week     = 7 * 24 * time.Hour
	idLayout = "2006-01-02"
)

// Period is a reward week, from Monday 00:00 UTC (included) to the next Monday (excluded).
type Period struct {
	From time.Time
	To   time.Time
}

// PeriodOf returns the week t is in.
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	// Sunday is 0
	offset := (int(day.Weekday()) + 6) % 7
	from := day.AddDate(0, 0, -offset)

	return Period{From: from, To: from.Add(week)}
}

// ParsePeriod returns the period of a reward id.
func ParsePeriod(id string) (Period, error) {
	t, err := time.Parse(idLayout, id)
	if err != nil {
		return Period{}, fmt.Errorf("reward period %q: %w", id, err)
	}

	return PeriodOf(t), nil
}

// ID returns the reward id of the period, the date of its Monday.
func (p Period) ID() string { return p.From.Format(idLayout) }

// Previous returns the week before p.
func (p Period) Previous() Period { return Period{From: p.From.Add(-week), To: p.From} }

// Contains returns true when t is in p.
func (p Period) Contains(t time.Time) bool { return !t.Before(p.From) && t.Before(p.To) }

// weeksSince returns the number of weeks from the start of earlier to the start of p.
func (p Period) weeksSince(earlier Period) float64 {
	return float64(p.From.Sub(earlier.From)) / float64(week)
}
