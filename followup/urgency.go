package followup

import "time"

// Urgency classifies a due date relative to the current calendar day.
type Urgency string

const (
	UrgencyOverdue  Urgency = "overdue"
	UrgencyToday    Urgency = "today"
	UrgencyUpcoming Urgency = "upcoming"
)

func (u Urgency) rank() int {
	switch u {
	case UrgencyOverdue:
		return 0
	case UrgencyToday:
		return 1
	}
	return 2
}

// ClassifyUrgency compares calendar dates in now's location, not instants.
// daysOverdue is positive when overdue, zero today and negative when upcoming.
func ClassifyUrgency(dueAt, now time.Time) (Urgency, int) {
	diff := DaysBetween(dueAt, now)
	switch {
	case diff > 0:
		return UrgencyOverdue, diff
	case diff == 0:
		return UrgencyToday, 0
	}
	return UrgencyUpcoming, diff
}

// DaysBetween returns the number of calendar days from the day of from to the
// day of to, both taken in to's location.
func DaysBetween(from, to time.Time) int {
	loc := to.Location()
	a := calendarDay(from.In(loc))
	b := calendarDay(to)
	return int(b.Sub(a) / (24 * time.Hour))
}

// calendarDay maps a wall-clock date onto UTC midnight so DST shifts never
// produce fractional days.
func calendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DueByToday reports whether dueAt falls on or before now's calendar day.
func DueByToday(dueAt, now time.Time) bool {
	return DaysBetween(dueAt, now) >= 0
}

// EndOfDay returns the last instant of now's calendar day.
func EndOfDay(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location()).Add(-time.Nanosecond)
}

// StartOfDay returns midnight of now's calendar day.
func StartOfDay(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}
