package domain

import "time"

// Layouts used by the events feed.
const (
	DateLayout  = "2006-01-02"
	ClockLayout = "3:04 PM"
)

// EventFromTime fills the date and 12-hour time fields of an event from t.
func EventFromTime(e *Event, t time.Time) {
	e.Date = t.Format(DateLayout)
	e.Time = t.Format(ClockLayout)
}
