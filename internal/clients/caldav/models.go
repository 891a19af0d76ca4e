package caldav

import "time"

// Calendar represents a calendar collection on the server
type Calendar struct {
	Path        string
	DisplayName string
	Description string
}

// Event is one VEVENT as stored on the server, before recurrence expansion
type Event struct {
	UID         string
	Summary     string
	Description string
	Location    string
	URL         string
	Categories  []string
	StartTime   time.Time
	EndTime     time.Time
	AllDay      bool
	Reminders   []Reminder
	RRule       string   // e.g. "FREQ=WEEKLY;BYDAY=MO"
	ExDates     []time.Time
}

// Reminder is a VALARM trigger relative to the event start
type Reminder struct {
	MinutesBefore int
}
