package domain

import (
	"encoding/json"
	"time"
)

// Event is a campus event as published by the events origin.
type Event struct {
	ID                    string    `json:"id"`
	Title                 string    `json:"title"`
	Date                  string    `json:"date"` // YYYY-MM-DD
	Time                  string    `json:"time"` // "2:30 PM"
	Venue                 string    `json:"venue"`
	Department            string    `json:"department"`
	Club                  string    `json:"club"`
	Logo                  string    `json:"logo"`
	Poster                string    `json:"poster"`
	Type                  string    `json:"type"`
	Description           string    `json:"description"`
	ReminderMinutesBefore int       `json:"reminder_minutes_before"`
	Tags                  []string  `json:"tags"`
	RegistrationURL       string    `json:"registration_url,omitempty"`
	IsActive              bool      `json:"is_active"`
	MaxParticipants       *int      `json:"max_participants,omitempty"`
	CurrentParticipants   int       `json:"current_participants"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// UnmarshalJSON defaults IsActive to true so feeds that omit the flag keep
// their events listed.
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	p := plain{IsActive: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = Event(p)
	return nil
}

// IsFull reports whether the event has a capacity and it is reached.
func (e *Event) IsFull() bool {
	return e.MaxParticipants != nil && e.CurrentParticipants >= *e.MaxParticipants
}

// EventFilters narrows an event list. Empty fields match everything.
type EventFilters struct {
	Search     string `json:"search"`
	Department string `json:"department"`
	Club       string `json:"club"`
	Type       string `json:"type"`
	Date       string `json:"date"`
}

// IsZero reports whether no filter is set.
func (f EventFilters) IsZero() bool {
	return f == EventFilters{}
}

// EventFacets lists the distinct values available for the exact-match filters.
type EventFacets struct {
	Departments []string `json:"departments"`
	Clubs       []string `json:"clubs"`
	Types       []string `json:"types"`
}

// EventSnapshot is the last successfully fetched event list.
type EventSnapshot struct {
	Events    []Event
	FetchedAt time.Time
}
