package domain

import (
	"fmt"
	"time"
)

// Reminder is a locally owned request to be notified ahead of an event.
// At most one reminder exists per (EventID, MinutesBefore).
type Reminder struct {
	ID            string    `json:"id"`
	EventID       string    `json:"event_id"`
	EventTitle    string    `json:"event_title"`
	FireAt        time.Time `json:"reminder_time"`
	MinutesBefore int       `json:"minutes_before"`
}

// ReminderID builds the composite identity of a reminder.
func ReminderID(eventID string, minutesBefore int) string {
	return fmt.Sprintf("%s-%d", eventID, minutesBefore)
}

// IsDue reports whether the fire time is at or before now.
func (r *Reminder) IsDue(now time.Time) bool {
	return !r.FireAt.After(now)
}

// Notification is what the notification platform is asked to show.
type Notification struct {
	Title              string
	Body               string
	Icon               string
	Badge              string
	Tag                string // notifications with the same tag replace each other
	RequireInteraction bool
}

// Permission is the notification permission state of the platform.
type Permission string

const (
	PermissionDefault     Permission = "default"
	PermissionGranted     Permission = "granted"
	PermissionDenied      Permission = "denied"
	PermissionUnsupported Permission = "unsupported"
)

func (p Permission) Granted() bool {
	return p == PermissionGranted
}
