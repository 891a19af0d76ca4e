package domain

import "time"

// Registration links a user to an event they signed up for.
type Registration struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	EventID             string    `json:"event_id"`
	RegisteredAt        time.Time `json:"registered_at"`
	NotificationEnabled bool      `json:"notification_enabled"`
}
