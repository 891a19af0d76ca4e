package domain

// Message types broadcast to every open page.
const (
	MessageEventsUpdated = "EVENTS_UPDATED"
	MessageConnectivity  = "CONNECTIVITY"
)

type Message struct {
	Type   string  `json:"type"`
	Events []Event `json:"events,omitempty"`
	Online *bool   `json:"online,omitempty"`
}
