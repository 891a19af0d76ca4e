package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
)

var ErrNotConfigured = errors.New("CalDAV not configured")

// Client reads campus events from a CalDAV server
type Client struct {
	baseURL  string
	username string
	password string
	client   *caldav.Client
}

// NewClient creates a new CalDAV client
func NewClient(baseURL, username, password string) *Client {
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
	}
}

// IsConfigured returns true if the client has a server to talk to
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// connect establishes connection to CalDAV server
func (c *Client) connect() (*caldav.Client, error) {
	if c.client != nil {
		return c.client, nil
	}
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	httpClient := &http.Client{
		Transport: &basicAuthTransport{
			username: c.username,
			password: c.password,
		},
		Timeout: 30 * time.Second,
	}

	client, err := caldav.NewClient(httpClient, c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to CalDAV: %w", err)
	}

	c.client = client
	return client, nil
}

// basicAuthTransport adds Basic Auth to HTTP requests
type basicAuthTransport struct {
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.username != "" {
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.username, t.password)
	}
	return http.DefaultTransport.RoundTrip(req)
}

// DiscoverCalendars returns all calendars of the current user
func (c *Client) DiscoverCalendars(ctx context.Context) ([]Calendar, error) {
	client, err := c.connect()
	if err != nil {
		return nil, err
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("find principal: %w", err)
	}

	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("find home set: %w", err)
	}

	cals, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("find calendars: %w", err)
	}

	result := make([]Calendar, 0, len(cals))
	for _, cal := range cals {
		result = append(result, Calendar{
			Path:        cal.Path,
			DisplayName: cal.Name,
			Description: cal.Description,
		})
	}
	return result, nil
}

// GetEvents returns the events of calendarPath that overlap [from, to).
// Recurring events are returned once, with their RRULE.
func (c *Client) GetEvents(ctx context.Context, calendarPath string, from, to time.Time) ([]Event, error) {
	if calendarPath == "" {
		return nil, fmt.Errorf("calendar path not specified")
	}
	client, err := c.connect()
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{
				{
					Name:  ical.CompEvent,
					Start: from,
					End:   to,
				},
			},
		},
	}

	objects, err := client.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	var events []Event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		events = append(events, ParseCalendar(obj.Data)...)
	}
	return events, nil
}

// ParseCalendar extracts every VEVENT of cal. Events without UID or start
// are skipped.
func ParseCalendar(cal *ical.Calendar) []Event {
	var events []Event
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		// Overridden instances of a series carry RECURRENCE-ID; the series
		// itself is expanded from its RRULE.
		if comp.Props.Get(ical.PropRecurrenceID) != nil {
			continue
		}
		event, ok := parseEvent(comp)
		if ok {
			events = append(events, event)
		}
	}
	return events
}

func parseEvent(comp *ical.Component) (Event, bool) {
	event := Event{}

	if prop := comp.Props.Get(ical.PropUID); prop != nil {
		event.UID = prop.Value
	}
	if prop := comp.Props.Get(ical.PropSummary); prop != nil {
		event.Summary = prop.Value
	}
	if prop := comp.Props.Get(ical.PropDescription); prop != nil {
		event.Description = prop.Value
	}
	if prop := comp.Props.Get(ical.PropLocation); prop != nil {
		event.Location = prop.Value
	}
	if prop := comp.Props.Get(ical.PropURL); prop != nil {
		event.URL = prop.Value
	}
	for _, prop := range comp.Props.Values(ical.PropCategories) {
		for _, c := range strings.Split(prop.Value, ",") {
			if c = strings.TrimSpace(c); c != "" {
				event.Categories = append(event.Categories, c)
			}
		}
	}

	prop := comp.Props.Get(ical.PropDateTimeStart)
	if prop == nil {
		return event, false
	}
	start, err := prop.DateTime(time.UTC)
	if err != nil {
		return event, false
	}
	event.StartTime = start
	if prop.Params.Get(ical.ParamValue) == string(ical.ValueDate) {
		event.AllDay = true
	}

	if prop := comp.Props.Get(ical.PropDateTimeEnd); prop != nil {
		if t, err := prop.DateTime(time.UTC); err == nil {
			event.EndTime = t
		}
	}

	if prop := comp.Props.Get(ical.PropRecurrenceRule); prop != nil {
		event.RRule = prop.Value
	}
	for _, prop := range comp.Props.Values(ical.PropExceptionDates) {
		if t, err := prop.DateTime(time.UTC); err == nil {
			event.ExDates = append(event.ExDates, t)
		}
	}

	for _, child := range comp.Children {
		if child.Name != ical.CompAlarm {
			continue
		}
		trigger := child.Props.Get(ical.PropTrigger)
		if trigger == nil {
			continue
		}
		d, err := trigger.Duration()
		if err != nil || d > 0 {
			continue
		}
		event.Reminders = append(event.Reminders, Reminder{MinutesBefore: int(-d / time.Minute)})
	}

	return event, event.UID != ""
}
