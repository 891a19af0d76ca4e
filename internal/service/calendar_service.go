package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/tazhate/campusboard/internal/clients/caldav"
	"github.com/tazhate/campusboard/internal/domain"
	appLog "github.com/tazhate/campusboard/internal/log"
)

const (
	// ImportHorizon is how far ahead calendar events are imported.
	ImportHorizon = 90 * 24 * time.Hour

	importedEventType    = "calendar"
	defaultImportMinutes = 30
)

// CalendarSource lists events of a calendar collection; *caldav.Client
// satisfies it.
type CalendarSource interface {
	DiscoverCalendars(ctx context.Context) ([]caldav.Calendar, error)
	GetEvents(ctx context.Context, calendarPath string, from, to time.Time) ([]caldav.Event, error)
}

type ImportStore interface {
	ReplaceImportedEvents(events []domain.Event) error
}

// CalendarService imports campus events from a CalDAV calendar
type CalendarService struct {
	source   CalendarSource
	store    ImportStore
	calendar string // path or display name
	location *time.Location
	now      func() time.Time

	resolved string
}

// NewCalendarService creates a new calendar service
func NewCalendarService(source CalendarSource, store ImportStore, calendar string, tz *time.Location) *CalendarService {
	if tz == nil {
		tz = time.UTC
	}
	return &CalendarService{
		source:   source,
		store:    store,
		calendar: calendar,
		location: tz,
		now:      time.Now,
	}
}

// ImportResult contains import operation results
type ImportResult struct {
	Series      int
	Occurrences int
	Errors      []string
}

// Import replaces the imported event set with every occurrence in the
// next ImportHorizon.
func (s *CalendarService) Import(ctx context.Context) (*ImportResult, error) {
	path, err := s.calendarPath(ctx)
	if err != nil {
		return nil, err
	}

	from := s.now().In(s.location)
	to := from.Add(ImportHorizon)

	series, err := s.source.GetEvents(ctx, path, from, to)
	if err != nil {
		return nil, fmt.Errorf("get calendar events: %w", err)
	}

	result := &ImportResult{Series: len(series)}
	var events []domain.Event
	for i := range series {
		occ, err := Occurrences(&series[i], from, to)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", series[i].UID, err))
			continue
		}
		for _, start := range occ {
			events = append(events, s.toEvent(&series[i], start))
		}
	}

	if err := s.store.ReplaceImportedEvents(events); err != nil {
		return nil, fmt.Errorf("store imported events: %w", err)
	}
	result.Occurrences = len(events)

	appLog.Info("calendar imported", "calendar", path, "series", result.Series, "occurrences", result.Occurrences, "errors", len(result.Errors))
	return result, nil
}

// calendarPath accepts either a collection path or a display name.
func (s *CalendarService) calendarPath(ctx context.Context) (string, error) {
	if strings.HasPrefix(s.calendar, "/") {
		return s.calendar, nil
	}
	if s.resolved != "" {
		return s.resolved, nil
	}

	cals, err := s.source.DiscoverCalendars(ctx)
	if err != nil {
		return "", fmt.Errorf("discover calendars: %w", err)
	}
	for _, c := range cals {
		if s.calendar == "" || strings.EqualFold(c.DisplayName, s.calendar) {
			s.resolved = c.Path
			return c.Path, nil
		}
	}
	return "", fmt.Errorf("calendar %q not found", s.calendar)
}

func (s *CalendarService) toEvent(src *caldav.Event, start time.Time) domain.Event {
	local := start.In(s.location)
	minutes := defaultImportMinutes
	if len(src.Reminders) > 0 {
		minutes = src.Reminders[0].MinutesBefore
	}

	e := domain.Event{
		ID:                    fmt.Sprintf("cal-%s-%s", src.UID, local.Format("200601021504")),
		Title:                 src.Summary,
		Venue:                 src.Location,
		Type:                  importedEventType,
		Description:           src.Description,
		ReminderMinutesBefore: minutes,
		Tags:                  src.Categories,
		RegistrationURL:       src.URL,
		IsActive:              true,
		CreatedAt:             s.now(),
		UpdatedAt:             s.now(),
	}
	domain.EventFromTime(&e, local)
	return e
}

// Occurrences returns the start times of ev inside [from, to). Events
// without RRULE yield at most their own start.
func Occurrences(ev *caldav.Event, from, to time.Time) ([]time.Time, error) {
	if ev.RRule == "" {
		if !ev.StartTime.Before(from) && ev.StartTime.Before(to) {
			return []time.Time{ev.StartTime}, nil
		}
		return nil, nil
	}

	opt, err := rrule.StrToROption(ev.RRule)
	if err != nil {
		return nil, fmt.Errorf("parse rrule: %w", err)
	}
	opt.Dtstart = ev.StartTime
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("build rrule: %w", err)
	}

	excluded := make(map[int64]bool, len(ev.ExDates))
	for _, t := range ev.ExDates {
		excluded[t.Unix()] = true
	}

	var out []time.Time
	for _, t := range rule.Between(from, to, true) {
		if excluded[t.Unix()] || !t.Before(to) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}
