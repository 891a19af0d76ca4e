package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tazhate/campusboard/internal/domain"
	appLog "github.com/tazhate/campusboard/internal/log"
	"github.com/tazhate/campusboard/internal/offline"
)

// StaleNotice is shown when the list comes from the local snapshot.
const StaleNotice = "Using cached events - some information may be outdated"

var (
	ErrEventsUnavailable = errors.New("events unavailable")
	ErrEventNotFound     = errors.New("event not found")
)

// Fetcher answers page requests; *offline.Manager satisfies it.
type Fetcher interface {
	HandleFetch(ctx context.Context, req *http.Request) (*offline.Response, error)
}

type EventStore interface {
	SaveEventSnapshot(events []domain.Event, fetchedAt time.Time) error
	LoadEventSnapshot() (*domain.EventSnapshot, error)
	ListImportedEvents() ([]domain.Event, error)
}

// LoadResult is the visible event list and where it came from.
type LoadResult struct {
	Events    []domain.Event `json:"events"`
	Stale     bool           `json:"stale"`
	Notice    string         `json:"notice,omitempty"`
	FetchedAt time.Time      `json:"fetched_at"`
	Source    offline.Source `json:"source,omitempty"`
}

type EventService struct {
	fetcher  Fetcher
	store    EventStore
	location *time.Location
	now      func() time.Time
}

func NewEventService(f Fetcher, s EventStore, loc *time.Location) *EventService {
	if loc == nil {
		loc = time.Local
	}
	return &EventService{fetcher: f, store: s, location: loc, now: time.Now}
}

// Load returns the active events ordered by start. The feed goes through the
// offline cache first; when that fails the last snapshot is served as stale.
// A fresh feed replaces the snapshot.
func (s *EventService) Load(ctx context.Context) (*LoadResult, error) {
	res, feed, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	if feed != nil {
		if serr := s.store.SaveEventSnapshot(feed, res.FetchedAt); serr != nil {
			appLog.Error("save event snapshot", serr)
		}
	}
	return res, nil
}

// Get finds one visible event by id. It leaves the snapshot alone.
func (s *EventService) Get(ctx context.Context, id string) (*domain.Event, error) {
	res, _, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	for i := range res.Events {
		if res.Events[i].ID == id {
			return &res.Events[i], nil
		}
	}
	return nil, ErrEventNotFound
}

// read returns the visible events plus the raw feed when it was fetched
// fresh. feed is nil for snapshot answers.
func (s *EventService) read(ctx context.Context) (*LoadResult, []domain.Event, error) {
	events, src, err := s.fetch(ctx)
	if err == nil {
		return &LoadResult{Events: s.visible(events), FetchedAt: s.now(), Source: src}, events, nil
	}

	appLog.Error("failed to load events", err)
	snap, serr := s.store.LoadEventSnapshot()
	if serr != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEventsUnavailable, serr)
	}
	if snap == nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEventsUnavailable, err)
	}
	return &LoadResult{
		Events:    s.visible(snap.Events),
		Stale:     true,
		Notice:    StaleNotice,
		FetchedAt: snap.FetchedAt,
	}, nil, nil
}

func (s *EventService) fetch(ctx context.Context) ([]domain.Event, offline.Source, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, offline.EventsPath, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.fetcher.HandleFetch(ctx, req)
	if err != nil {
		return nil, "", err
	}
	if resp.Status != http.StatusOK {
		return nil, "", fmt.Errorf("events feed: status %d", resp.Status)
	}

	var events []domain.Event
	if err := json.Unmarshal(resp.Body, &events); err != nil {
		return nil, "", fmt.Errorf("decode events: %w", err)
	}
	return events, resp.Source, nil
}

// visible merges imported calendar events, drops inactive ones and orders
// the rest by date then time.
func (s *EventService) visible(events []domain.Event) []domain.Event {
	imported, err := s.store.ListImportedEvents()
	if err != nil {
		appLog.Error("list imported events", err)
	}

	seen := make(map[string]bool, len(events))
	out := make([]domain.Event, 0, len(events)+len(imported))
	for _, list := range [][]domain.Event{events, imported} {
		for _, e := range list {
			if !e.IsActive || seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return clockMinutes(out[i].Time) < clockMinutes(out[j].Time)
	})
	return out
}

// clockMinutes sorts unparseable times last.
func clockMinutes(s string) int {
	h, m, err := ParseClock(s)
	if err != nil {
		return 24 * 60
	}
	return h*60 + m
}

// Filter applies the search and exact-match filters.
func Filter(events []domain.Event, f domain.EventFilters) []domain.Event {
	if f.IsZero() {
		return events
	}
	query := strings.ToLower(strings.TrimSpace(f.Search))

	var out []domain.Event
	for _, e := range events {
		if query != "" && !matchesSearch(&e, query) {
			continue
		}
		if f.Department != "" && e.Department != f.Department {
			continue
		}
		if f.Club != "" && e.Club != f.Club {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Date != "" && e.Date != f.Date {
			continue
		}
		out = append(out, e)
	}
	return out
}

func matchesSearch(e *domain.Event, query string) bool {
	if strings.Contains(strings.ToLower(e.Title), query) ||
		strings.Contains(strings.ToLower(e.Description), query) ||
		strings.Contains(strings.ToLower(e.Club), query) {
		return true
	}
	for _, tag := range e.Tags {
		if strings.Contains(strings.ToLower(tag), query) {
			return true
		}
	}
	return false
}

// Facets collects the sorted distinct departments, clubs and types.
func Facets(events []domain.Event) domain.EventFacets {
	return domain.EventFacets{
		Departments: distinct(events, func(e *domain.Event) string { return e.Department }),
		Clubs:       distinct(events, func(e *domain.Event) string { return e.Club }),
		Types:       distinct(events, func(e *domain.Event) string { return e.Type }),
	}
}

func distinct(events []domain.Event, field func(*domain.Event) string) []string {
	set := make(map[string]bool)
	out := []string{}
	for i := range events {
		v := field(&events[i])
		if v == "" || set[v] {
			continue
		}
		set[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
