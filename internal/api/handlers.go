package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tazhate/campusboard/internal/domain"
	appLog "github.com/tazhate/campusboard/internal/log"
	"github.com/tazhate/campusboard/internal/service"
)

type EventsResponse struct {
	Events    []domain.Event     `json:"events"`
	Stale     bool               `json:"stale"`
	Notice    string             `json:"notice,omitempty"`
	FetchedAt time.Time          `json:"fetched_at"`
	Facets    domain.EventFacets `json:"facets"`
}

type ReminderResponse struct {
	ID            string `json:"id"`
	EventID       string `json:"event_id"`
	EventTitle    string `json:"event_title"`
	ReminderTime  string `json:"reminder_time"`
	MinutesBefore int    `json:"minutes_before"`
}

// GET /api/events - filtered event list
func (s *Server) apiEvents(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Events.Load(r.Context())
	if err != nil {
		s.serviceError(w, r, err)
		return
	}

	q := r.URL.Query()
	filters := domain.EventFilters{
		Search:     q.Get("search"),
		Department: q.Get("department"),
		Club:       q.Get("club"),
		Type:       q.Get("type"),
		Date:       q.Get("date"),
	}

	events := service.Filter(res.Events, filters)
	if events == nil {
		events = []domain.Event{}
	}
	s.jsonResponse(w, http.StatusOK, EventsResponse{
		Events:    events,
		Stale:     res.Stale,
		Notice:    res.Notice,
		FetchedAt: res.FetchedAt,
		Facets:    service.Facets(res.Events),
	})
}

// GET /api/events/{id}
func (s *Server) apiEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.deps.Events.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, event)
}

type registrationRequest struct {
	UserID  string `json:"user_id"`
	Enabled *bool  `json:"enabled,omitempty"`
}

func (s *Server) decodeRegistration(w http.ResponseWriter, r *http.Request) (*registrationRequest, bool) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid JSON", http.StatusBadRequest)
		return nil, false
	}
	if req.UserID == "" {
		s.jsonError(w, "user_id is required", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

// POST /api/events/{id}/registration
func (s *Server) apiRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRegistration(w, r)
	if !ok {
		return
	}
	reg, err := s.deps.Registrations.Register(r.Context(), req.UserID, r.PathValue("id"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, reg)
}

// DELETE /api/events/{id}/registration
func (s *Server) apiUnregister(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRegistration(w, r)
	if !ok {
		return
	}
	if err := s.deps.Registrations.Unregister(r.Context(), req.UserID, r.PathValue("id")); err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]bool{"unregistered": true})
}

// PUT /api/events/{id}/registration/notification
func (s *Server) apiRegistrationNotification(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRegistration(w, r)
	if !ok {
		return
	}
	if req.Enabled == nil {
		s.jsonError(w, "enabled is required", http.StatusBadRequest)
		return
	}
	if err := s.deps.Registrations.SetNotification(r.Context(), req.UserID, r.PathValue("id"), *req.Enabled); err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]bool{"notification_enabled": *req.Enabled})
}

// GET /api/registrations?user_id=
func (s *Server) apiRegistrations(w http.ResponseWriter, r *http.Request) {
	regs, err := s.deps.Registrations.ListByUser(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	if regs == nil {
		regs = []*domain.Registration{}
	}
	s.jsonResponse(w, http.StatusOK, regs)
}

// GET /api/reminders
func (s *Server) apiReminders(w http.ResponseWriter, r *http.Request) {
	reminders, err := s.deps.Reminders.List(r.Context())
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.remindersToResponse(reminders))
}

// POST /api/reminders - schedule a reminder
func (s *Server) apiCreateReminder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID       string `json:"event_id"`
		MinutesBefore *int   `json:"minutes_before"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.EventID == "" {
		s.jsonError(w, "event_id is required", http.StatusBadRequest)
		return
	}

	event, err := s.deps.Events.Get(r.Context(), req.EventID)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	minutes := event.ReminderMinutesBefore
	if req.MinutesBefore != nil {
		minutes = *req.MinutesBefore
	}

	reminder, err := s.deps.Reminders.ScheduleReminder(r.Context(), event, minutes)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, s.reminderToResponse(reminder))
}

// POST /api/notifications/permission
func (s *Server) apiPermission(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Reminders.RequestPermission(r.Context())
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]domain.Permission{"permission": p})
}

// POST /api/sync - background sync on demand
func (s *Server) apiSync(w http.ResponseWriter, r *http.Request) {
	ok := s.deps.Offline.SyncEvents(r.Context())
	s.jsonResponse(w, http.StatusOK, map[string]bool{"synced": ok})
}

// GET /api/updates - server-sent events from the hub
func (s *Server) apiUpdates(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		appLog.Error("updates stream unsupported", err)
		return
	}

	msgs, cancel := s.deps.Hub.Subscribe()
	defer cancel()
	appLog.Debug("updates subscriber connected", "subscribers", s.deps.Hub.Len())

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				appLog.Error("encode update", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) remindersToResponse(reminders []domain.Reminder) []ReminderResponse {
	result := make([]ReminderResponse, len(reminders))
	for i := range reminders {
		result[i] = s.reminderToResponse(&reminders[i])
	}
	return result
}

func (s *Server) reminderToResponse(r *domain.Reminder) ReminderResponse {
	return ReminderResponse{
		ID:            r.ID,
		EventID:       r.EventID,
		EventTitle:    r.EventTitle,
		ReminderTime:  r.FireAt.In(s.cfg.Timezone).Format(time.RFC3339),
		MinutesBefore: r.MinutesBefore,
	}
}
