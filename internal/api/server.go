// Package api exposes the event board over HTTP: a JSON API under /api,
// a server-sent update stream and the offline cache for everything else.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/tazhate/campusboard/config"
	"github.com/tazhate/campusboard/internal/hub"
	appLog "github.com/tazhate/campusboard/internal/log"
	"github.com/tazhate/campusboard/internal/service"
)

// Offline serves pages cache-first and refreshes the events feed;
// *offline.Manager satisfies it.
type Offline interface {
	http.Handler
	SyncEvents(ctx context.Context) bool
}

type Deps struct {
	Events        *service.EventService
	Reminders     *service.ReminderService
	Registrations *service.RegistrationService
	Hub           *hub.Hub
	Offline       Offline
}

type Server struct {
	cfg    *config.Config
	deps   Deps
	mux    *http.ServeMux
	server *http.Server

	heartbeat time.Duration
}

// APIResponse is the envelope of every JSON answer.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		mux:       http.NewServeMux(),
		heartbeat: 25 * time.Second,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Events
	s.mux.HandleFunc("GET /api/events", s.basicAuth(s.apiEvents))
	s.mux.HandleFunc("GET /api/events/{id}", s.basicAuth(s.apiEvent))

	// Registrations
	s.mux.HandleFunc("POST /api/events/{id}/registration", s.basicAuth(s.apiRegister))
	s.mux.HandleFunc("DELETE /api/events/{id}/registration", s.basicAuth(s.apiUnregister))
	s.mux.HandleFunc("PUT /api/events/{id}/registration/notification", s.basicAuth(s.apiRegistrationNotification))
	s.mux.HandleFunc("GET /api/registrations", s.basicAuth(s.apiRegistrations))

	// Reminders
	s.mux.HandleFunc("GET /api/reminders", s.basicAuth(s.apiReminders))
	s.mux.HandleFunc("POST /api/reminders", s.basicAuth(s.apiCreateReminder))
	s.mux.HandleFunc("POST /api/notifications/permission", s.basicAuth(s.apiPermission))

	// Updates
	s.mux.HandleFunc("GET /api/updates", s.basicAuth(s.apiUpdates))
	s.mux.HandleFunc("POST /api/sync", s.basicAuth(s.apiSync))

	// Unknown API paths never reach the page cache
	s.mux.HandleFunc("/api/", s.basicAuth(func(w http.ResponseWriter, r *http.Request) {
		s.jsonError(w, "Not found", http.StatusNotFound)
	}))

	// Everything else is a page
	s.mux.Handle("/", s.deps.Offline)
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Stop is called.
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:              ":" + s.cfg.ServerPort,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if !s.cfg.APIAuthEnabled() {
		appLog.Info("API auth disabled, set API_USERNAME and API_PASSWORD_HASH to enable")
	}

	go func() {
		appLog.Info("starting http server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Error("http server error", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// basicAuth middleware; open when no credentials are configured
func (s *Server) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.APIAuthEnabled() {
			next(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if !ok || !s.checkCredentials(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Campusboard API"`)
			s.jsonError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) checkCredentials(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.APIUsername)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(s.cfg.APIPasswordHash), []byte(password)) == nil
	return userOK && passOK
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

func (s *Server) jsonError(w http.ResponseWriter, err string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: err})
}

// serviceError maps service errors to HTTP statuses.
func (s *Server) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrEventNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrPermissionRequired):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrPastDue),
		errors.Is(err, service.ErrAlreadyRegistered),
		errors.Is(err, service.ErrEventFull),
		errors.Is(err, service.ErrNotRegistered):
		status = http.StatusConflict
	case errors.Is(err, service.ErrUserRequired),
		errors.Is(err, service.ErrInvalidEventTime),
		errors.Is(err, service.ErrInvalidLeadTime):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrEventsUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		appLog.Error("api request failed", err, "method", r.Method, "path", r.URL.Path)
	} else {
		appLog.Debug("api request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	s.jsonError(w, err.Error(), status)
}
