package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/tazhate/campusboard/config"
	"github.com/tazhate/campusboard/internal/domain"
	"github.com/tazhate/campusboard/internal/hub"
	"github.com/tazhate/campusboard/internal/offline"
	"github.com/tazhate/campusboard/internal/service"
	"github.com/tazhate/campusboard/internal/storage"
)

type grantedNotifier struct{ sent atomic.Int32 }

func (n *grantedNotifier) Supported() bool { return true }

func (n *grantedNotifier) Permission() domain.Permission { return domain.PermissionGranted }

func (n *grantedNotifier) RequestPermission(ctx context.Context) (domain.Permission, error) {
	return domain.PermissionGranted, nil
}

func (n *grantedNotifier) Notify(ctx context.Context, nt domain.Notification) error {
	n.sent.Add(1)
	return nil
}

type testEnv struct {
	server *Server
	origin *httptest.Server
	online atomic.Bool
	hub    *hub.Hub
	cfg    *config.Config
}

func eventsFeed() string {
	next := time.Now().AddDate(0, 0, 3).Format(domain.DateLayout)
	return `[
	  {"id":"hack","title":"Hackathon","date":"` + next + `","time":"2:30 PM","venue":"Main Hall","department":"Computer Science","club":"Code Club","type":"competition","reminder_minutes_before":30,"max_participants":1,"current_participants":0},
	  {"id":"past","title":"Orientation","date":"2020-01-01","time":"9:00 AM","department":"Admin","type":"talk"},
	  {"id":"gone","title":"Cancelled","date":"` + next + `","time":"1:00 PM","is_active":false}
	]`
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	env := &testEnv{hub: hub.New()}
	env.online.Store(true)

	feed := eventsFeed()
	env.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !env.online.Load() {
			// Simulate a dropped connection.
			hj, _ := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html>campusboard</html>"))
		case "/manifest.json":
			w.Write([]byte(`{}`))
		case "/events.json":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(feed))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(env.origin.Close)

	store, err := storage.New(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	originURL, _ := url.Parse(env.origin.URL)
	env.cfg = &config.Config{Timezone: time.Local, ServerPort: "0", OriginURL: originURL}
	if mutate != nil {
		mutate(env.cfg)
	}

	mgr, err := offline.New(offline.Options{
		Version:     "campusboard-test",
		Origin:      originURL,
		Store:       store,
		Broadcaster: env.hub,
		Client:      env.origin.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Start(context.Background(), []string{"/", "/manifest.json"}); err != nil {
		t.Fatalf("offline start: %v", err)
	}

	events := service.NewEventService(mgr, store, time.Local)
	reminders := service.NewReminderService(store, &grantedNotifier{}, time.Local)
	t.Cleanup(reminders.Stop)

	env.server = New(env.cfg, Deps{
		Events:        events,
		Reminders:     reminders,
		Registrations: service.NewRegistrationService(store, events),
		Hub:           env.hub,
		Offline:       mgr,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var resp APIResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") && strings.HasPrefix(path, "/api/") {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s %s: decode: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, resp
}

func decodeData(t *testing.T, resp APIResponse, v any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatal(err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, _ := env.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("GET /health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestEvents(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, resp := env.do(t, http.MethodGet, "/api/events", "")
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("GET /api/events = %d %+v", rec.Code, resp)
	}
	var data EventsResponse
	decodeData(t, resp, &data)
	if len(data.Events) != 2 || data.Events[0].ID != "past" {
		t.Errorf("events = %+v", data.Events)
	}
	if data.Stale {
		t.Error("fresh events reported stale")
	}
	if len(data.Facets.Departments) != 2 {
		t.Errorf("facets = %+v", data.Facets)
	}

	_, resp = env.do(t, http.MethodGet, "/api/events?club=Code+Club", "")
	decodeData(t, resp, &data)
	if len(data.Events) != 1 || data.Events[0].ID != "hack" {
		t.Errorf("filtered events = %+v", data.Events)
	}
	if len(data.Facets.Types) != 2 {
		t.Errorf("facets should cover unfiltered list: %+v", data.Facets)
	}
}

func TestEventsServedFromCacheWhenOffline(t *testing.T) {
	env := newTestEnv(t, nil)
	// The first load stores the feed in the active cache generation.
	env.do(t, http.MethodGet, "/api/events", "")
	env.online.Store(false)

	rec, resp := env.do(t, http.MethodGet, "/api/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/events offline = %d", rec.Code)
	}
	var data EventsResponse
	decodeData(t, resp, &data)
	if len(data.Events) != 2 || data.Stale {
		t.Errorf("events = %+v, stale = %v", data.Events, data.Stale)
	}
}

func TestEventNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, resp := env.do(t, http.MethodGet, "/api/events/missing", "")
	if rec.Code != http.StatusNotFound || resp.Success {
		t.Errorf("GET missing event = %d %+v", rec.Code, resp)
	}
	rec, _ = env.do(t, http.MethodGet, "/api/events/gone", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET inactive event = %d", rec.Code)
	}
}

func TestRegistrationFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, _ := env.do(t, http.MethodPost, "/api/events/hack/registration", `{"user_id":"u1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register = %d %s", rec.Code, rec.Body.String())
	}
	rec, _ = env.do(t, http.MethodPost, "/api/events/hack/registration", `{"user_id":"u1"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate register = %d", rec.Code)
	}
	// Capacity is one seat.
	rec, _ = env.do(t, http.MethodPost, "/api/events/hack/registration", `{"user_id":"u2"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("register when full = %d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodPost, "/api/events/hack/registration", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("register without user = %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodPut, "/api/events/hack/registration/notification", `{"user_id":"u1","enabled":false}`)
	if rec.Code != http.StatusOK {
		t.Errorf("set notification = %d %s", rec.Code, rec.Body.String())
	}

	_, resp := env.do(t, http.MethodGet, "/api/registrations?user_id=u1", "")
	var regs []domain.Registration
	decodeData(t, resp, &regs)
	if len(regs) != 1 || regs[0].EventID != "hack" || regs[0].NotificationEnabled {
		t.Errorf("registrations = %+v", regs)
	}

	rec, _ = env.do(t, http.MethodDelete, "/api/events/hack/registration", `{"user_id":"u1"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("unregister = %d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodDelete, "/api/events/hack/registration", `{"user_id":"u1"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("second unregister = %d", rec.Code)
	}
}

func TestReminders(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, resp := env.do(t, http.MethodPost, "/api/reminders", `{"event_id":"hack"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create reminder = %d %s", rec.Code, rec.Body.String())
	}
	var created ReminderResponse
	decodeData(t, resp, &created)
	if created.ID != "hack-30" || created.MinutesBefore != 30 {
		t.Errorf("reminder = %+v", created)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/reminders", `{"event_id":"hack","minutes_before":10}`)
	if rec.Code != http.StatusCreated {
		t.Errorf("second reminder = %d", rec.Code)
	}
	rec, resp = env.do(t, http.MethodPost, "/api/reminders", `{"event_id":"past"}`)
	if rec.Code != http.StatusConflict || resp.Error != service.ErrPastDue.Error() {
		t.Errorf("past reminder = %d %+v", rec.Code, resp)
	}

	_, resp = env.do(t, http.MethodGet, "/api/reminders", "")
	var list []ReminderResponse
	decodeData(t, resp, &list)
	if len(list) != 2 {
		t.Errorf("reminders = %+v", list)
	}
}

func TestPermission(t *testing.T) {
	env := newTestEnv(t, nil)
	_, resp := env.do(t, http.MethodPost, "/api/notifications/permission", "")
	var data map[string]string
	decodeData(t, resp, &data)
	if data["permission"] != "granted" {
		t.Errorf("permission = %+v", data)
	}
}

func TestSyncBroadcasts(t *testing.T) {
	env := newTestEnv(t, nil)
	msgs, cancel := env.hub.Subscribe()
	defer cancel()

	_, resp := env.do(t, http.MethodPost, "/api/sync", "")
	var data map[string]bool
	decodeData(t, resp, &data)
	if !data["synced"] {
		t.Fatalf("sync = %+v", data)
	}

	select {
	case msg := <-msgs:
		if msg.Type != domain.MessageEventsUpdated || len(msg.Events) != 3 {
			t.Errorf("message = %+v", msg)
		}
	default:
		t.Error("no EVENTS_UPDATED broadcast")
	}
}

func TestPagesFallThroughToCache(t *testing.T) {
	env := newTestEnv(t, nil)
	env.online.Store(false)

	req := httptest.NewRequest(http.MethodGet, "/some/route", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "<html>campusboard</html>" {
		t.Errorf("offline navigation = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(offline.CacheHeader) != string(offline.SourceFallback) {
		t.Errorf("source = %q", rec.Header().Get(offline.CacheHeader))
	}
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, func(c *config.Config) {
		c.APIUsername = "admin"
		c.APIPasswordHash = string(hash)
	})

	tests := []struct {
		name       string
		user, pass string
		set        bool
		want       int
	}{
		{"no credentials", "", "", false, http.StatusUnauthorized},
		{"wrong password", "admin", "nope", true, http.StatusUnauthorized},
		{"wrong user", "root", "s3cret", true, http.StatusUnauthorized},
		{"valid", "admin", "s3cret", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/reminders", nil)
			if tt.set {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	// Health and pages stay public.
	rec, _ := env.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("health behind auth: %d", rec.Code)
	}
}

func TestUnknownAPIPathIsNotProxied(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, func(c *config.Config) {
		c.APIUsername = "admin"
		c.APIPasswordHash = string(hash)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/admin/secrets", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		req := httptest.NewRequest(method, "/api/admin/secrets", nil)
		req.SetBasicAuth("admin", "s3cret")
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", method, rec.Code)
		}
		if rec.Header().Get(offline.CacheHeader) != "" {
			t.Errorf("%s went through the page cache: %q", method, rec.Header().Get(offline.CacheHeader))
		}
		var resp APIResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Success || resp.Error != "Not found" {
			t.Errorf("%s body = %s", method, rec.Body.String())
		}
	}
}

func TestUpdatesStream(t *testing.T) {
	env := newTestEnv(t, nil)
	env.server.heartbeat = time.Hour

	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/updates", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Wait for the handler to subscribe before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	online := false
	env.hub.Broadcast(domain.Message{Type: domain.MessageConnectivity, Online: &online})

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "event: CONNECTIVITY\n" {
		t.Errorf("event line = %q", line)
	}
	line, _ = r.ReadString('\n')
	if !strings.Contains(line, `"online":false`) {
		t.Errorf("data line = %q", line)
	}
}
