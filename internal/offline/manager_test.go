package offline

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tazhate/campusboard/internal/domain"
	"github.com/tazhate/campusboard/internal/storage"
)

var shellAssets = []string{"/", "/manifest.json"}

// origin is a fake events origin that counts requests per path.
type origin struct {
	srv    *httptest.Server
	mu     sync.Mutex
	hits   map[string]int
	seen   []http.Header
	events atomic.Value // string
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{hits: make(map[string]int)}
	o.events.Store(`[{"id":"1","title":"Hackathon"}]`)
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.URL.RequestURI()]++
		o.seen = append(o.seen, r.Header.Clone())
		o.mu.Unlock()

		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html>shell</html>"))
		case "/manifest.json":
			w.Write([]byte(`{"name":"CampusBoard"}`))
		case "/events.json":
			w.Header().Set("Content-Type", "application/json")
			if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
				w.Write([]byte(o.events.Load().(string)))
				return
			}
			w.Header().Set("Content-Encoding", "gzip")
			gz := gzip.NewWriter(w)
			gz.Write([]byte(o.events.Load().(string)))
			gz.Close()
		case "/session":
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "alice"})
			w.Write([]byte("welcome"))
		case "/private":
			w.Header().Set("Cache-Control", "private, max-age=60")
			w.Write([]byte("mine"))
		case "/by-cookie":
			w.Header().Set("Vary", "Accept, Cookie")
			w.Write([]byte("depends"))
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *origin) lastHeader() http.Header {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seen[len(o.seen)-1]
}

func (o *origin) count(uri string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[uri]
}

type recordingBus struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (b *recordingBus) Broadcast(msg domain.Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return 1
}

func (b *recordingBus) messages() []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Message(nil), b.msgs...)
}

func newStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newManager(t *testing.T, o *origin, store *storage.Storage, version string, bus Broadcaster) *Manager {
	t.Helper()
	u, err := url.Parse(o.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	m, err := New(Options{Version: version, Origin: u, Store: store, Broadcaster: bus, Client: o.srv.Client()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

func get(t *testing.T, path string, header map[string]string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	return req
}

func TestStartInstallsAndActivates(t *testing.T) {
	o := newOrigin(t)
	store := newStore(t)
	m := newManager(t, o, store, "campusboard-v1", nil)

	if m.State() != StateIdle {
		t.Fatalf("initial state = %s", m.State())
	}
	if err := m.Start(context.Background(), shellAssets); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if m.State() != StateActive {
		t.Errorf("state = %s, want active", m.State())
	}
	if m.Controlling() != "campusboard-v1" {
		t.Errorf("controlling = %q", m.Controlling())
	}
	n, _ := store.CountCacheEntries("campusboard-v1")
	if n != len(shellAssets) {
		t.Errorf("cached entries = %d, want %d", n, len(shellAssets))
	}
}

func TestInstallFailsOnMissingAsset(t *testing.T) {
	o := newOrigin(t)
	store := newStore(t)

	v1 := newManager(t, o, store, "campusboard-v1", nil)
	if err := v1.Start(context.Background(), shellAssets); err != nil {
		t.Fatal(err)
	}

	v2 := newManager(t, o, store, "campusboard-v2", nil)
	err := v2.Install(context.Background(), []string{"/", "/icons/missing.png"})
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("Install() error = %v, want ErrInstallFailed", err)
	}
	if v2.State() != StateRedundant {
		t.Errorf("state = %s, want redundant", v2.State())
	}
	if err := v2.Activate(context.Background()); !errors.Is(err, ErrNotWaiting) {
		t.Errorf("Activate() after failed install error = %v, want ErrNotWaiting", err)
	}

	if v2.Controlling() != "campusboard-v1" {
		t.Errorf("controlling = %q, previous generation should stay in control", v2.Controlling())
	}
	if n, _ := store.CountCacheEntries("campusboard-v2"); n != 0 {
		t.Errorf("failed install left %d entries", n)
	}
}

func TestActivateDeletesOtherGenerations(t *testing.T) {
	o := newOrigin(t)
	store := newStore(t)

	for _, old := range []string{"campusboard-v0", "campusboard-v1"} {
		if err := store.PutCacheEntry(domain.CacheEntry{Generation: old, Key: "/", Status: 200}); err != nil {
			t.Fatal(err)
		}
	}

	m := newManager(t, o, store, "campusboard-v2", nil)
	if err := m.Start(context.Background(), shellAssets); err != nil {
		t.Fatal(err)
	}

	names, err := store.ListGenerations()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "campusboard-v2" {
		t.Errorf("generations after Activate() = %v, want only campusboard-v2", names)
	}

	if err := m.Activate(context.Background()); err != nil {
		t.Errorf("second Activate() error = %v", err)
	}
}

func TestHandleFetchPrefersCache(t *testing.T) {
	o := newOrigin(t)
	m := newManager(t, o, newStore(t), "campusboard-v1", nil)
	if err := m.Start(context.Background(), shellAssets); err != nil {
		t.Fatal(err)
	}
	before := o.count("/")

	resp, err := m.HandleFetch(context.Background(), get(t, "/", nil))
	if err != nil {
		t.Fatalf("HandleFetch() error = %v", err)
	}
	if resp.Source != SourceCache {
		t.Errorf("source = %s, want cache", resp.Source)
	}
	if o.count("/") != before {
		t.Error("cached resource triggered a network request")
	}
}

func TestHandleFetchStoresOnlySuccessfulResponses(t *testing.T) {
	o := newOrigin(t)
	store := newStore(t)
	m := newManager(t, o, store, "campusboard-v1", nil)
	if err := m.Start(context.Background(), shellAssets); err != nil {
		t.Fatal(err)
	}

	resp, err := m.HandleFetch(context.Background(), get(t, "/events.json", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Source != SourceNetwork || resp.Status != http.StatusOK {
		t.Errorf("first fetch = %s/%d, want network/200", resp.Source, resp.Status)
	}
	resp, _ = m.HandleFetch(context.Background(), get(t, "/events.json", nil))
	if resp.Source != SourceCache {
		t.Errorf("second fetch source = %s, want cache", resp.Source)
	}
	if o.count("/events.json") != 1 {
		t.Errorf("origin hit %d times, want 1", o.count("/events.json"))
	}

	resp, err = m.HandleFetch(context.Background(), get(t, "/broken", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 passed through", resp.Status)
	}
	if e, _ := store.MatchCacheEntry("campusboard-v1", "/broken"); e != nil {
		t.Error("non-200 response was cached")
	}
}

func TestHandleFetchOfflineFallback(t *testing.T) {
	o := newOrigin(t)
	m := newManager(t, o, newStore(t), "campusboard-v1", nil)
	if err := m.Start(context.Background(), shellAssets); err != nil {
		t.Fatal(err)
	}
	o.srv.Close()

	nav := get(t, "/events/42", map[string]string{"Sec-Fetch-Dest": "document"})
	resp, err := m.HandleFetch(context.Background(), nav)
	if err != nil {
		t.Fatalf("navigation while offline error = %v", err)
	}
	if resp.Source != SourceFallback || string(resp.Body) != "<html>shell</html>" {
		t.Errorf("navigation fallback = %s %q", resp.Source, resp.Body)
	}

	_, err = m.HandleFetch(context.Background(), get(t, "/api/data.json", map[string]string{"Sec-Fetch-Dest": "empty"}))
	if !errors.Is(err, ErrOffline) {
		t.Errorf("non-navigation while offline error = %v, want ErrOffline", err)
	}
}

func TestIsNavigation(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		want   bool
	}{
		{"document destination", map[string]string{"Sec-Fetch-Dest": "document"}, true},
		{"image destination", map[string]string{"Sec-Fetch-Dest": "image", "Accept": "text/html"}, false},
		{"navigate mode", map[string]string{"Sec-Fetch-Mode": "navigate"}, true},
		{"html accept without metadata", map[string]string{"Accept": "text/html,application/xhtml+xml"}, true},
		{"json accept", map[string]string{"Accept": "application/json"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNavigation(get(t, "/", tt.header)); got != tt.want {
				t.Errorf("IsNavigation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSyncEventsOverwritesCacheAndBroadcasts(t *testing.T) {
	o := newOrigin(t)
	store := newStore(t)
	bus := &recordingBus{}
	m := newManager(t, o, store, "campusboard-v1", bus)
	if err := m.Start(context.Background(), append(shellAssets, EventsPath)); err != nil {
		t.Fatal(err)
	}

	o.events.Store(`[{"id":"1","title":"Hackathon"},{"id":"2","title":"Career Fair"}]`)
	if !m.SyncEvents(context.Background()) {
		t.Fatal("SyncEvents() reported failure")
	}

	e, err := store.MatchCacheEntry("campusboard-v1", EventsPath)
	if err != nil || e == nil {
		t.Fatalf("cached events missing: %v", err)
	}
	var cached []domain.Event
	if err := json.Unmarshal(e.Body, &cached); err != nil {
		t.Fatal(err)
	}
	if len(cached) != 2 {
		t.Errorf("cached events = %d, want 2", len(cached))
	}

	msgs := bus.messages()
	if len(msgs) != 1 || msgs[0].Type != domain.MessageEventsUpdated || len(msgs[0].Events) != 2 {
		t.Errorf("broadcast = %+v", msgs)
	}
}

func TestSyncEventsSwallowsMalformedPayload(t *testing.T) {
	o := newOrigin(t)
	bus := &recordingBus{}
	m := newManager(t, o, newStore(t), "campusboard-v1", bus)
	if err := m.Start(context.Background(), shellAssets); err != nil {
		t.Fatal(err)
	}

	o.events.Store(`{not json`)
	if m.SyncEvents(context.Background()) {
		t.Error("SyncEvents() with malformed payload reported success")
	}
	if len(bus.messages()) != 0 {
		t.Error("malformed payload was broadcast")
	}

	o.srv.Close()
	if m.SyncEvents(context.Background()) {
		t.Error("SyncEvents() while offline reported success")
	}
}

func TestProbe(t *testing.T) {
	o := newOrigin(t)
	m := newManager(t, o, newStore(t), "campusboard-v1", nil)
	if !m.Probe(context.Background()) {
		t.Error("Probe() = false with origin up")
	}
	o.srv.Close()
	if m.Probe(context.Background()) {
		t.Error("Probe() = true with origin down")
	}
}

func TestServeHTTP(t *testing.T) {
	o := newOrigin(t)
	m := newManager(t, o, newStore(t), "campusboard-v1", nil)
	if err := m.Start(context.Background(), shellAssets); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	m.ServeHTTP(w, get(t, "/manifest.json", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if w.Header().Get(CacheHeader) != string(SourceCache) {
		t.Errorf("%s = %q", CacheHeader, w.Header().Get(CacheHeader))
	}

	o.srv.Close()
	w = httptest.NewRecorder()
	m.ServeHTTP(w, get(t, "/not-cached.js", nil))
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("offline miss status = %d, want 504", w.Code)
	}
}

func TestBrowserEncodingDoesNotReachCache(t *testing.T) {
	o := newOrigin(t)
	store := newStore(t)
	m := newManager(t, o, store, "campusboard-v1", nil)
	if err := m.Start(context.Background(), shellAssets); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	m.ServeHTTP(w, get(t, "/events.json", map[string]string{"Accept-Encoding": "gzip, deflate, br"}))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ce := w.Header().Get("Content-Encoding"); ce != "" {
		t.Errorf("Content-Encoding = %q, want decoded body", ce)
	}

	e, err := store.MatchCacheEntry("campusboard-v1", "/events.json")
	if err != nil || e == nil {
		t.Fatalf("cached entry = %v, %v", e, err)
	}
	if e.Header.Get("Content-Encoding") != "" {
		t.Errorf("cached Content-Encoding = %q", e.Header.Get("Content-Encoding"))
	}
	var events []domain.Event
	if err := json.Unmarshal(e.Body, &events); err != nil || len(events) != 1 {
		t.Errorf("cached body does not decode: %v (%q)", err, e.Body)
	}

	// A later client without gzip support gets plain JSON from the cache.
	resp, err := m.HandleFetch(context.Background(), get(t, "/events.json", nil))
	if err != nil || resp.Source != SourceCache {
		t.Fatalf("HandleFetch() = %+v, %v", resp, err)
	}
	if err := json.Unmarshal(resp.Body, &events); err != nil {
		t.Errorf("cached response does not decode: %v", err)
	}
}

func TestCredentialsStayPrivate(t *testing.T) {
	o := newOrigin(t)
	store := newStore(t)
	m := newManager(t, o, store, "campusboard-v1", nil)
	if err := m.Start(context.Background(), shellAssets); err != nil {
		t.Fatal(err)
	}

	resp, err := m.HandleFetch(context.Background(), get(t, "/session", map[string]string{
		"Cookie":        "sid=bob",
		"Authorization": "Bearer secret",
	}))
	if err != nil {
		t.Fatal(err)
	}
	sent := o.lastHeader()
	if sent.Get("Cookie") != "" || sent.Get("Authorization") != "" {
		t.Errorf("credentials forwarded to origin: %v", sent)
	}
	if resp.Header.Get("Set-Cookie") == "" {
		t.Error("requesting page lost its own Set-Cookie")
	}

	e, _ := store.MatchCacheEntry("campusboard-v1", "/session")
	if e == nil {
		t.Fatal("/session not cached")
	}
	if e.Header.Get("Set-Cookie") != "" {
		t.Errorf("Set-Cookie stored in shared cache: %v", e.Header)
	}

	w := httptest.NewRecorder()
	m.ServeHTTP(w, get(t, "/session", nil))
	if w.Header().Get("Set-Cookie") != "" {
		t.Errorf("cookie replayed to another page: %q", w.Header().Get("Set-Cookie"))
	}
}

func TestPrivateResponsesNotStored(t *testing.T) {
	o := newOrigin(t)
	store := newStore(t)
	m := newManager(t, o, store, "campusboard-v1", nil)
	if err := m.Start(context.Background(), shellAssets); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"/private", "/by-cookie"} {
		resp, err := m.HandleFetch(context.Background(), get(t, path, nil))
		if err != nil || resp.Status != http.StatusOK {
			t.Fatalf("%s: %+v, %v", path, resp, err)
		}
		if e, _ := store.MatchCacheEntry("campusboard-v1", path); e != nil {
			t.Errorf("%s was cached", path)
		}
	}
}
