// Package offline keeps campus pages usable without connectivity. It fronts
// the events origin, stores successful GET responses in a versioned cache
// generation and answers from that generation first.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tazhate/campusboard/internal/domain"
	appLog "github.com/tazhate/campusboard/internal/log"
)

// EventsPath is the events feed on the origin.
const EventsPath = "/events.json"

// ShellPath is served to navigations when the origin is unreachable.
const ShellPath = "/"

var (
	ErrInstallFailed = errors.New("cache install failed")
	ErrNotWaiting    = errors.New("no installed generation waiting for activation")
	ErrOffline       = errors.New("origin unreachable")
)

// State is the lifecycle state of the manager.
type State int

const (
	StateIdle State = iota
	StateInstalling
	StateWaiting
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Source tells where a response came from.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// CacheStore persists cache generations.
type CacheStore interface {
	ListGenerations() ([]string, error)
	DeleteGeneration(name string) error
	PutCacheEntries(generation string, entries []domain.CacheEntry) error
	PutCacheEntry(e domain.CacheEntry) error
	MatchCacheEntry(generation, key string) (*domain.CacheEntry, error)
	ControllingGeneration() (string, error)
	SetControllingGeneration(name string) error
}

// Broadcaster delivers messages to every open page.
type Broadcaster interface {
	Broadcast(msg domain.Message) int
}

// Doer sends HTTP requests; *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Options struct {
	// Version names the cache generation this manager installs.
	Version     string
	Origin      *url.URL
	Store       CacheStore
	Broadcaster Broadcaster
	Client      Doer
}

type Manager struct {
	version string
	origin  *url.URL
	store   CacheStore
	bus     Broadcaster
	client  Doer

	mu          sync.RWMutex
	state       State
	controlling string
}

// New builds a manager. The generation that controlled pages during the
// previous run keeps control until a new one is activated.
func New(opts Options) (*Manager, error) {
	if opts.Version == "" {
		return nil, errors.New("cache version is empty")
	}
	if opts.Origin == nil {
		return nil, errors.New("origin is nil")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is nil")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	controlling, err := opts.Store.ControllingGeneration()
	if err != nil {
		return nil, fmt.Errorf("load controlling generation: %w", err)
	}

	return &Manager{
		version:     opts.Version,
		origin:      opts.Origin,
		store:       opts.Store,
		bus:         opts.Broadcaster,
		client:      client,
		controlling: controlling,
	}, nil
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Controlling returns the generation currently answering requests, or ""
// if none was ever activated.
func (m *Manager) Controlling() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlling
}

func (m *Manager) Version() string {
	return m.version
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Start installs the assets and activates the new generation right away.
func (m *Manager) Start(ctx context.Context, assets []string) error {
	if err := m.Install(ctx, assets); err != nil {
		return err
	}
	return m.Activate(ctx)
}

// Install fetches every asset and stores them in the manager's generation.
// A single failed asset fails the whole install and nothing is stored.
func (m *Manager) Install(ctx context.Context, assets []string) error {
	m.setState(StateInstalling)
	appLog.Info("cache install start", "generation", m.version, "assets", len(assets))

	entries := make([]domain.CacheEntry, 0, len(assets))
	for _, asset := range assets {
		resp, err := m.fetch(ctx, http.MethodGet, asset, nil, nil)
		if err == nil && resp.Status != http.StatusOK {
			err = fmt.Errorf("status %d", resp.Status)
		}
		if err != nil {
			m.setState(StateRedundant)
			appLog.Error("cache install failed", err, "generation", m.version, "asset", asset)
			return fmt.Errorf("%w: %s: %v", ErrInstallFailed, asset, err)
		}
		entries = append(entries, m.entry(asset, resp))
	}

	if err := m.store.PutCacheEntries(m.version, entries); err != nil {
		m.setState(StateRedundant)
		appLog.Error("cache install failed", err, "generation", m.version)
		return fmt.Errorf("%w: store: %v", ErrInstallFailed, err)
	}

	m.setState(StateWaiting)
	appLog.Info("cache install complete", "generation", m.version)
	return nil
}

// Activate deletes every generation other than the manager's own and hands
// control to it.
func (m *Manager) Activate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateActive:
		return nil
	case StateWaiting:
	default:
		return fmt.Errorf("%w (state %s)", ErrNotWaiting, m.state)
	}

	names, err := m.store.ListGenerations()
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if name == m.version {
			continue
		}
		if err := m.store.DeleteGeneration(name); err != nil {
			return fmt.Errorf("delete generation %s: %w", name, err)
		}
		appLog.Info("cache generation deleted", "generation", name)
	}

	if err := m.store.SetControllingGeneration(m.version); err != nil {
		return fmt.Errorf("claim pages: %w", err)
	}
	m.controlling = m.version
	m.state = StateActive
	appLog.Info("cache activation complete", "generation", m.version)
	return nil
}

// HandleFetch answers a page request. Cached responses win over the
// network; misses go to the origin and successful ones are stored. When
// the origin is unreachable navigations get the cached shell and every
// other request fails with ErrOffline.
func (m *Manager) HandleFetch(ctx context.Context, req *http.Request) (*Response, error) {
	gen := m.Controlling()
	key := requestKey(req.URL)
	cacheable := gen != "" && req.Method == http.MethodGet

	if cacheable {
		e, err := m.store.MatchCacheEntry(gen, key)
		if err != nil {
			appLog.Error("cache match failed", err, "generation", gen, "key", key)
		} else if e != nil {
			appLog.Debug("cache hit", "generation", gen, "key", key)
			return fromEntry(e, SourceCache), nil
		}
	}

	resp, err := m.fetch(ctx, req.Method, key, req.Header, req.Body)
	if err != nil {
		if gen != "" && IsNavigation(req) {
			shell, merr := m.store.MatchCacheEntry(gen, ShellPath)
			if merr == nil && shell != nil {
				appLog.Debug("serving offline shell", "key", key)
				return fromEntry(shell, SourceFallback), nil
			}
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrOffline, key, err)
	}

	if cacheable && resp.Status == http.StatusOK && storable(resp) {
		if err := m.store.PutCacheEntry(m.entryIn(gen, key, resp)); err != nil {
			appLog.Error("cache put failed", err, "generation", gen, "key", key)
		}
	}
	return resp, nil
}

// SyncEvents refreshes the cached events feed and tells every page about
// the new list. It is best effort: failures are logged and reported only
// through the return value.
func (m *Manager) SyncEvents(ctx context.Context) bool {
	appLog.Info("background sync triggered")

	resp, err := m.fetch(ctx, http.MethodGet, EventsPath, nil, nil)
	if err == nil && resp.Status != http.StatusOK {
		err = fmt.Errorf("status %d", resp.Status)
	}
	if err != nil {
		appLog.Error("failed to sync events", err)
		return false
	}

	var events []domain.Event
	if err := json.Unmarshal(resp.Body, &events); err != nil {
		appLog.Error("failed to sync events", fmt.Errorf("decode events: %w", err))
		return false
	}

	if gen := m.Controlling(); gen != "" {
		body, _ := json.Marshal(events)
		entry := domain.CacheEntry{
			Generation: gen,
			Key:        EventsPath,
			Status:     http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       body,
			StoredAt:   time.Now(),
		}
		if err := m.store.PutCacheEntry(entry); err != nil {
			appLog.Error("failed to sync events", fmt.Errorf("store events: %w", err))
			return false
		}
	}

	delivered := 0
	if m.bus != nil {
		delivered = m.bus.Broadcast(domain.Message{Type: domain.MessageEventsUpdated, Events: events})
	}
	appLog.Info("events synced successfully", "events", len(events), "pages", delivered)
	return true
}

// Probe reports whether the origin answers at all.
func (m *Manager) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := m.fetch(ctx, http.MethodHead, ShellPath, nil, nil)
	return err == nil
}

// IsNavigation reports whether req loads a whole page.
func IsNavigation(req *http.Request) bool {
	if dest := req.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

func (m *Manager) fetch(ctx context.Context, method, key string, header http.Header, body io.Reader) (*Response, error) {
	target, err := m.origin.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", key, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	copyRequestHeader(req.Header, header)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	out := &Response{
		Status: resp.StatusCode,
		Header: http.Header{},
		Body:   data,
		Source: SourceNetwork,
	}
	copyHeader(out.Header, resp.Header)
	return out, nil
}

func (m *Manager) entry(key string, resp *Response) domain.CacheEntry {
	return m.entryIn(m.version, key, resp)
}

// entryIn never keeps cookies: a stored entry is replayed to every page.
func (m *Manager) entryIn(gen, key string, resp *Response) domain.CacheEntry {
	header := resp.Header.Clone()
	for _, h := range privateResponseHeaders {
		header.Del(h)
	}
	return domain.CacheEntry{
		Generation: gen,
		Key:        key,
		Status:     resp.Status,
		Header:     header,
		Body:       resp.Body,
		StoredAt:   time.Now(),
	}
}

// storable reports whether a network response may be shared through the
// cache. Encoded bodies, private responses and responses that vary by
// caller are passed through but not stored.
func storable(resp *Response) bool {
	if resp.Header.Get("Content-Encoding") != "" {
		return false
	}
	for _, v := range resp.Header.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			switch strings.ToLower(strings.TrimSpace(d)) {
			case "private", "no-store":
				return false
			}
		}
	}
	for _, v := range resp.Header.Values("Vary") {
		for _, f := range strings.Split(v, ",") {
			switch http.CanonicalHeaderKey(strings.TrimSpace(f)) {
			case "*", "Cookie", "Authorization":
				return false
			}
		}
	}
	return true
}

func fromEntry(e *domain.CacheEntry, src Source) *Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &Response{Status: e.Status, Header: header, Body: e.Body, Source: src}
}

// requestKey is the request identity inside a generation: path and query.
func requestKey(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		return path + "?" + u.RawQuery
	}
	return path
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// privateRequestHeaders stay with the page. Accept-Encoding is left to the
// transport so bodies arrive decoded.
var privateRequestHeaders = []string{
	"Accept-Encoding",
	"Cookie",
	"Authorization",
}

var privateResponseHeaders = []string{
	"Set-Cookie",
	"Set-Cookie2",
}

func copyRequestHeader(dst, src http.Header) {
	copyHeader(dst, src)
	for _, h := range privateRequestHeaders {
		dst.Del(h)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}
