package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tazhate/campusboard/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

// Local store keys.
const (
	keyControllingGeneration  = "controlling-generation"
	keyEvents                 = "campusboard-events"
	keyEventsTimestamp        = "campusboard-events-timestamp"
	keyNotificationPermission = "notification-permission"
)

var (
	ErrDuplicate = errors.New("duplicate record")
	ErrNoSeats   = errors.New("no seats left")
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single connection keeps writes serialized and makes ":memory:" usable.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cache_generations (
			name TEXT PRIMARY KEY,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS cache_entries (
			generation TEXT NOT NULL,
			key TEXT NOT NULL,
			status INTEGER NOT NULL,
			header TEXT DEFAULT '{}',
			body BLOB,
			stored_at DATETIME NOT NULL,
			PRIMARY KEY (generation, key),
			FOREIGN KEY (generation) REFERENCES cache_generations(name) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS local_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS reminders (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			event_title TEXT NOT NULL,
			fire_at DATETIME NOT NULL,
			minutes_before INTEGER NOT NULL,
			UNIQUE (event_id, minutes_before)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_fire_at ON reminders(fire_at)`,
		`CREATE TABLE IF NOT EXISTS registrations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			registered_at DATETIME NOT NULL,
			notification_enabled INTEGER DEFAULT 1,
			UNIQUE (user_id, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_registrations_user_id ON registrations(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_registrations_event_id ON registrations(event_id)`,
		`CREATE TABLE IF NOT EXISTS imported_events (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			imported_at DATETIME NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("exec migration: %w", err)
			}
		}
	}
	return nil
}

// === Cache generations ===

func (s *Storage) CreateGeneration(name string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO cache_generations (name) VALUES (?)`, name)
	return err
}

func (s *Storage) ListGenerations() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM cache_generations ORDER BY created_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteGeneration removes a generation together with all its entries.
func (s *Storage) DeleteGeneration(name string) error {
	_, err := s.db.Exec(`DELETE FROM cache_generations WHERE name = ?`, name)
	return err
}

// PutCacheEntries stores all entries in one transaction, creating the
// generation if needed. Either every entry is written or none is.
func (s *Storage) PutCacheEntries(generation string, entries []domain.CacheEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO cache_generations (name) VALUES (?)`, generation); err != nil {
		return err
	}
	for _, e := range entries {
		header, err := json.Marshal(e.Header)
		if err != nil {
			return fmt.Errorf("encode header: %w", err)
		}
		storedAt := e.StoredAt
		if storedAt.IsZero() {
			storedAt = time.Now()
		}
		if _, err := tx.Exec(
			`INSERT INTO cache_entries (generation, key, status, header, body, stored_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (generation, key) DO UPDATE SET
			   status = excluded.status, header = excluded.header,
			   body = excluded.body, stored_at = excluded.stored_at`,
			generation, e.Key, e.Status, string(header), e.Body, storedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Storage) PutCacheEntry(e domain.CacheEntry) error {
	return s.PutCacheEntries(e.Generation, []domain.CacheEntry{e})
}

// MatchCacheEntry returns nil, nil when the key is not cached.
func (s *Storage) MatchCacheEntry(generation, key string) (*domain.CacheEntry, error) {
	e := &domain.CacheEntry{Generation: generation, Key: key}
	var header string
	err := s.db.QueryRow(
		`SELECT status, header, body, stored_at FROM cache_entries WHERE generation = ? AND key = ?`,
		generation, key,
	).Scan(&e.Status, &header, &e.Body, &e.StoredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Header = http.Header{}
	if header != "" {
		if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
			return nil, fmt.Errorf("decode header: %w", err)
		}
	}
	return e, nil
}

func (s *Storage) CountCacheEntries(generation string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM cache_entries WHERE generation = ?`, generation).Scan(&n)
	return n, err
}

func (s *Storage) ControllingGeneration() (string, error) {
	v, _, err := s.getLocal(keyControllingGeneration)
	return v, err
}

func (s *Storage) SetControllingGeneration(name string) error {
	return s.setLocal(keyControllingGeneration, name)
}

// === Local store ===

func (s *Storage) getLocal(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM local_store WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Storage) setLocal(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO local_store (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now(),
	)
	return err
}

// === Notification permission ===

// NotificationPermission returns "" when permission was never asked for.
func (s *Storage) NotificationPermission() (string, error) {
	v, _, err := s.getLocal(keyNotificationPermission)
	return v, err
}

func (s *Storage) SetNotificationPermission(p string) error {
	return s.setLocal(keyNotificationPermission, p)
}

// === Event snapshot ===

func (s *Storage) SaveEventSnapshot(events []domain.Event, fetchedAt time.Time) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	if err := s.setLocal(keyEvents, string(data)); err != nil {
		return err
	}
	return s.setLocal(keyEventsTimestamp, fetchedAt.UTC().Format(time.RFC3339Nano))
}

// LoadEventSnapshot returns nil, nil if no snapshot was saved yet.
func (s *Storage) LoadEventSnapshot() (*domain.EventSnapshot, error) {
	data, ok, err := s.getLocal(keyEvents)
	if err != nil || !ok {
		return nil, err
	}
	snap := &domain.EventSnapshot{}
	if err := json.Unmarshal([]byte(data), &snap.Events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	if ts, ok, err := s.getLocal(keyEventsTimestamp); err == nil && ok {
		snap.FetchedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return snap, nil
}

// === Reminders ===

func (s *Storage) LoadReminders() ([]domain.Reminder, error) {
	rows, err := s.db.Query(
		`SELECT id, event_id, event_title, fire_at, minutes_before FROM reminders ORDER BY fire_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reminders []domain.Reminder
	for rows.Next() {
		var r domain.Reminder
		if err := rows.Scan(&r.ID, &r.EventID, &r.EventTitle, &r.FireAt, &r.MinutesBefore); err != nil {
			return nil, err
		}
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}

// SaveReminders replaces the whole persisted reminder set.
func (s *Storage) SaveReminders(reminders []domain.Reminder) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM reminders`); err != nil {
		return err
	}
	for _, r := range reminders {
		if _, err := tx.Exec(
			`INSERT INTO reminders (id, event_id, event_title, fire_at, minutes_before) VALUES (?, ?, ?, ?, ?)`,
			r.ID, r.EventID, r.EventTitle, r.FireAt.UTC(), r.MinutesBefore,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// === Registrations ===

// NoLimit disables the seat check of CreateRegistration.
const NoLimit = -1

// CreateRegistration inserts r unless limit sign-ups already exist for the
// event. The seat check and the insert are a single statement.
func (s *Storage) CreateRegistration(r *domain.Registration, limit int) error {
	if limit == NoLimit {
		limit = math.MaxInt32
	}
	res, err := s.db.Exec(
		`INSERT INTO registrations (id, user_id, event_id, registered_at, notification_enabled)
		 SELECT ?, ?, ?, ?, ?
		 WHERE (SELECT COUNT(*) FROM registrations WHERE event_id = ?) < ?`,
		r.ID, r.UserID, r.EventID, r.RegisteredAt.UTC(), r.NotificationEnabled,
		r.EventID, limit,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicate
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSeats
	}
	return nil
}

func (s *Storage) GetRegistration(userID, eventID string) (*domain.Registration, error) {
	r := &domain.Registration{}
	err := s.db.QueryRow(
		`SELECT id, user_id, event_id, registered_at, notification_enabled
		 FROM registrations WHERE user_id = ? AND event_id = ?`,
		userID, eventID,
	).Scan(&r.ID, &r.UserID, &r.EventID, &r.RegisteredAt, &r.NotificationEnabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *Storage) ListRegistrationsByUser(userID string) ([]*domain.Registration, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, event_id, registered_at, notification_enabled
		 FROM registrations WHERE user_id = ? ORDER BY registered_at ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regs []*domain.Registration
	for rows.Next() {
		r := &domain.Registration{}
		if err := rows.Scan(&r.ID, &r.UserID, &r.EventID, &r.RegisteredAt, &r.NotificationEnabled); err != nil {
			return nil, err
		}
		regs = append(regs, r)
	}
	return regs, rows.Err()
}

// DeleteRegistration reports whether a row was removed.
func (s *Storage) DeleteRegistration(userID, eventID string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM registrations WHERE user_id = ? AND event_id = ?`, userID, eventID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Storage) UpdateRegistrationNotification(userID, eventID string, enabled bool) error {
	_, err := s.db.Exec(
		`UPDATE registrations SET notification_enabled = ? WHERE user_id = ? AND event_id = ?`,
		enabled, userID, eventID,
	)
	return err
}

// === Imported calendar events ===

// ReplaceImportedEvents swaps the whole imported set.
func (s *Storage) ReplaceImportedEvents(events []domain.Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM imported_events`); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO imported_events (id, payload, imported_at) VALUES (?, ?, ?)`,
			e.ID, string(payload), now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Storage) ListImportedEvents() ([]domain.Event, error) {
	rows, err := s.db.Query(`SELECT payload FROM imported_events ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e domain.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decode imported event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
