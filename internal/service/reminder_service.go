package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tazhate/campusboard/internal/domain"
	appLog "github.com/tazhate/campusboard/internal/log"
)

const reminderBadge = "/icons/icon-192.png"

var (
	ErrPermissionRequired = errors.New("please enable notifications to set reminders")
	ErrPastDue            = errors.New("cannot set reminder for past events")
	ErrInvalidEventTime   = errors.New("invalid event date or time")
	ErrInvalidLeadTime    = errors.New("lead time must not be negative")
)

// Notifier is the platform that shows notifications to the user.
type Notifier interface {
	// Supported reports whether the platform can show notifications at all.
	Supported() bool
	Permission() domain.Permission
	RequestPermission(ctx context.Context) (domain.Permission, error)
	Notify(ctx context.Context, n domain.Notification) error
}

// ReminderStore persists the reminder set as a whole.
type ReminderStore interface {
	LoadReminders() ([]domain.Reminder, error)
	SaveReminders(reminders []domain.Reminder) error
}

type timer interface {
	Stop() bool
}

// ReminderService arms local notifications ahead of events. Persisted fire
// times are the source of truth; in-process timers are rebuilt from them
// on every start.
type ReminderService struct {
	store    ReminderStore
	notifier Notifier
	location *time.Location

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) timer

	mu        sync.Mutex
	timers    map[uint64]timer
	nextTimer uint64
}

func NewReminderService(store ReminderStore, notifier Notifier, loc *time.Location) *ReminderService {
	if loc == nil {
		loc = time.Local
	}
	return &ReminderService{
		store:    store,
		notifier: notifier,
		location: loc,
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// RequestPermission asks the platform for permission to notify. Platforms
// without notifications report PermissionUnsupported and no error.
func (s *ReminderService) RequestPermission(ctx context.Context) (domain.Permission, error) {
	if !s.notifier.Supported() {
		return domain.PermissionUnsupported, nil
	}
	p, err := s.notifier.RequestPermission(ctx)
	if err != nil {
		return p, fmt.Errorf("request permission: %w", err)
	}
	appLog.Info("notification permission", "permission", p)
	return p, nil
}

// ComputeFireTime returns the event start minus leadMinutes.
func (s *ReminderService) ComputeFireTime(event *domain.Event, leadMinutes int) (time.Time, error) {
	start, err := EventStart(event, s.location)
	if err != nil {
		return time.Time{}, err
	}
	return start.Add(-time.Duration(leadMinutes) * time.Minute), nil
}

// ScheduleReminder stores a reminder for (event, leadMinutes), replacing any
// previous one with the same key, and arms its notification.
func (s *ReminderService) ScheduleReminder(ctx context.Context, event *domain.Event, leadMinutes int) (*domain.Reminder, error) {
	if leadMinutes < 0 {
		return nil, ErrInvalidLeadTime
	}
	if !s.notifier.Supported() || !s.notifier.Permission().Granted() {
		return nil, ErrPermissionRequired
	}

	fireAt, err := s.ComputeFireTime(event, leadMinutes)
	if err != nil {
		return nil, err
	}
	if !fireAt.After(s.now()) {
		return nil, ErrPastDue
	}

	reminder := domain.Reminder{
		ID:            domain.ReminderID(event.ID, leadMinutes),
		EventID:       event.ID,
		EventTitle:    event.Title,
		FireAt:        fireAt,
		MinutesBefore: leadMinutes,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reminders, err := s.store.LoadReminders()
	if err != nil {
		return nil, fmt.Errorf("load reminders: %w", err)
	}
	replaced := false
	for i := range reminders {
		if reminders[i].ID == reminder.ID {
			reminders[i] = reminder
			replaced = true
			break
		}
	}
	if !replaced {
		reminders = append(reminders, reminder)
	}
	if err := s.store.SaveReminders(reminders); err != nil {
		return nil, fmt.Errorf("save reminders: %w", err)
	}

	s.arm(fireAt, domain.Notification{
		Title:              "🔔 Event Reminder",
		Body:               fmt.Sprintf("%s starts in %d minutes at %s", event.Title, leadMinutes, event.Venue),
		Icon:               event.Logo,
		Badge:              reminderBadge,
		Tag:                "reminder-" + event.ID,
		RequireInteraction: true,
	})

	appLog.Info("reminder scheduled", "id", reminder.ID, "fire_at", fireAt.Format(time.RFC3339), "replaced", replaced)
	return &reminder, nil
}

// RearmOnStartup arms every persisted reminder that is still in the future
// and drops the rest from storage. It returns the number armed.
func (s *ReminderService) RearmOnStartup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reminders, err := s.store.LoadReminders()
	if err != nil {
		return 0, fmt.Errorf("load reminders: %w", err)
	}

	now := s.now()
	active := make([]domain.Reminder, 0, len(reminders))
	for _, r := range reminders {
		if r.IsDue(now) {
			appLog.Debug("dropping expired reminder", "id", r.ID)
			continue
		}
		active = append(active, r)
		s.arm(r.FireAt, domain.Notification{
			Title:              "🔔 Event Reminder",
			Body:               fmt.Sprintf("%s starts in %d minutes", r.EventTitle, r.MinutesBefore),
			Icon:               reminderBadge,
			Badge:              reminderBadge,
			Tag:                "reminder-" + r.EventID,
			RequireInteraction: true,
		})
	}

	if err := s.store.SaveReminders(active); err != nil {
		return 0, fmt.Errorf("save reminders: %w", err)
	}
	appLog.Info("reminders re-armed", "armed", len(active), "dropped", len(reminders)-len(active))
	return len(active), nil
}

func (s *ReminderService) List(ctx context.Context) ([]domain.Reminder, error) {
	return s.store.LoadReminders()
}

// Stop disarms every timer armed by this service.
func (s *ReminderService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

// Armed returns the number of timers that have not fired yet.
func (s *ReminderService) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// arm must be called with s.mu held. Overwritten reminders keep their old
// timer; both fire. A fired timer forgets itself.
func (s *ReminderService) arm(fireAt time.Time, n domain.Notification) {
	delay := fireAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	if s.timers == nil {
		s.timers = make(map[uint64]timer)
	}
	s.nextTimer++
	id := s.nextTimer
	s.timers[id] = s.afterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.notifier.Notify(ctx, n); err != nil {
			appLog.Error("reminder notification failed", err, "tag", n.Tag)
			return
		}
		appLog.Info("reminder fired", "tag", n.Tag)
	})
}

// EventStart resolves the event's date and 12-hour time in loc.
func EventStart(event *domain.Event, loc *time.Location) (time.Time, error) {
	day, err := time.ParseInLocation(domain.DateLayout, strings.TrimSpace(event.Date), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q", ErrInvalidEventTime, event.Date)
	}
	hour, minute, err := ParseClock(event.Time)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc), nil
}

// ParseClock converts "h:mm AM|PM" to 24-hour hour and minute. An hour of
// 12 becomes 0 before PM adds 12, so "12:15 AM" is 0:15 and "12:00 PM" is
// noon. Without a suffix the hour is read as 24-hour.
func ParseClock(s string) (hour, minute int, err error) {
	fields := strings.Fields(s)
	if len(fields) == 0 || len(fields) > 2 {
		return 0, 0, fmt.Errorf("%w: time %q", ErrInvalidEventTime, s)
	}

	parts := strings.Split(fields[0], ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: time %q", ErrInvalidEventTime, s)
	}
	hour, herr := strconv.Atoi(parts[0])
	minute, merr := strconv.Atoi(parts[1])
	if herr != nil || merr != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: time %q", ErrInvalidEventTime, s)
	}

	if len(fields) == 1 {
		if hour < 0 || hour > 23 {
			return 0, 0, fmt.Errorf("%w: time %q", ErrInvalidEventTime, s)
		}
		return hour, minute, nil
	}

	if hour < 0 || hour > 12 {
		return 0, 0, fmt.Errorf("%w: time %q", ErrInvalidEventTime, s)
	}
	if hour == 12 {
		hour = 0
	}
	switch strings.ToUpper(fields[1]) {
	case "AM":
	case "PM":
		hour += 12
	default:
		return 0, 0, fmt.Errorf("%w: time %q", ErrInvalidEventTime, s)
	}
	return hour, minute, nil
}
