package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tazhate/campusboard/internal/domain"
	appLog "github.com/tazhate/campusboard/internal/log"
	"github.com/tazhate/campusboard/internal/storage"
)

var (
	ErrAlreadyRegistered = errors.New("already registered for this event")
	ErrNotRegistered     = errors.New("not registered for this event")
	ErrEventFull         = errors.New("event is full")
	ErrUserRequired      = errors.New("user id is required")
)

type RegistrationStore interface {
	CreateRegistration(r *domain.Registration, limit int) error
	GetRegistration(userID, eventID string) (*domain.Registration, error)
	ListRegistrationsByUser(userID string) ([]*domain.Registration, error)
	DeleteRegistration(userID, eventID string) (bool, error)
	UpdateRegistrationNotification(userID, eventID string, enabled bool) error
}

// EventLookup resolves event ids; *EventService satisfies it.
type EventLookup interface {
	Get(ctx context.Context, id string) (*domain.Event, error)
}

// RegistrationService keeps per-user event sign-ups.
type RegistrationService struct {
	store  RegistrationStore
	events EventLookup
	now    func() time.Time
}

func NewRegistrationService(s RegistrationStore, events EventLookup) *RegistrationService {
	return &RegistrationService{store: s, events: events, now: time.Now}
}

// Register signs userID up for eventID. Seats already taken upstream and
// local sign-ups both count against the event's capacity.
func (s *RegistrationService) Register(ctx context.Context, userID, eventID string) (*domain.Registration, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserRequired
	}

	event, err := s.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.GetRegistration(userID, eventID)
	if err != nil {
		return nil, fmt.Errorf("get registration: %w", err)
	}
	if existing != nil {
		return nil, ErrAlreadyRegistered
	}

	// Local sign-ups may fill whatever the upstream count leaves free.
	limit := storage.NoLimit
	if event.MaxParticipants != nil {
		limit = *event.MaxParticipants - event.CurrentParticipants
		if limit <= 0 {
			return nil, ErrEventFull
		}
	}

	reg := &domain.Registration{
		ID:                  uuid.NewString(),
		UserID:              userID,
		EventID:             eventID,
		RegisteredAt:        s.now(),
		NotificationEnabled: true,
	}
	if err := s.store.CreateRegistration(reg, limit); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrAlreadyRegistered
		}
		if errors.Is(err, storage.ErrNoSeats) {
			return nil, ErrEventFull
		}
		return nil, fmt.Errorf("create registration: %w", err)
	}

	appLog.Info("registered", "user", userID, "event", eventID)
	return reg, nil
}

func (s *RegistrationService) Unregister(ctx context.Context, userID, eventID string) error {
	removed, err := s.store.DeleteRegistration(userID, eventID)
	if err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	if !removed {
		return ErrNotRegistered
	}
	appLog.Info("unregistered", "user", userID, "event", eventID)
	return nil
}

func (s *RegistrationService) IsRegistered(ctx context.Context, userID, eventID string) (bool, error) {
	reg, err := s.store.GetRegistration(userID, eventID)
	if err != nil {
		return false, err
	}
	return reg != nil, nil
}

func (s *RegistrationService) ListByUser(ctx context.Context, userID string) ([]*domain.Registration, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserRequired
	}
	return s.store.ListRegistrationsByUser(userID)
}

// SetNotification toggles reminders for an existing registration.
func (s *RegistrationService) SetNotification(ctx context.Context, userID, eventID string, enabled bool) error {
	reg, err := s.store.GetRegistration(userID, eventID)
	if err != nil {
		return fmt.Errorf("get registration: %w", err)
	}
	if reg == nil {
		return ErrNotRegistered
	}
	return s.store.UpdateRegistrationNotification(userID, eventID, enabled)
}
