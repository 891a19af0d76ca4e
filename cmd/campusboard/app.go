package main

import (
	"fmt"

	"github.com/tazhate/campusboard/config"
	"github.com/tazhate/campusboard/internal/bot"
	"github.com/tazhate/campusboard/internal/clients/caldav"
	"github.com/tazhate/campusboard/internal/hub"
	appLog "github.com/tazhate/campusboard/internal/log"
	"github.com/tazhate/campusboard/internal/offline"
	"github.com/tazhate/campusboard/internal/service"
	"github.com/tazhate/campusboard/internal/storage"
)

// app holds every wired component of a running board.
type app struct {
	cfg   *config.Config
	store *storage.Storage
	hub   *hub.Hub

	offline       *offline.Manager
	notifier      service.Notifier
	telegram      bot.API
	tgNotifier    *bot.Notifier
	events        *service.EventService
	reminders     *service.ReminderService
	registrations *service.RegistrationService
	calendar      *service.CalendarService
}

func newApp(cfg *config.Config) (*app, error) {
	appLog.SetLevel(appLog.Level(cfg.LogLevel))

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	a := &app{cfg: cfg, store: store, hub: hub.New()}

	a.offline, err = offline.New(offline.Options{
		Version:     cfg.CacheVersion,
		Origin:      cfg.OriginURL,
		Store:       store,
		Broadcaster: a.hub,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init offline cache: %w", err)
	}

	a.notifier = bot.Disabled{}
	if cfg.TelegramEnabled() {
		api, err := bot.NewAPI(cfg.TelegramToken)
		if err != nil {
			store.Close()
			return nil, err
		}
		a.telegram = api
		a.tgNotifier = bot.NewNotifier(api, cfg.OwnerTelegramID, store)
		a.notifier = a.tgNotifier
	}

	a.events = service.NewEventService(a.offline, store, cfg.Timezone)
	a.reminders = service.NewReminderService(store, a.notifier, cfg.Timezone)
	a.registrations = service.NewRegistrationService(store, a.events)

	if cfg.CalDAVEnabled() {
		client := caldav.NewClient(cfg.CalDAVURL, cfg.CalDAVUsername, cfg.CalDAVPassword)
		a.calendar = service.NewCalendarService(client, store, cfg.CalDAVCalendar, cfg.Timezone)
	}

	return a, nil
}

// bot returns the Telegram front end, nil when no token is configured.
func (a *app) bot() *bot.Bot {
	if a.telegram == nil {
		return nil
	}
	return bot.New(a.cfg, a.telegram, a.tgNotifier, a.events, a.reminders, a.registrations)
}

func (a *app) Close() error {
	a.reminders.Stop()
	return a.store.Close()
}
