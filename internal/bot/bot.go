package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tazhate/campusboard/config"
	appLog "github.com/tazhate/campusboard/internal/log"
	"github.com/tazhate/campusboard/internal/service"
)

// API is the part of *tgbotapi.BotAPI the bot needs for polling.
type API interface {
	Client
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Bot struct {
	api                 API
	cfg                 *config.Config
	notifier            *Notifier
	eventService        *service.EventService
	reminderService     *service.ReminderService
	registrationService *service.RegistrationService
}

// NewAPI authorizes against Telegram.
func NewAPI(token string) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	appLog.Info("telegram authorized", "username", api.Self.UserName)
	return api, nil
}

func New(cfg *config.Config, api API, notifier *Notifier, eventSvc *service.EventService, reminderSvc *service.ReminderService, registrationSvc *service.RegistrationService) *Bot {
	return &Bot{
		api:                 api,
		cfg:                 cfg,
		notifier:            notifier,
		eventService:        eventSvc,
		reminderService:     reminderSvc,
		registrationService: registrationSvc,
	}
}

func (b *Bot) setCommands() {
	commands := []tgbotapi.BotCommand{
		{Command: "events", Description: "📅 Upcoming events"},
		{Command: "reminders", Description: "🔔 Scheduled reminders"},
		{Command: "remind", Description: "⏰ Remind me about an event"},
		{Command: "register", Description: "📝 Register for an event"},
		{Command: "help", Description: "❓ Command reference"},
	}

	cfg := tgbotapi.NewSetMyCommands(commands...)
	if _, err := b.api.Request(cfg); err != nil {
		appLog.Error("failed to set commands", err)
	}
}

// Start polls for updates until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	b.setCommands()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	appLog.Info("bot polling for updates")
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) SendMessageWithKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = keyboard
	_, err := b.api.Send(msg)
	return err
}
