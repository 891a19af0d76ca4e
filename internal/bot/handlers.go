package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	appLog "github.com/tazhate/campusboard/internal/log"
	"github.com/tazhate/campusboard/internal/service"
)

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message != nil {
		b.handleMessage(ctx, update.Message)
	} else if update.CallbackQuery != nil {
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *Bot) isAllowed(userID int64) bool {
	return userID == b.cfg.OwnerTelegramID
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	chatID := msg.Chat.ID

	if !b.isAllowed(msg.From.ID) {
		b.SendMessage(chatID, "⛔ Access denied")
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	// Plain text searches events
	b.cmdEvents(ctx, chatID, text)
}

func (b *Bot) handleCallback(ctx context.Context, callback *tgbotapi.CallbackQuery) {
	if callback.Message == nil {
		return
	}
	chatID := callback.Message.Chat.ID
	msgID := callback.Message.MessageID

	if !b.isAllowed(callback.From.ID) {
		b.api.Request(tgbotapi.NewCallback(callback.ID, "⛔ Access denied"))
		return
	}

	action, arg, _ := strings.Cut(callback.Data, ":")
	userID := strconv.FormatInt(callback.From.ID, 10)

	switch action {
	case "ack":
		b.notifier.acknowledge(arg)
		b.api.Request(tgbotapi.NewCallback(callback.ID, "👍"))
		b.api.Request(tgbotapi.NewEditMessageReplyMarkup(chatID, msgID, tgbotapi.InlineKeyboardMarkup{
			InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{},
		}))

	case "remind":
		text, err := b.remind(ctx, arg, -1)
		if err != nil {
			b.api.Request(tgbotapi.NewCallback(callback.ID, "❌ "+userMessage(err)))
			return
		}
		b.api.Request(tgbotapi.NewCallback(callback.ID, "🔔 Reminder set"))
		b.SendMessage(chatID, text)

	case "reg":
		if _, err := b.registrationService.Register(ctx, userID, arg); err != nil {
			b.api.Request(tgbotapi.NewCallback(callback.ID, "❌ "+userMessage(err)))
			return
		}
		b.api.Request(tgbotapi.NewCallback(callback.ID, "✅ Registered"))
		b.refreshEventKeyboard(ctx, chatID, msgID, arg, true)

	case "unreg":
		if err := b.registrationService.Unregister(ctx, userID, arg); err != nil {
			b.api.Request(tgbotapi.NewCallback(callback.ID, "❌ "+userMessage(err)))
			return
		}
		b.api.Request(tgbotapi.NewCallback(callback.ID, "Registration cancelled"))
		b.refreshEventKeyboard(ctx, chatID, msgID, arg, false)

	default:
		b.api.Request(tgbotapi.NewCallback(callback.ID, ""))
	}
}

func (b *Bot) refreshEventKeyboard(ctx context.Context, chatID int64, msgID int, eventID string, registered bool) {
	event, err := b.eventService.Get(ctx, eventID)
	if err != nil {
		return
	}
	b.api.Request(tgbotapi.NewEditMessageReplyMarkup(chatID, msgID, eventKeyboard(event, registered)))
}

// userMessage turns service errors into chat replies.
func userMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrPermissionRequired):
		return "Please enable notifications first: /start"
	case errors.Is(err, service.ErrPastDue):
		return "Cannot set reminder for past events"
	case errors.Is(err, service.ErrEventNotFound):
		return "Event not found"
	case errors.Is(err, service.ErrEventsUnavailable):
		return "Events are unavailable right now"
	case errors.Is(err, service.ErrAlreadyRegistered):
		return "You are already registered"
	case errors.Is(err, service.ErrNotRegistered):
		return "You are not registered for this event"
	case errors.Is(err, service.ErrEventFull):
		return "Event is full"
	case errors.Is(err, service.ErrInvalidEventTime):
		return "Event has no valid start time"
	case errors.Is(err, service.ErrInvalidLeadTime):
		return "Minutes must not be negative"
	default:
		appLog.Error("bot action failed", err)
		return "Something went wrong"
	}
}
