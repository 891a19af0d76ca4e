package bot

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tazhate/campusboard/internal/domain"
)

// Acknowledge button under reminders that require interaction
func ackKeyboard(tag string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Got it", "ack:"+tag),
		),
	)
}

// Event action keyboard (for single event)
func eventKeyboard(e *domain.Event, registered bool) tgbotapi.InlineKeyboardMarkup {
	reg := tgbotapi.NewInlineKeyboardButtonData("📝 Register", "reg:"+e.ID)
	if registered {
		reg = tgbotapi.NewInlineKeyboardButtonData("❌ Unregister", "unreg:"+e.ID)
	}
	row := tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("🔔 %d min before", e.ReminderMinutesBefore), "remind:"+e.ID),
		reg,
	)
	if e.RegistrationURL != "" {
		return tgbotapi.NewInlineKeyboardMarkup(row,
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("🔗 Sign-up page", e.RegistrationURL)),
		)
	}
	return tgbotapi.NewInlineKeyboardMarkup(row)
}

// Truncate string
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-1]) + "…"
}
