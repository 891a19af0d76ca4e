package bot

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tazhate/campusboard/internal/domain"
	"github.com/tazhate/campusboard/internal/service"
)

const maxListedEvents = 10

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	userID := strconv.FormatInt(msg.From.ID, 10)

	switch cmd {
	case "start":
		b.cmdStart(chatID, msg.From)
	case "help":
		b.cmdHelp(chatID)
	case "events":
		b.cmdEvents(ctx, chatID, args)
	case "remind":
		b.cmdRemind(ctx, chatID, args)
	case "reminders":
		b.cmdReminders(ctx, chatID)
	case "register":
		b.cmdRegister(ctx, chatID, userID, args)
	case "unregister":
		b.cmdUnregister(ctx, chatID, userID, args)
	default:
		b.SendMessage(chatID, "Unknown command. /help lists the commands")
	}
}

func (b *Bot) cmdStart(chatID int64, from *tgbotapi.User) {
	b.notifier.Grant()
	b.SendMessage(chatID, fmt.Sprintf("👋 Hi, %s!\n\nI'll keep you posted on campus events and remind you before they start.\n\n/help lists the commands", html.EscapeString(from.FirstName)))
}

func (b *Bot) cmdHelp(chatID int64) {
	text := `<b>Commands:</b>

<b>Events</b>
/events [text] — upcoming events, optionally filtered
/register ID — register for an event
/unregister ID — cancel a registration

<b>Reminders</b>
/remind ID [minutes] — remind me before an event
/reminders — scheduled reminders

<b>Other</b>
/help — this reference

💡 Any other text searches events`

	b.SendMessage(chatID, text)
}

func (b *Bot) cmdEvents(ctx context.Context, chatID int64, query string) {
	res, err := b.eventService.Load(ctx)
	if err != nil {
		b.SendMessage(chatID, "❌ "+userMessage(err))
		return
	}

	events := res.Events
	if query != "" {
		events = filterEvents(events, query)
	}
	if len(events) == 0 {
		b.SendMessage(chatID, "No events found")
		return
	}

	var sb strings.Builder
	if res.Stale {
		sb.WriteString("⚠️ <i>" + html.EscapeString(res.Notice) + "</i>\n\n")
	}
	fmt.Fprintf(&sb, "<b>📅 Events (%d):</b>\n\n", len(events))
	for i := range events {
		if i == maxListedEvents {
			fmt.Fprintf(&sb, "… and %d more, narrow with /events text", len(events)-maxListedEvents)
			break
		}
		sb.WriteString(formatEventLine(&events[i]))
		sb.WriteString("\n\n")
	}
	b.SendMessage(chatID, strings.TrimSpace(sb.String()))

	// A single match gets action buttons
	if len(events) == 1 {
		b.SendMessageWithKeyboard(chatID, "What would you like to do?", eventKeyboard(&events[0], false))
	}
}

func (b *Bot) cmdRemind(ctx context.Context, chatID int64, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		b.SendMessage(chatID, "Usage: /remind ID [minutes]")
		return
	}

	minutes := -1
	if len(fields) > 1 {
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			b.SendMessage(chatID, "Minutes must be a number: /remind ID 30")
			return
		}
		minutes = n
	}

	text, err := b.remind(ctx, fields[0], minutes)
	if err != nil {
		b.SendMessage(chatID, "❌ "+userMessage(err))
		return
	}
	b.SendMessage(chatID, text)
}

// remind schedules a reminder; negative minutes use the event's default.
func (b *Bot) remind(ctx context.Context, eventID string, minutes int) (string, error) {
	event, err := b.eventService.Get(ctx, eventID)
	if err != nil {
		return "", err
	}
	if minutes < 0 {
		minutes = event.ReminderMinutesBefore
	}
	r, err := b.reminderService.ScheduleReminder(ctx, event, minutes)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("🔔 Reminder set for <b>%s</b>, %d minutes before (%s)",
		html.EscapeString(event.Title), minutes, r.FireAt.In(b.cfg.Timezone).Format("Jan 2, 3:04 PM")), nil
}

func (b *Bot) cmdReminders(ctx context.Context, chatID int64) {
	reminders, err := b.reminderService.List(ctx)
	if err != nil {
		b.SendMessage(chatID, "❌ "+userMessage(err))
		return
	}

	now := time.Now()
	var sb strings.Builder
	for _, r := range reminders {
		if r.IsDue(now) {
			continue
		}
		fmt.Fprintf(&sb, "🔔 <b>%s</b>\n   %s · %d min before\n",
			html.EscapeString(r.EventTitle), r.FireAt.In(b.cfg.Timezone).Format("Jan 2, 3:04 PM"), r.MinutesBefore)
	}
	if sb.Len() == 0 {
		b.SendMessage(chatID, "No reminders scheduled")
		return
	}
	b.SendMessage(chatID, "<b>Reminders:</b>\n\n"+sb.String())
}

func (b *Bot) cmdRegister(ctx context.Context, chatID int64, userID, eventID string) {
	if eventID == "" {
		b.SendMessage(chatID, "Usage: /register ID")
		return
	}
	if _, err := b.registrationService.Register(ctx, userID, eventID); err != nil {
		b.SendMessage(chatID, "❌ "+userMessage(err))
		return
	}
	b.SendMessage(chatID, "✅ Registered for "+html.EscapeString(eventID))
}

func (b *Bot) cmdUnregister(ctx context.Context, chatID int64, userID, eventID string) {
	if eventID == "" {
		b.SendMessage(chatID, "Usage: /unregister ID")
		return
	}
	if err := b.registrationService.Unregister(ctx, userID, eventID); err != nil {
		b.SendMessage(chatID, "❌ "+userMessage(err))
		return
	}
	b.SendMessage(chatID, "Registration for "+html.EscapeString(eventID)+" cancelled")
}

func filterEvents(events []domain.Event, query string) []domain.Event {
	return service.Filter(events, domain.EventFilters{Search: query})
}

func formatEventLine(e *domain.Event) string {
	line := fmt.Sprintf("<b>%s</b>\n   %s %s", html.EscapeString(truncate(e.Title, 60)), e.Date, e.Time)
	if e.Venue != "" {
		line += " · " + html.EscapeString(e.Venue)
	}
	if e.IsFull() {
		line += " · full"
	}
	return line + "\n   <code>" + html.EscapeString(e.ID) + "</code>"
}
