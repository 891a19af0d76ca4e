package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tazhate/campusboard/internal/domain"
	appLog "github.com/tazhate/campusboard/internal/log"
)

// Client is the part of *tgbotapi.BotAPI the bot uses.
type Client interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type PermissionStore interface {
	NotificationPermission() (string, error)
	SetNotificationPermission(p string) error
}

// Notifier delivers reminders to the owner's Telegram chat. Permission is
// granted once the chat has been reached.
type Notifier struct {
	client Client
	chatID int64
	store  PermissionStore

	mu         sync.Mutex
	permission domain.Permission
	lastByTag  map[string]int
}

func NewNotifier(client Client, chatID int64, store PermissionStore) *Notifier {
	n := &Notifier{
		client:     client,
		chatID:     chatID,
		store:      store,
		permission: domain.PermissionDefault,
		lastByTag:  make(map[string]int),
	}
	if store != nil {
		if p, err := store.NotificationPermission(); err != nil {
			appLog.Error("load notification permission", err)
		} else if p != "" {
			n.permission = domain.Permission(p)
		}
	}
	return n
}

func (n *Notifier) Supported() bool {
	return n.client != nil && n.chatID != 0
}

func (n *Notifier) Permission() domain.Permission {
	if !n.Supported() {
		return domain.PermissionUnsupported
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.permission
}

// RequestPermission sends a confirmation to the owner chat. A chat that
// refuses the message (the bot was blocked) denies permission.
func (n *Notifier) RequestPermission(ctx context.Context) (domain.Permission, error) {
	if !n.Supported() {
		return domain.PermissionUnsupported, nil
	}

	msg := tgbotapi.NewMessage(n.chatID, "🔔 Event reminders are enabled for this chat.")
	_, err := n.client.Send(msg)

	var tgErr *tgbotapi.Error
	switch {
	case err == nil:
		n.setPermission(domain.PermissionGranted)
	case errors.As(err, &tgErr) && tgErr.Code == 403:
		n.setPermission(domain.PermissionDenied)
	default:
		return n.Permission(), fmt.Errorf("reach owner chat: %w", err)
	}
	return n.Permission(), nil
}

// Grant marks permission as given, e.g. after the owner started the bot.
func (n *Notifier) Grant() {
	n.setPermission(domain.PermissionGranted)
}

func (n *Notifier) setPermission(p domain.Permission) {
	n.mu.Lock()
	n.permission = p
	n.mu.Unlock()

	if n.store != nil {
		if err := n.store.SetNotificationPermission(string(p)); err != nil {
			appLog.Error("save notification permission", err)
		}
	}
}

// Notify shows nt in the owner chat. A previous notification with the same
// tag is removed first.
func (n *Notifier) Notify(ctx context.Context, nt domain.Notification) error {
	if !n.Supported() {
		return errors.New("notifications unsupported")
	}

	if nt.Tag != "" {
		n.mu.Lock()
		prev, ok := n.lastByTag[nt.Tag]
		n.mu.Unlock()
		if ok {
			if _, err := n.client.Request(tgbotapi.NewDeleteMessage(n.chatID, prev)); err != nil {
				appLog.Debug("delete replaced notification", "tag", nt.Tag, "error", err)
			}
		}
	}

	text := formatNotification(nt)
	var markup any
	if nt.RequireInteraction {
		markup = ackKeyboard(nt.Tag)
	}

	var sent tgbotapi.Message
	var err error
	if isURL(nt.Icon) {
		photo := tgbotapi.NewPhoto(n.chatID, tgbotapi.FileURL(nt.Icon))
		photo.Caption = text
		photo.ParseMode = tgbotapi.ModeHTML
		photo.ReplyMarkup = markup
		sent, err = n.client.Send(photo)
		if err != nil {
			appLog.Debug("photo notification failed, sending text", "error", err)
		}
	}
	if !isURL(nt.Icon) || err != nil {
		msg := tgbotapi.NewMessage(n.chatID, text)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.ReplyMarkup = markup
		sent, err = n.client.Send(msg)
	}
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}

	if nt.Tag != "" {
		n.mu.Lock()
		n.lastByTag[nt.Tag] = sent.MessageID
		n.mu.Unlock()
	}
	return nil
}

// acknowledge forgets the message shown for tag.
func (n *Notifier) acknowledge(tag string) {
	n.mu.Lock()
	delete(n.lastByTag, tag)
	n.mu.Unlock()
}

func formatNotification(nt domain.Notification) string {
	return fmt.Sprintf("<b>%s</b>\n%s", html.EscapeString(nt.Title), html.EscapeString(nt.Body))
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}

// Disabled is the notifier used when no Telegram bot is configured.
type Disabled struct{}

func (Disabled) Supported() bool { return false }

func (Disabled) Permission() domain.Permission { return domain.PermissionUnsupported }

func (Disabled) RequestPermission(ctx context.Context) (domain.Permission, error) {
	return domain.PermissionUnsupported, nil
}

func (Disabled) Notify(ctx context.Context, nt domain.Notification) error {
	appLog.Info("notification dropped, no platform", "tag", nt.Tag, "title", nt.Title)
	return nil
}
