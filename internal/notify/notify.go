// Package notify delivers user-facing outcome messages. Delivery is best effort.
package notify

import (
	"context"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/logger"
)

type Notifier interface {
	Notify(ctx context.Context, userID, message string)
}

// Sender is the part of tgbotapi.BotAPI used for delivery.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends to the user's private chat; the chat id equals the user id.
type Telegram struct {
	api Sender
	log *logger.Logger
}

func NewTelegram(api Sender, log *logger.Logger) *Telegram {
	return &Telegram{api: api, log: logger.OrDefault(log).Named("notify")}
}

func (t *Telegram) Notify(_ context.Context, userID, message string) {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		t.log.Warn("user id is not a telegram chat id", logger.FieldUser(userID))
		return
	}
	msg := tgbotapi.NewMessage(chatID, message)
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		t.log.Warn("send notification", logger.FieldUser(userID), logger.FieldErr(err))
	}
}

// Log writes every notification to the logger.
type Log struct {
	log *logger.Logger
}

func NewLog(log *logger.Logger) *Log {
	return &Log{log: logger.OrDefault(log).Named("notify")}
}

func (l *Log) Notify(_ context.Context, userID, message string) {
	l.log.Info("notification", logger.FieldUser(userID), logger.String("message", message))
}

// Multi fans out to every sink.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, userID, message string) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, userID, message)
		}
	}
}

// Nop drops every message.
type Nop struct{}

func (Nop) Notify(context.Context, string, string) {}
