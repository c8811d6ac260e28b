package notify

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/rankpilot/internal/fault"
)

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// Telegram posts alerts to a single chat.
type Telegram struct {
	bot    TelegramBot
	chatID int64
}

func NewTelegram(token, chatID string) (*Telegram, error) {
	return NewTelegramWithFactory(token, chatID, defaultBotFactory)
}

// NewTelegramWithFactory creates a Telegram notifier with a custom bot
// factory (for testing)
func NewTelegramWithFactory(token, chatID string, factory BotFactory) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fault.Configuration("telegram", "token is required")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return nil, fault.Configuration("telegram", "invalid chat id %q", chatID)
	}
	bot, err := factory(token, tgbotapi.APIEndpoint, http.DefaultClient)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return &Telegram{bot: bot, chatID: id}, nil
}

func (t *Telegram) Alert(ctx context.Context, severity Severity, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, format(severity, message))
	if _, err := t.bot.Send(msg); err != nil {
		return fault.Transient("telegram send", err)
	}
	return nil
}
