// Package alert delivers operator notifications over Telegram: crash and
// recovery notices, halted instances, and selector anomalies.
package alert

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"copytrader/internal/config"
)

// Telegram sends notifications to a fixed chat. Delivery failures are logged
// and dropped; alerting never blocks or crashes the engine.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegram builds the notifier. A missing token disables alerting and
// returns nil without error.
func NewTelegram(cfg config.TelegramConfig, logger *slog.Logger) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, nil
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat_id is required when a token is set")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return &Telegram{
		bot:    bot,
		chatID: cfg.ChatID,
		logger: logger.With("component", "alert"),
	}, nil
}

// Notify sends one plain-text message to the configured chat.
func (t *Telegram) Notify(msg string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, msg)); err != nil {
		t.logger.Error("telegram notification failed", "error", err)
	}
}
