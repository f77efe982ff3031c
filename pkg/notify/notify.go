package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/config"
)

const (
	ModeDisabled = "disabled"
	ModeTelegram = "telegram"
)

// Notifier delivers human-readable operation outcomes.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

type NoopNotifier struct{}

func (NoopNotifier) Notify(_ context.Context, message string) error {
	slog.Debug("Notification skipped, mode=disabled", "message", message)
	return nil
}

// Sender is the part of the Telegram bot API the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts every message to each configured chat.
type TelegramNotifier struct {
	DryRun  bool
	Bot     Sender
	ChatIDs []int64
}

func (t *TelegramNotifier) Notify(ctx context.Context, message string) error {
	if t.DryRun {
		slog.Info("Dry-run: would send Telegram notification", "chats", len(t.ChatIDs), "message", message)
		return nil
	}
	var errs []error
	for _, id := range t.ChatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.Bot.Send(tgbotapi.NewMessage(id, message)); err != nil {
			slog.Warn("Telegram notification failed", "chat", id, "err", err)
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// NewFromConfig builds the notifier selected by cfg.Notifier.Mode.
func NewFromConfig(cfg *config.Config) (Notifier, error) {
	switch cfg.Notifier.Mode {
	case ModeDisabled, "":
		return NoopNotifier{}, nil
	case ModeTelegram:
		n := &TelegramNotifier{DryRun: cfg.DryRun, ChatIDs: cfg.Notifier.ChatIDs}
		if cfg.DryRun {
			return n, nil
		}
		bot, err := tgbotapi.NewBotAPI(cfg.Notifier.BotToken)
		if err != nil {
			return nil, fmt.Errorf("connecting telegram bot: %w", err)
		}
		n.Bot = bot
		return n, nil
	default:
		return nil, fmt.Errorf("unknown notifier mode: %s", cfg.Notifier.Mode)
	}
}
