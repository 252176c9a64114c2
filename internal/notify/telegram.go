package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	apperrors "github.com/lupppig/backup/internal/errors"
)

type TelegramOptions struct {
	Events      `mapstructure:",squash"`
	BotToken    string `mapstructure:"bot_token"`
	ChatID      int64  `mapstructure:"chat_id"`
	APIEndpoint string `mapstructure:"api_endpoint"`
}

// TelegramNotifier sends a plain text report to one chat. The bot is
// created on first use, since creating it calls the API.
type TelegramNotifier struct {
	opts TelegramOptions
	mu   sync.Mutex
	bot  *tgbotapi.BotAPI
}

func NewTelegramNotifier(opts TelegramOptions) (*TelegramNotifier, error) {
	if opts.BotToken == "" || opts.ChatID == 0 {
		return nil, apperrors.New(apperrors.TypeConfig, "telegram notifier: bot_token and chat_id are required", "")
	}
	if opts.APIEndpoint == "" {
		opts.APIEndpoint = tgbotapi.APIEndpoint
	}
	return &TelegramNotifier{opts: opts}, nil
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) client() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.opts.BotToken, t.opts.APIEndpoint, &http.Client{Timeout: 15 * time.Second})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeAuth, "failed to create telegram bot", "Check bot_token.")
	}
	t.bot = bot
	return bot, nil
}

func (t *TelegramNotifier) Notify(ctx context.Context, stats Stats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := t.client()
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.opts.ChatID, plainText(stats))
	if _, err := bot.Send(msg); err != nil {
		return apperrors.Wrap(err, apperrors.TypeNotifier, "failed to send telegram message", "")
	}
	return nil
}
