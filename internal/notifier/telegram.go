// Package notifier implements credpool.Notifier: out-of-band delivery of
// edge-triggered liveness transitions.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

const telegramAPIBase = "https://api.telegram.org"

// Telegram delivers notifications through a Telegram bot, grounded in the
// original implementation's _send_telegram_notification (HTML-formatted
// sendMessage calls against the Bot API). No Telegram SDK appears anywhere
// in the reference corpus, so this talks to the Bot API directly over
// net/http — a plain HTTP POST of a small JSON body does not warrant a
// dependency the corpus never reaches for.
type Telegram struct {
	botToken string
	chatID   string
	client   *http.Client
	logger   *slog.Logger
}

// NewTelegram builds a Telegram notifier. Returns nil if either credential
// is empty; callers check for nil and fall back to another Notifier, since
// Emit on a nil *Telegram is not valid.
func NewTelegram(botToken, chatID string, logger *slog.Logger) *Telegram {
	if botToken == "" || chatID == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{},
		logger:   logger,
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// Emit sends message to the configured chat, HTML parse mode enabled so
// callers can use the same <b>...</b> emphasis the original notifications
// used.
func (t *Telegram) Emit(ctx context.Context, message string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:    t.chatID,
		Text:      message,
		ParseMode: "HTML",
	})
	if err != nil {
		return fmt.Errorf("notifier: encode telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", telegramAPIBase, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notifier: build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("notifier: telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notifier: telegram returned status %d", resp.StatusCode)
	}
	return nil
}
