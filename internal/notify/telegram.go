package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"listing-sentinel/internal/model"
)

// Telegram 通过 Bot API 推送告警。
type Telegram struct {
	botToken  string
	chatID    string
	baseURL   string
	client    *http.Client
	formatter Formatter
	logger    zerolog.Logger
}

// NewTelegram constructs the Telegram channel.
func NewTelegram(botToken, chatID, baseURL string, timeout time.Duration, formatter Formatter, logger zerolog.Logger) *Telegram {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &Telegram{
		botToken:  botToken,
		chatID:    chatID,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: timeout},
		formatter: formatter,
		logger:    logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Deliver 调用 sendMessage 推送文本。
func (t *Telegram) Deliver(ctx context.Context, ev model.AlertEvent) error {
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    t.formatter.Text(ev),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false: %s", result.Description)
	}

	t.logger.Info().
		Str("listing_id", ev.ListingID).
		Str("kind", string(ev.Kind)).
		Msg("告警已发送 (Telegram)")
	return nil
}

var _ Dispatcher = (*Telegram)(nil)
