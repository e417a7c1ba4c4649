package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"disaster-relay/pkg/relay"
)

// DefaultTelegramAPI is the Telegram Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

const telegramMessageLimit = 4096

// Telegram resolves chat ids through the Telegram Bot API.
type Telegram struct {
	api     apiClient
	baseURL string
	token   string
}

// NewTelegram creates a Telegram resolver for the bot token.
func NewTelegram(token string, client *http.Client, logger *slog.Logger) *Telegram {
	api := newAPIClient("telegram", client, logger)
	api.secret = token
	return &Telegram{
		api:     api,
		baseURL: DefaultTelegramAPI,
		token:   token,
	}
}

// WithBaseURL points the resolver at a different API root.
func (t *Telegram) WithBaseURL(baseURL string) *Telegram {
	t.baseURL = strings.TrimRight(baseURL, "/")
	return t
}

func (t *Telegram) method(name string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, name)
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Resolve checks that the bot can reach chatID.
func (t *Telegram) Resolve(ctx context.Context, chatID string) (Target, error) {
	var resp telegramResponse
	err := t.api.do(ctx, http.MethodGet, t.method("getChat")+"?chat_id="+url.QueryEscape(chatID), nil, nil, &resp)
	switch status := statusOf(err); {
	case err == nil && resp.OK:
		return &telegramChat{telegram: t, id: chatID}, nil
	case err == nil:
		return nil, fmt.Errorf("%w: telegram chat %s: %s", ErrUnresolved, chatID, resp.Description)
	case status == http.StatusBadRequest || status == http.StatusForbidden || status == http.StatusNotFound:
		// "Bad Request: chat not found" and "Forbidden: bot was kicked".
		return nil, fmt.Errorf("%w: telegram chat %s: %w", ErrUnresolved, chatID, err)
	default:
		return nil, fmt.Errorf("look up telegram chat %s: %w", chatID, err)
	}
}

type telegramChat struct {
	telegram *Telegram
	id       string
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func (c *telegramChat) Send(ctx context.Context, msg relay.Message) error {
	req := sendMessageRequest{
		ChatID: c.id,
		Text:   truncateRunes(RenderPlain(msg), telegramMessageLimit),
	}
	var resp telegramResponse
	if err := c.telegram.api.do(ctx, http.MethodPost, c.telegram.method("sendMessage"), nil, req, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("telegram sendMessage: %s", resp.Description)
	}
	return nil
}

// RenderPlain renders msg as plain text.
func RenderPlain(msg relay.Message) string {
	return renderText(msg, nil,
		func(m relay.Mention) string { return fmt.Sprintf("%s (震度%d)", m.SubscriberID, m.Severity) })
}
