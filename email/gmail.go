package email

import (
	"context"
	"encoding/base64"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
)

// GmailProvider delivers alert mail through the Gmail API as the
// authenticated service account.
type GmailProvider struct {
	service *gmail.Service
	from    string // Empty lets Gmail fill in the account address
	logger  *slog.Logger
}

// NewGmailProvider returns a provider backed by service.
func NewGmailProvider(service *gmail.Service, fromAddr string, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{service: service, from: fromAddr, logger: logger}
}

// headerValue drops control characters so a value cannot end its header line.
func headerValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// buildMIME assembles the raw RFC 5322 message. Headlines are Japanese, so
// the subject is Q-encoded.
func buildMIME(from, to, subject, htmlBody string) string {
	headers := []string{"MIME-Version: 1.0"}
	if from != "" {
		headers = append(headers, "From: "+headerValue(from))
	}
	headers = append(headers,
		"To: "+headerValue(to),
		"Subject: "+mime.QEncoding.Encode("utf-8", headerValue(subject)),
		"Content-Type: text/html; charset=utf-8",
	)
	return strings.Join(headers, "\r\n") + "\r\n\r\n" + htmlBody
}

// Send implements Provider.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	raw := &gmail.Message{Raw: base64.URLEncoding.EncodeToString([]byte(buildMIME(g.from, to, subject, htmlBody)))}

	return retry.Do(
		func() error {
			start := time.Now()
			sent, err := g.service.Users.Messages.Send("me", raw).Context(ctx).Do()
			if err != nil {
				g.logger.Warn("Gmail rejected alert email",
					"to", to,
					"duration_ms", time.Since(start).Milliseconds(),
					"error", err)
				return err
			}
			g.logger.Info("Alert email sent",
				"provider", "gmail",
				"to", to,
				"message_id", sent.Id,
				"duration_ms", time.Since(start).Milliseconds())
			return nil
		},
		sendRetryOptions(ctx, g.logger, "gmail")...,
	)
}

// Alerts go stale quickly: a few short retries, never minutes of backoff.
func sendRetryOptions(ctx context.Context, logger *slog.Logger, provider string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10 * time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying alert email", "provider", provider, "attempt", n, "error", err)
		}),
	}
}
