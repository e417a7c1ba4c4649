// Package email delivers alert notifications by email through pluggable providers.
package email

import (
	"context"
	"errors"
	"log/slog"

	"disaster-relay/pkg/relay"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender renders relay messages as HTML email and hands them to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// SendAlert sends msg to the address to.
func (s *Sender) SendAlert(ctx context.Context, to string, msg relay.Message) error {
	if to == "" {
		return errors.New("empty recipient address")
	}

	subject := subjectFor(msg)
	body := formatAlertBody(msg)

	s.logger.Info("Sending alert email",
		"to", to,
		"subject", subject,
		"kind", msg.Kind,
		"mentions", len(msg.Mentions))

	return s.provider.Send(ctx, to, subject, body)
}

func subjectFor(msg relay.Message) string {
	if msg.Icon == "" {
		return msg.Headline
	}
	return msg.Icon + " " + msg.Headline
}
