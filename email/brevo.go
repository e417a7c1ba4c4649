package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultBrevoEndpoint is Brevo's transactional send endpoint.
const DefaultBrevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider delivers alert mail through Brevo's transactional API.
type BrevoProvider struct {
	apiKey   string
	sender   brevoContact
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewBrevoProvider returns a provider sending as fromName <fromAddr>.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		apiKey:   apiKey,
		sender:   brevoContact{Email: fromAddr, Name: fromName},
		endpoint: DefaultBrevoEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// WithEndpoint sends to endpoint instead, using client when non-nil.
func (b *BrevoProvider) WithEndpoint(endpoint string, client *http.Client) *BrevoProvider {
	b.endpoint = endpoint
	if client != nil {
		b.client = client
	}
	return b
}

type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// BrevoError is a non-2xx answer from Brevo.
type BrevoError struct {
	StatusCode int
	Body       string
}

func (e *BrevoError) Error() string {
	return fmt.Sprintf("brevo: HTTP %d: %s", e.StatusCode, e.Body)
}

// permanent reports whether resending the same request cannot succeed.
func (e *BrevoError) permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// Send implements Provider.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	payload, err := json.Marshal(brevoSendRequest{
		Sender:  b.sender,
		To:      []brevoContact{{Email: to}},
		Subject: subject,
		HTML:    htmlBody,
	})
	if err != nil {
		return fmt.Errorf("marshal brevo request: %w", err)
	}

	return retry.Do(
		func() error {
			start := time.Now()
			err := b.post(ctx, payload)
			var brevoErr *BrevoError
			switch {
			case err == nil:
				b.logger.Info("Alert email sent",
					"provider", "brevo",
					"to", to,
					"duration_ms", time.Since(start).Milliseconds())
				return nil
			case errors.As(err, &brevoErr) && brevoErr.permanent():
				b.logger.Error("Brevo refused alert email", "to", to, "status_code", brevoErr.StatusCode)
				return retry.Unrecoverable(err)
			default:
				b.logger.Warn("Brevo send failed",
					"to", to,
					"duration_ms", time.Since(start).Milliseconds(),
					"error", err)
				return err
			}
		},
		sendRetryOptions(ctx, b.logger, "brevo")...,
	)
}

func (b *BrevoProvider) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("create brevo request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close brevo response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &BrevoError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}
