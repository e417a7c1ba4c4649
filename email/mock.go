package email

import (
	"context"
	"log/slog"
	"sync"
)

// SentMail is one email captured by MockProvider.
type SentMail struct {
	To      string
	Subject string
	Body    string
}

// mockHistory bounds the mail a MockProvider keeps for inspection.
const mockHistory = 100

// MockProvider logs emails instead of sending them and keeps the most recent
// ones. It is the email provider when no Gmail or Brevo credentials are set.
type MockProvider struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []SentMail
}

// NewMockProvider returns a logging provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.logger.Info("MOCK EMAIL",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))

	m.mu.Lock()
	m.sent = append(m.sent, SentMail{To: to, Subject: subject, Body: htmlBody})
	if len(m.sent) > mockHistory {
		m.sent = m.sent[len(m.sent)-mockHistory:]
	}
	m.mu.Unlock()
	return nil
}

// Sent returns the retained emails, oldest first.
func (m *MockProvider) Sent() []SentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMail, len(m.sent))
	copy(out, m.sent)
	return out
}
