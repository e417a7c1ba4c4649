package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"sync"

	"disaster-relay/email"
	"disaster-relay/pkg/relay"
)

// Email resolves destination ids that are email addresses.
type Email struct {
	sender *email.Sender
}

// NewEmail creates an email resolver sending through sender.
func NewEmail(sender *email.Sender) *Email {
	return &Email{sender: sender}
}

// Resolve validates the address.
func (e *Email) Resolve(_ context.Context, address string) (Target, error) {
	addr, err := mail.ParseAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid email address %q: %w", ErrUnresolved, address, err)
	}
	return &emailTarget{sender: e.sender, to: addr.Address}, nil
}

type emailTarget struct {
	sender *email.Sender
	to     string
}

func (t *emailTarget) Send(ctx context.Context, msg relay.Message) error {
	return t.sender.SendAlert(ctx, t.to, msg)
}

// Delivery is one message captured by Mock.
type Delivery struct {
	DestinationID string
	Message       relay.Message
	Text          string
}

const mockHistory = 100

// Mock logs deliveries instead of sending them and keeps the most recent
// ones. Every id resolves.
type Mock struct {
	logger *slog.Logger

	mu         sync.Mutex
	deliveries []Delivery
}

// NewMock creates a logging resolver.
func NewMock(logger *slog.Logger) *Mock {
	return &Mock{logger: logger}
}

// Resolve implements Resolver.
func (m *Mock) Resolve(_ context.Context, id string) (Target, error) {
	return &mockTarget{mock: m, id: id}, nil
}

// Deliveries returns the retained deliveries, oldest first.
func (m *Mock) Deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, len(m.deliveries))
	copy(out, m.deliveries)
	return out
}

type mockTarget struct {
	mock *Mock
	id   string
}

func (t *mockTarget) Send(_ context.Context, msg relay.Message) error {
	text := RenderDiscord(msg)
	t.mock.logger.Info("MOCK DELIVERY", "destination", t.id, "kind", msg.Kind, "text", text)

	t.mock.mu.Lock()
	t.mock.deliveries = append(t.mock.deliveries, Delivery{DestinationID: t.id, Message: msg, Text: text})
	if len(t.mock.deliveries) > mockHistory {
		t.mock.deliveries = t.mock.deliveries[len(t.mock.deliveries)-mockHistory:]
	}
	t.mock.mu.Unlock()
	return nil
}
