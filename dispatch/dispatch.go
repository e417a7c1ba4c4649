// Package dispatch fans relay messages out to every registered destination.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"disaster-relay/observability"
	"disaster-relay/pkg/relay"
)

// ErrUnresolved is wrapped by resolvers when a destination id does not name
// a reachable target (deleted channel, revoked access, unknown platform).
var ErrUnresolved = errors.New("destination unresolved")

// Target is a live handle that accepts messages.
type Target interface {
	Send(ctx context.Context, msg relay.Message) error
}

// Resolver turns a destination id into a Target.
type Resolver interface {
	Resolve(ctx context.Context, destinationID string) (Target, error)
}

// Destinations is the read side of the destination registry.
type Destinations interface {
	Destinations() map[string]string
}

// Report summarizes one fan-out.
type Report struct {
	Destinations int
	Sent         int
	Unresolved   int
	Failed       int
}

// Dispatcher delivers messages through a Resolver.
type Dispatcher struct {
	registry Destinations
	resolver Resolver
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// New creates a dispatcher over the given registry.
func New(registry Destinations, resolver Resolver, metrics *observability.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		resolver: resolver,
		metrics:  metrics,
		logger:   logger,
	}
}

// Deliver resolves destinationID and sends msg to it. Resolution failures
// wrap ErrUnresolved; send failures do not.
func (d *Dispatcher) Deliver(ctx context.Context, destinationID string, msg relay.Message) error {
	target, err := d.resolver.Resolve(ctx, destinationID)
	if err != nil {
		if errors.Is(err, ErrUnresolved) {
			return err
		}
		return fmt.Errorf("resolve %s: %w", destinationID, err)
	}
	if err := target.Send(ctx, msg); err != nil {
		return fmt.Errorf("send to %s: %w", destinationID, err)
	}
	return nil
}

// FanOut delivers msg to every destination in a snapshot of the registry.
// A failing destination is logged and skipped.
func (d *Dispatcher) FanOut(ctx context.Context, msg relay.Message) Report {
	dests := d.registry.Destinations()
	tenants := make([]string, 0, len(dests))
	for tenant := range dests {
		tenants = append(tenants, tenant)
	}
	slices.Sort(tenants)

	report := Report{Destinations: len(tenants)}
	for i, tenant := range tenants {
		if ctx.Err() != nil {
			d.logger.Warn("Fan-out interrupted", "kind", msg.Kind, "remaining", len(tenants)-i, "error", ctx.Err())
			break
		}

		dest := dests[tenant]
		err := d.Deliver(ctx, dest, msg)
		switch {
		case err == nil:
			report.Sent++
			d.metrics.Deliveries.WithLabelValues(observability.DeliverySent).Inc()
		case errors.Is(err, ErrUnresolved):
			report.Unresolved++
			d.metrics.Deliveries.WithLabelValues(observability.DeliveryUnresolved).Inc()
			d.logger.Warn("Destination unresolved, skipping", "tenant", tenant, "destination", dest, "error", err)
		default:
			report.Failed++
			d.metrics.Deliveries.WithLabelValues(observability.DeliveryFailed).Inc()
			d.logger.Warn("Delivery failed, skipping", "tenant", tenant, "destination", dest, "error", err)
		}
	}
	return report
}

// Router picks a platform resolver from the destination id's scheme
// prefix ("discord:123"). Ids without a prefix go to the default platform.
// A prefix naming a platform that is not registered (no credentials, or no
// such platform) is unresolved; it never falls through to the default.
type Router struct {
	platforms       map[string]Resolver
	defaultPlatform string
}

// NewRouter creates a router whose unprefixed ids go to defaultPlatform.
func NewRouter(defaultPlatform string) *Router {
	return &Router{platforms: make(map[string]Resolver), defaultPlatform: defaultPlatform}
}

// Register adds a resolver for scheme. Not safe to call after Resolve is in use.
func (r *Router) Register(scheme string, resolver Resolver) {
	r.platforms[scheme] = resolver
}

// Platforms returns the registered schemes in sorted order.
func (r *Router) Platforms() []string {
	out := make([]string, 0, len(r.platforms))
	for scheme := range r.platforms {
		out = append(out, scheme)
	}
	slices.Sort(out)
	return out
}

// Resolve implements Resolver.
func (r *Router) Resolve(ctx context.Context, destinationID string) (Target, error) {
	scheme, id := r.split(destinationID)
	resolver, ok := r.platforms[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no delivery platform %q for %s", ErrUnresolved, scheme, destinationID)
	}
	if id == "" {
		return nil, fmt.Errorf("%w: empty destination id", ErrUnresolved)
	}
	return resolver.Resolve(ctx, id)
}

func (r *Router) split(destinationID string) (scheme, id string) {
	if s, rest, ok := strings.Cut(destinationID, ":"); ok && isScheme(s) {
		return s, rest
	}
	return r.defaultPlatform, destinationID
}

// isScheme reports whether s looks like a platform prefix: a lower-case
// letter followed by letters, digits, '+', '-' or '.'.
func isScheme(s string) bool {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return false
	}
	for _, c := range s[1:] {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '+', c == '-', c == '.':
		default:
			return false
		}
	}
	return true
}

// Normalize returns destinationID with its platform prefix made explicit.
func (r *Router) Normalize(destinationID string) string {
	scheme, id := r.split(destinationID)
	return scheme + ":" + id
}

// renderText renders msg as chat text. bold wraps the headline and mention
// formats one subscriber line.
func renderText(msg relay.Message, bold func(string) string, mention func(relay.Mention) string) string {
	var b strings.Builder
	headline := msg.Headline
	if bold != nil {
		headline = bold(headline)
	}
	if msg.Icon != "" {
		b.WriteString(msg.Icon)
		b.WriteString(" ")
	}
	b.WriteString(headline)
	for _, line := range msg.Lines {
		b.WriteString("\n")
		b.WriteString(line)
	}
	if len(msg.Mentions) > 0 {
		b.WriteString("\n")
		b.WriteString(relay.MentionHeader)
		for _, m := range msg.Mentions {
			b.WriteString("\n")
			b.WriteString(mention(m))
		}
	}
	return b.String()
}

// truncateRunes cuts s to at most limit runes, marking the cut.
func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
