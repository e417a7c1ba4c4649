// Package watch runs the feed watchers: poll a source on a fixed interval,
// drop items already seen, and fan new ones out to every destination.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"disaster-relay/dispatch"
	"disaster-relay/observability"
	"disaster-relay/pkg/relay"
)

// Dedup selects how a watcher recognizes items it has already dispatched.
type Dedup int

const (
	// DedupNone dispatches every item the source returns.
	DedupNone Dedup = iota
	// DedupMemory keeps the last seen id in memory only.
	DedupMemory
	// DedupPersisted keeps the last seen id in the watermark store and
	// writes it before dispatching.
	DedupPersisted
)

func (d Dedup) String() string {
	switch d {
	case DedupNone:
		return "none"
	case DedupMemory:
		return "memory"
	case DedupPersisted:
		return "persisted"
	default:
		return fmt.Sprintf("Dedup(%d)", int(d))
	}
}

// Source describes one feed.
type Source[T any] struct {
	Kind     relay.FeedKind
	Interval time.Duration
	Dedup    Dedup

	// Fetch returns the newest item; ok is false when the feed is empty.
	Fetch func(ctx context.Context) (item T, ok bool, err error)
	// ID returns the stable identifier used for deduplication.
	ID func(T) string
	// Skip reports items that exist but should not be dispatched. Optional.
	Skip func(T) bool
	// Render builds the outgoing message.
	Render func(ctx context.Context, item T) (relay.Message, error)
}

// Gate is the suspend switch consulted before every poll.
type Gate interface {
	IsActive() bool
}

// WatermarkStore persists the last seen id per feed.
type WatermarkStore interface {
	Watermark(kind relay.FeedKind) string
	SetWatermark(ctx context.Context, kind relay.FeedKind, id string) error
}

// Dispatcher fans a message out to every destination.
type Dispatcher interface {
	FanOut(ctx context.Context, msg relay.Message) dispatch.Report
}

// Deps are the collaborators shared by all watchers.
type Deps struct {
	Gate       Gate
	Watermarks WatermarkStore // Required for DedupPersisted
	Dispatcher Dispatcher
	Metrics    *observability.Metrics
	Logger     *slog.Logger
	Clock      clockwork.Clock // Defaults to the real clock
}

// Watcher polls one Source.
type Watcher[T any] struct {
	src    Source[T]
	deps   Deps
	clock  clockwork.Clock
	logger *slog.Logger

	// Only touched from the goroutine running ticks.
	lastSeen string
}

// New creates a watcher for src.
func New[T any](src Source[T], deps Deps) (*Watcher[T], error) {
	switch {
	case src.Fetch == nil || src.ID == nil || src.Render == nil:
		return nil, fmt.Errorf("watcher %s: fetch, id and render are required", src.Kind)
	case src.Interval <= 0:
		return nil, fmt.Errorf("watcher %s: interval must be positive, got %s", src.Kind, src.Interval)
	case src.Dedup == DedupPersisted && deps.Watermarks == nil:
		return nil, fmt.Errorf("watcher %s: persisted dedup needs a watermark store", src.Kind)
	case deps.Gate == nil || deps.Dispatcher == nil || deps.Metrics == nil || deps.Logger == nil:
		return nil, fmt.Errorf("watcher %s: missing dependency", src.Kind)
	}

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Watcher[T]{
		src:    src,
		deps:   deps,
		clock:  clock,
		logger: deps.Logger.With("watcher", string(src.Kind)),
	}, nil
}

// Name returns the feed kind this watcher polls.
func (w *Watcher[T]) Name() string {
	return string(w.src.Kind)
}

// Run ticks once immediately and then every Interval until ctx is cancelled.
// A tick in progress finishes before Run returns.
func (w *Watcher[T]) Run(ctx context.Context) {
	w.logger.Info("Watcher started", "interval", w.src.Interval.String(), "dedup", w.src.Dedup.String())

	ticker := w.clock.NewTicker(w.src.Interval)
	defer ticker.Stop()

	w.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Watcher stopped", "reason", ctx.Err())
			return
		case <-ticker.Chan():
			w.Tick(ctx)
		}
	}
}

// Tick runs one poll and returns its outcome (see observability.Outcome*).
func (w *Watcher[T]) Tick(ctx context.Context) string {
	outcome := w.tick(ctx)
	w.deps.Metrics.Polls.WithLabelValues(w.Name(), outcome).Inc()
	return outcome
}

func (w *Watcher[T]) tick(ctx context.Context) string {
	if !w.deps.Gate.IsActive() {
		w.logger.Debug("Notifications suspended, skipping poll")
		return observability.OutcomeSuspended
	}

	start := w.clock.Now()
	item, ok, err := w.src.Fetch(ctx)
	w.deps.Metrics.FetchDuration.WithLabelValues(w.Name()).Observe(w.clock.Since(start).Seconds())
	if err != nil {
		w.logger.Warn("Feed fetch failed, will retry next interval", "error", err)
		return observability.OutcomeFetchError
	}
	if !ok {
		w.logger.Debug("Feed returned no data")
		return observability.OutcomeNoData
	}
	if w.src.Skip != nil && w.src.Skip(item) {
		w.logger.Debug("Feed item skipped", "id", w.src.ID(item))
		return observability.OutcomeSkipped
	}

	id := w.src.ID(item)
	switch w.src.Dedup {
	case DedupPersisted:
		previous := w.deps.Watermarks.Watermark(w.src.Kind)
		if id == previous {
			w.logger.Debug("No new item", "id", id)
			return observability.OutcomeDuplicate
		}
		// The watermark goes to storage before anything is sent: a crash
		// after this point drops the notification rather than repeating it.
		if err := w.deps.Watermarks.SetWatermark(ctx, w.src.Kind, id); err != nil {
			w.logger.Error("Failed to persist watermark, not dispatching", "id", id, "previous", previous, "error", err)
			return observability.OutcomeStoreError
		}
		w.deps.Metrics.WatermarkWrites.WithLabelValues(w.Name()).Inc()
	case DedupMemory:
		if id == w.lastSeen {
			w.logger.Debug("No new item", "id", id)
			return observability.OutcomeDuplicate
		}
		w.lastSeen = id
	case DedupNone:
	}

	msg, err := w.src.Render(ctx, item)
	if err != nil {
		w.logger.Error("Failed to render notification", "id", id, "error", err)
		return observability.OutcomeRenderError
	}

	// The gate may have closed while the fetch was in flight.
	if !w.deps.Gate.IsActive() {
		w.logger.Info("Notifications suspended during poll, dropping item", "id", id)
		return observability.OutcomeSuspended
	}

	report := w.deps.Dispatcher.FanOut(ctx, msg)
	w.logger.Info("Notification dispatched",
		"id", id,
		"destinations", report.Destinations,
		"sent", report.Sent,
		"unresolved", report.Unresolved,
		"failed", report.Failed,
		"mentions", len(msg.Mentions))
	return observability.OutcomeDispatched
}
