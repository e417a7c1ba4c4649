package watch

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"disaster-relay/geo"
	"disaster-relay/pkg/relay"
)

// Default polling intervals.
const (
	DefaultSeismicInterval = 30 * time.Second
	DefaultTsunamiInterval = 60 * time.Second
	DefaultAlertInterval   = 120 * time.Second
)

// Feeds fetches the newest item of each feed.
type Feeds interface {
	LatestQuake(ctx context.Context) (relay.SeismicEvent, bool, error)
	LatestTsunami(ctx context.Context) (relay.TsunamiAdvisory, bool, error)
	LatestAlert(ctx context.Context) (relay.AlertEntry, bool, error)
}

// Subscribers is the read side of the subscriber registry.
type Subscribers interface {
	Subscribers() map[string]relay.Subscriber
}

// SeismicSource polls the seismic feed with a persisted watermark. Each new
// event is rendered with the subscribers likely to feel it.
func SeismicSource(feeds Feeds, subs Subscribers, interval time.Duration) Source[relay.SeismicEvent] {
	return Source[relay.SeismicEvent]{
		Kind:     relay.FeedSeismic,
		Interval: interval,
		Dedup:    DedupPersisted,
		Fetch:    feeds.LatestQuake,
		ID:       func(ev relay.SeismicEvent) string { return ev.ID },
		Render: func(_ context.Context, ev relay.SeismicEvent) (relay.Message, error) {
			return SeismicMessage(ev, subs.Subscribers()), nil
		},
	}
}

// TsunamiSource polls the tsunami feed. Cancelled advisories are skipped.
// With repeat set every active advisory is re-sent on each poll; otherwise
// each advisory id is sent once per process lifetime.
func TsunamiSource(feeds Feeds, interval time.Duration, repeat bool) Source[relay.TsunamiAdvisory] {
	dedup := DedupMemory
	if repeat {
		dedup = DedupNone
	}
	return Source[relay.TsunamiAdvisory]{
		Kind:     relay.FeedTsunami,
		Interval: interval,
		Dedup:    dedup,
		Fetch:    feeds.LatestTsunami,
		ID:       func(adv relay.TsunamiAdvisory) string { return adv.ID },
		Skip:     func(adv relay.TsunamiAdvisory) bool { return adv.Cancelled },
		Render: func(_ context.Context, adv relay.TsunamiAdvisory) (relay.Message, error) {
			return TsunamiMessage(adv), nil
		},
	}
}

// AlertSource polls the public-alert feed with a persisted watermark.
func AlertSource(feeds Feeds, interval time.Duration) Source[relay.AlertEntry] {
	return Source[relay.AlertEntry]{
		Kind:     relay.FeedPublicAlert,
		Interval: interval,
		Dedup:    DedupPersisted,
		Fetch:    feeds.LatestAlert,
		ID:       func(e relay.AlertEntry) string { return e.ID },
		Render: func(_ context.Context, e relay.AlertEntry) (relay.Message, error) {
			return AlertMessage(e), nil
		},
	}
}

// Mentions returns the subscribers whose estimated severity for ev reaches
// the notify threshold, strongest first.
func Mentions(ev relay.SeismicEvent, subs map[string]relay.Subscriber) []relay.Mention {
	var out []relay.Mention
	for id, sub := range subs {
		sev := geo.Severity(ev.Magnitude, geo.DistanceKm(ev.Lat, ev.Lon, sub.Lat, sub.Lon))
		if geo.Notifiable(sev) {
			out = append(out, relay.Mention{SubscriberID: id, Severity: sev})
		}
	}
	slices.SortFunc(out, func(a, b relay.Mention) int {
		if c := cmp.Compare(b.Severity, a.Severity); c != 0 {
			return c
		}
		return cmp.Compare(a.SubscriberID, b.SubscriberID)
	})
	return out
}

// SeismicMessage renders a seismic event.
func SeismicMessage(ev relay.SeismicEvent, subs map[string]relay.Subscriber) relay.Message {
	return relay.Message{
		Kind:     relay.FeedSeismic,
		Icon:     "📢",
		Headline: "緊急地震速報",
		Lines: []string{
			"震源地: " + ev.Epicenter,
			"マグニチュード: " + formatMagnitude(ev.Magnitude),
			"発生時刻: " + ev.OriginTime,
		},
		Mentions: Mentions(ev, subs),
	}
}

// TsunamiMessage renders one line per warning area.
func TsunamiMessage(adv relay.TsunamiAdvisory) relay.Message {
	lines := make([]string, 0, len(adv.Warnings))
	for _, w := range adv.Warnings {
		timing := "通常"
		if w.Immediate {
			timing = "即時"
		}
		lines = append(lines, fmt.Sprintf("%s：%s（%s）", w.Area, w.Grade, timing))
	}
	return relay.Message{
		Kind:     relay.FeedTsunami,
		Icon:     "🌊",
		Headline: "津波警報情報",
		Lines:    lines,
	}
}

// AlertMessage renders a public-alert entry.
func AlertMessage(e relay.AlertEntry) relay.Message {
	lines := []string{e.Title}
	if e.Summary != "" {
		lines = append(lines, e.Summary)
	}
	return relay.Message{
		Kind:     relay.FeedPublicAlert,
		Icon:     "🚨",
		Headline: "J-ALERT速報",
		Lines:    lines,
	}
}

// formatMagnitude keeps one decimal for whole magnitudes ("7.0").
func formatMagnitude(m float64) string {
	if m == math.Trunc(m) {
		return strconv.FormatFloat(m, 'f', 1, 64)
	}
	return strconv.FormatFloat(m, 'f', -1, 64)
}
