package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Poll outcomes recorded by the watchers.
const (
	OutcomeSuspended   = "suspended"
	OutcomeFetchError  = "fetch_error"
	OutcomeNoData      = "no_data"
	OutcomeSkipped     = "skipped"
	OutcomeDuplicate   = "duplicate"
	OutcomeStoreError  = "store_error"
	OutcomeRenderError = "render_error"
	OutcomeDispatched  = "dispatched"
)

// Delivery outcomes recorded by the dispatcher.
const (
	DeliverySent       = "sent"
	DeliveryUnresolved = "unresolved"
	DeliveryFailed     = "failed"
)

// Metrics holds the Prometheus collectors for the relay.
type Metrics struct {
	Polls           *prometheus.CounterVec   // labels: watcher, outcome
	FetchDuration   *prometheus.HistogramVec // labels: watcher
	WatermarkWrites *prometheus.CounterVec   // labels: watcher
	Deliveries      *prometheus.CounterVec   // labels: outcome
	GateActive      prometheus.Gauge
	GeocodeRequests *prometheus.CounterVec // labels: outcome={success,cache_hit,unresolved,error}
}

func newMetrics() *Metrics {
	return &Metrics{
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "polls_total",
			Help:      "Feed watcher ticks by watcher and outcome.",
		}, []string{"watcher", "outcome"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of a feed fetch including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"watcher"}),
		WatermarkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "watermark_writes_total",
			Help:      "Persisted watermark updates by watcher.",
		}, []string{"watcher"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "dispatch_total",
			Help:      "Per-destination deliveries by outcome.",
		}, []string{"outcome"}),
		GateActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "gate_active",
			Help:      "1 while notifications are active, 0 while suspended.",
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "geocode_requests_total",
			Help:      "Location lookups by outcome.",
		}, []string{"outcome"}),
	}
}

// NewMetrics creates and registers all relay metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.Polls,
		m.FetchDuration,
		m.WatermarkWrites,
		m.Deliveries,
		m.GateActive,
		m.GeocodeRequests,
	)
	m.GateActive.Set(1)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, so tests
// can build as many as they need.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	m.GateActive.Set(1)
	return m
}
