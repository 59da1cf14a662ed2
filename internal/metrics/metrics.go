package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stream_status"

// Metrics holds all Prometheus metrics for the stream status service.
type Metrics struct {
	// Session metrics
	ActiveStreams prometheus.Gauge
	TotalViewers  prometheus.Gauge

	// Hook metrics
	HookEvents    *prometheus.CounterVec
	HookDecisions *prometheus.CounterVec
	HookFailures  *prometheus.CounterVec

	// Key issuance
	KeysIssued      prometheus.Counter
	KeysRateLimited prometheus.Counter

	// Status channel metrics
	StatusConnections prometheus.Gauge
	StatusMessages    *prometheus.CounterVec
	StatusDropped     prometheus.Counter

	// Lifecycle
	EngineUp        prometheus.Gauge
	Faults          *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func New(reg *prometheus.Registry) *Metrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Current number of live stream sessions",
		}),
		TotalViewers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers",
			Help:      "Current number of viewers across all sessions",
		}),
		HookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_events_total",
			Help:      "Media engine lifecycle callbacks received",
		}, []string{"event"}),
		HookDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_decisions_total",
			Help:      "Authorization decisions returned to the media engine",
		}, []string{"event", "decision"}),
		HookFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_failures_total",
			Help:      "Lifecycle callbacks that failed or panicked",
		}, []string{"event"}),
		KeysIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_issued_total",
			Help:      "Stream keys issued",
		}),
		KeysRateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_rate_limited_total",
			Help:      "Stream key requests rejected by the per-owner rate limit",
		}),
		StatusConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open status push connections",
		}),
		StatusMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Status updates sent over push connections",
		}, []string{"kind"}),
		StatusDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_dropped_total",
			Help:      "Status updates dropped because a queue was full",
		}),
		EngineUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_up",
			Help:      "1 when the external media engine is running",
		}),
		Faults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Faults seen by the lifecycle coordinator",
		}, []string{"class"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_published_total",
			Help:      "Stream lifecycle events fanned out to the event bus",
		}, []string{"type", "result"}),
		gatherer: reg,
	}
}

// Handler serves the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
