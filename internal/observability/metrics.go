package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveLiveSessions prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	DroppedChunks      prometheus.Counter
	APIRequests        *prometheus.CounterVec
	APILatency         *prometheus.HistogramVec
	DispatchFailures   prometheus.Counter

	latency *latencyWindow
}

// NewMetrics registers the instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the instruments on reg.
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveLiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions_active",
			Help:      "Number of live voice sessions not idle.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_session_events_total",
			Help:      "Live session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Live socket messages by direction and type.",
		}, []string{"direction", "type"}),
		DroppedChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_dropped_chunks_total",
			Help:      "Audio chunks dropped because the channel could not accept them.",
		}),
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Remote API requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		APILatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_ms",
			Help:      "Remote API request latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000},
		}, []string{"endpoint"}),
		DispatchFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_dispatch_failures_total",
			Help:      "Final transcripts whose downstream query failed.",
		}),
		latency: newLatencyWindow(128),
	}
}

// ObserveAPIRequest records one remote API call.
func (m *Metrics) ObserveAPIRequest(endpoint string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.APIRequests.WithLabelValues(endpoint, outcome).Inc()
	m.APILatency.WithLabelValues(endpoint).Observe(float64(d.Milliseconds()))
	m.latency.Observe(endpoint, d, err == nil)
}

// ObserveLatency records a non-HTTP latency such as the live connect time.
func (m *Metrics) ObserveLatency(op string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.latency.Observe(op, d, ok)
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveLiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveLiveSessions.Set(float64(n))
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ChunkDropped() {
	if m == nil {
		return
	}
	m.DroppedChunks.Inc()
}

func (m *Metrics) DispatchFailed() {
	if m == nil {
		return
	}
	m.DispatchFailures.Inc()
}

// SnapshotLatency returns the rolling latency summary.
func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC(), Operations: []LatencyStats{}}
	}
	return m.latency.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
