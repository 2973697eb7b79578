package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	Segments            *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	PollRequests        *prometheus.CounterVec
	UpstreamErrors      *prometheus.CounterVec
	FirstSegmentLatency prometheus.Histogram

	// Streams keeps recent finished runs for the debug report.
	Streams *StreamWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions still receiving upstream output.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		Segments: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Finalized segments by how they were cut.",
		}, []string{"kind"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		PollRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_requests_total",
			Help:      "Poll requests by outcome.",
		}, []string{"outcome"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream errors by phase.",
		}, []string{"phase"}),
		FirstSegmentLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_segment_latency_ms",
			Help:      "Latency from session start to its first finalized segment in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 5000},
		}),
		Streams: NewStreamWindow(256),
	}
}

func (m *Metrics) ObserveFirstSegmentLatency(d time.Duration) {
	m.FirstSegmentLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
