package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	Reports          *prometheus.CounterVec
	ReportsHandedOff *prometheus.CounterVec
	ThrottledUpdates prometheus.Counter
	QueryErrors      *prometheus.CounterVec
	SyncLatency      *prometheus.HistogramVec
	IngestRequests   *prometheus.CounterVec
}

// NewMetrics registers instruments with the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers instruments with reg; tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of pages currently tracked.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Bridge websocket messages by direction and type.",
		}, []string{"direction", "type"}),
		Reports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Completed report deliveries by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ReportsHandedOff: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_handed_off_total",
			Help:      "Reports emitted by trackers by kind.",
		}, []string{"kind"}),
		ThrottledUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttled_updates_total",
			Help:      "Played-range snapshots dropped inside the throttle window.",
		}),
		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "player_query_errors_total",
			Help:      "Rejected player queries by query.",
		}, []string{"query"}),
		SyncLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_latency_ms",
			Help:      "Report delivery latency in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"kind"}),
		IngestRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_requests_total",
			Help:      "Reference ingest requests by endpoint and status code class.",
		}, []string{"endpoint", "code"}),
	}
}

func (m *Metrics) ObserveDelivery(kind, outcome string, d time.Duration) {
	m.Reports.WithLabelValues(kind, outcome).Inc()
	m.SyncLatency.WithLabelValues(kind).Observe(float64(d.Milliseconds()))
}

// ObserveIngest counts a reference ingest request by status class ("2xx", "4xx", ...).
func (m *Metrics) ObserveIngest(endpoint string, status int) {
	m.IngestRequests.WithLabelValues(endpoint, strconv.Itoa(status/100)+"xx").Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
