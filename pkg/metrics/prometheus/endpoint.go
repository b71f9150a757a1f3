package prometheus

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/porticonet/portico/pkg/metrics"
)

// endpointMetrics is the Prometheus implementation of
// metrics.EndpointMetrics, labelled by connector name.
type endpointMetrics struct {
	connectionsAccepted prometheus.Counter
	connectionsClosed   prometheus.Counter
	connectionsRejected prometheus.Counter
	acceptErrors        prometheus.Counter
	activeConnections   prometheus.Gauge
}

// NewEndpointMetrics creates a Prometheus-backed EndpointMetrics for the
// named connector. Returns a no-op implementation if metrics are not
// enabled.
func NewEndpointMetrics(connector string) metrics.EndpointMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopEndpointMetrics()
	}

	reg := metrics.GetRegistry()
	labels := prometheus.Labels{"connector": connector}

	return &endpointMetrics{
		connectionsAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "portico_connections_accepted_total",
			Help:        "Total number of connections accepted",
			ConstLabels: labels,
		}),
		connectionsClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "portico_connections_closed_total",
			Help:        "Total number of connections closed",
			ConstLabels: labels,
		}),
		connectionsRejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "portico_connections_rejected_total",
			Help:        "Total number of connections rejected by socket configuration",
			ConstLabels: labels,
		}),
		acceptErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "portico_accept_errors_total",
			Help:        "Total number of failed accept attempts",
			ConstLabels: labels,
		}),
		activeConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "portico_active_connections",
			Help:        "Current number of live connections",
			ConstLabels: labels,
		}),
	}
}

func (m *endpointMetrics) ConnectionAccepted() { m.connectionsAccepted.Inc() }
func (m *endpointMetrics) ConnectionClosed() { m.connectionsClosed.Inc() }
func (m *endpointMetrics) ConnectionRejected() { m.connectionsRejected.Inc() }
func (m *endpointMetrics) AcceptError() { m.acceptErrors.Inc() }
func (m *endpointMetrics) SetActiveConnections(c int64) { m.activeConnections.Set(float64(c)) }

// requestMetrics is the Prometheus implementation of
// metrics.RequestMetrics.
type requestMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

var (
	requestOnce   sync.Once
	sharedRequest metrics.RequestMetrics
)

// NewRequestMetrics returns the Prometheus-backed RequestMetrics. Request
// series are labelled by protocol and status rather than connector, so a
// single set of collectors is shared by every handler; the first call
// registers them, later calls return the same instance. Returns a no-op
// implementation if metrics are not enabled.
func NewRequestMetrics() metrics.RequestMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopRequestMetrics()
	}

	requestOnce.Do(func() {
		sharedRequest = newRequestMetrics(metrics.GetRegistry())
	})
	return sharedRequest
}

func newRequestMetrics(reg *prometheus.Registry) *requestMetrics {
	return &requestMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "portico_requests_total",
				Help: "Total number of requests by protocol and status",
			},
			[]string{"protocol", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "portico_request_duration_milliseconds",
				Help: "Duration of request processing in milliseconds",
				Buckets: []float64{
					1,     // 1ms
					10,    // 10ms
					100,   // 100ms
					1000,  // 1s
					10000, // 10s
				},
			},
			[]string{"protocol"},
		),
	}
}

func (m *requestMetrics) RecordRequest(protocol string, duration time.Duration, status int) {
	m.requestsTotal.WithLabelValues(protocol, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(protocol).Observe(float64(duration.Milliseconds()))
}
