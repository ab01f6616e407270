// Package metrics defines the Prometheus collectors exported by wharf.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wharf"

// Close reasons recorded by SessionsClosed.
const (
	ReasonIdleTimeout = "idle_timeout"
	ReasonPeerClosed  = "peer_closed"
	ReasonParseError  = "parse_error"
	ReasonLimit       = "request_limit"
	ReasonClientClose = "client_close"
	ReasonReadError   = "read_error"
	ReasonWriteError  = "write_error"
	ReasonFault       = "fault"
	ReasonShutdown    = "shutdown"
)

// Metrics holds every collector. Collectors are registered on the registerer
// passed to New, so several servers can live in one process.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ResponseSize        *prometheus.HistogramVec
	RequestsInFlight    prometheus.Gauge
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
	SessionsActive      prometheus.Gauge
	SessionsClosed      *prometheus.CounterVec
	UploadsCreated      prometheus.Counter

	reg prometheus.Registerer
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method"},
		),
		RequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being served",
		}),
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Connections accepted and admitted to the queue",
		}),
		ConnectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections answered with 503 because the admission queue was full",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Connections currently owned by a worker",
		}),
		SessionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_closed_total",
				Help:      "Closed sessions by reason",
			},
			[]string{"reason"},
		),
		UploadsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_created_total",
			Help:      "JSON uploads persisted",
		}),
		reg: reg,
	}
}

// ObserveQueue exports the admission queue depth and capacity.
func (m *Metrics) ObserveQueue(depth func() int, capacity int) {
	factory := promauto.With(m.reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "admission_queue_depth",
		Help:      "Connections waiting for a worker",
	}, func() float64 { return float64(depth()) })
	factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "admission_queue_capacity",
		Help:      "Fixed capacity of the admission queue",
	}).Set(float64(capacity))
}

// ObserveWorkers exports the pool size and the number of busy workers.
func (m *Metrics) ObserveWorkers(busy func() int, size int) {
	factory := promauto.With(m.reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_busy",
		Help:      "Workers currently running a session",
	}, func() float64 { return float64(busy()) })
	factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers",
		Help:      "Fixed size of the worker pool",
	}).Set(float64(size))
}
