package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Exchange outcomes used as the "outcome" label
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeNotFound = "not_found"
	OutcomeAborted  = "aborted"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	connections       *prometheus.CounterVec
	exchangesActive   prometheus.Gauge
	exchanges         *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	suspended         prometheus.Counter
	cancelled         prometheus.Counter
}

// NewMetrics registers the engine collectors, plus Go runtime and process
// collectors, on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Admitted connections currently open.",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connections accepted, by admission result.",
		}, []string{"result"}),
		exchangesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exchanges_active",
			Help:      "Exchanges dispatched and not yet closed.",
		}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Closed exchanges, by outcome and status code.",
		}, []string{"outcome", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Time from dispatch to close.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		suspended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_suspended_total",
			Help:      "Exchanges that completed asynchronously.",
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellations_total",
			Help:      "Registered background tasks cancelled by abort or failure.",
		}),
	}

	reg.MustRegister(
		m.connectionsActive,
		m.connections,
		m.exchangesActive,
		m.exchanges,
		m.duration,
		m.suspended,
		m.cancelled,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is the registry the collectors live in
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// GaugeFunc exposes a value computed at scrape time
func (m *Metrics) GaugeFunc(name, help string, labels prometheus.Labels, fn func() float64) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, fn))
}

func (m *Metrics) ConnectionAdmitted() {
	if m == nil {
		return
	}
	m.connections.WithLabelValues("admitted").Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.connections.WithLabelValues("rejected").Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) ExchangeStarted() {
	if m == nil {
		return
	}
	m.exchangesActive.Inc()
}

func (m *Metrics) ExchangeSuspended() {
	if m == nil {
		return
	}
	m.suspended.Inc()
}

// ExchangeClosed records a finished exchange
func (m *Metrics) ExchangeClosed(outcome string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.exchangesActive.Dec()
	m.exchanges.WithLabelValues(outcome, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) Cancelled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cancelled.Add(float64(n))
}
