// Package metrics exposes the server's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the server's collectors on a private registry so tests
// can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	Dispatched       *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	QueueReplays     prometheus.Counter
	ProxyCalls       *prometheus.CounterVec
	SocketsConnected prometheus.Gauge
}

// New creates the collector set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hubgate_messages_dispatched_total",
			Help: "Messages dispatched, by type and outcome.",
		}, []string{"type", "outcome"}),
		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hubgate_dispatch_duration_seconds",
			Help:    "Time from dispatch start to terminal result.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		QueueReplays: factory.NewCounter(prometheus.CounterOpts{
			Name: "hubgate_queue_replays_total",
			Help: "Pending messages replayed after reconnect.",
		}),
		ProxyCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hubgate_proxy_calls_total",
			Help: "Microservice proxy round trips, by destination and outcome.",
		}, []string{"destination", "outcome"}),
		SocketsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hubgate_sockets_connected",
			Help: "Currently connected front-door sockets.",
		}),
	}
}

// Observe records one dispatched message.
func (m *Metrics) Observe(msgType string, failed bool, seconds float64) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.Dispatched.WithLabelValues(msgType, outcome).Inc()
	m.DispatchDuration.WithLabelValues(msgType).Observe(seconds)
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
