package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its own registry so several servers can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	connections     prometheus.Gauge
	requests        *prometheus.CounterVec
	routed          *prometheus.CounterVec
	persistFailures prometheus.Counter
	slowConsumers   prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaychat",
			Name:      "connections",
			Help:      "Live client connections, authenticated or not.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "requests_total",
			Help:      "Decoded client requests by type.",
		}, []string{"type"}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "messages_routed_total",
			Help:      "Messages accepted for delivery by route.",
		}, []string{"route"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "persist_failures_total",
			Help:      "Messages delivered live but not written to history.",
		}),
		slowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "slow_consumer_disconnects_total",
			Help:      "Connections closed because their send queue overflowed.",
		}),
	}

	m.registry.MustRegister(
		m.connections,
		m.requests,
		m.routed,
		m.persistFailures,
		m.slowConsumers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
