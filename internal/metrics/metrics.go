package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors shared by the gateway and the REST layer.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	MessagesStored    *prometheus.CounterVec
	Broadcasts        *prometheus.CounterVec
	DroppedClients    prometheus.Counter
	RequestLatency    *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg registers on the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatty_connections_active",
			Help: "Current number of live gateway connections.",
		}),
		MessagesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatty_messages_stored_total",
			Help: "Messages persisted, grouped by the path that sent them.",
		}, []string{"source"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatty_broadcasts_total",
			Help: "Events fanned out to room groups, grouped by event name.",
		}, []string{"event"}),
		DroppedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatty_clients_dropped_total",
			Help: "Connections evicted because their send buffer was full.",
		}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatty_http_request_duration_seconds",
			Help:    "Latency of REST requests.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "code"}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.MessagesStored,
		m.Broadcasts,
		m.DroppedClients,
		m.RequestLatency,
	)
	return m
}

// NewNop returns collectors registered on a throwaway registry, for tests
// and for components constructed without a shared registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
