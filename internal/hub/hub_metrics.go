package hub

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the hub. Channels are labelled by
// kind ("incidents:42" becomes "incidents") to keep cardinality bounded.
type Metrics struct {
	Connections *prometheus.GaugeVec
	Broadcasts  *prometheus.CounterVec
	Delivered   *prometheus.CounterVec
	SendErrors  *prometheus.CounterVec
	FanOut      prometheus.Histogram
}

// NewMetrics registers and returns hub metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "corerecon_hub_connections",
			Help: "Currently subscribed clients by channel kind.",
		}, []string{"channel_kind"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corerecon_hub_broadcasts_total",
			Help: "Broadcasts by channel kind.",
		}, []string{"channel_kind"}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corerecon_hub_messages_delivered_total",
			Help: "Messages handed to client connections by channel kind.",
		}, []string{"channel_kind"}),
		SendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corerecon_hub_send_failures_total",
			Help: "Failed sends that dropped a client, by channel kind.",
		}, []string{"channel_kind"}),
		FanOut: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "corerecon_hub_broadcast_fanout",
			Help:    "Members attempted per broadcast.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 7), // 1 .. 4096
		}),
	}

	reg.MustRegister(
		m.Connections,
		m.Broadcasts,
		m.Delivered,
		m.SendErrors,
		m.FanOut,
	)

	return m
}

// RegistryHooks returns hooks that track the connection gauge.
func (m *Metrics) RegistryHooks() RegistryHooks {
	if m == nil {
		return RegistryHooks{}
	}
	return RegistryHooks{
		OnSubscribe: func(channel string) {
			m.Connections.WithLabelValues(ChannelKind(channel)).Inc()
		},
		OnUnsubscribe: func(channel string) {
			m.Connections.WithLabelValues(ChannelKind(channel)).Dec()
		},
	}
}

func (m *Metrics) observeBroadcast(channel string, d Delivery) {
	kind := ChannelKind(channel)
	m.Broadcasts.WithLabelValues(kind).Inc()
	m.Delivered.WithLabelValues(kind).Add(float64(d.Delivered))
	m.SendErrors.WithLabelValues(kind).Add(float64(d.Failed))
	m.FanOut.Observe(float64(d.Attempted))
}

// ChannelKind returns the part of channel before the first ':'.
func ChannelKind(channel string) string {
	kind, _, _ := strings.Cut(channel, ":")
	return kind
}
