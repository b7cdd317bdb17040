package relay

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeOK        = "ok"
	outcomeError     = "error"
	outcomeLocalOnly = "local_only"

	resultDelivered = "delivered"
	resultSelfEcho  = "self_echo"
	resultMalformed = "malformed"
)

// Metrics holds Prometheus metrics for the relay.
type Metrics struct {
	PublishedTotal *prometheus.CounterVec
	ReceivedTotal  *prometheus.CounterVec
	SessionErrors  prometheus.Counter
	Connected      prometheus.Gauge
}

// NewMetrics registers and returns relay metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corerecon_relay_published_total",
			Help: "Locally originated events by bus publish outcome.",
		}, []string{"outcome"}),
		ReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corerecon_relay_received_total",
			Help: "Bus messages received by handling result.",
		}, []string{"result"}),
		SessionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corerecon_relay_session_errors_total",
			Help: "Bus dial failures and lost connections.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corerecon_relay_connected",
			Help: "1 while a bus connection is up.",
		}),
	}

	reg.MustRegister(
		m.PublishedTotal,
		m.ReceivedTotal,
		m.SessionErrors,
		m.Connected,
	)

	return m
}

func (m *Metrics) published(outcome string) {
	if m == nil {
		return
	}
	m.PublishedTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) received(result string) {
	if m == nil {
		return
	}
	m.ReceivedTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) dialFailed() {
	if m == nil {
		return
	}
	m.SessionErrors.Inc()
}

func (m *Metrics) connected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}
