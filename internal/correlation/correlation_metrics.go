package correlation

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the correlation subsystem.
type Metrics struct {
	RequestsTotal        *prometheus.CounterVec
	CandidatesScanned    *prometheus.HistogramVec
	CorrelationScore     prometheus.Histogram
	MergesTotal          *prometheus.CounterVec
	MergeConflictRetries prometheus.Counter
	IngestedTotal        *prometheus.CounterVec
}

// NewMetrics registers and returns correlation metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corerecon_correlation_requests_total",
			Help: "Correlation service operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		CandidatesScanned: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "corerecon_correlation_candidates",
			Help:    "Candidate alerts scanned per correlation or dedup lookup.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1 .. ~16384
		}, []string{"operation"}),
		CorrelationScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "corerecon_correlation_score",
			Help:    "Scores of correlated alerts returned to callers.",
			Buckets: prometheus.LinearBuckets(0.3, 0.1, 8), // 0.3 .. 1.0
		}),
		MergesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corerecon_merges_total",
			Help: "Duplicate merges by outcome.",
		}, []string{"outcome"}),
		MergeConflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corerecon_merge_conflict_retries_total",
			Help: "Merge attempts retried after losing a version check.",
		}),
		IngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corerecon_ingested_alerts_total",
			Help: "Ingested alerts by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.CandidatesScanned,
		m.CorrelationScore,
		m.MergesTotal,
		m.MergeConflictRetries,
		m.IngestedTotal,
	)

	return m
}

// MergeHooks returns MergeHooks that increment the corresponding metrics.
func (m *Metrics) MergeHooks() MergeHooks {
	if m == nil {
		return MergeHooks{}
	}
	return MergeHooks{
		OnMerge: func(outcome string) {
			m.MergesTotal.WithLabelValues(outcome).Inc()
		},
		OnConflictRetry: func() {
			m.MergeConflictRetries.Inc()
		},
	}
}

func (m *Metrics) request(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.RequestsTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) candidates(operation string, n int) {
	if m == nil {
		return
	}
	m.CandidatesScanned.WithLabelValues(operation).Observe(float64(n))
}

func (m *Metrics) scores(results []Result) {
	if m == nil {
		return
	}
	for _, r := range results {
		m.CorrelationScore.Observe(r.Score)
	}
}

func (m *Metrics) ingested(result string) {
	if m == nil {
		return
	}
	m.IngestedTotal.WithLabelValues(result).Inc()
}
