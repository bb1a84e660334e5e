package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	MutationsTotal   *prometheus.CounterVec
	MutationDuration *prometheus.HistogramVec
	CreditsPosted    *prometheus.CounterVec
	ExpiredCredits   prometheus.Counter
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		MutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_mutations_total",
				Help: "Total ledger mutations by operation and status.",
			},
			[]string{"operation", "status"},
		),
		MutationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_mutation_duration_seconds",
				Help:    "Ledger mutation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		CreditsPosted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_credits_posted_total",
				Help: "Absolute credits moved by transaction type.",
			},
			[]string{"type"},
		),
		ExpiredCredits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_expired_credits_total",
				Help: "Total credits removed by expiry.",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(m.MutationsTotal, m.MutationDuration, m.CreditsPosted, m.ExpiredCredits)
	}
	return m
}

func (m *Metrics) observeMutation(operation, status string, start time.Time) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(operation, status).Inc()
	m.MutationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observePosted(txType string, amount int64) {
	if m == nil {
		return
	}
	if amount < 0 {
		amount = -amount
	}
	m.CreditsPosted.WithLabelValues(txType).Add(float64(amount))
}

func (m *Metrics) observeExpired(amount int64) {
	if m == nil {
		return
	}
	m.ExpiredCredits.Add(float64(amount))
}
