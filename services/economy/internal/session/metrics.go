package session

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	LoginsTotal      *prometheus.CounterVec
	EvictionsTotal   prometheus.Counter
	ValidationsTotal *prometheus.CounterVec
	CleanupDeleted   prometheus.Counter
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_logins_total",
				Help: "Total logins by device kind and result.",
			},
			[]string{"kind", "result"},
		),
		EvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "session_evictions_total",
				Help: "Total devices evicted by the device cap.",
			},
		),
		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_validations_total",
				Help: "Total session validations by result.",
			},
			[]string{"result"},
		),
		CleanupDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "session_cleanup_deleted_total",
				Help: "Total stale devices removed by cleanup.",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(m.LoginsTotal, m.EvictionsTotal, m.ValidationsTotal, m.CleanupDeleted)
	}
	return m
}

func (m *Metrics) observeLogin(kind, result string) {
	if m == nil {
		return
	}
	m.LoginsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) observeEvictions(n int) {
	if m == nil || n == 0 {
		return
	}
	m.EvictionsTotal.Add(float64(n))
}

func (m *Metrics) observeValidation(result string) {
	if m == nil {
		return
	}
	m.ValidationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) observeCleanup(n int) {
	if m == nil || n == 0 {
		return
	}
	m.CleanupDeleted.Add(float64(n))
}
