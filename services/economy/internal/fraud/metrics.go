package fraud

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChecksTotal     *prometheus.CounterVec
	ActivitiesTotal *prometheus.CounterVec
	FlagsTotal      *prometheus.CounterVec
	InitialScores   prometheus.Histogram
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fraud_checks_total",
				Help: "Total fraud checks by kind and result.",
			},
			[]string{"check", "result"},
		),
		ActivitiesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fraud_suspicious_activities_total",
				Help: "Total suspicious activities recorded.",
			},
			[]string{"type", "severity"},
		),
		FlagsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fraud_flags_total",
				Help: "Total flag changes by source.",
			},
			[]string{"source"},
		),
		InitialScores: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fraud_initial_risk_score",
				Help:    "Risk score assigned at registration.",
				Buckets: []float64{0, 25, 40, 50, 60, 80, 100},
			},
		),
	}

	if registry != nil {
		registry.MustRegister(m.ChecksTotal, m.ActivitiesTotal, m.FlagsTotal, m.InitialScores)
	}
	return m
}

func (m *Metrics) observeCheck(check string, d Decision) {
	if m == nil {
		return
	}
	result := "allowed"
	if !d.Allowed {
		result = "denied"
	}
	m.ChecksTotal.WithLabelValues(check, result).Inc()
}

func (m *Metrics) observeActivity(activityType, severity string) {
	if m == nil {
		return
	}
	m.ActivitiesTotal.WithLabelValues(activityType, severity).Inc()
}

func (m *Metrics) observeFlag(source string) {
	if m == nil {
		return
	}
	m.FlagsTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) observeInitialScore(score int) {
	if m == nil {
		return
	}
	m.InitialScores.Observe(float64(score))
}
