package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

type Metrics struct {
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_runs_total",
				Help: "Total scheduled job runs by job and result.",
			},
			[]string{"job", "result"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scheduler_run_duration_seconds",
				Help:    "Scheduled job duration in seconds.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"job"},
		),
	}
	if registry != nil {
		registry.MustRegister(m.RunsTotal, m.RunDuration)
	}
	return m
}

func (m *Metrics) observe(job string, err error, start time.Time) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.RunsTotal.WithLabelValues(job, result).Inc()
	m.RunDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}

type JobFunc func(ctx context.Context) error

// Scheduler runs background sweeps on cron schedules. A run that is still
// going when its next tick fires causes that tick to be skipped.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	jobs    map[string]JobFunc
	entries map[string]cron.EntryID
}

func New(logger *slog.Logger, metrics *Metrics) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		jobs:    map[string]JobFunc{},
		entries: map[string]cron.EntryID{},
	}
}

// Add registers fn under name. spec accepts standard five-field expressions
// and descriptors such as "@daily".
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already registered", name)
	}
	id, err := s.cron.AddJob(spec, cron.FuncJob(func() {
		_ = s.execute(s.ctx, name, fn)
	}))
	if err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	s.jobs[name] = fn
	s.entries[name] = id
	s.logger.Info("job scheduled", "job", name, "spec", spec)
	return nil
}

// RunOnce runs a registered job immediately, outside the schedule.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	fn, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.execute(ctx, name, fn)
}

func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for running jobs until ctx expires, at
// which point their context is cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Scheduler) scheduled(name string) cron.Job {
	s.mu.Lock()
	id := s.entries[name]
	s.mu.Unlock()
	return s.cron.Entry(id).WrappedJob
}

func (s *Scheduler) execute(ctx context.Context, name string, fn JobFunc) error {
	start := time.Now()
	err := fn(ctx)
	s.metrics.observe(name, err, start)
	if err != nil {
		s.logger.Error("scheduled job failed", "job", name, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return err
	}
	s.logger.Info("scheduled job finished", "job", name, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
