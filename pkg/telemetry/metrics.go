package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the run, step and control plane collectors on a private
// registry. A disabled Metrics accepts every Record call and drops it.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	reservationAttempts *prometheus.CounterVec
	waitPolls           *prometheus.CounterVec
	errorsByKind        *prometheus.CounterVec
}

// NewMetrics registers the collectors, plus the Go runtime and process
// collectors, on a new registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{config: cfg}
	if !cfg.Enabled {
		return m, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	ns := cfg.Namespace

	m.registry = prometheus.NewRegistry()
	if err := errors.Join(
		m.registry.Register(collectors.NewGoCollector()),
		m.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
	); err != nil {
		return nil, err
	}
	f := promauto.With(m.registry)

	m.runsStarted = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "runs_started_total",
		Help: "Workflow runs started.",
	}, []string{"workflow"})
	m.runsCompleted = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "runs_completed_total",
		Help: "Workflow runs finished, by terminal status.",
	}, []string{"workflow", "status"})
	m.runDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "run_duration_seconds",
		Help:    "Wall time of finished runs.",
		Buckets: buckets,
	}, []string{"workflow", "status"})
	m.activeRuns = f.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "active_runs",
		Help: "Runs currently executing.",
	})

	m.stepsExecuted = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "steps_executed_total",
		Help: "Steps finished, by action and status.",
	}, []string{"action", "status"})
	m.stepDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "step_duration_seconds",
		Help:    "Wall time of finished steps, retries included.",
		Buckets: buckets,
	}, []string{"action"})

	m.reservationAttempts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "reservation_attempts_total",
		Help: "Capacity reservation attempts, by outcome.",
	}, []string{"outcome"})
	m.waitPolls = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "wait_polls_total",
		Help: "State polls made while waiting, by subject and outcome.",
	}, []string{"subject", "outcome"})
	m.errorsByKind = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "errors_total",
		Help: "Step errors, by kind and code.",
	}, []string{"kind", "code"})

	return m, nil
}

func (m *Metrics) enabled() bool { return m.registry != nil }

// RecordRunStarted counts a started run and marks it active.
func (m *Metrics) RecordRunStarted(workflow string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(workflow).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted counts a finished run and releases its active slot.
func (m *Metrics) RecordRunCompleted(workflow, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(workflow, status).Inc()
	m.runDuration.WithLabelValues(workflow, status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordStep counts a finished step.
func (m *Metrics) RecordStep(action, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepsExecuted.WithLabelValues(action, status).Inc()
	m.stepDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordReservationAttempt counts one CreateReservation call.
func (m *Metrics) RecordReservationAttempt(outcome string) {
	if m.enabled() {
		m.reservationAttempts.WithLabelValues(outcome).Inc()
	}
}

// RecordWaitPoll counts one waiter poll.
func (m *Metrics) RecordWaitPoll(subject, outcome string) {
	if m.enabled() {
		m.waitPolls.WithLabelValues(subject, outcome).Inc()
	}
}

// RecordError counts a step error.
func (m *Metrics) RecordError(kind, code string) {
	if m.enabled() {
		m.errorsByKind.WithLabelValues(kind, code).Inc()
	}
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus and OpenMetrics formats.
// Disabled metrics answer 404.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer serves Handler on address, or on the configured listen
// address when empty, until ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context, address string, logger zerolog.Logger) error {
	if !m.enabled() {
		return nil
	}
	if address == "" {
		address = m.config.ListenAddress
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info().Str("address", address).Str("path", path).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", address).Msg("Metrics server stopped")
		}
	}()
	return nil
}
