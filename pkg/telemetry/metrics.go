package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for deployment runs.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Phase metrics
	phasesCompleted *prometheus.CounterVec
	phaseDuration   *prometheus.HistogramVec
	phaseRetries    *prometheus.CounterVec
	phasesRunning   prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a collector whose methods are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of deployment runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of deployment runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of deployment runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),

		phasesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phases_completed_total",
				Help:      "Total number of component phases reaching a terminal state",
			},
			[]string{"component", "phase", "state"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of component phases in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),
		phaseRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_retries_total",
				Help:      "Total number of phase retries",
			},
			[]string{"component", "phase"},
		),
		phasesRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "phases_running",
				Help:      "Current number of phases in flight",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of phase errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.phasesCompleted,
		m.phaseDuration,
		m.phaseRetries,
		m.phasesRunning,
		m.errorsByClass,
	)

	return m
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// Registry returns the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if !m.Enabled() {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordPhaseStarted marks a phase as in flight.
func (m *Metrics) RecordPhaseStarted() {
	if !m.Enabled() {
		return
	}
	m.phasesRunning.Inc()
}

// RecordPhaseCompleted records a phase reaching a terminal state. Phases
// that were skipped without starting pass started=false.
func (m *Metrics) RecordPhaseCompleted(component, phase, state string, duration time.Duration, started bool) {
	if !m.Enabled() {
		return
	}
	m.phasesCompleted.WithLabelValues(component, phase, state).Inc()
	if started {
		m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
		m.phasesRunning.Dec()
	}
}

// RecordPhaseRetry records a retry scheduled for a phase.
func (m *Metrics) RecordPhaseRetry(component, phase string) {
	if !m.Enabled() {
		return
	}
	m.phaseRetries.WithLabelValues(component, phase).Inc()
}

// RecordError records a phase error by class.
func (m *Metrics) RecordError(errorClass string) {
	if !m.Enabled() || errorClass == "" {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is done.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.Enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("address", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
