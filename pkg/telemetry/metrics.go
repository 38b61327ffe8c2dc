package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for harness runs.
type Metrics struct {
	config MetricsConfig

	// Poll metrics
	pollAttempts *prometheus.CounterVec
	pollErrors   *prometheus.CounterVec
	pollOutcomes *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec

	// Transport metrics
	transportCalls    *prometheus.CounterVec
	transportDuration *prometheus.HistogramVec
	transportErrors   *prometheus.CounterVec

	// Scenario metrics
	scenariosStarted   *prometheus.CounterVec
	scenariosCompleted *prometheus.CounterVec
	scenarioDuration   *prometheus.HistogramVec
	assertions         *prometheus.CounterVec
	teardownErrors     *prometheus.CounterVec

	activeScenarios prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		pollAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_attempts_total",
				Help:      "Total number of condition evaluations",
			},
			[]string{"kind"},
		),
		pollErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_errors_total",
				Help:      "Total number of condition evaluations that returned an error",
			},
			[]string{"kind", "tolerated"},
		),
		pollOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_outcomes_total",
				Help:      "Total number of finished waits by outcome",
			},
			[]string{"kind", "outcome"},
		),
		pollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Time spent waiting for a condition in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "outcome"},
		),

		transportCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_calls_total",
				Help:      "Total number of calls made through a transport",
			},
			[]string{"transport", "operation"},
		),
		transportDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transport_call_duration_seconds",
				Help:      "Duration of transport calls in seconds",
				Buckets:   buckets,
			},
			[]string{"transport", "operation"},
		),
		transportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_errors_total",
				Help:      "Total number of failed transport calls",
			},
			[]string{"transport", "operation"},
		),

		scenariosStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scenarios_started_total",
				Help:      "Total number of scenarios started",
			},
			[]string{"suite"},
		),
		scenariosCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scenarios_completed_total",
				Help:      "Total number of scenarios completed",
			},
			[]string{"suite", "status"},
		),
		scenarioDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scenario_duration_seconds",
				Help:      "Duration of scenario execution in seconds",
				Buckets:   buckets,
			},
			[]string{"suite", "status"},
		),
		assertions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "assertions_total",
				Help:      "Total number of assertions by result",
			},
			[]string{"result"},
		),
		teardownErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "teardown_errors_total",
				Help:      "Total number of teardown steps that failed",
			},
			[]string{"suite"},
		),

		activeScenarios: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_scenarios",
				Help:      "Current number of running scenarios",
			},
		),
	}

	registry.MustRegister(
		m.pollAttempts,
		m.pollErrors,
		m.pollOutcomes,
		m.pollDuration,
		m.transportCalls,
		m.transportDuration,
		m.transportErrors,
		m.scenariosStarted,
		m.scenariosCompleted,
		m.scenarioDuration,
		m.assertions,
		m.teardownErrors,
		m.activeScenarios,
	)

	return m, nil
}

// Poll Metrics

// RecordPollAttempt counts one condition evaluation.
func (m *Metrics) RecordPollAttempt(kind string) {
	if m == nil || m.pollAttempts == nil {
		return
	}
	m.pollAttempts.WithLabelValues(kind).Inc()
}

// RecordPollError counts a condition evaluation that failed.
func (m *Metrics) RecordPollError(kind string, tolerated bool) {
	if m == nil || m.pollErrors == nil {
		return
	}
	label := "false"
	if tolerated {
		label = "true"
	}
	m.pollErrors.WithLabelValues(kind, label).Inc()
}

// RecordPollOutcome records how a wait ended and how long it took.
func (m *Metrics) RecordPollOutcome(kind, outcome string, duration time.Duration) {
	if m == nil || m.pollOutcomes == nil {
		return
	}
	m.pollOutcomes.WithLabelValues(kind, outcome).Inc()
	m.pollDuration.WithLabelValues(kind, outcome).Observe(duration.Seconds())
}

// Transport Metrics

// RecordTransportCall records a transport call with its duration.
func (m *Metrics) RecordTransportCall(transport, operation string, duration time.Duration, err error) {
	if m == nil || m.transportCalls == nil {
		return
	}
	m.transportCalls.WithLabelValues(transport, operation).Inc()
	m.transportDuration.WithLabelValues(transport, operation).Observe(duration.Seconds())
	if err != nil {
		m.transportErrors.WithLabelValues(transport, operation).Inc()
	}
}

// Scenario Metrics

// RecordScenarioStarted increments the counter for started scenarios.
func (m *Metrics) RecordScenarioStarted(suite string) {
	if m == nil || m.scenariosStarted == nil {
		return
	}
	m.scenariosStarted.WithLabelValues(suite).Inc()
	m.activeScenarios.Inc()
}

// RecordScenarioCompleted records a completed scenario with its status and duration.
func (m *Metrics) RecordScenarioCompleted(suite, status string, duration time.Duration) {
	if m == nil || m.scenariosCompleted == nil {
		return
	}
	m.scenariosCompleted.WithLabelValues(suite, status).Inc()
	m.scenarioDuration.WithLabelValues(suite, status).Observe(duration.Seconds())
	m.activeScenarios.Dec()
}

// RecordAssertion counts an assertion result.
func (m *Metrics) RecordAssertion(passed bool) {
	if m == nil || m.assertions == nil {
		return
	}
	result := "fail"
	if passed {
		result = "pass"
	}
	m.assertions.WithLabelValues(result).Inc()
}

// RecordTeardownError counts a failed teardown step.
func (m *Metrics) RecordTeardownError(suite string) {
	if m == nil || m.teardownErrors == nil {
		return
	}
	m.teardownErrors.WithLabelValues(suite).Inc()
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
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

// StartMetricsServer starts an HTTP server to expose metrics. It is a no-op
// unless metrics are enabled and a listen address is configured.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", m.config.ListenAddress, err)
	}

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server error")
		}
	}()
	log.Debug().Str("address", ln.Addr().String()).Str("path", path).Msg("serving metrics")

	return nil
}

// StopMetricsServer shuts the metrics server down if it was started.
func (m *Metrics) StopMetricsServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
