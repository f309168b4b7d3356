package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for plan builds and launch runs.
// A Metrics created with metrics disabled records nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Plan metrics
	planBuilds        *prometheus.CounterVec
	planBuildDuration prometheus.Histogram
	planSteps         prometheus.Gauge

	// Action metrics
	actionsStarted  *prometheus.CounterVec
	actionsFinished *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	activeActions   prometheus.Gauge

	// Policy metrics
	policyViolations *prometheus.CounterVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
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
				Help:      "Total number of launch runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of launch runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of launch runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		planBuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_builds_total",
				Help:      "Total number of plan builds",
			},
			[]string{"result"},
		),
		planBuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_build_duration_seconds",
				Help:      "Duration of plan builds in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		planSteps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plan_steps",
				Help:      "Number of steps in the last built plan",
			},
		),

		actionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_started_total",
				Help:      "Total number of actions started",
			},
			[]string{"kind"},
		),
		actionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_finished_total",
				Help:      "Total number of actions that reached a terminal state",
			},
			[]string{"kind", "state"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Lifetime of actions in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		activeActions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_actions",
				Help:      "Current number of running actions",
			},
		),

		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of policy violations by severity",
			},
			[]string{"policy", "severity"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error class and code",
			},
			[]string{"class", "code"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.planBuilds,
		m.planBuildDuration,
		m.planSteps,
		m.actionsStarted,
		m.actionsFinished,
		m.actionDuration,
		m.activeActions,
		m.policyViolations,
		m.errorsByCode,
	)

	return m, nil
}

// Enabled reports whether metrics are being recorded.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m.registry == nil {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Plan Metrics

// RecordPlanBuild records a plan build. steps is ignored for failed builds.
func (m *Metrics) RecordPlanBuild(duration time.Duration, steps int, err error) {
	if m.registry == nil {
		return
	}
	m.planBuildDuration.Observe(duration.Seconds())
	if err != nil {
		m.planBuilds.WithLabelValues("failed").Inc()
		return
	}
	m.planBuilds.WithLabelValues("succeeded").Inc()
	m.planSteps.Set(float64(steps))
}

// Action Metrics

// RecordActionStarted counts a started step.
func (m *Metrics) RecordActionStarted(kind string) {
	if m.registry == nil {
		return
	}
	m.actionsStarted.WithLabelValues(kind).Inc()
	m.activeActions.Inc()
}

// RecordActionFinished records a step reaching a terminal state. Steps that
// never started are counted without a duration.
func (m *Metrics) RecordActionFinished(kind, state string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.actionsFinished.WithLabelValues(kind, state).Inc()
	if duration > 0 {
		m.actionDuration.WithLabelValues(kind).Observe(duration.Seconds())
		m.activeActions.Dec()
	}
}

// Policy Metrics

// RecordPolicyViolation counts a policy violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.registry == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// Error Metrics

// RecordError records an error by class and code.
func (m *Metrics) RecordError(class, code string) {
	if m.registry == nil {
		return
	}
	m.errorsByCode.WithLabelValues(class, code).Inc()
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

// StartMetricsServer starts an HTTP server exposing the metrics. The returned
// function shuts the server down. With metrics disabled it is a no-op.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) (func(context.Context) error, error) {
	if m.registry == nil {
		return func(context.Context) error { return nil }, nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	listener, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return nil, err
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	logger.Info().
		Str("address", listener.Addr().String()).
		Str("path", path).
		Msg("Metrics server listening")

	return server.Shutdown, nil
}
