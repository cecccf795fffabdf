package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for Recowave. A nil *Metrics is a
// valid no-op collector, so components can treat it as optional.
type Metrics struct {
	config MetricsConfig

	// Execution metrics
	executionsStarted   *prometheus.CounterVec
	executionsCompleted *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec

	// Wave metrics
	wavesCompleted *prometheus.CounterVec
	waveDuration   *prometheus.HistogramVec

	// Admission metrics
	conflictsDetected *prometheus.CounterVec

	// Launch configuration metrics
	configApplies     *prometheus.CounterVec
	configuredServers *prometheus.CounterVec
	driftedServers    prometheus.Counter

	// Control plane metrics
	controlPlaneCalls    *prometheus.CounterVec
	controlPlaneDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeExecutions prometheus.Gauge

	registry *prometheus.Registry
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

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Execution metrics
		executionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_started_total",
				Help:      "Total number of executions started",
			},
			[]string{"type"},
		),
		executionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_completed_total",
				Help:      "Total number of executions reaching a terminal status",
			},
			[]string{"status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of executions in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Wave metrics
		wavesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "waves_completed_total",
				Help:      "Total number of waves reaching a terminal status",
			},
			[]string{"status"},
		),
		waveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "wave_duration_seconds",
				Help:      "Duration of waves in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Admission metrics
		conflictsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_detected_total",
				Help:      "Total number of admission conflicts detected",
			},
			[]string{"kind"},
		),

		// Launch configuration metrics
		configApplies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_applies_total",
				Help:      "Total number of launch configuration apply calls",
			},
			[]string{"status"},
		),
		configuredServers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "configured_servers_total",
				Help:      "Total number of servers processed by apply calls",
			},
			[]string{"status"},
		),
		driftedServers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drifted_servers_total",
				Help:      "Total number of servers reported drifted",
			},
		),

		// Control plane metrics
		controlPlaneCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "control_plane_calls_total",
				Help:      "Total number of control plane calls",
			},
			[]string{"operation", "outcome"},
		),
		controlPlaneDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "control_plane_call_duration_seconds",
				Help:      "Duration of control plane calls in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		// System metrics
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of active executions",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.executionsStarted,
		m.executionsCompleted,
		m.executionDuration,
		m.wavesCompleted,
		m.waveDuration,
		m.conflictsDetected,
		m.configApplies,
		m.configuredServers,
		m.driftedServers,
		m.controlPlaneCalls,
		m.controlPlaneDuration,
		m.errorsByClass,
		m.errorsByCode,
		m.activeExecutions,
	)

	return m, nil
}

// Execution Metrics

// RecordExecutionStarted increments the counter for started executions.
func (m *Metrics) RecordExecutionStarted(executionType string) {
	if m == nil || m.executionsStarted == nil {
		return
	}
	m.executionsStarted.WithLabelValues(executionType).Inc()
	m.activeExecutions.Inc()
}

// RecordExecutionCompleted records a terminal execution with its status and
// duration.
func (m *Metrics) RecordExecutionCompleted(status string, duration time.Duration) {
	if m == nil || m.executionsCompleted == nil {
		return
	}
	m.executionsCompleted.WithLabelValues(status).Inc()
	m.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeExecutions.Dec()
}

// Wave Metrics

// RecordWaveCompleted records a wave reaching a terminal status.
func (m *Metrics) RecordWaveCompleted(status string, duration time.Duration) {
	if m == nil || m.wavesCompleted == nil {
		return
	}
	m.wavesCompleted.WithLabelValues(status).Inc()
	m.waveDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Admission Metrics

// RecordConflict records one admission conflict finding.
func (m *Metrics) RecordConflict(kind string) {
	if m == nil || m.conflictsDetected == nil {
		return
	}
	m.conflictsDetected.WithLabelValues(kind).Inc()
}

// Launch Configuration Metrics

// RecordConfigApply records one apply call's aggregate status and the number
// of servers it processed.
func (m *Metrics) RecordConfigApply(status string, servers int) {
	if m == nil || m.configApplies == nil {
		return
	}
	m.configApplies.WithLabelValues(status).Inc()
	m.configuredServers.WithLabelValues(status).Add(float64(servers))
}

// RecordDriftDetection records how many servers one drift check reported
// drifted.
func (m *Metrics) RecordDriftDetection(driftedServers int) {
	if m == nil || m.driftedServers == nil {
		return
	}
	m.driftedServers.Add(float64(driftedServers))
}

// Control Plane Metrics

// RecordControlPlaneCall records a control plane call and its outcome.
func (m *Metrics) RecordControlPlaneCall(operation string, err error) {
	if m == nil || m.controlPlaneCalls == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.controlPlaneCalls.WithLabelValues(operation, outcome).Inc()
}

// ObserveControlPlaneDuration records a control plane call's duration.
func (m *Metrics) ObserveControlPlaneDuration(operation string, duration time.Duration) {
	if m == nil || m.controlPlaneDuration == nil {
		return
	}
	m.controlPlaneDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// SetActiveExecutions sets the current number of active executions.
func (m *Metrics) SetActiveExecutions(count float64) {
	if m == nil || m.activeExecutions == nil {
		return
	}
	m.activeExecutions.Set(count)
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
