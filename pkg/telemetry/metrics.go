package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the openherd engine.
type Metrics struct {
	config MetricsConfig

	// Action metrics
	actionsStarted   *prometheus.CounterVec
	actionsCompleted *prometheus.CounterVec
	actionDuration   *prometheus.HistogramVec

	// Lock metrics
	lockContention  prometheus.Counter
	locksReclaimed  prometheus.Counter
	orphansRequeued prometheus.Counter

	// Policy metrics
	policyEvaluations *prometheus.CounterVec
	policyRejections  *prometheus.CounterVec

	// Driver metrics
	driverCalls    *prometheus.CounterVec
	driverDuration *prometheus.HistogramVec
	driverErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Health metrics
	nodeFailures *prometheus.CounterVec

	// System metrics
	runningActions prometheus.Gauge
	queuedActions  prometheus.Gauge
	clusterNodes   *prometheus.GaugeVec

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

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		actionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_started_total",
				Help:      "Total number of action executions started",
			},
			[]string{"operation"},
		),
		actionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_completed_total",
				Help:      "Total number of actions reaching a terminal status",
			},
			[]string{"operation", "status"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of action execution in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "status"},
		),

		lockContention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_contention_total",
				Help:      "Total number of lock acquisitions abandoned after retries",
			},
		),
		locksReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "locks_reclaimed_total",
				Help:      "Total number of stale locks broken by the reaper",
			},
		),
		orphansRequeued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphans_requeued_total",
				Help:      "Total number of actions requeued after their worker died",
			},
		),

		policyEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_evaluations_total",
				Help:      "Total number of policy hook evaluations",
			},
			[]string{"policy", "phase"},
		),
		policyRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_rejections_total",
				Help:      "Total number of actions rejected by a policy",
			},
			[]string{"policy"},
		),

		driverCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_calls_total",
				Help:      "Total number of backend driver calls",
			},
			[]string{"driver", "operation"},
		),
		driverDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "driver_call_duration_seconds",
				Help:      "Duration of backend driver calls in seconds",
				Buckets:   buckets,
			},
			[]string{"driver", "operation"},
		),
		driverErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_errors_total",
				Help:      "Total number of backend driver errors",
			},
			[]string{"driver", "operation"},
		),

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

		nodeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_failures_total",
				Help:      "Total number of node failures detected",
			},
			[]string{"source"},
		),

		runningActions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_actions",
				Help:      "Current number of actions being executed",
			},
		),
		queuedActions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_actions",
				Help:      "Current number of READY actions in the backlog",
			},
		),
		clusterNodes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cluster_nodes",
				Help:      "Current number of nodes per cluster and status",
			},
			[]string{"cluster", "status"},
		),
	}

	registry.MustRegister(
		m.actionsStarted,
		m.actionsCompleted,
		m.actionDuration,
		m.lockContention,
		m.locksReclaimed,
		m.orphansRequeued,
		m.policyEvaluations,
		m.policyRejections,
		m.driverCalls,
		m.driverDuration,
		m.driverErrors,
		m.errorsByClass,
		m.errorsByCode,
		m.nodeFailures,
		m.runningActions,
		m.queuedActions,
		m.clusterNodes,
	)

	return m, nil
}

// Action Metrics

// RecordActionStarted increments the counter for started action executions.
func (m *Metrics) RecordActionStarted(operation string) {
	if m.actionsStarted == nil {
		return
	}
	m.actionsStarted.WithLabelValues(operation).Inc()
	m.runningActions.Inc()
}

// RecordActionCompleted records a terminal action with its status and duration.
func (m *Metrics) RecordActionCompleted(operation, status string, duration time.Duration) {
	if m.actionsCompleted == nil {
		return
	}
	m.actionsCompleted.WithLabelValues(operation, status).Inc()
	m.actionDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
	m.runningActions.Dec()
}

// Lock Metrics

// RecordLockContention records an acquisition abandoned after retries.
func (m *Metrics) RecordLockContention() {
	if m.lockContention == nil {
		return
	}
	m.lockContention.Inc()
}

// RecordLockReclaimed records a stale lock broken by the reaper.
func (m *Metrics) RecordLockReclaimed() {
	if m.locksReclaimed == nil {
		return
	}
	m.locksReclaimed.Inc()
}

// RecordOrphanRequeued records an action requeued after its worker died.
func (m *Metrics) RecordOrphanRequeued() {
	if m.orphansRequeued == nil {
		return
	}
	m.orphansRequeued.Inc()
}

// Policy Metrics

// RecordPolicyEvaluation records one policy hook evaluation.
func (m *Metrics) RecordPolicyEvaluation(policy, phase string) {
	if m.policyEvaluations == nil {
		return
	}
	m.policyEvaluations.WithLabelValues(policy, phase).Inc()
}

// RecordPolicyRejection records an action rejected by a policy.
func (m *Metrics) RecordPolicyRejection(policy string) {
	if m.policyRejections == nil {
		return
	}
	m.policyRejections.WithLabelValues(policy).Inc()
}

// Driver Metrics

// RecordDriverCall records a backend driver call with its duration.
func (m *Metrics) RecordDriverCall(driver, operation string, duration time.Duration) {
	if m.driverCalls == nil {
		return
	}
	m.driverCalls.WithLabelValues(driver, operation).Inc()
	m.driverDuration.WithLabelValues(driver, operation).Observe(duration.Seconds())
}

// RecordDriverError records a backend driver error.
func (m *Metrics) RecordDriverError(driver, operation string) {
	if m.driverErrors == nil {
		return
	}
	m.driverErrors.WithLabelValues(driver, operation).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Health Metrics

// RecordNodeFailure records a detected node failure by detection source.
func (m *Metrics) RecordNodeFailure(source string) {
	if m.nodeFailures == nil {
		return
	}
	m.nodeFailures.WithLabelValues(source).Inc()
}

// System Metrics

// SetQueuedActions sets the current READY backlog depth.
func (m *Metrics) SetQueuedActions(count float64) {
	if m.queuedActions == nil {
		return
	}
	m.queuedActions.Set(count)
}

// SetClusterNodes sets the current node count for a cluster and status.
func (m *Metrics) SetClusterNodes(cluster, status string, count float64) {
	if m.clusterNodes == nil {
		return
	}
	m.clusterNodes.WithLabelValues(cluster, status).Set(count)
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
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
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
