package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the control plane.
// A nil *Metrics or one built with metrics disabled records nothing.
type Metrics struct {
	config MetricsConfig

	// Admission metrics
	admissions      *prometheus.CounterVec
	quotaRejections *prometheus.CounterVec

	// Dispatch metrics
	actionsDispatched *prometheus.CounterVec
	providerDuration  *prometheus.HistogramVec
	providerErrors    *prometheus.CounterVec
	dispatchTimeouts  *prometheus.CounterVec

	// Callback metrics
	callbacks *prometheus.CounterVec

	// Scheduler metrics
	schedulerPasses    prometheus.Counter
	schedulerDecisions *prometheus.CounterVec
	schedulerDuration  prometheus.Histogram

	// Key rotation metrics
	keyTasks *prometheus.CounterVec

	// Resource metrics
	resourcesByStatus *prometheus.GaugeVec
	queuedActions     prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admissions_total",
				Help:      "Lifecycle requests by resource type and outcome",
			},
			[]string{"type", "outcome"},
		),
		quotaRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_rejections_total",
				Help:      "Requests rejected because a quota limit was reached",
			},
			[]string{"type", "scope"},
		),
		actionsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_dispatched_total",
				Help:      "Actions handed to providers",
			},
			[]string{"provider", "action"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of synchronous provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "action"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Provider calls that failed synchronously",
			},
			[]string{"provider", "action", "class"},
		),
		dispatchTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_timeouts_total",
				Help:      "Actions failed because no callback arrived in time",
			},
			[]string{"type", "action"},
		),
		callbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callbacks_total",
				Help:      "Provider callbacks by reconciliation outcome",
			},
			[]string{"type", "outcome"},
		),
		schedulerPasses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_passes_total",
				Help:      "Completed scheduler evaluation passes",
			},
		),
		schedulerDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_decisions_total",
				Help:      "Synthetic actions issued by the scheduler",
			},
			[]string{"decision"},
		),
		schedulerDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_pass_duration_seconds",
				Help:      "Duration of a scheduler pass in seconds",
				Buckets:   buckets,
			},
		),
		keyTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_reupload_tasks_total",
				Help:      "Finished key reupload tasks by status",
			},
			[]string{"status"},
		),
		resourcesByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources",
				Help:      "Current number of resource records",
			},
			[]string{"type", "status"},
		),
		queuedActions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_actions",
				Help:      "Actions waiting for a parent resource to become running",
			},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by classification",
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
	}

	registry.MustRegister(
		m.admissions,
		m.quotaRejections,
		m.actionsDispatched,
		m.providerDuration,
		m.providerErrors,
		m.dispatchTimeouts,
		m.callbacks,
		m.schedulerPasses,
		m.schedulerDecisions,
		m.schedulerDuration,
		m.keyTasks,
		m.resourcesByStatus,
		m.queuedActions,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordAdmission counts a lifecycle request outcome.
func (m *Metrics) RecordAdmission(resourceType, outcome string) {
	if !m.enabled() {
		return
	}
	m.admissions.WithLabelValues(resourceType, outcome).Inc()
}

// RecordQuotaRejection counts a request blocked by quota.
func (m *Metrics) RecordQuotaRejection(resourceType, scope string) {
	if !m.enabled() {
		return
	}
	m.quotaRejections.WithLabelValues(resourceType, scope).Inc()
}

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, action string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.actionsDispatched.WithLabelValues(provider, action).Inc()
	m.providerDuration.WithLabelValues(provider, action).Observe(duration.Seconds())
}

// RecordProviderError records a synchronous provider failure.
func (m *Metrics) RecordProviderError(provider, action, class string) {
	if !m.enabled() {
		return
	}
	m.providerErrors.WithLabelValues(provider, action, class).Inc()
}

// RecordDispatchTimeout counts an action that never got its callback.
func (m *Metrics) RecordDispatchTimeout(resourceType, action string) {
	if !m.enabled() {
		return
	}
	m.dispatchTimeouts.WithLabelValues(resourceType, action).Inc()
}

// RecordCallback counts a callback by how reconciliation treated it.
func (m *Metrics) RecordCallback(resourceType, outcome string) {
	if !m.enabled() {
		return
	}
	m.callbacks.WithLabelValues(resourceType, outcome).Inc()
}

// RecordSchedulerPass records one scheduler evaluation pass.
func (m *Metrics) RecordSchedulerPass(duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.schedulerPasses.Inc()
	m.schedulerDuration.Observe(duration.Seconds())
}

// RecordSchedulerDecision counts a synthetic start or stop.
func (m *Metrics) RecordSchedulerDecision(decision string) {
	if !m.enabled() {
		return
	}
	m.schedulerDecisions.WithLabelValues(decision).Inc()
}

// RecordKeyTask counts a finished key reupload task.
func (m *Metrics) RecordKeyTask(status string) {
	if !m.enabled() {
		return
	}
	m.keyTasks.WithLabelValues(status).Inc()
}

// SetResourceCount sets the current number of records in a type and status.
func (m *Metrics) SetResourceCount(resourceType, status string, count float64) {
	if !m.enabled() {
		return
	}
	m.resourcesByStatus.WithLabelValues(resourceType, status).Set(count)
}

// SetQueuedActions sets the number of actions waiting on a parent.
func (m *Metrics) SetQueuedActions(count float64) {
	if !m.enabled() {
		return
	}
	m.queuedActions.Set(count)
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry exposes the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
// Serve errors are reported on the returned channel.
func (m *Metrics) StartMetricsServer() <-chan error {
	errCh := make(chan error, 1)
	if !m.enabled() {
		close(errCh)
		return errCh
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		defer close(errCh)
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	return errCh
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
