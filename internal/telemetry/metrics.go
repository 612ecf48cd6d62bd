// Package telemetry provides observability primitives for the leaseq consumer.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the consumer. All helper
// methods are safe on a nil *Metrics so components can run unmetered.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
	LeasePolls      *prometheus.CounterVec
	TasksLeased     prometheus.Counter
	TasksBurned     *prometheus.CounterVec
	ActiveLeases    prometheus.Gauge
	Renewals        *prometheus.CounterVec
	WorkerDuration  prometheus.Histogram
	Dispositions    *prometheus.CounterVec
	ResolveErrors   *prometheus.CounterVec
	Deadletters     *prometheus.CounterVec
	FatalErrors     *prometheus.CounterVec
	IdleBackoff     prometheus.Gauge
	WebhookRequests *prometheus.CounterVec
	AuthFailures    *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leaseq",
			Name:      "http_requests_total",
			Help:      "Total number of admin HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "leaseq",
			Name:                            "http_request_duration_seconds",
			Help:                            "Admin HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "leaseq",
			Name:      "http_active_requests",
			Help:      "Number of admin HTTP requests in flight.",
		}),

		LeasePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leaseq",
			Name:      "lease_polls_total",
			Help:      "Lease calls by result (tasks, empty, error).",
		}, []string{"result"}),

		TasksLeased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "leaseq",
			Name:      "tasks_leased_total",
			Help:      "Total tasks leased from the queue.",
		}),

		TasksBurned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leaseq",
			Name:      "tasks_burned_total",
			Help:      "Excess tasks discarded by burn mode.",
		}, []string{"action", "result"}),

		ActiveLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "leaseq",
			Name:      "active_leases",
			Help:      "Number of tasks whose lease is currently being renewed.",
		}),

		Renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leaseq",
			Name:      "lease_renewals_total",
			Help:      "Lease renewal attempts by result.",
		}, []string{"result"}),

		WorkerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:                       "leaseq",
			Name:                            "worker_duration_seconds",
			Help:                            "Duration of worker invocations in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}),

		Dispositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leaseq",
			Name:      "dispositions_total",
			Help:      "Resolved tasks by worker outcome and queue action.",
		}, []string{"outcome", "action"}),

		ResolveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leaseq",
			Name:      "resolve_errors_total",
			Help:      "Failed ack, cancel and delete calls.",
		}, []string{"action"}),

		Deadletters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leaseq",
			Name:      "deadletters_total",
			Help:      "Deadletter inserts by result.",
		}, []string{"result"}),

		FatalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leaseq",
			Name:      "fatal_errors_total",
			Help:      "Errors that stopped the manager loop, by kind.",
		}, []string{"kind"}),

		IdleBackoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "leaseq",
			Name:      "idle_backoff_seconds",
			Help:      "Current idle sleep between empty polls.",
		}),

		WebhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leaseq",
			Name:      "webhook_requests_total",
			Help:      "Webhook worker deliveries by outcome.",
		}, []string{"outcome"}),

		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leaseq",
			Name:      "admin_auth_failures_total",
			Help:      "Rejected admin API requests by reason (missing, invalid).",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.LeasePolls,
		m.TasksLeased,
		m.TasksBurned,
		m.ActiveLeases,
		m.Renewals,
		m.WorkerDuration,
		m.Dispositions,
		m.ResolveErrors,
		m.Deadletters,
		m.FatalErrors,
		m.IdleBackoff,
		m.WebhookRequests,
		m.AuthFailures,
	)

	return m
}

// ObservePoll counts a lease call. n < 0 marks a transport error.
func (m *Metrics) ObservePoll(n int) {
	if m == nil {
		return
	}
	switch {
	case n < 0:
		m.LeasePolls.WithLabelValues("error").Inc()
	case n == 0:
		m.LeasePolls.WithLabelValues("empty").Inc()
	default:
		m.LeasePolls.WithLabelValues("tasks").Inc()
		m.TasksLeased.Add(float64(n))
	}
}

// ObserveBurn counts one burned task.
func (m *Metrics) ObserveBurn(action string, err error) {
	if m == nil {
		return
	}
	m.TasksBurned.WithLabelValues(action, result(err)).Inc()
}

// AddActiveLeases moves the active lease gauge by delta.
func (m *Metrics) AddActiveLeases(delta int) {
	if m == nil {
		return
	}
	m.ActiveLeases.Add(float64(delta))
}

// ObserveRenewal counts a renewal attempt.
func (m *Metrics) ObserveRenewal(err error) {
	if m == nil {
		return
	}
	m.Renewals.WithLabelValues(result(err)).Inc()
}

// ObserveWorker records a worker invocation duration.
func (m *Metrics) ObserveWorker(d time.Duration) {
	if m == nil {
		return
	}
	m.WorkerDuration.Observe(d.Seconds())
}

// ObserveDisposition counts a resolved task and a failed resolution call.
func (m *Metrics) ObserveDisposition(outcome, action string, resolveErr error) {
	if m == nil {
		return
	}
	m.Dispositions.WithLabelValues(outcome, action).Inc()
	if resolveErr != nil {
		m.ResolveErrors.WithLabelValues(action).Inc()
	}
}

// ObserveDeadletter counts a deadletter insert.
func (m *Metrics) ObserveDeadletter(err error) {
	if m == nil {
		return
	}
	m.Deadletters.WithLabelValues(result(err)).Inc()
}

// ObserveFatal counts an error that stopped the manager loop.
func (m *Metrics) ObserveFatal(kind string) {
	if m == nil {
		return
	}
	m.FatalErrors.WithLabelValues(kind).Inc()
}

// SetIdleBackoff publishes the current idle sleep.
func (m *Metrics) SetIdleBackoff(d time.Duration) {
	if m == nil {
		return
	}
	m.IdleBackoff.Set(d.Seconds())
}

// ObserveWebhook counts a webhook delivery.
func (m *Metrics) ObserveWebhook(outcome string) {
	if m == nil {
		return
	}
	m.WebhookRequests.WithLabelValues(outcome).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveAuthFailure counts a rejected admin request.
func (m *Metrics) ObserveAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}
