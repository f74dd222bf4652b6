package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the analysis service.
// Metrics are organized by subsystem: workflows, steps, computation calls, and
// inbound events. All counters and histograms are registered via promauto for
// automatic registration with the default Prometheus registry.
type Metrics struct {
	// WorkflowsStarted counts workflow instances started, labeled by workflow name.
	WorkflowsStarted *prometheus.CounterVec

	// WorkflowsCompleted counts workflow instances that finished successfully,
	// labeled by workflow name.
	WorkflowsCompleted *prometheus.CounterVec

	// WorkflowsFailed counts workflow instances that exhausted their retries,
	// labeled by workflow name.
	WorkflowsFailed *prometheus.CounterVec

	// WorkflowsCancelled counts workflow instances that ended because the case
	// was deleted mid-computation, labeled by workflow name.
	WorkflowsCancelled *prometheus.CounterVec

	// WorkflowDuration observes end-to-end workflow duration in seconds,
	// labeled by workflow name.
	WorkflowDuration *prometheus.HistogramVec

	// WorkflowRetries counts full workflow re-invocations after a step failure,
	// labeled by workflow name.
	WorkflowRetries *prometheus.CounterVec

	// StepsExecuted counts step functions actually executed, labeled by step name.
	StepsExecuted *prometheus.CounterVec

	// StepsReplayed counts steps skipped on re-entry because a persisted result
	// existed, labeled by step name.
	StepsReplayed *prometheus.CounterVec

	// ComputationRequestsTotal counts computation service HTTP attempts,
	// labeled by endpoint.
	ComputationRequestsTotal *prometheus.CounterVec

	// ComputationRequestsFailed counts failed computation attempts, labeled by
	// endpoint and error kind (transient, timeout, fatal).
	ComputationRequestsFailed *prometheus.CounterVec

	// ComputationRequestDuration observes computation request duration in
	// seconds, labeled by endpoint.
	ComputationRequestDuration *prometheus.HistogramVec

	// EventsConsumed counts trigger events accepted from the bus, labeled by
	// event name.
	EventsConsumed *prometheus.CounterVec

	// EventsRejected counts malformed events rejected at the ingestion
	// boundary, labeled by reason.
	EventsRejected *prometheus.CounterVec

	// AuditEntriesWritten counts audit log entries written, labeled by field.
	AuditEntriesWritten *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		WorkflowsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_started_total",
			Help:      "Total number of workflow instances started",
		}, []string{"workflow"}),
		WorkflowsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_completed_total",
			Help:      "Total number of workflow instances completed successfully",
		}, []string{"workflow"}),
		WorkflowsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_failed_total",
			Help:      "Total number of workflow instances that failed terminally",
		}, []string{"workflow"}),
		WorkflowsCancelled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_cancelled_total",
			Help:      "Total number of workflow instances cancelled by case deletion",
		}, []string{"workflow"}),
		WorkflowDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "End-to-end duration of workflow instances in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"workflow"}),
		WorkflowRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_retries_total",
			Help:      "Total number of full workflow re-invocations",
		}, []string{"workflow"}),

		StepsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Total number of workflow steps executed",
		}, []string{"step"}),
		StepsReplayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_replayed_total",
			Help:      "Total number of workflow steps replayed from the step log",
		}, []string{"step"}),

		ComputationRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "computation_requests_total",
			Help:      "Total number of computation service HTTP attempts",
		}, []string{"endpoint"}),
		ComputationRequestsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "computation_requests_failed_total",
			Help:      "Total number of failed computation service attempts",
		}, []string{"endpoint", "kind"}),
		ComputationRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "computation_request_duration_seconds",
			Help:      "Duration of computation service requests in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 600, 1200, 1800, 2700},
		}, []string{"endpoint"}),

		EventsConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Total number of trigger events accepted",
		}, []string{"event"}),
		EventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Total number of malformed events rejected at ingestion",
		}, []string{"reason"}),

		AuditEntriesWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_written_total",
			Help:      "Total number of audit log entries written",
		}, []string{"field"}),
	}
}

// RecordWorkflowStarted records a workflow instance start.
func (m *Metrics) RecordWorkflowStarted(workflow string) {
	m.WorkflowsStarted.WithLabelValues(workflow).Inc()
}

// RecordWorkflowCompleted records a successful workflow completion with its duration.
func (m *Metrics) RecordWorkflowCompleted(workflow string, seconds float64) {
	m.WorkflowsCompleted.WithLabelValues(workflow).Inc()
	m.WorkflowDuration.WithLabelValues(workflow).Observe(seconds)
}

// RecordWorkflowFailed records a terminal workflow failure with its duration.
func (m *Metrics) RecordWorkflowFailed(workflow string, seconds float64) {
	m.WorkflowsFailed.WithLabelValues(workflow).Inc()
	m.WorkflowDuration.WithLabelValues(workflow).Observe(seconds)
}

// RecordWorkflowCancelled records a workflow ended by case deletion.
func (m *Metrics) RecordWorkflowCancelled(workflow string) {
	m.WorkflowsCancelled.WithLabelValues(workflow).Inc()
}

// RecordComputationRequest records one computation service attempt.
func (m *Metrics) RecordComputationRequest(endpoint string, seconds float64) {
	m.ComputationRequestsTotal.WithLabelValues(endpoint).Inc()
	m.ComputationRequestDuration.WithLabelValues(endpoint).Observe(seconds)
}

// RecordComputationFailure records a failed computation attempt by error kind.
func (m *Metrics) RecordComputationFailure(endpoint, kind string) {
	m.ComputationRequestsFailed.WithLabelValues(endpoint, kind).Inc()
}
