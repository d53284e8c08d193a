package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the engine's Prometheus collectors.
//
// All metrics live under the "procflow" namespace and are labelled with the
// tenant and workflow identifiers, so one registry can serve many tenants:
//
//	workflow_started_total{tenant_id, workflow_id}
//	workflow_completed_total{tenant_id, workflow_id}
//	workflow_failed_total{tenant_id, workflow_id}
//	workflow_active_count{tenant_id} (gauge)
//	workflow_node_execution_duration_seconds{tenant_id, workflow_id, node_type}
//	workflow_gateway_evaluated_total{tenant_id, workflow_id, gateway_type}
//	workflow_lock_acquired_total{tenant_id}
//	workflow_lock_contention_total{tenant_id}
//	workflow_retry_total{tenant_id, workflow_id, node_id}
//
// A nil *Metrics is valid; every recording method is a no-op on nil, so
// components can be constructed without observability wired up.
type Metrics struct {
	started          *prometheus.CounterVec
	completed        *prometheus.CounterVec
	failed           *prometheus.CounterVec
	active           *prometheus.GaugeVec
	nodeDuration     *prometheus.HistogramVec
	gatewayEvaluated *prometheus.CounterVec
	lockAcquired     *prometheus.CounterVec
	lockContention   *prometheus.CounterVec
	retries          *prometheus.CounterVec
}

// NewMetrics creates and registers the engine collectors with the given
// registry. Passing nil registers with the default Prometheus registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		started: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procflow",
			Name:      "workflow_started_total",
			Help:      "Workflow instances started.",
		}, []string{"tenant_id", "workflow_id"}),

		completed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procflow",
			Name:      "workflow_completed_total",
			Help:      "Workflow instances completed successfully.",
		}, []string{"tenant_id", "workflow_id"}),

		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procflow",
			Name:      "workflow_failed_total",
			Help:      "Workflow instances that reached FAILED.",
		}, []string{"tenant_id", "workflow_id"}),

		active: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "procflow",
			Name:      "workflow_active_count",
			Help:      "Workflow instances currently running on this replica.",
		}, []string{"tenant_id"}),

		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "procflow",
			Name:      "workflow_node_execution_duration_seconds",
			Help:      "Node handler execution duration.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}, []string{"tenant_id", "workflow_id", "node_type"}),

		gatewayEvaluated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procflow",
			Name:      "workflow_gateway_evaluated_total",
			Help:      "Gateway branch evaluations.",
		}, []string{"tenant_id", "workflow_id", "gateway_type"}),

		lockAcquired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procflow",
			Name:      "workflow_lock_acquired_total",
			Help:      "Successful instance lease acquisitions.",
		}, []string{"tenant_id"}),

		lockContention: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procflow",
			Name:      "workflow_lock_contention_total",
			Help:      "Lease acquisitions refused because another replica holds the lease.",
		}, []string{"tenant_id"}),

		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procflow",
			Name:      "workflow_retry_total",
			Help:      "Node handler retry attempts.",
		}, []string{"tenant_id", "workflow_id", "node_id"}),
	}
}

// WorkflowStarted records a started instance and bumps the active gauge.
func (m *Metrics) WorkflowStarted(tenantID, workflowID string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(tenantID, workflowID).Inc()
	m.active.WithLabelValues(tenantID).Inc()
}

// WorkflowCompleted records a completed instance and drops the active gauge.
func (m *Metrics) WorkflowCompleted(tenantID, workflowID string) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(tenantID, workflowID).Inc()
	m.active.WithLabelValues(tenantID).Dec()
}

// WorkflowFailed records a failed instance and drops the active gauge.
func (m *Metrics) WorkflowFailed(tenantID, workflowID string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(tenantID, workflowID).Inc()
	m.active.WithLabelValues(tenantID).Dec()
}

// NodeExecuted records a node handler duration.
func (m *Metrics) NodeExecuted(tenantID, workflowID, nodeType string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeDuration.WithLabelValues(tenantID, workflowID, nodeType).Observe(d.Seconds())
}

// GatewayEvaluated records a gateway routing decision.
func (m *Metrics) GatewayEvaluated(tenantID, workflowID, gatewayType string) {
	if m == nil {
		return
	}
	m.gatewayEvaluated.WithLabelValues(tenantID, workflowID, gatewayType).Inc()
}

// LockAcquired records a successful lease acquisition.
func (m *Metrics) LockAcquired(tenantID string) {
	if m == nil {
		return
	}
	m.lockAcquired.WithLabelValues(tenantID).Inc()
}

// LockContention records a refused lease acquisition.
func (m *Metrics) LockContention(tenantID string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(tenantID).Inc()
}

// NodeRetried records a retry attempt for a node.
func (m *Metrics) NodeRetried(tenantID, workflowID, nodeID string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(tenantID, workflowID, nodeID).Inc()
}
