// Package metrics registers the Prometheus instrumentation surfaced at
// /metrics: queue depth/claim counters, workflow transition counters, and
// reconciler cycle timings. No teacher equivalent exists (the Mattermost
// plugin relies on Mattermost's own telemetry) so this is grounded
// directly on the prometheus/client_golang idioms the rest of the example
// pack's services repos use for a standalone process's own registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the orchestrator exports, registered
// against a private prometheus.Registry rather than the global default
// so tests can construct independent instances.
type Registry struct {
	reg *prometheus.Registry

	QueueDepth           *prometheus.GaugeVec
	QueueClaimsTotal     *prometheus.CounterVec
	QueueDuplicatesTotal prometheus.Counter

	StepTransitionsTotal    *prometheus.CounterVec
	WorkflowsCompletedTotal prometheus.Counter

	ReconcileCycleSeconds prometheus.Histogram
	ReconcileActionsTotal *prometheus.CounterVec

	AgentLaunchesTotal *prometheus.CounterVec
}

// New constructs a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Registry{
		reg: reg,
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nexuscore",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of pending inbox rows, by project.",
		}, []string{"project_key"}),
		QueueClaimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexuscore",
			Subsystem: "queue",
			Name:      "claims_total",
			Help:      "Total inbox rows claimed, by worker.",
		}, []string{"worker_id"}),
		QueueDuplicatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nexuscore",
			Subsystem: "queue",
			Name:      "duplicates_suppressed_total",
			Help:      "Total duplicate (project_key, filename) rows suppressed at claim time.",
		}),
		StepTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexuscore",
			Subsystem: "engine",
			Name:      "step_transitions_total",
			Help:      "Total workflow step transitions, by resulting status.",
		}, []string{"status"}),
		WorkflowsCompletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nexuscore",
			Subsystem: "engine",
			Name:      "workflows_completed_total",
			Help:      "Total workflows that reached a terminal state.",
		}),
		ReconcileCycleSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nexuscore",
			Subsystem: "reconcile",
			Name:      "cycle_seconds",
			Help:      "Wall-clock duration of a single reconciliation cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		ReconcileActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexuscore",
			Subsystem: "reconcile",
			Name:      "actions_total",
			Help:      "Total reconciliation actions taken, by kind (orphan_recovery, drift_alert, closed_cancel, unmapped_recovery).",
		}, []string{"kind"}),
		AgentLaunchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexuscore",
			Subsystem: "launcher",
			Name:      "launches_total",
			Help:      "Total agent process launches, by agent name.",
		}, []string{"agent_name"}),
	}
	return m
}

// Gatherer exposes the underlying registry for the /metrics HTTP handler.
func (m *Registry) Gatherer() prometheus.Gatherer { return m.reg }
