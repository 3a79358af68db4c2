// Package observability sets up the orchestrator's logging, metrics, and
// tracing (spec.md §6.6), merging what the teacher split across two
// overlapping packages (internal/observability and
// internal/adapter/observability) into one.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the orchestrator, following the teacher's
// internal/adapter/observability/metrics.go style: package-level vars
// registered by promauto at package init, with small helper functions wrapping the
// Observe/Inc calls so callers don't repeat label lists.
var (
	StateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_state_duration_seconds",
		Help:    "Time a work item spent in a given state before its next transition.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 16),
	}, []string{"state"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_stage_duration_seconds",
		Help:    "Time a stage handler took to produce an outcome.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 16),
	}, []string{"stage"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_transitions_total",
		Help: "Count of state transitions by from/to state.",
	}, []string{"from", "to"})

	StageOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_stage_outcomes_total",
		Help: "Count of stage outcomes by stage and kind.",
	}, []string{"stage", "kind"})

	QuotaDenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_quota_denials_total",
		Help: "Count of quota check denials by service and window.",
	}, []string{"service", "window"})

	QuotaUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_quota_utilization_ratio",
		Help: "used/limit ratio per service and window, as last set via SetQuotaUtilization.",
	}, []string{"service", "window"})

	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_dead_letters_total",
		Help: "Count of items that reached DEAD_LETTERED, by failure class.",
	}, []string{"class"})

	WorkerLoopIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_worker_loop_iterations_total",
		Help: "Count of worker loop iterations by outcome (worked, idle, error).",
	}, []string{"outcome"})

	EventDeliveryFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_event_delivery_failures_total",
		Help: "Count of failed event deliveries by subscriber.",
	}, []string{"subscriber"})

	LocksReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_locks_reclaimed_total",
		Help: "Count of lease reclamations from a dead worker.",
	})

	SweeperResumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_sweeper_resumed_total",
		Help: "Count of items the resume sweeper moved back to READY, by reason.",
	}, []string{"reason"})
)

// ObserveTransition records a transition's from/to pair.
func ObserveTransition(from, to string) {
	TransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveStageOutcome records a stage outcome kind.
func ObserveStageOutcome(stage, kind string) {
	StageOutcomesTotal.WithLabelValues(stage, kind).Inc()
}

// ObserveQuotaDenial records a quota check denial.
func ObserveQuotaDenial(service, window string) {
	QuotaDenialsTotal.WithLabelValues(service, window).Inc()
}

// SetQuotaUtilization records the current used/limit ratio.
func SetQuotaUtilization(service, window string, ratio float64) {
	QuotaUtilization.WithLabelValues(service, window).Set(ratio)
}

// ObserveDeadLetter records an item reaching DEAD_LETTERED.
func ObserveDeadLetter(class string) {
	DeadLettersTotal.WithLabelValues(class).Inc()
}

// ObserveWorkerLoopIteration records one pass of a worker's claim loop.
func ObserveWorkerLoopIteration(outcome string) {
	WorkerLoopIterations.WithLabelValues(outcome).Inc()
}

// ObserveEventDeliveryFailure records a failed subscriber delivery.
func ObserveEventDeliveryFailure(subscriber string) {
	EventDeliveryFailuresTotal.WithLabelValues(subscriber).Inc()
}

// ObserveLockReclaimed records a lease reclamation.
func ObserveLockReclaimed() {
	LocksReclaimedTotal.Inc()
}

// ObserveSweeperResumed records the sweeper moving an item back to READY.
func ObserveSweeperResumed(reason string) {
	SweeperResumedTotal.WithLabelValues(reason).Inc()
}
