// Package metrics exposes the orchestrator's and sweeper's Prometheus
// instrumentation: step durations, retry counts, and idle-cleanup outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// StepDurationSeconds records how long each step machine transition
	// takes, labeled by step name and outcome (spec.md §4.1.4).
	StepDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskengine_orchestrator_step_duration_seconds",
			Help:    "Duration of one orchestrator step execution",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"step", "outcome"},
	)

	// StepRetriesTotal counts transient-error retries per step (spec.md
	// §4.1.5).
	StepRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskengine_orchestrator_step_retries_total",
			Help: "Total number of transient-error step retries",
		},
		[]string{"step"},
	)

	// TasksFailedTotal counts permanent task failures, labeled by the step
	// they failed in (for sweeper failures, the task status they were stuck
	// in) and whether the sweeper or the orchestrator itself made the call
	// (spec.md §4.1.6/§4.5).
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskengine_orchestrator_tasks_failed_total",
			Help: "Total number of tasks that reached the failed terminal state",
		},
		[]string{"step", "source"},
	)

	// NodeIdleCleanupTotal counts idle-node release outcomes from the NLM
	// reaper (spec.md §4.3.3).
	NodeIdleCleanupTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskengine_nlm_idle_cleanup_total",
			Help: "Total number of idle-node cleanup attempts by outcome",
		},
		[]string{"outcome"},
	)

	// SweeperStuckTasksTotal counts tasks the sweeper found past their
	// stuck-status threshold, labeled by the status it scanned for (spec.md
	// §4.5).
	SweeperStuckTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskengine_sweeper_stuck_tasks_total",
			Help: "Total number of stuck tasks found by the sweeper",
		},
		[]string{"status"},
	)

	// PSSSessionsActive tracks the number of active chat sessions per
	// project at the last PSS write (spec.md §4.2.1's MAX_SESSIONS_PER_PROJECT
	// ceiling).
	PSSSessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskengine_pss_sessions_active",
			Help: "Active chat sessions per project",
		},
		[]string{"project_id"},
	)
)

func init() {
	prometheus.MustRegister(
		StepDurationSeconds,
		StepRetriesTotal,
		TasksFailedTotal,
		NodeIdleCleanupTotal,
		SweeperStuckTasksTotal,
		PSSSessionsActive,
	)
}
