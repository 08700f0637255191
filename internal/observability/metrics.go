// Package observability holds the prometheus metric definitions for the
// daemon. Metrics are package vars registered via promauto and shared by
// all components.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveTasks tracks tasks currently holding a concurrency slot.
	ActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apex_active_tasks",
		Help: "Number of tasks currently running",
	})

	// QueueDepth tracks the admission queue depth.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apex_admission_queue_depth",
		Help: "Current number of tasks waiting in the admission queue",
	})

	// AdmissionDecisions counts admission outcomes by decision and reason.
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apex_admission_decisions_total",
		Help: "Total admission decisions made",
	}, []string{"decision", "reason"})

	// TaskTransitions counts state-machine transitions.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apex_task_transitions_total",
		Help: "Total task state transitions",
	}, []string{"to"})

	// TaskPauses counts pauses by reason.
	TaskPauses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apex_task_pauses_total",
		Help: "Total task pauses",
	}, []string{"reason"})

	// ResumeAttempts counts resume attempts and their outcome.
	ResumeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apex_resume_attempts_total",
		Help: "Total task resume attempts",
	}, []string{"outcome"}) // resumed, rejected, exhausted, error

	// DailyCost gauges the tracker's running daily spend.
	DailyCost = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apex_daily_cost_dollars",
		Help: "Accumulated estimated cost for the current local day",
	})

	// DailyTokens gauges the tracker's running daily token count.
	DailyTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apex_daily_tokens",
		Help: "Accumulated token count for the current local day",
	})

	// CapacityEvents counts capacity-restored events by reason.
	CapacityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apex_capacity_restored_events_total",
		Help: "Total capacity-restored events emitted",
	}, []string{"reason"})

	// CurrentMode exposes the active time window (1 = active).
	CurrentMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "apex_time_window_mode",
		Help: "Current time-window mode (1 = active)",
	}, []string{"mode"})

	// StageDuration tracks agent-driver stage execution time.
	StageDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "apex_stage_duration_seconds",
		Help:    "Agent driver stage execution time distribution",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
	})

	// DriverCircuitState exposes the driver circuit breaker state.
	DriverCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "apex_driver_circuit_state",
		Help: "Driver circuit breaker state (1 = current)",
	}, []string{"state"})

	// EventPublishFailures counts subscriber callbacks that errored.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apex_event_publish_failures_total",
		Help: "Event bus subscriber failures (caught, non-fatal)",
	}, []string{"event"})

	// WatchdogMemoryMB gauges the watchdog's last heap sample.
	WatchdogMemoryMB = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apex_watchdog_memory_mb",
		Help: "Last memory sample observed by the watchdog in MiB",
	})

	// StoreErrors counts store operation failures by operation.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apex_store_errors_total",
		Help: "Store operation failures",
	}, []string{"op"})
)
