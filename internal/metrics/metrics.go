package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Persona turn metrics
var (
	// Turns by trigger and outcome code
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "persona",
			Subsystem: "chat",
			Name:      "turns_total",
			Help:      "Total number of turns by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	// Generation phase duration
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "persona",
			Subsystem: "chat",
			Name:      "generation_duration_seconds",
			Help:      "Completion plus repair duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"trigger"},
	)

	// Repair queries by violation kind
	RepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "persona",
			Subsystem: "chat",
			Name:      "repairs_total",
			Help:      "Corrective completion queries by violation kind",
		},
		[]string{"kind"},
	)

	// Violations accepted after the repair budget ran out
	ViolationsAcceptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "persona",
			Subsystem: "chat",
			Name:      "violations_accepted_total",
			Help:      "Constraint violations left in delivered output",
		},
		[]string{"kind"},
	)

	// Delivered units by kind
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "persona",
			Subsystem: "chat",
			Name:      "deliveries_total",
			Help:      "Delivery units committed to the message store",
		},
		[]string{"kind", "status"},
	)

	// Pending action resolutions
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "persona",
			Subsystem: "chat",
			Name:      "resolutions_total",
			Help:      "Pending action resolutions by kind, decision and source",
		},
		[]string{"kind", "decision", "source"},
	)

	// Side effects skipped by the idempotency guard
	DuplicateEffectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "persona",
			Subsystem: "chat",
			Name:      "duplicate_effects_total",
			Help:      "Irreversible side effects skipped as duplicates",
		},
	)

	// Scheduler queue depth
	QueuedTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "persona",
			Subsystem: "scheduler",
			Name:      "queued_tasks",
			Help:      "Tasks waiting in the delivery scheduler",
		},
		[]string{"class"},
	)
)
