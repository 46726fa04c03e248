package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inventory",
			Name:      "transitions_total",
			Help:      "Inventory status transitions and field changes written.",
		},
		[]string{"from", "to", "reason"},
	)
	sweepTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inventory",
			Name:      "sweep_records_total",
			Help:      "Records visited by the lifecycle sweep, by outcome.",
		},
		[]string{"status", "outcome"}, // outcome: moved, skipped, error
	)
	sweepDurationHist = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "inventory",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one lifecycle sweep.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	diffDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reconcile",
			Name:      "diff_duration_seconds",
			Help:      "Duration of a reconciliation diff including the authoritative fetch.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"source"},
	)
	applyEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "apply_entries_total",
			Help:      "Diff entries processed by apply, by outcome.",
		},
		[]string{"outcome"},
	)
	assignmentOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inventory",
			Name:      "assignment_operations_total",
			Help:      "Operator assignment operations, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)
)
