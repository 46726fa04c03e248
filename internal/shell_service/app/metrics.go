package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shell",
			Name:      "sessions_active",
			Help:      "Number of registered shell sessions that are not closed.",
		},
		[]string{"auth_mode"},
	)
	sessionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shell",
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state.",
		},
		[]string{"auth_mode", "state"},
	)
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shell",
			Name:      "commands_total",
			Help:      "Commands run through shell sessions by outcome.",
		},
		[]string{"command", "outcome"}, // outcome: ok, failed, timeout, closed
	)
	commandDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shell",
			Name:      "command_duration_seconds",
			Help:      "Time from submission to marker resolution.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"command"},
	)
	sessionsReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shell",
			Name:      "sessions_reclaimed_total",
			Help:      "Sessions closed or removed by the idle sweep.",
		},
	)
)
