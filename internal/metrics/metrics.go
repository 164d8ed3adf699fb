package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "elastrain"
)

var (
	// RoundsCompleted counts closed rendezvous rounds.
	RoundsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_completed_total",
			Help:      "Total number of rendezvous rounds closed",
		},
	)

	// RoundsFailed counts rounds that reached the terminal failed state.
	RoundsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_failed_total",
			Help:      "Total number of rendezvous rounds that failed",
		},
	)

	// CurrentRound tracks the round currently accepting registrations.
	CurrentRound = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_round",
			Help:      "ID of the rendezvous round currently open",
		},
	)

	// DecisionSize tracks the membership size of the latest decision.
	DecisionSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "decision_size",
			Help:      "Number of workers in the latest global decision",
		},
	)

	// JoinDuration measures how long workers wait in join.
	JoinDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "join_duration_seconds",
			Help:      "Time spent in rendezvous join",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// LossesDetected counts membership losses by outcome.
	LossesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "losses_total",
			Help:      "Worker losses detected, by recovery outcome",
		},
		[]string{"outcome"}, // promoted/rendezvous/unrecoverable/superseded
	)

	// Promotions counts standby-to-primary promotions.
	Promotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Total number of redundancy standby promotions",
		},
	)

	// RecoveryAttempts counts recovery plans executed.
	RecoveryAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_attempts_total",
			Help:      "Total number of recovery attempts started",
		},
	)

	// StoreRequests counts coordination store requests by operation.
	StoreRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_requests_total",
			Help:      "Coordination store requests processed",
		},
		[]string{"op", "status"},
	)
)

// RecordStoreRequest records one store request outcome.
func RecordStoreRequest(op, status string) {
	StoreRequests.WithLabelValues(op, status).Inc()
}

// RecordLoss records a detected worker loss and its outcome.
func RecordLoss(outcome string) {
	LossesDetected.WithLabelValues(outcome).Inc()
}
