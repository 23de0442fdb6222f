package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{
	0.001, // 1ms
	0.005, // 5ms
	0.01,  // 10ms
	0.025, // 25ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.25,  // 250ms
	0.5,   // 500ms
	1.0,   // 1s
	2.5,   // 2.5s
	5.0,   // 5s
	10.0,  // 10s
}

var (
	// RedeemDuration tracks the latency of free drink redemptions
	RedeemDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brew_redeem_duration_seconds",
			Help:    "Duration of free drink redemptions in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"status"}, // success, duplicate, insufficient, failed
	)

	// LedgerMutations counts ledger writes by transaction type and outcome
	LedgerMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brew_ledger_mutations_total",
			Help: "Loyalty ledger mutations by type and result",
		},
		[]string{"type", "result"},
	)

	// OrdersCreated counts order creation requests by result
	OrdersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brew_orders_created_total",
			Help: "Order creation requests by result",
		},
		[]string{"result"}, // created, replayed, rejected
	)

	// OrderTransitions counts applied status transitions by target status
	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brew_order_transitions_total",
			Help: "Applied order status transitions by target status",
		},
		[]string{"status"},
	)

	// OutboxPending reports entries waiting to be replayed on this terminal
	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brew_outbox_pending_entries",
		Help: "Outbox entries not yet confirmed by the server",
	})

	// OutboxFlushDuration tracks the wall time of a flush cycle
	OutboxFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "brew_outbox_flush_duration_seconds",
		Help:    "Duration of outbox flush cycles in seconds",
		Buckets: latencyBuckets,
	})

	// OutboxAttempts counts replay attempts by result
	OutboxAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brew_outbox_attempts_total",
			Help: "Outbox replay attempts by result",
		},
		[]string{"result"}, // synced, retry, rejected
	)
)

// RecordRedeemDuration records the duration of a redemption
func RecordRedeemDuration(status string, duration float64) {
	RedeemDuration.WithLabelValues(status).Observe(duration)
}

// RecordLedgerMutation counts a ledger write
func RecordLedgerMutation(txType, result string) {
	LedgerMutations.WithLabelValues(txType, result).Inc()
}

// RecordOrderCreated counts an order creation outcome
func RecordOrderCreated(result string) {
	OrdersCreated.WithLabelValues(result).Inc()
}

// RecordOrderTransition counts an applied status change
func RecordOrderTransition(status string) {
	OrderTransitions.WithLabelValues(status).Inc()
}

// RecordOutboxAttempt counts a single replay attempt
func RecordOutboxAttempt(result string) {
	OutboxAttempts.WithLabelValues(result).Inc()
}
