package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "affiliate_engine_build_info",
			Help: "Build information of the affiliate engine",
		},
		[]string{"version", "commit", "date"},
	)

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_engine_settlements_total",
			Help: "Total number of settlements by operation and outcome",
		},
		[]string{"operation", "status"},
	)

	SettlementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "affiliate_engine_settlement_duration_seconds",
			Help:    "Duration of settlements",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"operation"},
	)

	FeeAccruedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affiliate_engine_fee_accrued_total",
			Help: "Total partner fee accrued, in token base units",
		},
	)

	PayoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_engine_payouts_total",
			Help: "Total number of partner payouts",
		},
		[]string{"status"},
	)

	VaultRevertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_engine_vault_reverts_total",
			Help: "Total number of compensating vault reverts",
		},
		[]string{"status"},
	)

	NotificationsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_engine_notifications_dropped_total",
			Help: "Total number of notifications dropped because a sink queue was full",
		},
		[]string{"sink"},
	)

	LedgerRowsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_engine_ledger_rows_written_total",
			Help: "Total number of ledger rows written",
		},
		[]string{"table", "status"},
	)

	LedgerFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "affiliate_engine_ledger_flush_duration_seconds",
			Help:    "Duration of ledger flushes",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
)

// RecordSettlement records the outcome of one settlement attempt.
func RecordSettlement(operation, status string, seconds float64) {
	SettlementsTotal.WithLabelValues(operation, status).Inc()
	SettlementDuration.WithLabelValues(operation).Observe(seconds)
}
