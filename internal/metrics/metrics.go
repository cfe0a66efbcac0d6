// Package metrics exposes the bot's Prometheus series.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradebot_trades_total",
			Help: "Trade attempts by side, venue, source and outcome",
		},
		[]string{"side", "venue", "source", "result"},
	)

	tradeConfirmSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradebot_trade_confirm_seconds",
			Help:    "Time from submission to a terminal receipt",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 180},
		},
		[]string{"side", "venue"},
	)

	schedulerTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradebot_scheduler_ticks_total",
			Help: "Completed automation ticks",
		},
	)

	schedulerSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradebot_scheduler_ticks_skipped_total",
			Help: "Ticks skipped because the previous tick was still running",
		},
	)

	schedulerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradebot_scheduler_failures_total",
			Help: "Automation failures by duty",
		},
		[]string{"duty"},
	)

	triggersFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradebot_autosell_triggers_fired_total",
			Help: "Auto-sell triggers that matched, by type",
		},
		[]string{"type"},
	)

	positionsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradebot_positions_pruned_total",
			Help: "Zero-balance positions removed from records",
		},
	)

	marketAPICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradebot_market_api_calls_total",
			Help: "Market data API calls by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)
)

func RecordTrade(side, venue, source, result string) {
	tradesTotal.WithLabelValues(side, venue, source, result).Inc()
}

func ObserveConfirmation(side, venue string, d time.Duration) {
	tradeConfirmSeconds.WithLabelValues(side, venue).Observe(d.Seconds())
}

func RecordTick() {
	schedulerTicks.Inc()
}

func RecordTickSkipped() {
	schedulerSkipped.Inc()
}

func RecordSchedulerFailure(duty string) {
	schedulerFailures.WithLabelValues(duty).Inc()
}

func RecordTriggerFired(typ string) {
	triggersFired.WithLabelValues(typ).Inc()
}

func AddPrunedPositions(n int) {
	if n > 0 {
		positionsPruned.Add(float64(n))
	}
}

func RecordMarketCall(endpoint, status string) {
	marketAPICalls.WithLabelValues(endpoint, status).Inc()
}
