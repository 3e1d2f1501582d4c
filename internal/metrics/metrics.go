// Package metrics exposes the watchdog's Prometheus instruments:
//   - watchdog_positions_tracked            – currently tracked positions (gauge)
//   - watchdog_stop_updates_total{symbol}   – accepted monotonic stop raises
//   - watchdog_exits_total{reason}          – exit orders fired by reason
//   - watchdog_order_retries_total          – transient order retries
//   - watchdog_order_failures_total         – exits that exhausted retries
//   - watchdog_reconcile_runs_total         – reconciliation sweeps
//   - watchdog_ghosts_removed_total         – positions pruned as ghosts
//
// Registered in init() and served at /metrics by the status server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PositionsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchdog_positions_tracked",
			Help: "Number of positions currently tracked",
		},
	)

	StopUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_stop_updates_total",
			Help: "Stop-loss raises applied under the monotonic rule",
		},
		[]string{"symbol"},
	)

	ExitsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_exits_total",
			Help: "Exit orders fired, split by trigger reason",
		},
		[]string{"reason"},
	)

	OrderRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watchdog_order_retries_total",
			Help: "Transient order placement retries",
		},
	)

	OrderFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watchdog_order_failures_total",
			Help: "Exit orders that exhausted all retries",
		},
	)

	ReconcileRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watchdog_reconcile_runs_total",
			Help: "Reconciliation sweeps against the broker",
		},
	)

	GhostsRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watchdog_ghosts_removed_total",
			Help: "Tracked positions removed because the broker no longer shows them",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PositionsTracked,
		StopUpdates,
		ExitsFired,
		OrderRetries,
		OrderFailures,
		ReconcileRuns,
		GhostsRemoved,
	)
}
