// Package metrics exposes Prometheus metrics for the dispatcher and its
// sessions.
//
// Exposed series:
//
//	backtest_sessions_active                 – Gauge of currently running sessions
//	backtest_sessions_launched_total          – Count of LAUNCH_BACKTEST requests served
//	backtest_ticks_total{backtest_id}         – Count of TICK commands served
//	backtest_fills_total{contract,side}       – Count of fills executed
//	backtest_orders_rejected_total{reason}    – Count of POST_ORDER validation rejections
//	backtest_ledger_invariant_violations_total – Count of ledger.Ledger.CheckInvariants breaks
//
// Registered in init() and served by the HTTP handler started in
// cmd/backtestd/main.go at /metrics (Prometheus text exposition format).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "backtest_sessions_active",
			Help: "Number of backtest sessions currently running",
		},
	)

	SessionsLaunched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backtest_sessions_launched_total",
			Help: "Total LAUNCH_BACKTEST requests served",
		},
	)

	Ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_ticks_total",
			Help: "Total TICK commands served, by session",
		},
		[]string{"backtest_id"},
	)

	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_fills_total",
			Help: "Total fills executed, by contract type and side",
		},
		[]string{"contract", "side"},
	)

	OrdersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_orders_rejected_total",
			Help: "Total POST_ORDER validation rejections, by reason",
		},
		[]string{"reason"},
	)

	LedgerInvariantViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backtest_ledger_invariant_violations_total",
			Help: "Count of available+freezed != total (or equivalent position) breaks observed",
		},
	)
)

func init() {
	prometheus.MustRegister(SessionsActive, SessionsLaunched)
	prometheus.MustRegister(Ticks, Fills, OrdersRejected)
	prometheus.MustRegister(LedgerInvariantViolations)
}

// IncTick records one TICK served for backtestID.
func IncTick(backtestID string) { Ticks.WithLabelValues(backtestID).Inc() }

// IncFill records one fill executed for the given contract type and side.
func IncFill(contract, side string) { Fills.WithLabelValues(contract, side).Inc() }

// IncOrderRejected records one POST_ORDER rejected for the given reason.
func IncOrderRejected(reason string) { OrdersRejected.WithLabelValues(reason).Inc() }

// AddLedgerInvariantViolations records n ledger invariant breaks observed
// (see ledger.Ledger.CheckInvariants).
func AddLedgerInvariantViolations(n int) {
	if n > 0 {
		LedgerInvariantViolations.Add(float64(n))
	}
}
