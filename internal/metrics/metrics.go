// Package metrics exposes the recovery subsystem's Prometheus series:
//
//	keeper_recoveries_total{strategy,status}       recoveries by final status
//	keeper_recovery_duration_seconds{strategy}     wall time of one recovery
//	keeper_discrepancies_total{kind}               discrepancies detected
//	keeper_protective_orders_synthesized_total     stops placed during recovery
//	keeper_monitor_checks_total{result}            periodic health checks
//	keeper_monitor_tasks                           running monitor tasks
//	keeper_exchange_breaker_state{name}            0 closed, 1 open, 2 half-open
//
// Series are registered on a package registry served at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	mtxRecoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_recoveries_total",
			Help: "Session recoveries by final status",
		},
		[]string{"strategy", "status"},
	)

	mtxRecoveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keeper_recovery_duration_seconds",
			Help:    "Wall time of one session recovery",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"strategy"},
	)

	mtxDiscrepancies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_discrepancies_total",
			Help: "Discrepancies detected between cache, ledger and exchange",
		},
		[]string{"kind"},
	)

	mtxProtectiveOrders = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_protective_orders_synthesized_total",
			Help: "Protective stop orders placed during recovery",
		},
	)

	mtxMonitorChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_monitor_checks_total",
			Help: "Periodic position health checks by result",
		},
		[]string{"result"},
	)

	mtxMonitorTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_monitor_tasks",
			Help: "Running position monitor tasks",
		},
	)

	mtxBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keeper_exchange_breaker_state",
			Help: "Exchange circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		mtxRecoveries,
		mtxRecoveryDuration,
		mtxDiscrepancies,
		mtxProtectiveOrders,
		mtxMonitorChecks,
		mtxMonitorTasks,
		mtxBreakerState,
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func ObserveRecovery(strategy, status string, took time.Duration) {
	mtxRecoveries.WithLabelValues(strategy, status).Inc()
	mtxRecoveryDuration.WithLabelValues(strategy).Observe(took.Seconds())
}

func IncDiscrepancy(kind string) {
	mtxDiscrepancies.WithLabelValues(kind).Inc()
}

func IncProtectiveOrder() {
	mtxProtectiveOrders.Inc()
}

func IncMonitorCheck(result string) {
	mtxMonitorChecks.WithLabelValues(result).Inc()
}

func SetMonitorTasks(n int) {
	mtxMonitorTasks.Set(float64(n))
}

func SetBreakerState(name string, state int) {
	mtxBreakerState.WithLabelValues(name).Set(float64(state))
}
