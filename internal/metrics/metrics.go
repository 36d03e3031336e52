// Package metrics holds the Prometheus collectors the keeper updates while
// running:
//
//   - keeper_rate_bucket_count{rule,bucket}      – current count per rate bucket
//   - keeper_rate_exceeded_total{rule}           – observations past a rule limit
//   - keeper_rpc_calls_total{kind,result}        – bridge calls by outcome
//   - keeper_rpc_latency_seconds{kind}           – bridge round-trip latency
//   - keeper_loop_iterations_total               – reconciliation ticks
//   - keeper_loop_errors_total{phase}            – unit and iteration failures
//   - keeper_orders_dispatched_total{phase,side} – orders sent by phase
//   - keeper_cancels_dispatched_total{phase}     – cancel-all actions by phase
//   - keeper_qualified_entries                   – whitelist entries passing admission
//   - keeper_running                             – 1 while the loop is started
//
// Collectors are registered in init() and served by Handler() at the
// configured metrics path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RateBucketCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keeper_rate_bucket_count",
			Help: "Observed calls in the current window per rate bucket",
		},
		[]string{"rule", "bucket"},
	)

	RateExceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_rate_exceeded_total",
			Help: "Observations that went past the rule limit",
		},
		[]string{"rule"},
	)

	RPCCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_rpc_calls_total",
			Help: "Bridge calls by kind and result (ok|timeout|cancelled|remote|malformed|error)",
		},
		[]string{"kind", "result"},
	)

	RPCLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keeper_rpc_latency_seconds",
			Help:    "Bridge call round-trip latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"kind"},
	)

	LoopIterations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_loop_iterations_total",
			Help: "Reconciliation loop iterations",
		},
	)

	LoopErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_loop_errors_total",
			Help: "Errors caught in the reconciliation loop by phase",
		},
		[]string{"phase"},
	)

	OrdersDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_orders_dispatched_total",
			Help: "Orders dispatched by phase and side",
		},
		[]string{"phase", "side"},
	)

	CancelsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_cancels_dispatched_total",
			Help: "Cancel-all actions dispatched by phase",
		},
		[]string{"phase"},
	)

	QualifiedEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_qualified_entries",
			Help: "Whitelist entries that passed admission on the last heartbeat",
		},
	)

	Running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_running",
			Help: "1 while the reconciliation loop is started, 0 while parked",
		},
	)
)

func init() {
	prometheus.MustRegister(RateBucketCount, RateExceeded)
	prometheus.MustRegister(RPCCalls, RPCLatency)
	prometheus.MustRegister(LoopIterations, LoopErrors, OrdersDispatched, CancelsDispatched)
	prometheus.MustRegister(QualifiedEntries, Running)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
