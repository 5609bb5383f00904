// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arbengine"

var (
	QuotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "quotes_total", Help: "Quotes received, by venue and whether the cache accepted them"},
		[]string{"venue", "result"},
	)
	OpportunitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "opportunities_total", Help: "Opportunities by symbol and final status"},
		[]string{"symbol", "status"},
	)
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "executions_total", Help: "Settled executions by symbol and outcome"},
		[]string{"symbol", "outcome"},
	)
	UnwindAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "unwind_attempts_total", Help: "Unwind orders attempted, by venue and result"},
		[]string{"venue", "result"},
	)
	RealizedProfit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "realized_profit_usd", Help: "Cumulative realized profit by strategy"},
		[]string{"strategy"},
	)
	ExecutionSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "execution_seconds", Help: "Time from dispatch to settlement", Buckets: prometheus.ExponentialBuckets(0.05, 2, 10)},
		[]string{"outcome"},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "breaker_state", Help: "Circuit breaker state per venue (0 closed, 1 open, 2 half-open)"},
		[]string{"venue"},
	)
	VenueRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "venue_requests_total", Help: "Venue calls by operation and result"},
		[]string{"venue", "op", "result"},
	)
	GridCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "grid_cycles_total", Help: "Completed grid buy/sell cycles"},
		[]string{"symbol"},
	)
	RiskEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "risk_events_total", Help: "Risk events by kind"},
		[]string{"kind"},
	)
	SinkDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sink_deliveries_total", Help: "External sink deliveries by target and result"},
		[]string{"target", "result"},
	)
	SinkDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sink_dropped_total", Help: "Events dropped because the sink queue was full"},
		[]string{"kind"},
	)
	APIRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "api_rate_limited_total", Help: "API requests rejected by the rate limiter"},
	)
)

func init() {
	prometheus.MustRegister(
		QuotesTotal,
		OpportunitiesTotal,
		ExecutionsTotal,
		UnwindAttemptsTotal,
		RealizedProfit,
		ExecutionSeconds,
		BreakerState,
		VenueRequestsTotal,
		GridCyclesTotal,
		RiskEventsTotal,
		SinkDeliveriesTotal,
		SinkDroppedTotal,
		APIRejectedTotal,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
