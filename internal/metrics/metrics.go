package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	once     sync.Once

	ticksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticks_processed_total",
			Help: "Total number of market ticks evaluated.",
		},
		[]string{"market"},
	)
	tickEvalLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tick_eval_latency_seconds",
		Help:    "Latency of evaluating one market tick in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	triggersFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triggers_fired_total",
			Help: "Total number of trigger entries fired.",
		},
		[]string{"market", "kind"},
	)
	ordersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_placed_total",
			Help: "Total number of orders accepted.",
		},
		[]string{"market"},
	)
	ordersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_rejected_total",
			Help: "Total number of orders rejected.",
		},
		[]string{"reason"},
	)
	openOrders = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "open_orders",
		Help: "Current number of open orders.",
	})
	settleFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "settlement_failures_total",
		Help: "Total number of failed settlement attempts.",
	})
)

// Init registers metrics with the registry once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			ticksProcessed,
			tickEvalLatency,
			triggersFired,
			ordersPlaced,
			ordersRejected,
			openOrders,
			settleFailures,
		)
	})
}

// Handler exposes the Prometheus metrics endpoint handler.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncTicksProcessed increments the tick counter for a market.
func IncTicksProcessed(market string) {
	Init()
	ticksProcessed.WithLabelValues(market).Inc()
}

// ObserveTickEvalLatency records the duration of one tick evaluation.
func ObserveTickEvalLatency(d time.Duration) {
	Init()
	tickEvalLatency.Observe(d.Seconds())
}

// IncTriggersFired increments the fired-trigger counter.
func IncTriggersFired(market, kind string) {
	Init()
	triggersFired.WithLabelValues(market, kind).Inc()
}

// IncOrdersPlaced increments the accepted-order counter for a market.
func IncOrdersPlaced(market string) {
	Init()
	ordersPlaced.WithLabelValues(market).Inc()
}

// IncOrdersRejected increments the rejected-order counter by reason.
func IncOrdersRejected(reason string) {
	Init()
	ordersRejected.WithLabelValues(reason).Inc()
}

// SetOpenOrders sets the open-order gauge.
func SetOpenOrders(n int) {
	Init()
	openOrders.Set(float64(n))
}

// IncSettleFailures increments the settlement-failure counter.
func IncSettleFailures() {
	Init()
	settleFailures.Inc()
}
