// Package metrics holds the Prometheus instrumentation for the pipeline.
//
// Primary series updated during operation:
//   - l2_ticks_total{symbol}              ticks published by the blotter
//   - l2_bus_events_total{topic}          every event crossing the bus
//   - l2_orders_total{status}             broker decisions (accepted|blocked)
//   - l2_guardrail_blocks_total{rule}     blocks split by guardrail rule
//   - l2_fills_total{kind}                fills split by venue kind (paper|shadow)
//   - l2_shadow_orders_open               resting shadow orders (gauge)
//   - l2_active_symbols                   size of the tradeable set (gauge)
//   - l2_bridge_post_failures_total{path} dashboard POSTs that failed
//   - l2_inference_requests_total{outcome} model calls (ok|fallback)
//
// All series are registered in init() and served by the ops server
// at /metrics in the Prometheus text exposition format.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l2_ticks_total",
			Help: "Ticks published, per symbol",
		},
		[]string{"symbol"},
	)

	busEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l2_bus_events_total",
			Help: "Events published on the bus, per topic",
		},
		[]string{"topic"},
	)

	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l2_orders_total",
			Help: "Order submissions by outcome (accepted|blocked)",
		},
		[]string{"status"},
	)

	guardrailBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l2_guardrail_blocks_total",
			Help: "Orders blocked, per guardrail rule",
		},
		[]string{"rule"},
	)

	fillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l2_fills_total",
			Help: "Fills by kind (paper|shadow)",
		},
		[]string{"kind"},
	)

	shadowOrdersOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "l2_shadow_orders_open",
			Help: "Limit orders currently resting in the shadow simulator",
		},
	)

	activeSymbols = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "l2_active_symbols",
			Help: "Symbols in the active tradeable set",
		},
	)

	bridgePostFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l2_bridge_post_failures_total",
			Help: "Dashboard bridge POSTs that failed, per path",
		},
		[]string{"path"},
	)

	inferenceRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l2_inference_requests_total",
			Help: "Model inference calls by outcome (ok|fallback)",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(ticksTotal, busEventsTotal)
	prometheus.MustRegister(ordersTotal, guardrailBlocks, fillsTotal)
	prometheus.MustRegister(shadowOrdersOpen, activeSymbols)
	prometheus.MustRegister(bridgePostFailures, inferenceRequests)
}

func IncTick(symbol string) { ticksTotal.WithLabelValues(symbol).Inc() }

func IncBusEvent(topic string) { busEventsTotal.WithLabelValues(topic).Inc() }

func IncOrder(status string) { ordersTotal.WithLabelValues(status).Inc() }

func IncGuardrailBlock(rule string) { guardrailBlocks.WithLabelValues(rule).Inc() }

func IncFill(kind string) { fillsTotal.WithLabelValues(kind).Inc() }

func SetShadowOrdersOpen(n int) { shadowOrdersOpen.Set(float64(n)) }

func SetActiveSymbols(n int) { activeSymbols.Set(float64(n)) }

func IncBridgePostFailure(path string) { bridgePostFailures.WithLabelValues(path).Inc() }

func IncInferenceRequest(outcome string) { inferenceRequests.WithLabelValues(outcome).Inc() }
