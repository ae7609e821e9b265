// Package metrics provides Prometheus metrics export for the agent loop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter exports agent metrics in Prometheus format. A nil *Exporter is
// valid and records nothing, so callers never have to branch.
type Exporter struct {
	registry *prometheus.Registry

	turnLatency *prometheus.HistogramVec
	turns       *prometheus.CounterVec
	activeTurns prometheus.Gauge

	toolCalls  *prometheus.CounterVec
	toolErrors *prometheus.CounterVec

	llmTokens *prometheus.CounterVec
}

// NewExporter creates a new Prometheus metrics exporter with its own
// registry.
func NewExporter() *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		registry: registry,
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deepsearch_turn_duration_seconds",
			Help:    "Duration of agent turns.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepsearch_turns_total",
			Help: "Total agent turns by terminal status.",
		}, []string{"status"}),
		activeTurns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deepsearch_active_turns",
			Help: "Turns currently in flight.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepsearch_tool_calls_total",
			Help: "Total tool invocations by tool name.",
		}, []string{"tool"}),
		toolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepsearch_tool_errors_total",
			Help: "Total failed tool invocations by tool name.",
		}, []string{"tool"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepsearch_llm_tokens_total",
			Help: "Total LLM tokens consumed by kind (prompt, completion).",
		}, []string{"kind"}),
	}

	registry.MustRegister(e.turnLatency, e.turns, e.activeTurns, e.toolCalls, e.toolErrors, e.llmTokens)
	return e
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (e *Exporter) Handler() http.Handler {
	if e == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// TurnStarted records a turn entering the loop.
func (e *Exporter) TurnStarted() {
	if e == nil {
		return
	}
	e.activeTurns.Inc()
}

// TurnFinished records a turn leaving the loop with a terminal status
// ("completed", "error", "cancelled").
func (e *Exporter) TurnFinished(status string, duration time.Duration) {
	if e == nil {
		return
	}
	e.activeTurns.Dec()
	e.turns.WithLabelValues(status).Inc()
	e.turnLatency.WithLabelValues(status).Observe(duration.Seconds())
}

// ToolCall records one tool invocation.
func (e *Exporter) ToolCall(tool string) {
	if e == nil {
		return
	}
	e.toolCalls.WithLabelValues(tool).Inc()
}

// ToolError records one failed tool invocation.
func (e *Exporter) ToolError(tool string) {
	if e == nil {
		return
	}
	e.toolErrors.WithLabelValues(tool).Inc()
}

// AddTokens records LLM token usage.
func (e *Exporter) AddTokens(prompt, completion int) {
	if e == nil {
		return
	}
	if prompt > 0 {
		e.llmTokens.WithLabelValues("prompt").Add(float64(prompt))
	}
	if completion > 0 {
		e.llmTokens.WithLabelValues("completion").Add(float64(completion))
	}
}
