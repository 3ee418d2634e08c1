package mcp

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus instruments for the client. A nil *Metrics is valid and records
// nothing, so components can be used without metrics.
type Metrics struct {
	toolCalls         *prometheus.CounterVec
	toolCallDuration  *prometheus.HistogramVec
	decodeFailures    prometheus.Counter
	reconnectAttempts prometheus.Counter
	pendingResponses  prometheus.Gauge
}

const metricsNamespace = "mcp_probe"

// NewMetrics creates the client instruments and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tool_calls_total",
			Help:      "Number of tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Latency of tool calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"tool"}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_failures_total",
			Help:      "Number of stream events that could not be decoded as JSON-RPC.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnect_attempts_total",
			Help:      "Number of reconnection attempts after a failed connect.",
		}),
		pendingResponses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_responses",
			Help:      "Responses waiting in the holding area to be claimed.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.toolCalls, m.toolCallDuration, m.decodeFailures, m.reconnectAttempts, m.pendingResponses,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) observeToolCall(outcome ToolCallOutcome) {
	if m == nil {
		return
	}
	result := "success"
	if !outcome.Success {
		result = "error"
	}
	m.toolCalls.WithLabelValues(outcome.ToolName, result).Inc()
	m.toolCallDuration.WithLabelValues(outcome.ToolName).Observe(outcome.Duration.Seconds())
}

func (m *Metrics) decodeFailure() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pendingResponses.Set(float64(n))
}
