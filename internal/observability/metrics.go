package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects counters and histograms for the engine.
//
// Tracked series:
//   - turns by outcome (complete, aborted, error)
//   - token consumption split by direction (prompt, completion)
//   - tool executions by tool and status
//   - provider requests, retries, and latency
//   - active agents per session
type Metrics struct {
	// TurnCounter counts finished turns.
	// Labels: outcome (complete|aborted|error)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures wall time per turn in seconds.
	TurnDuration prometheus.Histogram

	// TokenCounter tracks tokens reported by providers.
	// Labels: provider, direction (prompt|completion)
	TokenCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error|denied)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// ProviderRequestDuration measures model API latency in seconds.
	// Labels: provider, model
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRetryCounter counts retry attempts.
	// Labels: provider
	ProviderRetryCounter *prometheus.CounterVec

	// ActiveAgents tracks agents not yet stopped.
	ActiveAgents prometheus.Gauge
}

// NewMetrics creates and registers the metric set on its own registry,
// returned alongside so hosts can mount an exposition endpoint.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		TurnCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lace_turns_total",
			Help: "Finished turns by outcome.",
		}, []string{"outcome"}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lace_turn_duration_seconds",
			Help:    "Wall time per turn.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		TokenCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lace_tokens_total",
			Help: "Tokens reported by providers.",
		}, []string{"provider", "direction"}),
		ToolExecutionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lace_tool_executions_total",
			Help: "Tool invocations by status.",
		}, []string{"tool", "status"}),
		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lace_tool_execution_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		ProviderRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lace_provider_request_duration_seconds",
			Help:    "Model API call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		ProviderRetryCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lace_provider_retries_total",
			Help: "Provider retry attempts.",
		}, []string{"provider"}),
		ActiveAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lace_active_agents",
			Help: "Agents not yet stopped.",
		}),
	}

	registry.MustRegister(
		m.TurnCounter, m.TurnDuration, m.TokenCounter,
		m.ToolExecutionCounter, m.ToolExecutionDuration,
		m.ProviderRequestDuration, m.ProviderRetryCounter,
		m.ActiveAgents,
	)
	return m, registry
}
