package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects forge's Prometheus metrics.
//
// The set covers:
//   - model requests, latency and token usage
//   - tool executions by name and outcome
//   - permission decisions per policy domain
//   - MCP connection attempts, tool calls and catalog sizes
//
// All methods are safe on a nil receiver so components can treat metrics as
// optional.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.RecordToolExecution("read_file", "success", time.Since(start))
type Metrics struct {
	// LLMRequestDuration measures model API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// PermissionDecisions counts policy outcomes.
	// Labels: domain (shell|file), decision (allowed|denied|escalated_allow|escalated_deny)
	PermissionDecisions *prometheus.CounterVec

	// MCPConnections counts connection attempts.
	// Labels: server, status (success|error)
	MCPConnections *prometheus.CounterVec

	// MCPToolCalls counts remote tool invocations.
	// Labels: server, status (success|tool_error|error)
	MCPToolCalls *prometheus.CounterVec

	// MCPTools is the size of each server's cached catalog.
	// Labels: server
	MCPTools *prometheus.GaugeVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (agent|mcp|tool|config|storage), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// registers with the Prometheus default registry, which only tolerates one
// call per process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forge_llm_request_duration_seconds",
				Help:    "Duration of model API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_llm_requests_total",
				Help: "Total number of model requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forge_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		PermissionDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_permission_decisions_total",
				Help: "Permission decisions by policy domain and outcome",
			},
			[]string{"domain", "decision"},
		),

		MCPConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_mcp_connections_total",
				Help: "MCP server connection attempts by server and status",
			},
			[]string{"server", "status"},
		),

		MCPToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_mcp_tool_calls_total",
				Help: "MCP tool calls by server and status",
			},
			[]string{"server", "status"},
		),

		MCPTools: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "forge_mcp_tools",
				Help: "Number of tools advertised by each connected MCP server",
			},
			[]string{"server"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordLLMRequest records one model request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, duration time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

// RecordPermission records a permission outcome.
func (m *Metrics) RecordPermission(domain, decision string) {
	if m == nil {
		return
	}
	m.PermissionDecisions.WithLabelValues(domain, decision).Inc()
}

// RecordMCPConnect records a connection attempt.
func (m *Metrics) RecordMCPConnect(server string, err error) {
	if m == nil {
		return
	}
	m.MCPConnections.WithLabelValues(server, statusOf(err)).Inc()
}

// RecordMCPCall records a remote tool call.
func (m *Metrics) RecordMCPCall(server, status string) {
	if m == nil {
		return
	}
	m.MCPToolCalls.WithLabelValues(server, status).Inc()
}

// SetMCPTools sets the catalog size for a server.
func (m *Metrics) SetMCPTools(server string, count int) {
	if m == nil {
		return
	}
	m.MCPTools.WithLabelValues(server).Set(float64(count))
}

// ForgetMCPServer drops the catalog gauge of a disconnected server.
func (m *Metrics) ForgetMCPServer(server string) {
	if m == nil {
		return
	}
	m.MCPTools.DeleteLabelValues(server)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
