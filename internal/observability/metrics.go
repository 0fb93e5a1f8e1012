package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime counters and latencies.
//
// Everything registers against the default Prometheus registry, so a single
// NewMetrics call at startup is enough and the values show up on the standard
// /metrics handler. All record helpers are safe on a nil receiver so tests
// and embedded uses can skip metrics entirely.
type Metrics struct {
	// MessageCounter tracks queue items by channel and direction.
	// Labels: channel (cli|schedule|task), direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// QueueDepth is the number of items waiting in the agent queue.
	QueueDepth prometheus.Gauge

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider, model, and status.
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// BackgroundTasks is the number of currently running background tasks.
	BackgroundTasks prometheus.Gauge

	// BackgroundTaskCounter counts settled background tasks.
	// Labels: status (completed|failed)
	BackgroundTaskCounter *prometheus.CounterVec

	// AuthRefreshCounter counts token refresh attempts.
	// Labels: server, status (refreshed|failed)
	AuthRefreshCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and error type.
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// Call once at application startup.
func NewMetrics() *Metrics {
	return &Metrics{
		MessageCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_total",
				Help: "Total number of queue items processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),

		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_queue_depth",
				Help: "Number of items waiting in the agent queue",
			},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		BackgroundTasks: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_background_tasks",
				Help: "Number of background tasks currently running",
			},
		),

		BackgroundTaskCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_background_tasks_total",
				Help: "Total number of settled background tasks by status",
			},
			[]string{"status"},
		),

		AuthRefreshCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_auth_refreshes_total",
				Help: "Total number of OAuth token refresh attempts by server and status",
			},
			[]string{"server", "status"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// MessageProcessed increments the message counter.
func (m *Metrics) MessageProcessed(channel, direction string) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues(channel, direction).Inc()
}

// SetQueueDepth records the current agent queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordLLMRequest records one LLM API call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// BackgroundTaskStarted increments the running-tasks gauge.
func (m *Metrics) BackgroundTaskStarted() {
	if m == nil {
		return
	}
	m.BackgroundTasks.Inc()
}

// BackgroundTaskSettled decrements the running-tasks gauge and counts the outcome.
func (m *Metrics) BackgroundTaskSettled(status string) {
	if m == nil {
		return
	}
	m.BackgroundTasks.Dec()
	m.BackgroundTaskCounter.WithLabelValues(status).Inc()
}

// RecordAuthRefresh counts one token refresh attempt.
func (m *Metrics) RecordAuthRefresh(server, status string) {
	if m == nil {
		return
	}
	m.AuthRefreshCounter.WithLabelValues(server, status).Inc()
}

// RecordError increments the error counter for a component.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
