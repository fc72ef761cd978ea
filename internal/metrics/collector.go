// Package metrics exposes Prometheus instrumentation for sessions, turns,
// tool calls and model requests.
//
// All methods are safe on a nil *Collector, so components can be built
// without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns a private registry and the engine's metric families.
type Collector struct {
	registry *prometheus.Registry

	turnsTotal       *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
	toolCallsTotal   *prometheus.CounterVec
	llmRequestsTotal *prometheus.CounterVec
	llmDuration      *prometheus.HistogramVec
	llmTokensUsed    *prometheus.CounterVec
	messagesTotal    *prometheus.CounterVec
	nudgesTotal      prometheus.Counter
	activeSessions   prometheus.Gauge
	sessionsStopped  *prometheus.CounterVec
	agentFailures    *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers every metric family under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.turnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Agent turn invocations by outcome",
		},
		[]string{"outcome"},
	)
	c.turnDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Agent turn duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)
	c.toolCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls executed by tool and status",
		},
		[]string{"tool", "status"},
	)
	c.llmRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of model requests",
		},
		[]string{"provider", "model", "status"},
	)
	c.llmDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Model request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)
	c.llmTokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"},
	)
	c.messagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Mailbox appends by message kind",
		},
		[]string{"kind"},
	)
	c.nudgesTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "nudges_total",
		Help:      "Idle nudges sent to top leaders",
	})
	c.activeSessions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions not yet stopped",
	})
	c.sessionsStopped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_stopped_total",
			Help:      "Stopped sessions by reason",
		},
		[]string{"reason"},
	)
	c.agentFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_failures_total",
			Help:      "Per-agent turn failures by error class",
		},
		[]string{"class"},
	)

	return c
}

// Registry returns the registry for promhttp.HandlerFor.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return prometheus.NewRegistry()
	}
	return c.registry
}

// RecordTurn records one finished turn invocation.
func (c *Collector) RecordTurn(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(outcome).Inc()
	c.turnDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordToolCall records one dispatched tool call.
func (c *Collector) RecordToolCall(tool, status string) {
	if c == nil {
		return
	}
	c.toolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordLLMRequest records one model request and its token usage.
func (c *Collector) RecordLLMRequest(provider, model, status string, d time.Duration, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmDuration.WithLabelValues(provider, model).Observe(d.Seconds())
	if promptTokens > 0 {
		c.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordMessage records a mailbox append.
func (c *Collector) RecordMessage(kind string) {
	if c == nil {
		return
	}
	c.messagesTotal.WithLabelValues(kind).Inc()
}

// RecordNudge records an idle nudge.
func (c *Collector) RecordNudge() {
	if c == nil {
		return
	}
	c.nudgesTotal.Inc()
}

// SessionStarted increments the active session gauge.
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.activeSessions.Inc()
}

// SessionStopped decrements the active session gauge.
func (c *Collector) SessionStopped(reason string) {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
	c.sessionsStopped.WithLabelValues(reason).Inc()
}

// RecordAgentFailure records a turn that ended in error.
func (c *Collector) RecordAgentFailure(class string) {
	if c == nil {
		return
	}
	c.agentFailures.WithLabelValues(class).Inc()
	c.logger.Debug("agent failure recorded", zap.String("class", class))
}
