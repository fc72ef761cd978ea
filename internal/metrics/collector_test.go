package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector("teamyard_test", zap.NewNop())

	assert.NotNil(t, c)
	assert.NotNil(t, c.Registry())
	assert.NotNil(t, c.turnsTotal)
	assert.NotNil(t, c.llmTokensUsed)
}

func TestCollector_RecordTurn(t *testing.T) {
	c := NewCollector("teamyard_test", zap.NewNop())

	c.RecordTurn("completed", 200*time.Millisecond)
	c.RecordTurn("completed", 100*time.Millisecond)
	c.RecordTurn("iteration_limit", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.turnsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.turnsTotal.WithLabelValues("iteration_limit")))
}

func TestCollector_RecordLLMRequest_Tokens(t *testing.T) {
	c := NewCollector("teamyard_test", zap.NewNop())

	c.RecordLLMRequest("anthropic", "claude-sonnet-4-20250514", "ok", time.Second, 120, 30)
	c.RecordLLMRequest("anthropic", "claude-sonnet-4-20250514", "error", time.Second, 0, 0)

	assert.Equal(t, 120.0, testutil.ToFloat64(c.llmTokensUsed.WithLabelValues("anthropic", "claude-sonnet-4-20250514", "prompt")))
	assert.Equal(t, 30.0, testutil.ToFloat64(c.llmTokensUsed.WithLabelValues("anthropic", "claude-sonnet-4-20250514", "completion")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.llmRequestsTotal.WithLabelValues("anthropic", "claude-sonnet-4-20250514", "error")))
}

func TestCollector_Sessions(t *testing.T) {
	c := NewCollector("teamyard_test", zap.NewNop())

	c.SessionStarted()
	c.SessionStarted()
	c.SessionStopped("timeout")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsStopped.WithLabelValues("timeout")))
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordTurn("completed", time.Second)
		c.RecordToolCall("SendMessage", "ok")
		c.RecordLLMRequest("openai", "gpt-4o", "ok", time.Second, 1, 1)
		c.RecordMessage("message")
		c.RecordNudge()
		c.SessionStarted()
		c.SessionStopped("stopped")
		c.RecordAgentFailure("model")
	})
	assert.NotNil(t, c.Registry())
}
