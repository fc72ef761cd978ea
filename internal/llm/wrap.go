package llm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/zulandar/teamyard/internal/fault"
	"github.com/zulandar/teamyard/internal/metrics"
)

// limited waits on a shared limiter before each request.
type limited struct {
	Model
	limiter *rate.Limiter
}

// WithLimiter throttles m with limiter. A nil limiter returns m unchanged.
func WithLimiter(m Model, limiter *rate.Limiter) Model {
	if limiter == nil {
		return m
	}
	return &limited{Model: m, limiter: limiter}
}

func (l *limited) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		info := l.Info()
		return nil, &fault.ModelError{Provider: info.Provider, Model: info.Name, Err: err}
	}
	return l.Model.Generate(ctx, req)
}

// instrumented records request counts, latency and tokens.
type instrumented struct {
	Model
	metrics *metrics.Collector
}

// WithMetrics records every Generate call on c.
func WithMetrics(m Model, c *metrics.Collector) Model {
	if c == nil {
		return m
	}
	return &instrumented{Model: m, metrics: c}
}

func (i *instrumented) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := i.Model.Generate(ctx, req)
	info := i.Info()
	if err != nil {
		i.metrics.RecordLLMRequest(info.Provider, info.Name, "error", time.Since(start), 0, 0)
		return nil, err
	}
	i.metrics.RecordLLMRequest(info.Provider, info.Name, "ok", time.Since(start), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp, nil
}

// traced opens a client span around each request.
type traced struct {
	Model
	tracer trace.Tracer
}

// WithTracing spans every Generate call. A nil tracer uses the global
// provider.
func WithTracing(m Model, tracer trace.Tracer) Model {
	if tracer == nil {
		tracer = otel.Tracer("github.com/zulandar/teamyard/internal/llm")
	}
	return &traced{Model: m, tracer: tracer}
}

func (t *traced) Generate(ctx context.Context, req Request) (*Response, error) {
	info := t.Info()
	ctx, span := t.tracer.Start(ctx, "llm.generate", trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("llm.provider", info.Provider),
		attribute.String("llm.model", info.Name),
		attribute.Int("llm.messages", len(req.Messages)),
	))
	defer span.End()

	resp, err := t.Model.Generate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
	)
	return resp, nil
}
