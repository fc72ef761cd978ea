// Package providers builds llm.Model instances from provider configuration.
package providers

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zulandar/teamyard/internal/config"
	"github.com/zulandar/teamyard/internal/fault"
	"github.com/zulandar/teamyard/internal/llm"
	"github.com/zulandar/teamyard/internal/llm/anthropic"
	"github.com/zulandar/teamyard/internal/llm/openai"
	"github.com/zulandar/teamyard/internal/metrics"
)

// Factory resolves (provider, model) pairs to ready models. Models of the
// same provider share one rate limiter.
type Factory struct {
	providers map[string]config.ProviderConfig
	metrics   *metrics.Collector
	logger    *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFactory creates a Factory. metrics and logger may be nil.
func NewFactory(providers map[string]config.ProviderConfig, m *metrics.Collector, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		providers: providers,
		metrics:   m,
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// New returns a model for provider/model. The pair must be in llm.Catalog
// and providers that need a key must have one configured.
func (f *Factory) New(provider, model string) (llm.Model, error) {
	if err := llm.ValidateModel(provider, model); err != nil {
		return nil, err
	}
	info, _ := llm.LookupProvider(provider)
	cfg := f.providers[provider]
	if info.NeedsAPIKey && cfg.APIKey == "" {
		return nil, fault.Invalid("provider", "%s: no api key configured", provider)
	}

	var m llm.Model
	switch provider {
	case "anthropic", "kimi":
		m = anthropic.New(anthropic.Options{
			Provider:  provider,
			Model:     model,
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			MaxTokens: int64(cfg.MaxTokens),
		})
	case "openai", "ollama":
		key := cfg.APIKey
		if key == "" {
			key = "ollama"
		}
		m = openai.New(openai.Options{
			Provider:  provider,
			Model:     model,
			APIKey:    key,
			BaseURL:   cfg.BaseURL,
			MaxTokens: int64(cfg.MaxTokens),
		})
	default:
		return nil, fmt.Errorf("providers: no adapter for %q", provider)
	}

	f.logger.Debug("model created", zap.String("provider", provider), zap.String("model", model))
	return llm.WithTracing(llm.WithMetrics(llm.WithLimiter(m, f.limiter(provider, cfg)), f.metrics), nil), nil
}

func (f *Factory) limiter(provider string, cfg config.ProviderConfig) *rate.Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[provider]
	if !ok {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
		f.limiters[provider] = l
	}
	return l
}
