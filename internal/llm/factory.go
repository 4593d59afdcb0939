package llm

import (
	"otto/internal/config"
	"otto/internal/logging"
	"otto/internal/observability"
)

// New builds the configured client with the retry stack applied. The mock
// provider bypasses retry: it never fails transiently.
func New(cfg config.LLMConfig, logger logging.Logger, metrics *observability.MetricsCollector) Client {
	if cfg.Provider == "mock" {
		return NewMockClient(cfg.Model)
	}
	base := NewOpenAIClient(cfg, logger, metrics)
	return NewRetryClient(base, RetryOptions{
		MaxRetries: cfg.MaxRetries,
		RateRPS:    cfg.RateRPS,
		RateBurst:  cfg.RateBurst,
		Logger:     logger,
	})
}
