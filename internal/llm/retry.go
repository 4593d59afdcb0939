package llm

import (
	"context"

	"golang.org/x/time/rate"

	otterrors "otto/internal/errors"
	"otto/internal/logging"
)

// retryClient wraps a client with exponential-backoff retries for transient
// failures, a circuit breaker against a flapping endpoint, and optional
// request smoothing.
type retryClient struct {
	underlying Client
	retryCfg   otterrors.RetryConfig
	breaker    *otterrors.CircuitBreaker
	limiter    *rate.Limiter
	logger     logging.Logger
}

// RetryOptions configures NewRetryClient.
type RetryOptions struct {
	MaxRetries int
	// RateRPS > 0 smooths outgoing requests; bursts bounded by RateBurst.
	RateRPS   float64
	RateBurst int
	Logger    logging.Logger
}

// NewRetryClient decorates client with retry, circuit breaking and optional
// rate smoothing.
func NewRetryClient(client Client, opts RetryOptions) Client {
	retryCfg := otterrors.DefaultRetryConfig()
	if opts.MaxRetries > 0 {
		retryCfg.MaxAttempts = opts.MaxRetries + 1
	}
	var limiter *rate.Limiter
	if opts.RateRPS > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateRPS), burst)
	}
	return &retryClient{
		underlying: client,
		retryCfg:   retryCfg,
		breaker:    otterrors.NewCircuitBreaker("llm", otterrors.DefaultCircuitBreakerConfig()),
		limiter:    limiter,
		logger:     logging.OrNop(opts.Logger),
	}
}

func (c *retryClient) Model() string { return c.underlying.Model() }

func (c *retryClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return otterrors.RetryWithResultAndLog(ctx, c.retryCfg, func(ctx context.Context) (*ChatResponse, error) {
		return otterrors.ExecuteFunc(c.breaker, ctx, func(ctx context.Context) (*ChatResponse, error) {
			return c.underlying.Chat(ctx, req)
		})
	}, c.logger)
}
