// Package resilience composes, per provider, the outer-to-inner stack named
// in the orchestrator's design: timeout, then retry with exponential
// backoff, then a circuit breaker, then an optional rate limiter.
package resilience

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/payment-orchestrator/internal/providers"
)

// Config tunes one provider's pipeline.
type Config struct {
	Timeout time.Duration // default 30s
	Retry   RetryConfig
	Breaker BreakerConfig
}

func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Retry:   defaultRetryConfig(),
		Breaker: defaultBreakerConfig(),
	}
}

// Pipeline wraps a single provider's calls with timeout → retry → circuit
// breaker → (adapter-owned) rate limiter, per provider name. Timeout is
// outermost so a stuck attempt cannot delay the retry loop; the breaker
// observes individual attempt outcomes, not the outer call.
type Pipeline struct {
	provider string
	cfg      Config
	breaker  *Breaker
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewPipeline(provider string, cfg Config, breaker *Breaker, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		provider: provider,
		cfg:      cfg,
		breaker:  breaker,
		logger:   logger.With(zap.String("provider", provider)),
		tracer:   otel.Tracer("resilience.pipeline"),
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call outright.
type ErrCircuitOpen struct{ Provider string }

func (e *ErrCircuitOpen) Error() string { return "circuit open for provider " + e.Provider }

// Call invokes fn under the full resilience stack. fn should perform exactly
// one provider attempt per invocation; Call may invoke fn multiple times
// across retries.
func (p *Pipeline) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "provider_call")
	span.SetAttributes(attribute.String("provider", p.provider))
	defer span.End()

	allowed, probe, err := p.breaker.Allow(ctx, p.provider)
	if err != nil {
		p.logger.Warn("breaker check degraded, failing open", zap.Error(err))
	}
	if !allowed {
		span.SetAttributes(attribute.Bool("circuit_open", true))
		return &ErrCircuitOpen{Provider: p.provider}
	}

	retryBudget := p.cfg.Retry
	if probe {
		// HalfOpen admits exactly one probe; it must not itself retry.
		retryBudget.MaxAttempts = 1
		span.SetAttributes(attribute.Bool("half_open_probe", true))
	}

	attempts := 0
	callErr := withRetry(ctx, retryBudget, func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()

		attemptErr := fn(attemptCtx)
		p.breaker.RecordResult(ctx, p.provider, attemptErr == nil)
		return attemptErr
	})

	span.SetAttributes(attribute.Int("attempts", attempts))
	if callErr != nil {
		span.RecordError(callErr)
	}
	return callErr
}

// Retryable classifies err using providers.ProviderError semantics, exposed
// so callers outside this package (e.g. orchestrators deciding how to mark a
// transaction) can make the same distinction without importing internals.
func Retryable(err error) bool {
	if perr, ok := err.(*providers.ProviderError); ok {
		return perr.Retryable
	}
	return false
}
