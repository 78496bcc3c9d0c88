package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lexure-intelligence/payment-orchestrator/internal/providers"
)

// RetryConfig tunes the bounded exponential-backoff-with-jitter retry.
type RetryConfig struct {
	MaxAttempts int           // default 3
	BaseDelay   time.Duration // default 2s
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 2 * time.Second}
}

// withRetry retries fn up to cfg.MaxAttempts times with full-jitter
// exponential backoff (base 2s), stopping early on a non-retryable
// *providers.ProviderError. It never retries past ctx's deadline.
func withRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	attempt := 0
	var lastErr error

	eb := backoff.NewExponentialBackOff()
	// Randomization factor 1 draws from [0, 2*interval], so start at half
	// the base to keep each draw within [0, base*2^(attempt-1)].
	eb.InitialInterval = cfg.BaseDelay / 2
	eb.Multiplier = 2
	eb.RandomizationFactor = 1 // full jitter: sleep = rand(0, base*2^(attempt-1))
	eb.MaxElapsedTime = 0       // bounded by MaxAttempts, not elapsed time

	bo := backoff.WithContext(eb, ctx)

	op := func() error {
		attempt++
		err := fn()
		lastErr = err
		if err == nil {
			return nil
		}

		var perr *providers.ProviderError
		if errors.As(err, &perr) && !perr.Retryable {
			return backoff.Permanent(err)
		}
		if attempt >= cfg.MaxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, bo); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
