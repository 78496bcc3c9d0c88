package providers

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthStatus snapshots an adapter's recent call outcomes, independent of
// the circuit breaker's own view (the breaker owns trip/reset decisions; this
// is purely observational).
type HealthStatus struct {
	Healthy          bool
	LastSuccessAt    time.Time
	LastFailureAt    time.Time
	ConsecutiveFails int
	AverageLatency   time.Duration
}

// Base holds the state every concrete adapter shares: identity, logging,
// rate limiting, and a rolling health view. Concrete adapters embed it.
type Base struct {
	name   string
	logger *zap.Logger
	limiter *RateLimiter

	mu     sync.RWMutex
	health HealthStatus
	latencySamples []time.Duration
}

// NewBase constructs the shared adapter state.
func NewBase(name string, logger *zap.Logger, rateLimit *RateLimitConfig) *Base {
	return &Base{
		name:    name,
		logger:  logger.With(zap.String("provider", name)),
		limiter: NewRateLimiter(name, rateLimit),
		health:  HealthStatus{Healthy: true},
	}
}

func (b *Base) Name() string { return b.name }

// Limiter exposes the adapter's own outbound-call rate limiter.
func (b *Base) Limiter() *RateLimiter { return b.limiter }

// Logger returns the provider-scoped structured logger.
func (b *Base) Logger() *zap.Logger { return b.logger }

// RecordOutcome updates the rolling health view after a call attempt.
func (b *Base) RecordOutcome(success bool, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.health.Healthy = true
		b.health.LastSuccessAt = time.Now()
		b.health.ConsecutiveFails = 0
	} else {
		b.health.LastFailureAt = time.Now()
		b.health.ConsecutiveFails++
		if b.health.ConsecutiveFails >= 5 {
			b.health.Healthy = false
		}
	}

	b.latencySamples = append(b.latencySamples, latency)
	if len(b.latencySamples) > 50 {
		b.latencySamples = b.latencySamples[len(b.latencySamples)-50:]
	}
	var sum time.Duration
	for _, s := range b.latencySamples {
		sum += s
	}
	if len(b.latencySamples) > 0 {
		b.health.AverageLatency = sum / time.Duration(len(b.latencySamples))
	}
}

// Health returns a snapshot of the adapter's health view.
func (b *Base) Health() HealthStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.health
}

// LogAction logs a successful provider-facing action at info level.
func (b *Base) LogAction(action string, fields ...zap.Field) {
	b.logger.Info(action, fields...)
}

// LogError logs a provider-facing failure at error level.
func (b *Base) LogError(action string, err error, fields ...zap.Field) {
	b.logger.Error(action, append(fields, zap.Error(err))...)
}
