package providers

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket sized from a provider's configuration,
// guarding the adapter's own outbound call rate.
type RateLimiter struct {
	provider          string
	requestsPerMinute int
	burstSize         int
	retryAfter        time.Duration

	tokens     int
	lastRefill time.Time
	refillRate float64
	mutex      sync.Mutex
}

// NewRateLimiter builds a RateLimiter, defaulting to 100 req/min, burst 10,
// when config is nil.
func NewRateLimiter(provider string, config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = &RateLimitConfig{
			RequestsPerMinute: 100,
			BurstSize:         10,
			RetryAfter:        time.Minute,
		}
	}
	return &RateLimiter{
		provider:          provider,
		requestsPerMinute: config.RequestsPerMinute,
		burstSize:         config.BurstSize,
		retryAfter:        config.RetryAfter,
		tokens:            config.BurstSize,
		lastRefill:        time.Now(),
		refillRate:        float64(config.RequestsPerMinute) / 60.0,
	}
}

// Wait blocks until a token is available.
func (r *RateLimiter) Wait() {
	r.mutex.Lock()
	r.refillTokens()
	if r.tokens <= 0 {
		waitTime := time.Duration(float64(time.Second) / r.refillRate)
		r.mutex.Unlock()
		time.Sleep(waitTime)
		r.mutex.Lock()
		r.refillTokens()
	}
	r.tokens--
	r.mutex.Unlock()
}

// TryAcquire attempts to acquire a token without blocking.
func (r *RateLimiter) TryAcquire() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.refillTokens()
	if r.tokens > 0 {
		r.tokens--
		return true
	}
	return false
}

func (r *RateLimiter) refillTokens() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill)
	tokensToAdd := int(elapsed.Seconds() * r.refillRate)
	if tokensToAdd > 0 {
		r.tokens = minInt(r.tokens+tokensToAdd, r.burstSize)
		r.lastRefill = now
	}
}

// Info reports the current bucket state.
type RateLimitInfo struct {
	Provider          string
	RequestsRemaining int
	ResetTime         time.Time
	Limit             int
}

func (r *RateLimiter) Info() RateLimitInfo {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.refillTokens()
	timeToNextToken := time.Duration(float64(time.Second) / r.refillRate)
	return RateLimitInfo{
		Provider:          r.provider,
		RequestsRemaining: r.tokens,
		ResetTime:         time.Now().Add(timeToNextToken),
		Limit:             r.burstSize,
	}
}

func (r *RateLimiter) UpdateConfig(config *RateLimitConfig) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.requestsPerMinute = config.RequestsPerMinute
	r.burstSize = config.BurstSize
	r.retryAfter = config.RetryAfter
	r.refillRate = float64(config.RequestsPerMinute) / 60.0
	r.tokens = r.burstSize
	r.lastRefill = time.Now()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
