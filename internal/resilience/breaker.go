package resilience

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// BreakerState is one of the three circuit-breaker states.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes trip/reset thresholds for one provider's breaker.
type BreakerConfig struct {
	Window              time.Duration // sliding window for sample accounting, default 30s
	ConsecutiveFailTrip int           // default 5
	FailureRatioTrip    float64       // default 0.5
	MinSamplesForRatio  int           // default 10
	OpenDuration        time.Duration // default 30s
}

func defaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:              30 * time.Second,
		ConsecutiveFailTrip: 5,
		FailureRatioTrip:    0.5,
		MinSamplesForRatio:  10,
		OpenDuration:        30 * time.Second,
	}
}

// breakerRecord is the value stored in Redis for a single provider's breaker,
// shared across every service instance.
type breakerRecord struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	WindowStart         time.Time    `json:"window_start"`
	Successes           int          `json:"successes"`
	Failures            int          `json:"failures"`
	OpenedAt            time.Time    `json:"opened_at"`
	HalfOpenProbeInFlight bool       `json:"half_open_probe_in_flight"`
	Version             int64        `json:"version"`
}

// Breaker is a single logical circuit breaker per provider name, per the
// "treat as one logical breaker" resolution: the resilience pipeline is the
// only owner of breaker state, and that state is shared across instances via
// Redis with a versioned compare-and-set.
type Breaker struct {
	client *redis.Client
	logger *zap.Logger
	cfg    BreakerConfig
}

func NewBreaker(client *redis.Client, logger *zap.Logger, cfg *BreakerConfig) *Breaker {
	c := defaultBreakerConfig()
	if cfg != nil {
		c = *cfg
	}
	return &Breaker{client: client, logger: logger, cfg: c}
}

func breakerKey(provider string) string { return "circuit_breaker:" + provider }

// Allow reports whether a call to provider may proceed, and if the call is
// the single admitted HalfOpen probe, probe is true.
func (b *Breaker) Allow(ctx context.Context, provider string) (allowed bool, probe bool, err error) {
	key := breakerKey(provider)
	txErr := b.client.Watch(ctx, func(tx *redis.Tx) error {
		rec, loadErr := b.load(ctx, tx, key)
		if loadErr != nil {
			return loadErr
		}
		b.rollWindow(&rec)

		switch rec.State {
		case StateClosed:
			allowed, probe = true, false
		case StateOpen:
			if time.Since(rec.OpenedAt) >= b.cfg.OpenDuration {
				rec.State = StateHalfOpen
				rec.HalfOpenProbeInFlight = true
				allowed, probe = true, true
			} else {
				allowed, probe = false, false
			}
		case StateHalfOpen:
			if rec.HalfOpenProbeInFlight {
				allowed, probe = false, false
			} else {
				rec.HalfOpenProbeInFlight = true
				allowed, probe = true, true
			}
		}

		_, execErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return b.save(ctx, pipe, key, rec)
		})
		return execErr
	}, key)

	if txErr != nil && txErr != redis.TxFailedErr {
		b.logger.Error("breaker allow check failed", zap.String("provider", provider), zap.Error(txErr))
		return true, false, txErr // fail open: a cache outage must not block payments
	}
	return allowed, probe, nil
}

// RecordResult updates breaker state after an attempt completes.
func (b *Breaker) RecordResult(ctx context.Context, provider string, success bool) {
	key := breakerKey(provider)
	_ = b.client.Watch(ctx, func(tx *redis.Tx) error {
		rec, loadErr := b.load(ctx, tx, key)
		if loadErr != nil {
			return loadErr
		}
		b.rollWindow(&rec)

		if success {
			rec.Successes++
			rec.ConsecutiveFailures = 0
			if rec.State == StateHalfOpen {
				rec.State = StateClosed
				rec.HalfOpenProbeInFlight = false
				rec.Failures = 0
				rec.Successes = 0
			}
		} else {
			rec.Failures++
			rec.ConsecutiveFailures++
			if rec.State == StateHalfOpen {
				rec.State = StateOpen
				rec.OpenedAt = time.Now()
				rec.HalfOpenProbeInFlight = false
				rec.Failures = 0
				rec.Successes = 0
			} else if rec.State == StateClosed {
				total := rec.Successes + rec.Failures
				ratioTrip := total >= b.cfg.MinSamplesForRatio && float64(rec.Failures)/float64(total) >= b.cfg.FailureRatioTrip
				if rec.ConsecutiveFailures >= b.cfg.ConsecutiveFailTrip || ratioTrip {
					rec.State = StateOpen
					rec.OpenedAt = time.Now()
				}
			}
		}

		_, execErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return b.save(ctx, pipe, key, rec)
		})
		return execErr
	}, key)
}

func (b *Breaker) rollWindow(rec *breakerRecord) {
	if rec.WindowStart.IsZero() || time.Since(rec.WindowStart) > b.cfg.Window {
		rec.WindowStart = time.Now()
		rec.Successes = 0
		rec.Failures = 0
	}
}

func (b *Breaker) load(ctx context.Context, tx *redis.Tx, key string) (breakerRecord, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return breakerRecord{State: StateClosed, WindowStart: time.Now()}, nil
	}
	if err != nil {
		return breakerRecord{}, err
	}
	var rec breakerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return breakerRecord{State: StateClosed, WindowStart: time.Now()}, nil
	}
	return rec, nil
}

func (b *Breaker) save(ctx context.Context, pipe redis.Pipeliner, key string, rec breakerRecord) error {
	rec.Version++
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return pipe.Set(ctx, key, raw, 10*time.Minute).Err()
}

// State reports a provider's current breaker state, for routing decisions.
func (b *Breaker) State(ctx context.Context, provider string) BreakerState {
	raw, err := b.client.Get(ctx, breakerKey(provider)).Bytes()
	if err != nil {
		return StateClosed
	}
	var rec breakerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return StateClosed
	}
	if rec.State == StateOpen && time.Since(rec.OpenedAt) >= b.cfg.OpenDuration {
		return StateHalfOpen
	}
	return rec.State
}
