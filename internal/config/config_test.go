package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyProviderDefaults_BackfillsZeroValueOverrides(t *testing.T) {
	cfg := &Config{
		Providers: ProvidersConfig{
			Default: ProviderTuning{
				TimeoutSeconds:          10,
				MaxRetries:              3,
				BreakerFailureThreshold: 5,
				BreakerOpenSeconds:      30,
				RateLimitPerSecond:      50,
			},
			Stripe: ProviderTuning{TimeoutSeconds: 20}, // explicit override
		},
	}

	applyProviderDefaults(cfg)

	require.Equal(t, 20, cfg.Providers.Stripe.TimeoutSeconds, "explicit override must survive")
	require.Equal(t, 3, cfg.Providers.Stripe.MaxRetries, "unset field backfilled from default")
	require.Equal(t, 5, cfg.Providers.PayPal.BreakerFailureThreshold)
	require.Equal(t, 30, cfg.Providers.Omise.BreakerOpenSeconds)
	require.Equal(t, 50.0, cfg.Providers.SCB.RateLimitPerSecond)
}

func TestProviderTuning_DurationHelpers(t *testing.T) {
	tuning := ProviderTuning{TimeoutSeconds: 15, BreakerOpenSeconds: 45}
	require.Equal(t, 15*time.Second, tuning.Timeout())
	require.Equal(t, 45*time.Second, tuning.BreakerOpenDuration())
}

func TestReconciliationConfig_DurationHelpers(t *testing.T) {
	cfg := ReconciliationConfig{IntervalSeconds: 300, StaleAfterSeconds: 600}
	require.Equal(t, 5*time.Minute, cfg.Interval())
	require.Equal(t, 10*time.Minute, cfg.StaleAfter())
}

func TestLoad_AppliesDefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "9090", cfg.Server.Port)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "localhost", cfg.Database.Host)
	require.Equal(t, 256, cfg.Webhook.QueueSize)
	require.Equal(t, 3, cfg.Providers.Stripe.MaxRetries, "stripe should inherit the provider default")
}
