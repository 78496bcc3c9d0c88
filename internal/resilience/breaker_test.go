package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBreaker(t *testing.T, cfg *BreakerConfig) (*Breaker, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return NewBreaker(client, zap.NewNop(), cfg), srv
}

func TestBreaker_AllowsWhenClosed(t *testing.T) {
	breaker, _ := newTestBreaker(t, nil)
	ctx := context.Background()

	allowed, probe, err := breaker.Allow(ctx, "stripe")
	require.NoError(t, err)
	require.True(t, allowed)
	require.False(t, probe)
	require.Equal(t, StateClosed, breaker.State(ctx, "stripe"))
}

func TestBreaker_TripsOnConsecutiveFailures(t *testing.T) {
	breaker, _ := newTestBreaker(t, &BreakerConfig{
		Window:              time.Minute,
		ConsecutiveFailTrip: 3,
		FailureRatioTrip:    0.9,
		MinSamplesForRatio:  100,
		OpenDuration:        time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		breaker.RecordResult(ctx, "omise", false)
	}

	require.Equal(t, StateOpen, breaker.State(ctx, "omise"))

	allowed, probe, err := breaker.Allow(ctx, "omise")
	require.NoError(t, err)
	require.False(t, allowed)
	require.False(t, probe)
}

func TestBreaker_HalfOpenAdmitsSingleProbeThenCloses(t *testing.T) {
	breaker, _ := newTestBreaker(t, &BreakerConfig{
		Window:              time.Minute,
		ConsecutiveFailTrip: 1,
		FailureRatioTrip:    0.9,
		MinSamplesForRatio:  100,
		OpenDuration:        10 * time.Millisecond,
	})
	ctx := context.Background()

	breaker.RecordResult(ctx, "scb", false)
	require.Equal(t, StateOpen, breaker.State(ctx, "scb"))

	time.Sleep(20 * time.Millisecond)

	allowed, probe, err := breaker.Allow(ctx, "scb")
	require.NoError(t, err)
	require.True(t, allowed)
	require.True(t, probe)

	// a concurrent caller must not get a second probe admitted
	allowed2, probe2, err := breaker.Allow(ctx, "scb")
	require.NoError(t, err)
	require.False(t, allowed2)
	require.False(t, probe2)

	breaker.RecordResult(ctx, "scb", true)
	require.Equal(t, StateClosed, breaker.State(ctx, "scb"))
}

func TestBreaker_State_UnknownProviderIsClosed(t *testing.T) {
	breaker, _ := newTestBreaker(t, nil)
	require.Equal(t, StateClosed, breaker.State(context.Background(), "never-seen"))
}
