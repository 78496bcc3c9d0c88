package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	bus, err := NewRedisBus(mr.Addr(), "", 0, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus, mr
}

func TestNewRedisBus_FailsWhenRedisUnreachable(t *testing.T) {
	_, err := NewRedisBus("127.0.0.1:1", "", 0, zap.NewNop())
	require.Error(t, err)
}

func TestRedisBus_Publish_AddsToStream(t *testing.T) {
	bus, mr := newTestBus(t)

	err := bus.Publish(context.Background(), TopicPaymentCreated, map[string]string{"transaction_id": "tx-1"})
	require.NoError(t, err)

	require.True(t, mr.Exists(TopicPaymentCreated))
}

func TestRedisBus_Subscribe_DeliversPublishedEvent(t *testing.T) {
	bus, _ := newTestBus(t)

	received := make(chan map[string]interface{}, 1)
	sub, err := bus.Subscribe(context.Background(), TopicRefundCompleted, func(ctx context.Context, event map[string]interface{}) error {
		received <- event
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, TopicRefundCompleted, sub.Topic())

	require.NoError(t, bus.Publish(context.Background(), TopicRefundCompleted, map[string]interface{}{"refund_id": "rf-1"}))

	select {
	case event := <-received:
		require.Equal(t, "rf-1", event["refund_id"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subscriber delivery")
	}

	require.NoError(t, sub.Unsubscribe())
}

func TestRedisBus_PublishAsync_DoesNotBlockCaller(t *testing.T) {
	bus, _ := newTestBus(t)

	err := bus.PublishAsync(context.Background(), TopicProviderDegraded, map[string]string{"provider": "stripe"})
	require.NoError(t, err)
}

func TestConsumerGroupFor_SeparatesDomainsByTopic(t *testing.T) {
	require.Equal(t, "payment-orchestrator-webhook", consumerGroupFor(TopicWebhookIngested))
	require.Equal(t, "payment-orchestrator-reconciliation", consumerGroupFor(TopicReconciliationDiscrepancy))
	require.Equal(t, "payment-orchestrator-ledger", consumerGroupFor(TopicPaymentCompleted))
	require.NotEqual(t, consumerGroupFor(TopicWebhookIngested), consumerGroupFor(TopicPaymentCompleted))
	require.Equal(t, "payment-orchestrator-some-custom-topic", consumerGroupFor("some.custom.topic"))
}
