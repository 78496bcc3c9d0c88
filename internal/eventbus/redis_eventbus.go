package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// consumerGroupPrefixes ties a Redis Streams consumer group to the domain
// that owns the topic, so a slow webhook consumer's pending-entry backlog
// never competes for delivery with the payment ledger or provider-health
// consumers on an unrelated topic. Unlisted topics (e.g. a caller-defined
// one) fall back to a group derived from the topic name itself.
var consumerGroupPrefixes = map[string]string{
	TopicPaymentCreated:            "payment-orchestrator-ledger",
	TopicPaymentCompleted:          "payment-orchestrator-ledger",
	TopicPaymentFailed:             "payment-orchestrator-ledger",
	TopicRefundInitiated:           "payment-orchestrator-ledger",
	TopicRefundCompleted:           "payment-orchestrator-ledger",
	TopicRefundFailed:              "payment-orchestrator-ledger",
	TopicProviderDegraded:          "payment-orchestrator-provider-health",
	TopicProviderRecovered:         "payment-orchestrator-provider-health",
	TopicReconciliationDiscrepancy: "payment-orchestrator-reconciliation",
	TopicWebhookIngested:           "payment-orchestrator-webhook",
}

// consumerGroupFor returns the consumer group a subscription to topic should
// join.
func consumerGroupFor(topic string) string {
	if group, ok := consumerGroupPrefixes[topic]; ok {
		return group
	}
	return "payment-orchestrator-" + strings.ReplaceAll(topic, ".", "-")
}

// envelope is the wire shape written to a stream entry: the caller's event
// payload plus delivery metadata, so a consumer (or an operator inspecting
// the stream directly) can see when and under what id an event was
// published without that bookkeeping leaking into the payload map itself.
type envelope struct {
	EventID     string          `json:"event_id"`
	Topic       string          `json:"topic"`
	PublishedAt time.Time       `json:"published_at"`
	Payload     json.RawMessage `json:"payload"`
}

// RedisBus implements Bus over Redis Streams with consumer groups, giving
// at-least-once, durable delivery: a publish survives a process restart, and
// an unacknowledged delivery stays in the consumer group's pending list for
// redelivery.
type RedisBus struct {
	client      *redis.Client
	logger      *zap.Logger
	subscribers map[string][]*redisSubscription
	mutex       sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type redisSubscription struct {
	id      string
	topic   string
	handler EventHandler
	bus     *RedisBus
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewRedisBus(redisAddr, redisPassword string, db int, logger *zap.Logger) (*RedisBus, error) {
	ctx, cancel := context.WithCancel(context.Background())
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBus{
		client:      client,
		logger:      logger,
		subscribers: make(map[string][]*redisSubscription),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func (r *RedisBus) Publish(ctx context.Context, topic string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	env := envelope{
		EventID:     uuid.New().String(),
		Topic:       topic,
		PublishedAt: time.Now().UTC(),
		Payload:     payload,
	}
	envelopeData, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}

	cmd := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			"envelope": envelopeData,
			"type":     fmt.Sprintf("%T", event),
		},
	})
	if cmd.Err() != nil {
		return fmt.Errorf("failed to publish to redis stream: %w", cmd.Err())
	}
	return nil
}

func (r *RedisBus) PublishAsync(ctx context.Context, topic string, event interface{}) error {
	go func() {
		if err := r.Publish(ctx, topic, event); err != nil {
			r.logger.Error("async publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}()
	return nil
}

func (r *RedisBus) Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		bus:     r,
		ctx:     subCtx,
		cancel:  cancel,
	}

	r.mutex.Lock()
	r.subscribers[topic] = append(r.subscribers[topic], sub)
	r.mutex.Unlock()

	go r.consume(sub)
	return sub, nil
}

func (r *RedisBus) consume(sub *redisSubscription) {
	group := consumerGroupFor(sub.topic)
	consumerName := group + "-" + sub.id

	r.client.XGroupCreateMkStream(r.ctx, sub.topic, group, "0").Err()

	for {
		select {
		case <-sub.ctx.Done():
			return
		default:
			streams, err := r.client.XReadGroup(r.ctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumerName,
				Streams:  []string{sub.topic, ">"},
				Count:    10,
				Block:    2 * time.Second,
			}).Result()
			if err != nil {
				time.Sleep(time.Second)
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					envelopeStr, ok := msg.Values["envelope"].(string)
					if !ok {
						continue
					}
					var env envelope
					if err := json.Unmarshal([]byte(envelopeStr), &env); err != nil {
						continue
					}
					var eventData map[string]interface{}
					if err := json.Unmarshal(env.Payload, &eventData); err != nil {
						continue
					}
					if err := sub.handler(sub.ctx, eventData); err == nil {
						r.client.XAck(r.ctx, sub.topic, group, msg.ID)
					} else {
						r.logger.Error("event handler failed",
							zap.String("topic", sub.topic), zap.String("group", group),
							zap.String("envelope_event_id", env.EventID), zap.Error(err))
					}
				}
			}
		}
	}
}

func (r *RedisBus) Close() error {
	r.cancel()
	return r.client.Close()
}

func (s *redisSubscription) ID() string    { return s.id }
func (s *redisSubscription) Topic() string { return s.topic }
func (s *redisSubscription) Unsubscribe() error {
	s.cancel()
	return nil
}
