// Package eventbus publishes and consumes the orchestrator's lifecycle
// events (PaymentCreated/Completed/Failed, RefundInitiated/Completed/Failed,
// ProviderDegraded/Recovered, ReconciliationDiscrepancy) over a durable,
// at-least-once transport.
package eventbus

import "context"

// EventHandler processes one delivered event; returning an error leaves the
// message unacknowledged so the transport redelivers it.
type EventHandler func(ctx context.Context, event map[string]interface{}) error

// Subscription is a live consumer registration, cancellable independently of
// the bus itself.
type Subscription interface {
	ID() string
	Topic() string
	Unsubscribe() error
}

// Bus publishes and subscribes to named topics. Publishes are at-least-once;
// consumers must treat events as idempotent by transaction id.
type Bus interface {
	Publish(ctx context.Context, topic string, event interface{}) error
	PublishAsync(ctx context.Context, topic string, event interface{}) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error)
	Close() error
}

// Topic names for the orchestrator's published lifecycle events.
const (
	TopicPaymentCreated             = "payment.created"
	TopicPaymentCompleted           = "payment.completed"
	TopicPaymentFailed              = "payment.failed"
	TopicRefundInitiated            = "refund.initiated"
	TopicRefundCompleted            = "refund.completed"
	TopicRefundFailed               = "refund.failed"
	TopicProviderDegraded           = "provider.degraded"
	TopicProviderRecovered          = "provider.recovered"
	TopicReconciliationDiscrepancy = "reconciliation.discrepancy"
	TopicWebhookIngested             = "webhook.ingested"
)
