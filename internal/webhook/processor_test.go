package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/payment-orchestrator/internal/eventbus"
	"github.com/lexure-intelligence/payment-orchestrator/internal/models"
)

type fakeWebhookStore struct {
	events  map[string]*models.WebhookEvent
	updates []map[string]interface{}
}

func (f *fakeWebhookStore) GetWebhookEventByID(ctx context.Context, id string) (*models.WebhookEvent, error) {
	return f.events[id], nil
}

func (f *fakeWebhookStore) UpdateWebhookEvent(ctx context.Context, id string, expectedVersion int64, fields map[string]interface{}) error {
	f.updates = append(f.updates, fields)
	e := f.events[id]
	if status, ok := fields["processing_status"].(models.WebhookProcessingStatus); ok {
		e.ProcessingStatus = status
	}
	if attempts, ok := fields["processing_attempts"].(int); ok {
		e.ProcessingAttempts = attempts
	}
	if reason, ok := fields["failure_reason"].(string); ok {
		e.FailureReason = reason
	}
	if nextRetry, ok := fields["next_retry_at"].(time.Time); ok {
		e.NextRetryAt = &nextRetry
	}
	if processedAt, ok := fields["processed_at"].(time.Time); ok {
		e.ProcessedAt = &processedAt
	}
	e.RowVersion++
	return nil
}

type fakePaymentStore struct {
	byProviderTxID map[string]*models.PaymentTransaction
	refundsSum     int64
	updated        []map[string]interface{}
}

func (f *fakePaymentStore) GetPaymentByProviderTransactionID(ctx context.Context, providerTransactionID string) (*models.PaymentTransaction, error) {
	return f.byProviderTxID[providerTransactionID], nil
}

func (f *fakePaymentStore) UpdatePaymentWithLog(ctx context.Context, id uuid.UUID, expectedVersion int64, fields map[string]interface{}, logEntry *models.TransactionLog) error {
	f.updated = append(f.updated, fields)
	for _, tx := range f.byProviderTxID {
		if tx.ID == id {
			if status, ok := fields["status"].(models.PaymentStatus); ok {
				tx.Status = status
			}
		}
	}
	return nil
}

func (f *fakePaymentStore) SumCompletedRefunds(ctx context.Context, paymentID uuid.UUID) (int64, error) {
	return f.refundsSum, nil
}

type fakeInvalidator struct{ invalidated []uuid.UUID }

func (f *fakeInvalidator) Invalidate(ctx context.Context, id uuid.UUID) {
	f.invalidated = append(f.invalidated, id)
}

type fakeBus struct{ published []string }

func (f *fakeBus) Publish(ctx context.Context, topic string, payload interface{}) error {
	f.published = append(f.published, topic)
	return nil
}
func (f *fakeBus) PublishAsync(ctx context.Context, topic string, payload interface{}) error {
	return nil
}
func (f *fakeBus) Subscribe(ctx context.Context, topic string, handler eventbus.EventHandler) (eventbus.Subscription, error) {
	return nil, nil
}
func (f *fakeBus) Close() error { return nil }

func newProcessor(webhooks *fakeWebhookStore, payments *fakePaymentStore, bus *fakeBus, cache *fakeInvalidator) *Processor {
	return NewProcessor(webhooks, payments, bus, cache, NewQueue(10), 1, zap.NewNop())
}

func TestProcessor_ProcessOne_CompletesWhenStatusDiffers(t *testing.T) {
	eventID := uuid.New()
	paymentID := uuid.New()

	webhooks := &fakeWebhookStore{events: map[string]*models.WebhookEvent{
		eventID.String(): {
			ID:                 eventID,
			EventType:          "payment_intent.succeeded",
			ParsedPayload:      []byte(`{"transaction_id":"pi_123"}`),
			ProcessingStatus:   models.WebhookPending,
			ProcessingAttempts: 0,
		},
	}}
	payments := &fakePaymentStore{byProviderTxID: map[string]*models.PaymentTransaction{
		"pi_123": {ID: paymentID, Status: models.PaymentProcessing, ProviderName: "stripe", Amount: 1000},
	}}
	bus := &fakeBus{}
	cache := &fakeInvalidator{}

	p := newProcessor(webhooks, payments, bus, cache)
	p.processOne(context.Background(), eventID.String())

	require.Equal(t, models.PaymentCompleted, payments.byProviderTxID["pi_123"].Status)
	require.Contains(t, cache.invalidated, paymentID)
	require.Len(t, bus.published, 1)
	require.Equal(t, models.WebhookCompleted, webhooks.events[eventID.String()].ProcessingStatus)
}

func TestProcessor_ProcessOne_SkipsAlreadyCompletedEvent(t *testing.T) {
	eventID := uuid.New()
	webhooks := &fakeWebhookStore{events: map[string]*models.WebhookEvent{
		eventID.String(): {ID: eventID, ProcessingStatus: models.WebhookCompleted},
	}}
	payments := &fakePaymentStore{byProviderTxID: map[string]*models.PaymentTransaction{}}

	p := newProcessor(webhooks, payments, &fakeBus{}, &fakeInvalidator{})
	p.processOne(context.Background(), eventID.String())

	require.Empty(t, webhooks.updates)
}

func TestProcessor_ProcessOne_SchedulesRetryWhenTransactionNotYetVisible(t *testing.T) {
	eventID := uuid.New()
	webhooks := &fakeWebhookStore{events: map[string]*models.WebhookEvent{
		eventID.String(): {
			ID:                 eventID,
			EventType:          "payment_intent.succeeded",
			ParsedPayload:      []byte(`{"transaction_id":"pi_unseen"}`),
			ProcessingStatus:   models.WebhookPending,
			ProcessingAttempts: 0,
		},
	}}
	payments := &fakePaymentStore{byProviderTxID: map[string]*models.PaymentTransaction{}}

	p := newProcessor(webhooks, payments, &fakeBus{}, &fakeInvalidator{})
	p.processOne(context.Background(), eventID.String())

	require.Equal(t, models.WebhookFailed, webhooks.events[eventID.String()].ProcessingStatus)
	require.NotNil(t, webhooks.events[eventID.String()].NextRetryAt)
}

func TestProcessor_ApplyTransition_PartialRefundWhenRefundedLessThanAmount(t *testing.T) {
	paymentID := uuid.New()
	payments := &fakePaymentStore{
		byProviderTxID: map[string]*models.PaymentTransaction{
			"pi_789": {ID: paymentID, Status: models.PaymentCompleted, Amount: 1000, ProviderName: "stripe"},
		},
		refundsSum: 400,
	}
	p := newProcessor(&fakeWebhookStore{events: map[string]*models.WebhookEvent{}}, payments, &fakeBus{}, &fakeInvalidator{})

	event := &models.WebhookEvent{EventType: "refund.succeeded"}
	err := p.applyTransition(context.Background(), event, map[string]interface{}{"transaction_id": "pi_789"}, "Refunded")

	require.NoError(t, err)
	require.Equal(t, models.PaymentPartiallyRefunded, payments.byProviderTxID["pi_789"].Status)
}

func TestProcessor_ApplyTransition_FullRefundWhenRefundedCoversAmount(t *testing.T) {
	paymentID := uuid.New()
	payments := &fakePaymentStore{
		byProviderTxID: map[string]*models.PaymentTransaction{
			"pi_999": {ID: paymentID, Status: models.PaymentCompleted, Amount: 1000, ProviderName: "stripe"},
		},
		refundsSum: 1000,
	}
	p := newProcessor(&fakeWebhookStore{events: map[string]*models.WebhookEvent{}}, payments, &fakeBus{}, &fakeInvalidator{})

	event := &models.WebhookEvent{EventType: "refund.succeeded"}
	err := p.applyTransition(context.Background(), event, map[string]interface{}{"transaction_id": "pi_999"}, "Refunded")

	require.NoError(t, err)
	require.Equal(t, models.PaymentRefunded, payments.byProviderTxID["pi_999"].Status)
}
