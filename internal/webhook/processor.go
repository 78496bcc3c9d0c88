package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/payment-orchestrator/internal/eventbus"
	"github.com/lexure-intelligence/payment-orchestrator/internal/models"
)

// errTransactionNotYetVisible is returned when a webhook arrives before its
// create-path write is visible; the staircase retry gives the create a
// chance to land.
var errTransactionNotYetVisible = errors.New("linked payment transaction not yet visible")

// staircase is the retry schedule named in §4.8: 1, 5, 15, 60, 360 minutes.
var staircase = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	360 * time.Minute,
}

// WebhookStore is the WebhookEvent-side durable-store surface the processor
// needs, beyond what Repository (ingestor-side) already provides.
type WebhookStore interface {
	GetWebhookEventByID(ctx context.Context, id string) (*models.WebhookEvent, error)
	UpdateWebhookEvent(ctx context.Context, id string, expectedVersion int64, fields map[string]interface{}) error
}

// PaymentStore is the narrow payment-transaction surface the processor needs
// to apply a webhook-driven status transition; satisfied by
// internal/orchestrator.Repository.
type PaymentStore interface {
	GetPaymentByProviderTransactionID(ctx context.Context, providerTransactionID string) (*models.PaymentTransaction, error)
	UpdatePaymentWithLog(ctx context.Context, id uuid.UUID, expectedVersion int64, fields map[string]interface{}, logEntry *models.TransactionLog) error
	SumCompletedRefunds(ctx context.Context, paymentID uuid.UUID) (int64, error)
}

// Invalidator is the status cache's invalidation surface.
type Invalidator interface {
	Invalidate(ctx context.Context, id uuid.UUID)
}

// Processor implements §4.8: single-attempt-per-trigger processing with a
// staircase retry schedule, draining a bounded work queue with a fixed
// worker pool. Grounded on the retry-service worker-pool shape.
type Processor struct {
	webhooks WebhookStore
	payments PaymentStore
	bus      eventbus.Bus
	cache    Invalidator // optional; nil disables invalidation
	queue    chan pendingEvent
	workers  int
	logger   *zap.Logger
	wg       sync.WaitGroup
}

func NewProcessor(webhooks WebhookStore, payments PaymentStore, bus eventbus.Bus, cache Invalidator, queue chan pendingEvent, workers int, logger *zap.Logger) *Processor {
	if workers <= 0 {
		workers = 8
	}
	return &Processor{webhooks: webhooks, payments: payments, bus: bus, cache: cache, queue: queue, workers: workers, logger: logger}
}

// Run starts the fixed worker pool; it returns once ctx is cancelled and
// every in-flight handler has drained.
func (p *Processor) Run(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	<-ctx.Done()
	p.wg.Wait()
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.queue:
			p.processOne(ctx, item.eventID)
		}
	}
}

// ProcessNow runs processOne synchronously on the caller's goroutine,
// bypassing the worker pool entirely. Used by the ingestor as a full-queue
// fallback (see Ingestor.handleQueueFull) so a caller told an event was
// accepted does not leave it Pending with nothing watching it; ctx's
// deadline bounds how long the caller waits.
func (p *Processor) ProcessNow(ctx context.Context, eventID string) {
	p.processOne(ctx, eventID)
}

// RetryDue is invoked by the reconciliation scheduler to re-enqueue webhook
// events whose next_retry_at has elapsed; see internal/reconciliation.
func (p *Processor) RetryDue(eventID string) {
	select {
	case p.queue <- pendingEvent{eventID: eventID}:
	default:
		p.logger.Warn("webhook processing queue full during retry re-enqueue", zap.String("event_id", eventID))
	}
}

// processOne implements §4.8 steps 1-6 for a single webhook event.
func (p *Processor) processOne(ctx context.Context, eventID string) {
	event, err := p.webhooks.GetWebhookEventByID(ctx, eventID)
	if err != nil {
		p.logger.Error("failed to load webhook event", zap.String("event_id", eventID), zap.Error(err))
		return
	}
	if event == nil {
		return
	}
	if event.ProcessingStatus == models.WebhookCompleted || event.ProcessingStatus == models.WebhookDuplicate {
		return
	}

	if err := p.webhooks.UpdateWebhookEvent(ctx, event.ID.String(), event.RowVersion, map[string]interface{}{
		"processing_status":   models.WebhookProcessing,
		"processing_attempts": event.ProcessingAttempts + 1,
	}); err != nil {
		p.logger.Warn("failed to mark webhook event Processing, will retry on next trigger", zap.String("event_id", eventID), zap.Error(err))
		return
	}
	event.ProcessingStatus = models.WebhookProcessing
	event.ProcessingAttempts++
	event.RowVersion++

	var parsed map[string]interface{}
	if err := json.Unmarshal(event.ParsedPayload, &parsed); err != nil {
		p.scheduleRetry(ctx, event, "payload parse failure: "+err.Error())
		return
	}

	targetStatus := classifyEventType(event.EventType)
	if err := p.applyTransition(ctx, event, parsed, targetStatus); err != nil {
		p.scheduleRetry(ctx, event, err.Error())
		return
	}

	now := time.Now().UTC()
	if err := p.webhooks.UpdateWebhookEvent(ctx, event.ID.String(), event.RowVersion, map[string]interface{}{
		"processing_status": models.WebhookCompleted,
		"processed_at":      now,
	}); err != nil {
		p.logger.Error("failed to mark webhook event Completed", zap.String("event_id", event.ID.String()), zap.Error(err))
	}
}

// applyTransition implements §4.8 steps 3-5: resolve the linked transaction,
// map the target status, and apply it if it differs from the current one.
func (p *Processor) applyTransition(ctx context.Context, event *models.WebhookEvent, parsed map[string]interface{}, targetStatus string) error {
	transactionID := extractTransactionID(parsed)
	if transactionID == "" {
		// No linked transaction (e.g. a provider housekeeping event); nothing to apply.
		return nil
	}

	payment, err := p.payments.GetPaymentByProviderTransactionID(ctx, transactionID)
	if err != nil {
		return err
	}
	if payment == nil {
		// The provider notified us about a transaction we don't recognize yet;
		// the caller schedules a staircase retry in case of a create/webhook race.
		return errTransactionNotYetVisible
	}

	newStatus := models.PaymentStatus(targetStatus)
	if newStatus == models.PaymentRefunded {
		refundedSoFar, err := p.payments.SumCompletedRefunds(ctx, payment.ID)
		if err != nil {
			return err
		}
		if refundedSoFar < payment.Amount {
			newStatus = models.PaymentPartiallyRefunded
		}
	}
	if payment.Status == newStatus {
		return nil
	}

	fields := map[string]interface{}{"status": newStatus}
	if newStatus == models.PaymentCompleted {
		fields["completed_at"] = time.Now().UTC()
	}
	log := &models.TransactionLog{
		PreviousStatus: payment.Status,
		NewStatus:      newStatus,
		EventType:      "WebhookProcessed:" + event.EventType,
		CorrelationID:  payment.CorrelationID,
	}
	if err := p.payments.UpdatePaymentWithLog(ctx, payment.ID, payment.RowVersion, fields, log); err != nil {
		return err
	}
	if p.cache != nil {
		p.cache.Invalidate(ctx, payment.ID)
	}

	topic := eventTopicFor(newStatus)
	if topic != "" {
		p.publish(ctx, topic, payment, newStatus)
	}
	return nil
}

func (p *Processor) publish(ctx context.Context, topic string, payment *models.PaymentTransaction, newStatus models.PaymentStatus) {
	event := map[string]interface{}{
		"event_id":       uuid.New().String(),
		"transaction_id": payment.ID.String(),
		"status":         string(newStatus),
		"provider_name":  payment.ProviderName,
		"timestamp":      time.Now().UTC(),
	}
	if err := p.bus.Publish(ctx, topic, event); err != nil {
		p.logger.Error("failed to publish webhook-driven lifecycle event", zap.String("topic", topic), zap.Error(err))
	}
}

func eventTopicFor(status models.PaymentStatus) string {
	switch status {
	case models.PaymentCompleted:
		return eventbus.TopicPaymentCompleted
	case models.PaymentFailed:
		return eventbus.TopicPaymentFailed
	default:
		return ""
	}
}

func (p *Processor) scheduleRetry(ctx context.Context, event *models.WebhookEvent, reason string) {
	idx := event.ProcessingAttempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(staircase) {
		idx = len(staircase) - 1
	}
	nextRetry := time.Now().UTC().Add(staircase[idx])
	if err := p.webhooks.UpdateWebhookEvent(ctx, event.ID.String(), event.RowVersion, map[string]interface{}{
		"processing_status": models.WebhookFailed,
		"failure_reason":    reason,
		"next_retry_at":     nextRetry,
	}); err != nil {
		p.logger.Error("failed to record webhook processing failure", zap.String("event_id", event.ID.String()), zap.Error(err))
	}
}
