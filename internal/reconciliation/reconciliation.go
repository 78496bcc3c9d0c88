// Package reconciliation runs the scheduled job that reconciles stale
// Pending/Processing payment transactions against provider-reported truth,
// and recovers the one crash window the at-most-once charge invariant
// actually leaves open: a Pending row persisted just before the process
// died mid-call, so no one knows whether the provider charged the customer.
// Grounded on the sync-ticker loop shape used for provider synchronization.
//
// The other crash window described for idempotency locks — a lock acquired
// but the row never persisted at all — is not handled here because it does
// not need to be: that lock carries a TTL, so it self-expires and the next
// caller with the same key simply acquires it and proceeds as if nothing
// happened. There is no row to lose and nothing for this job to find.
package reconciliation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/payment-orchestrator/internal/eventbus"
	"github.com/lexure-intelligence/payment-orchestrator/internal/models"
	"github.com/lexure-intelligence/payment-orchestrator/internal/providers"
)

// Repository is the durable-store surface the reconciliation job needs.
type Repository interface {
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentTransaction, error)
	AppendDiscrepancyLog(ctx context.Context, paymentID uuid.UUID, message string) error
	UpdatePaymentWithLog(ctx context.Context, id uuid.UUID, expectedVersion int64, fields map[string]interface{}, logEntry *models.TransactionLog) error
}

// WebhookRepository is the narrow WebhookEvent surface the job needs to
// recover events whose staircase retry has come due; satisfied by
// webhook.GormRepository.
type WebhookRepository interface {
	ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]models.WebhookEvent, error)
}

// WebhookRetrier re-enqueues a due webhook event for processing; satisfied
// by *webhook.Processor.
type WebhookRetrier interface {
	RetryDue(eventID string)
}

// Config tunes the reconciliation job.
type Config struct {
	Interval   time.Duration // default 5m
	StaleAfter time.Duration // default 10m
	BatchSize  int           // default 100
}

func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute, StaleAfter: 10 * time.Minute, BatchSize: 100}
}

// Job implements the scheduled reconciliation described in SPEC_FULL.md: it
// does not auto-resolve discrepancies, it only surfaces them.
type Job struct {
	repo     Repository
	webhooks WebhookRepository // optional; nil disables webhook retry recovery
	retrier  WebhookRetrier    // optional; nil disables webhook retry recovery
	registry *providers.Registry
	bus      eventbus.Bus
	cfg      Config
	logger   *zap.Logger

	ticker   *time.Ticker
	stopChan chan struct{}
}

func New(repo Repository, registry *providers.Registry, bus eventbus.Bus, cfg Config, logger *zap.Logger) *Job {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Job{repo: repo, registry: registry, bus: bus, cfg: cfg, logger: logger, stopChan: make(chan struct{})}
}

// WithWebhookRetry wires in webhook retry recovery: each tick, events whose
// staircase next_retry_at has elapsed are re-enqueued onto the processor's
// work queue. Without this, a webhook event dropped from the bounded queue
// during a backlog would only retry after a manual trigger.
func (j *Job) WithWebhookRetry(webhooks WebhookRepository, retrier WebhookRetrier) *Job {
	j.webhooks = webhooks
	j.retrier = retrier
	return j
}

// Run starts the ticker loop; it blocks until ctx is cancelled or Stop is
// called.
func (j *Job) Run(ctx context.Context) {
	j.ticker = time.NewTicker(j.cfg.Interval)
	defer j.ticker.Stop()

	if err := j.runOnce(ctx); err != nil {
		j.logger.Error("initial reconciliation pass failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("reconciliation loop stopped due to context cancellation")
			return
		case <-j.stopChan:
			j.logger.Info("reconciliation loop stopped")
			return
		case <-j.ticker.C:
			if err := j.runOnce(ctx); err != nil {
				j.logger.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

func (j *Job) Stop() { close(j.stopChan) }

func (j *Job) runOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-j.cfg.StaleAfter)
	stale, err := j.repo.ListStale(ctx, cutoff, j.cfg.BatchSize)
	if err != nil {
		return err
	}
	j.logger.Info("reconciliation pass", zap.Int("stale_count", len(stale)))

	for _, tx := range stale {
		j.reconcileOne(ctx, tx)
	}

	j.retryDueWebhooks(ctx)
	return nil
}

func (j *Job) retryDueWebhooks(ctx context.Context) {
	if j.webhooks == nil || j.retrier == nil {
		return
	}
	due, err := j.webhooks.ListDueForRetry(ctx, time.Now().UTC(), j.cfg.BatchSize)
	if err != nil {
		j.logger.Error("failed to list webhook events due for retry", zap.Error(err))
		return
	}
	for _, event := range due {
		j.retrier.RetryDue(event.ID.String())
	}
}

func (j *Job) reconcileOne(ctx context.Context, tx models.PaymentTransaction) {
	adapter, ok := j.registry.Get(tx.ProviderName)
	if !ok {
		return
	}

	if tx.ProviderTransactionID == "" {
		j.recoverCrashedSubmission(ctx, adapter, tx)
		return
	}

	result, err := adapter.GetStatus(ctx, tx.ProviderTransactionID)
	if err != nil {
		j.logger.Warn("reconciliation status check failed", zap.String("transaction_id", tx.ID.String()), zap.Error(err))
		return
	}

	if normalizedStatus(result.Status) == string(tx.Status) {
		return
	}

	message := "provider reports " + result.Status + " but durable store holds " + string(tx.Status)
	if err := j.repo.AppendDiscrepancyLog(ctx, tx.ID, message); err != nil {
		j.logger.Error("failed to append reconciliation discrepancy log", zap.String("transaction_id", tx.ID.String()), zap.Error(err))
		return
	}

	j.publish(ctx, tx, result.Status)
}

// recoverCrashedSubmission handles a transaction that was persisted as
// Pending but never recorded a provider_transaction_id: the process died
// somewhere between CreatePaymentWithLog and the provider's response being
// written back. Whether the provider actually charged the customer is
// unknown from the durable store alone, so this replays ProcessPayment with
// the original idempotency key. Every adapter's provider treats that key as
// a dedup token on its own side (Stripe's Idempotency-Key, PayPal's
// PayPal-Request-Id, ...), so a replay either returns the original charge's
// outcome or safely creates it for the first time — never a second charge.
func (j *Job) recoverCrashedSubmission(ctx context.Context, adapter providers.Adapter, tx models.PaymentTransaction) {
	result, err := adapter.ProcessPayment(ctx, providers.PaymentRequest{
		IdempotencyKey: tx.IdempotencyKey,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		CustomerID:     tx.CustomerID,
		OrderID:        tx.OrderID,
		Description:    tx.Description,
		ReturnURL:      tx.ReturnURL,
		CancelURL:      tx.CancelURL,
		Metadata:       tx.Metadata,
	})
	if err != nil {
		j.logger.Warn("crash-window recovery replay failed, will retry next pass",
			zap.String("transaction_id", tx.ID.String()), zap.Error(err))
		return
	}
	if !result.Success {
		j.logger.Warn("crash-window recovery replay rejected by provider",
			zap.String("transaction_id", tx.ID.String()), zap.String("error_code", result.ErrorCode))
		return
	}

	newStatus := models.PaymentProcessing
	var completedAt *time.Time
	if result.SynchronouslyCompleted {
		newStatus = models.PaymentCompleted
		now := time.Now().UTC()
		completedAt = &now
	}

	fields := map[string]interface{}{
		"status":                  newStatus,
		"provider_transaction_id": result.ProviderTransactionID,
		"payment_url":             result.PaymentURL,
	}
	if completedAt != nil {
		fields["completed_at"] = *completedAt
	}
	recoveryLog := &models.TransactionLog{
		PreviousStatus: tx.Status,
		NewStatus:      newStatus,
		EventType:      "ReconciliationCrashRecovery",
		CorrelationID:  tx.CorrelationID,
	}
	if err := j.repo.UpdatePaymentWithLog(ctx, tx.ID, tx.RowVersion, fields, recoveryLog); err != nil {
		j.logger.Error("failed to persist crash-window recovery", zap.String("transaction_id", tx.ID.String()), zap.Error(err))
		return
	}

	j.logger.Info("recovered crashed submission via idempotency-key replay",
		zap.String("transaction_id", tx.ID.String()), zap.String("provider_transaction_id", result.ProviderTransactionID))

	event := map[string]interface{}{
		"transaction_id":          tx.ID.String(),
		"provider_transaction_id": result.ProviderTransactionID,
		"recovered_status":        string(newStatus),
		"timestamp":               time.Now().UTC(),
	}
	if err := j.bus.Publish(ctx, eventbus.TopicReconciliationDiscrepancy, event); err != nil {
		j.logger.Error("failed to publish reconciliation recovery event", zap.Error(err))
	}
}

func (j *Job) publish(ctx context.Context, tx models.PaymentTransaction, providerStatus string) {
	event := map[string]interface{}{
		"transaction_id":  tx.ID.String(),
		"local_status":    string(tx.Status),
		"provider_status": providerStatus,
		"timestamp":       time.Now().UTC(),
	}
	if err := j.bus.Publish(ctx, eventbus.TopicReconciliationDiscrepancy, event); err != nil {
		j.logger.Error("failed to publish reconciliation discrepancy", zap.Error(err))
	}
}

// normalizedStatus maps a provider-native status string onto our own
// PaymentStatus vocabulary for the discrepancy comparison; unrecognized
// provider statuses never match and always surface a discrepancy for human
// review rather than silently passing.
func normalizedStatus(providerStatus string) string {
	switch providerStatus {
	case "succeeded", "completed", "captured", "paid":
		return string(models.PaymentCompleted)
	case "failed", "canceled", "cancelled", "declined":
		return string(models.PaymentFailed)
	case "processing", "pending", "requires_action", "requires_capture":
		return string(models.PaymentProcessing)
	default:
		return "__unrecognized__"
	}
}
