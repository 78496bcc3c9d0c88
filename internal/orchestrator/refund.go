package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/payment-orchestrator/internal/apperr"
	"github.com/lexure-intelligence/payment-orchestrator/internal/eventbus"
	"github.com/lexure-intelligence/payment-orchestrator/internal/idempotency"
	"github.com/lexure-intelligence/payment-orchestrator/internal/models"
	"github.com/lexure-intelligence/payment-orchestrator/internal/providers"
)

// RefundRequest is the caller-facing submission accepted by Submit.
type RefundRequest struct {
	IdempotencyKey       string
	PaymentTransactionID uuid.UUID
	Amount               int64
	Reason               string
	CorrelationID        string
}

// RefundSubmitResult reports the outcome of Submit, including whether it was
// a duplicate replay of an already-persisted request.
type RefundSubmitResult struct {
	Refund    *models.RefundTransaction
	Duplicate bool
}

// RefundOrchestrator implements §4.6: validates against the parent payment's
// remaining refundable amount, persists, invokes the provider, and reconciles
// the parent's status.
type RefundOrchestrator struct {
	repo      *Repository
	idem      *idempotency.Store
	registry  *providers.Registry
	pipelines PipelineFor
	bus       eventbus.Bus
	cache     Invalidator // optional; nil disables invalidation
	logger    *zap.Logger
}

func NewRefundOrchestrator(repo *Repository, idem *idempotency.Store, registry *providers.Registry, pipelines PipelineFor, bus eventbus.Bus, cache Invalidator, logger *zap.Logger) *RefundOrchestrator {
	return &RefundOrchestrator{repo: repo, idem: idem, registry: registry, pipelines: pipelines, bus: bus, cache: cache, logger: logger}
}

func (o *RefundOrchestrator) invalidate(ctx context.Context, id uuid.UUID) {
	if o.cache != nil {
		o.cache.Invalidate(ctx, id)
	}
}

// Submit implements the full §4.6 algorithm.
func (o *RefundOrchestrator) Submit(ctx context.Context, req RefundRequest) (*RefundSubmitResult, error) {
	if err := validateRefundRequest(req); err != nil {
		return nil, err
	}

	if existing, err := o.repo.FindRefundByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "idempotency lookup failed", err)
	} else if existing != nil {
		return &RefundSubmitResult{Refund: existing, Duplicate: true}, nil
	}

	acquired, err := o.idem.AcquireLock(ctx, idempotency.OperationRefund, req.IdempotencyKey, idempotency.DefaultLockTTL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "idempotency lock failed", err)
	}
	if !acquired {
		return nil, apperr.New(apperr.KindConcurrentRequest, "a refund with this idempotency key is already in flight")
	}
	defer func() { _ = o.idem.ReleaseLock(ctx, idempotency.OperationRefund, req.IdempotencyKey) }()

	if existing, err := o.repo.FindRefundByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "idempotency re-check failed", err)
	} else if existing != nil {
		return &RefundSubmitResult{Refund: existing, Duplicate: true}, nil
	}

	parent, err := o.repo.GetPaymentByID(ctx, req.PaymentTransactionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load parent payment", err)
	}
	if parent == nil {
		return nil, apperr.New(apperr.KindValidation, "payment transaction not found")
	}
	if parent.Status != models.PaymentCompleted && parent.Status != models.PaymentPartiallyRefunded {
		return nil, apperr.New(apperr.KindValidation, "payment transaction is not in a refundable state")
	}

	refundedSoFar, err := o.repo.SumCompletedRefunds(ctx, parent.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to sum completed refunds", err)
	}
	remaining := parent.Amount - refundedSoFar
	if req.Amount <= 0 || req.Amount > remaining {
		return nil, apperr.New(apperr.KindValidation, "refund amount exceeds remaining refundable balance")
	}
	refundType := models.RefundTypePartial
	if req.Amount == remaining {
		refundType = models.RefundTypeFull
	}

	refund := &models.RefundTransaction{
		IdempotencyKey:       req.IdempotencyKey,
		PaymentTransactionID: parent.ID,
		ProviderID:           parent.ProviderID,
		Amount:               req.Amount,
		Currency:             parent.Currency,
		Status:               models.RefundPending,
		RefundType:           refundType,
		Reason:               req.Reason,
		CorrelationID:        req.CorrelationID,
	}
	createLog := &models.TransactionLog{
		NewStatus:     models.PaymentStatus(models.RefundPending),
		EventType:     "RefundInitiated",
		CorrelationID: req.CorrelationID,
	}
	if err := o.repo.CreateRefundWithLog(ctx, refund, createLog, nil); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to persist refund transaction", err)
	}

	o.publish(ctx, eventbus.TopicRefundInitiated, o.toEvent(refund))

	adapter, ok := o.registry.Get(parent.ProviderName)
	if !ok {
		return nil, apperr.New(apperr.KindInternal, "no adapter registered for provider "+parent.ProviderName)
	}
	pipeline := o.pipelines.Pipeline(parent.ProviderName)

	var result *providers.RefundResult
	callErr := pipeline.Call(ctx, func(attemptCtx context.Context) error {
		res, err := adapter.ProcessRefund(attemptCtx, providers.RefundRequest{
			IdempotencyKey:         req.IdempotencyKey,
			ProviderTransactionID: parent.ProviderTransactionID,
			Amount:                 req.Amount,
			Currency:               parent.Currency,
			Reason:                 req.Reason,
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	})

	if callErr != nil {
		o.markFailed(ctx, refund, callErr)
		o.finalizeIdempotency(ctx, req.IdempotencyKey, refund.ID)
		return &RefundSubmitResult{Refund: refund}, nil
	}

	newParentStatus := models.PaymentPartiallyRefunded
	if refundType == models.RefundTypeFull {
		newParentStatus = models.PaymentRefunded
	}

	fields := map[string]interface{}{
		"status":             models.RefundCompleted,
		"provider_refund_id": result.ProviderRefundID,
	}
	updateLog := &models.TransactionLog{
		PreviousStatus: models.PaymentStatus(models.RefundPending),
		NewStatus:      models.PaymentStatus(models.RefundCompleted),
		EventType:      "RefundProviderAccepted",
		CorrelationID:  req.CorrelationID,
	}
	if err := o.repo.UpdateRefundWithLog(ctx, refund.ID, refund.RowVersion, fields, updateLog); err != nil {
		o.logger.Error("failed to persist refund completion; reconciliation required", zap.String("refund_id", refund.ID.String()), zap.Error(err))
	} else {
		refund.Status = models.RefundCompleted
		refund.ProviderRefundID = result.ProviderRefundID
		refund.RowVersion++
	}

	parentFields := map[string]interface{}{"status": newParentStatus}
	parentLog := &models.TransactionLog{
		PreviousStatus: parent.Status,
		NewStatus:      newParentStatus,
		EventType:      "RefundAppliedToParent",
		CorrelationID:  req.CorrelationID,
	}
	if err := o.repo.UpdatePaymentWithLog(ctx, parent.ID, parent.RowVersion, parentFields, parentLog); err != nil {
		o.logger.Error("failed to apply refund status to parent payment; reconciliation required", zap.String("payment_id", parent.ID.String()), zap.Error(err))
	} else {
		o.invalidate(ctx, parent.ID)
	}

	o.publish(ctx, eventbus.TopicRefundCompleted, o.toEvent(refund))
	o.finalizeIdempotency(ctx, req.IdempotencyKey, refund.ID)

	return &RefundSubmitResult{Refund: refund}, nil
}

func (o *RefundOrchestrator) markFailed(ctx context.Context, refund *models.RefundTransaction, callErr error) {
	_, errMsg := errorCodeAndMessage(callErr)
	fields := map[string]interface{}{
		"status":        models.RefundFailed,
		"error_message": errMsg,
	}
	failLog := &models.TransactionLog{
		PreviousStatus: models.PaymentStatus(models.RefundPending),
		NewStatus:      models.PaymentStatus(models.RefundFailed),
		EventType:      "RefundProviderRejected",
		ErrorDetails:   errMsg,
		CorrelationID:  refund.CorrelationID,
	}
	if err := o.repo.UpdateRefundWithLog(ctx, refund.ID, refund.RowVersion, fields, failLog); err != nil {
		o.logger.Error("failed to persist refund failure", zap.String("refund_id", refund.ID.String()), zap.Error(err))
		return
	}
	refund.Status = models.RefundFailed
	refund.ErrorMessage = errMsg
	refund.RowVersion++

	o.publish(ctx, eventbus.TopicRefundFailed, o.toEvent(refund))
}

func (o *RefundOrchestrator) finalizeIdempotency(ctx context.Context, key string, refundID uuid.UUID) {
	if err := o.idem.StoreResult(ctx, idempotency.OperationRefund, key, refundID.String(), idempotency.DefaultResultTTL); err != nil {
		o.logger.Warn("failed to cache idempotency result", zap.Error(err))
	}
}

func (o *RefundOrchestrator) toEvent(refund *models.RefundTransaction) RefundEvent {
	return RefundEvent{
		EventID:              uuid.New().String(),
		TransactionID:        refund.ID.String(),
		PaymentTransactionID: refund.PaymentTransactionID.String(),
		IdempotencyKey:       refund.IdempotencyKey,
		Amount:               refund.Amount,
		Currency:             refund.Currency,
		ProviderRefundID:     refund.ProviderRefundID,
		Timestamp:            time.Now().UTC(),
		ErrorMessage:         refund.ErrorMessage,
		CorrelationID:        refund.CorrelationID,
	}
}

func (o *RefundOrchestrator) publish(ctx context.Context, topic string, event interface{}) {
	if err := o.bus.Publish(ctx, topic, event); err != nil {
		o.logger.Error("failed to publish event", zap.String("topic", topic), zap.Error(err))
	}
}

func validateRefundRequest(req RefundRequest) error {
	if req.IdempotencyKey == "" {
		return apperr.New(apperr.KindValidation, "idempotency key is required")
	}
	if req.PaymentTransactionID == uuid.Nil {
		return apperr.New(apperr.KindValidation, "payment_transaction_id is required")
	}
	if req.Amount <= 0 {
		return apperr.New(apperr.KindValidation, "amount must be positive")
	}
	return nil
}
