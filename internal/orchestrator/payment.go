// Package orchestrator implements the payment and refund state machines:
// idempotency, routing, persistence, provider invocation, audit logging, and
// event publication.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/payment-orchestrator/internal/apperr"
	"github.com/lexure-intelligence/payment-orchestrator/internal/eventbus"
	"github.com/lexure-intelligence/payment-orchestrator/internal/idempotency"
	"github.com/lexure-intelligence/payment-orchestrator/internal/models"
	"github.com/lexure-intelligence/payment-orchestrator/internal/providers"
	"github.com/lexure-intelligence/payment-orchestrator/internal/resilience"
	"github.com/lexure-intelligence/payment-orchestrator/internal/router"
)

// PaymentRequest is the caller-facing submission accepted by Submit.
type PaymentRequest struct {
	IdempotencyKey    string
	Amount            int64
	Currency          string
	CustomerID        string
	OrderID           string
	Description       string
	ReturnURL         string
	CancelURL         string
	Metadata          map[string]string
	PreferredProvider string
	CorrelationID     string
}

// SubmitResult reports the outcome of Submit, including whether it was a
// duplicate replay of an already-persisted request.
type SubmitResult struct {
	Transaction *models.PaymentTransaction
	Duplicate   bool
}

// PipelineFor resolves the resilience pipeline that should wrap calls to a
// given provider name.
type PipelineFor interface {
	Pipeline(providerName string) *resilience.Pipeline
}

// Invalidator is the status cache's invalidation surface, kept narrow so
// this package doesn't depend on internal/statuscache directly.
type Invalidator interface {
	Invalidate(ctx context.Context, id uuid.UUID)
}

// PaymentOrchestrator implements §4.5: coordinates idempotency, routing,
// persistence, the provider call, audit log, and event emission.
type PaymentOrchestrator struct {
	repo      *Repository
	idem      *idempotency.Store
	router    *router.Router
	registry  *providers.Registry
	pipelines PipelineFor
	bus       eventbus.Bus
	cache     Invalidator // optional; nil disables invalidation
	logger    *zap.Logger
}

func NewPaymentOrchestrator(repo *Repository, idem *idempotency.Store, rt *router.Router, registry *providers.Registry, pipelines PipelineFor, bus eventbus.Bus, cache Invalidator, logger *zap.Logger) *PaymentOrchestrator {
	return &PaymentOrchestrator{repo: repo, idem: idem, router: rt, registry: registry, pipelines: pipelines, bus: bus, cache: cache, logger: logger}
}

func (o *PaymentOrchestrator) invalidate(ctx context.Context, id uuid.UUID) {
	if o.cache != nil {
		o.cache.Invalidate(ctx, id)
	}
}

// Submit implements the full §4.5 algorithm.
func (o *PaymentOrchestrator) Submit(ctx context.Context, req PaymentRequest) (*SubmitResult, error) {
	if err := validatePaymentRequest(req); err != nil {
		return nil, err
	}
	req.Currency = strings.ToUpper(req.Currency)

	// §4.4 steps 1-3: idempotency check with double-checked lock.
	if existing, err := o.repo.FindPaymentByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "idempotency lookup failed", err)
	} else if existing != nil {
		return &SubmitResult{Transaction: existing, Duplicate: true}, nil
	}

	acquired, err := o.idem.AcquireLock(ctx, idempotency.OperationPayment, req.IdempotencyKey, idempotency.DefaultLockTTL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "idempotency lock failed", err)
	}
	if !acquired {
		return nil, apperr.New(apperr.KindConcurrentRequest, "a submission with this idempotency key is already in flight")
	}
	defer func() { _ = o.idem.ReleaseLock(ctx, idempotency.OperationPayment, req.IdempotencyKey) }()

	if existing, err := o.repo.FindPaymentByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "idempotency re-check failed", err)
	} else if existing != nil {
		return &SubmitResult{Transaction: existing, Duplicate: true}, nil
	}

	provider, err := o.router.Select(ctx, req.Currency, req.PreferredProvider)
	if err != nil {
		return nil, err
	}

	payment := &models.PaymentTransaction{
		IdempotencyKey: req.IdempotencyKey,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Status:         models.PaymentPending,
		CustomerID:     req.CustomerID,
		OrderID:        req.OrderID,
		ProviderID:     provider.ID,
		ProviderName:   provider.Name,
		ReturnURL:      req.ReturnURL,
		CancelURL:      req.CancelURL,
		Description:    req.Description,
		Metadata:       req.Metadata,
		CorrelationID:  req.CorrelationID,
	}
	createLog := &models.TransactionLog{
		NewStatus:     models.PaymentPending,
		EventType:     "PaymentCreated",
		CorrelationID: req.CorrelationID,
	}
	if err := o.repo.CreatePaymentWithLog(ctx, payment, createLog); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to persist payment transaction", err)
	}

	o.publish(ctx, eventbus.TopicPaymentCreated, PaymentEvent{
		EventID:        uuid.New().String(),
		TransactionID:  payment.ID.String(),
		IdempotencyKey: payment.IdempotencyKey,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		CustomerID:     payment.CustomerID,
		OrderID:        payment.OrderID,
		ProviderName:   payment.ProviderName,
		Timestamp:      time.Now().UTC(),
		CorrelationID:  payment.CorrelationID,
	})

	adapter, ok := o.registry.Get(provider.Name)
	if !ok {
		return nil, apperr.New(apperr.KindInternal, "no adapter registered for provider "+provider.Name)
	}
	pipeline := o.pipelines.Pipeline(provider.Name)

	var result *providers.PaymentResult
	callErr := pipeline.Call(ctx, func(attemptCtx context.Context) error {
		res, err := adapter.ProcessPayment(attemptCtx, providers.PaymentRequest{
			IdempotencyKey: req.IdempotencyKey,
			Amount:         req.Amount,
			Currency:       req.Currency,
			CustomerID:     req.CustomerID,
			OrderID:        req.OrderID,
			Description:    req.Description,
			ReturnURL:      req.ReturnURL,
			CancelURL:      req.CancelURL,
			Metadata:       req.Metadata,
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	})

	if callErr != nil {
		o.markFailed(ctx, payment, callErr)
		if err := o.idem.StoreResult(ctx, idempotency.OperationPayment, req.IdempotencyKey, payment.ID.String(), idempotency.DefaultResultTTL); err != nil {
			o.logger.Warn("failed to cache idempotency result", zap.Error(err))
		}
		return &SubmitResult{Transaction: payment}, nil
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
	updateLog := &models.TransactionLog{
		PreviousStatus: models.PaymentPending,
		NewStatus:      newStatus,
		EventType:      "PaymentProviderAccepted",
		CorrelationID:  req.CorrelationID,
	}
	if err := o.repo.UpdatePaymentWithLog(ctx, payment.ID, payment.RowVersion, fields, updateLog); err != nil {
		o.logger.Error("failed to persist successful provider response; reconciliation required", zap.String("transaction_id", payment.ID.String()), zap.Error(err))
	} else {
		payment.Status = newStatus
		payment.ProviderTransactionID = result.ProviderTransactionID
		payment.PaymentURL = result.PaymentURL
		payment.RowVersion++
		o.invalidate(ctx, payment.ID)
		if completedAt != nil {
			payment.CompletedAt = completedAt
			o.publish(ctx, eventbus.TopicPaymentCompleted, o.toEvent(payment))
		}
	}

	if err := o.idem.StoreResult(ctx, idempotency.OperationPayment, req.IdempotencyKey, payment.ID.String(), idempotency.DefaultResultTTL); err != nil {
		o.logger.Warn("failed to cache idempotency result", zap.Error(err))
	}

	return &SubmitResult{Transaction: payment}, nil
}

func (o *PaymentOrchestrator) markFailed(ctx context.Context, payment *models.PaymentTransaction, callErr error) {
	errCode, errMsg := errorCodeAndMessage(callErr)
	fields := map[string]interface{}{
		"status":              models.PaymentFailed,
		"error_message":       errMsg,
		"provider_error_code": errCode,
	}
	failLog := &models.TransactionLog{
		PreviousStatus: models.PaymentPending,
		NewStatus:      models.PaymentFailed,
		EventType:      "PaymentProviderRejected",
		ErrorDetails:   errMsg,
		CorrelationID:  payment.CorrelationID,
	}
	if err := o.repo.UpdatePaymentWithLog(ctx, payment.ID, payment.RowVersion, fields, failLog); err != nil {
		o.logger.Error("failed to persist payment failure", zap.String("transaction_id", payment.ID.String()), zap.Error(err))
		return
	}
	payment.Status = models.PaymentFailed
	payment.ErrorMessage = errMsg
	payment.ProviderErrorCode = errCode
	payment.RowVersion++
	o.invalidate(ctx, payment.ID)

	o.publish(ctx, eventbus.TopicPaymentFailed, o.toEvent(payment))
}

func (o *PaymentOrchestrator) toEvent(payment *models.PaymentTransaction) PaymentEvent {
	return PaymentEvent{
		EventID:               uuid.New().String(),
		TransactionID:         payment.ID.String(),
		IdempotencyKey:        payment.IdempotencyKey,
		Amount:                payment.Amount,
		Currency:              payment.Currency,
		CustomerID:            payment.CustomerID,
		OrderID:               payment.OrderID,
		ProviderName:          payment.ProviderName,
		ProviderTransactionID: payment.ProviderTransactionID,
		Timestamp:             time.Now().UTC(),
		ErrorMessage:          payment.ErrorMessage,
		ErrorCode:             payment.ProviderErrorCode,
		CorrelationID:         payment.CorrelationID,
	}
}

func (o *PaymentOrchestrator) publish(ctx context.Context, topic string, event interface{}) {
	if err := o.bus.Publish(ctx, topic, event); err != nil {
		o.logger.Error("failed to publish event", zap.String("topic", topic), zap.Error(err))
	}
}

// GetByID is the Status Read Service's durable-store fallback path.
func (o *PaymentOrchestrator) GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	tx, err := o.repo.GetPaymentByID(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load payment transaction", err)
	}
	if tx == nil {
		return nil, apperr.New(apperr.KindValidation, "payment transaction not found")
	}
	return tx, nil
}

func validatePaymentRequest(req PaymentRequest) error {
	if req.IdempotencyKey == "" {
		return apperr.New(apperr.KindValidation, "idempotency key is required")
	}
	if req.Amount <= 0 {
		return apperr.New(apperr.KindValidation, "amount must be positive")
	}
	if len(req.Currency) != 3 {
		return apperr.New(apperr.KindValidation, "currency must be a 3-letter ISO-4217 code")
	}
	if req.CustomerID == "" {
		return apperr.New(apperr.KindValidation, "customer_id is required")
	}
	if req.OrderID == "" {
		return apperr.New(apperr.KindValidation, "order_id is required")
	}
	return nil
}

func errorCodeAndMessage(err error) (string, string) {
	if perr, ok := err.(*providers.ProviderError); ok {
		return perr.Code, perr.Message
	}
	if _, ok := err.(*resilience.ErrCircuitOpen); ok {
		return "circuit_open", err.Error()
	}
	return "", err.Error()
}
