package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/payment-orchestrator/internal/apperr"
	"github.com/lexure-intelligence/payment-orchestrator/internal/models"
)

// Repository is the durable-store gateway the orchestrators depend on. Every
// write that changes a transaction's status also appends its TransactionLog
// row in the same durable transaction, per the audit-completeness property.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FindPaymentByIdempotencyKey(ctx context.Context, key string) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *Repository) GetPaymentByID(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetPaymentByProviderTransactionID resolves the payment a webhook event's
// conventional transaction-id field refers to.
func (r *Repository) GetPaymentByProviderTransactionID(ctx context.Context, providerTransactionID string) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	err := r.db.WithContext(ctx).Where("provider_transaction_id = ?", providerTransactionID).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// CreatePaymentWithLog persists a new PaymentTransaction and its initial
// TransactionLog row atomically.
func (r *Repository) CreatePaymentWithLog(ctx context.Context, payment *models.PaymentTransaction, logEntry *models.TransactionLog) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(payment).Error; err != nil {
			return err
		}
		logEntry.PaymentTransactionID = payment.ID
		return tx.Create(logEntry).Error
	})
}

// UpdatePaymentWithLog applies fields to a PaymentTransaction guarded by its
// optimistic row_version, and appends a TransactionLog row in the same
// durable transaction. Returns apperr.KindConcurrencyConflict if another
// writer won the race.
func (r *Repository) UpdatePaymentWithLog(ctx context.Context, id uuid.UUID, expectedVersion int64, fields map[string]interface{}, logEntry *models.TransactionLog) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fields["row_version"] = expectedVersion + 1
		fields["updated_at"] = time.Now().UTC()

		result := tx.Model(&models.PaymentTransaction{}).
			Where("id = ? AND row_version = ?", id, expectedVersion).
			Updates(fields)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperr.New(apperr.KindConcurrencyConflict, "payment transaction version mismatch")
		}

		logEntry.PaymentTransactionID = id
		return tx.Create(logEntry).Error
	})
}

func (r *Repository) FindRefundByIdempotencyKey(ctx context.Context, key string) (*models.RefundTransaction, error) {
	var refund models.RefundTransaction
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&refund).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

// SumCompletedRefunds returns Σ amount of Completed refunds for paymentID.
func (r *Repository) SumCompletedRefunds(ctx context.Context, paymentID uuid.UUID) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.RefundTransaction{}).
		Where("payment_transaction_id = ? AND status = ?", paymentID, models.RefundCompleted).
		Select("COALESCE(SUM(amount), 0)").Scan(&total).Error
	return total, err
}

// CreateRefundWithLog persists a new RefundTransaction and, in the same
// durable transaction, updates the parent payment's status (Refunded or
// PartiallyRefunded) with its own audit-log row when the refund is created
// already-Completed (synchronous provider refund). With a nil parentUpdate
// only the refund and its log row are written; RefundOrchestrator.Submit
// passes nil and updates the parent itself after the provider call.
func (r *Repository) CreateRefundWithLog(ctx context.Context, refund *models.RefundTransaction, logEntry *models.TransactionLog, parentUpdate *ParentUpdate) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(refund).Error; err != nil {
			return err
		}
		logEntry.PaymentTransactionID = refund.PaymentTransactionID
		if err := tx.Create(logEntry).Error; err != nil {
			return err
		}
		if parentUpdate == nil {
			return nil
		}

		fields := map[string]interface{}{
			"status":      parentUpdate.NewStatus,
			"row_version": parentUpdate.ExpectedVersion + 1,
			"updated_at":  time.Now().UTC(),
		}
		result := tx.Model(&models.PaymentTransaction{}).
			Where("id = ? AND row_version = ?", refund.PaymentTransactionID, parentUpdate.ExpectedVersion).
			Updates(fields)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperr.New(apperr.KindConcurrencyConflict, "payment transaction version mismatch during refund")
		}
		parentLog := &models.TransactionLog{
			PaymentTransactionID: refund.PaymentTransactionID,
			PreviousStatus:       parentUpdate.PreviousStatus,
			NewStatus:            parentUpdate.NewStatus,
			EventType:            "RefundAppliedToParent",
			CorrelationID:        logEntry.CorrelationID,
		}
		return tx.Create(parentLog).Error
	})
}

// UpdateRefundWithLog applies a status transition to a RefundTransaction.
func (r *Repository) UpdateRefundWithLog(ctx context.Context, id uuid.UUID, expectedVersion int64, fields map[string]interface{}, logEntry *models.TransactionLog) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fields["row_version"] = expectedVersion + 1
		fields["updated_at"] = time.Now().UTC()

		result := tx.Model(&models.RefundTransaction{}).
			Where("id = ? AND row_version = ?", id, expectedVersion).
			Updates(fields)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperr.New(apperr.KindConcurrencyConflict, "refund transaction version mismatch")
		}
		return tx.Create(logEntry).Error
	})
}

// ParentUpdate describes the payment-side status change a refund causes.
type ParentUpdate struct {
	PreviousStatus  models.PaymentStatus
	NewStatus       models.PaymentStatus
	ExpectedVersion int64
}

func (r *Repository) ListActiveByCurrency(ctx context.Context, currencyUpper string) ([]models.PaymentProvider, error) {
	var list []models.PaymentProvider
	err := r.db.WithContext(ctx).
		Where("status IN ?", []models.ProviderStatus{models.ProviderActive, models.ProviderDegraded}).
		Find(&list).Error
	if err != nil {
		return nil, err
	}
	filtered := list[:0]
	for _, p := range list {
		if p.SupportsCurrency(currencyUpper) {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

func (r *Repository) GetProviderByName(ctx context.Context, name string) (*models.PaymentProvider, error) {
	var p models.PaymentProvider
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListStale returns Pending/Processing transactions last updated before
// olderThan, the reconciliation job's scan target.
func (r *Repository) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentTransaction, error) {
	var list []models.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []models.PaymentStatus{models.PaymentPending, models.PaymentProcessing}, olderThan).
		Order("updated_at ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

// AppendDiscrepancyLog records a reconciliation finding without mutating the
// transaction's status; resolution is a human/operational decision.
func (r *Repository) AppendDiscrepancyLog(ctx context.Context, paymentID uuid.UUID, message string) error {
	return r.db.WithContext(ctx).Create(&models.TransactionLog{
		PaymentTransactionID: paymentID,
		EventType:            "ReconciliationDiscrepancy",
		Message:              message,
	}).Error
}
