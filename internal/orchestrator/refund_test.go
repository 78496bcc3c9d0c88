package orchestrator

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/payment-orchestrator/internal/apperr"
	"github.com/lexure-intelligence/payment-orchestrator/internal/idempotency"
	"github.com/lexure-intelligence/payment-orchestrator/internal/models"
	"github.com/lexure-intelligence/payment-orchestrator/internal/providers"
	"github.com/lexure-intelligence/payment-orchestrator/internal/resilience"
)

func newTestRefundOrchestrator(t *testing.T, adapter *fakePayAdapter) (*RefundOrchestrator, sqlmock.Sqlmock, *fakeOrchBus) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{})
	require.NoError(t, err)
	repo := NewRepository(gormDB)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	breaker := resilience.NewBreaker(redisClient, zap.NewNop(), nil)
	registry := providers.NewRegistry()
	registry.Register(adapter)
	idem := idempotency.NewStore(redisClient)
	bus := &fakeOrchBus{}

	orch := NewRefundOrchestrator(repo, idem, registry, &fakePipelines{breaker: breaker}, bus, &fakeOrchInvalidator{}, zap.NewNop())
	return orch, mock, bus
}

func TestRefundOrchestrator_Submit_RejectsNonPositiveAmount(t *testing.T) {
	orch, _, _ := newTestRefundOrchestrator(t, &fakePayAdapter{name: "stripe"})

	_, err := orch.Submit(context.Background(), RefundRequest{IdempotencyKey: "k", PaymentTransactionID: uuid.New(), Amount: 0})
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRefundOrchestrator_Submit_RejectsUnknownParentPayment(t *testing.T) {
	orch, mock, _ := newTestRefundOrchestrator(t, &fakePayAdapter{name: "stripe"})
	paymentID := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM "refund_transactions" WHERE idempotency_key = \$1`).
		WithArgs("refund-1").
		WillReturnError(gorm.ErrRecordNotFound)
	mock.ExpectQuery(`SELECT \* FROM "refund_transactions" WHERE idempotency_key = \$1`).
		WithArgs("refund-1").
		WillReturnError(gorm.ErrRecordNotFound)
	mock.ExpectQuery(`SELECT \* FROM "payment_transactions" WHERE id = \$1`).
		WithArgs(paymentID).
		WillReturnError(gorm.ErrRecordNotFound)

	_, err := orch.Submit(context.Background(), RefundRequest{
		IdempotencyKey: "refund-1", PaymentTransactionID: paymentID, Amount: 500,
	})
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRefundOrchestrator_Submit_RejectsAmountExceedingRemainingBalance(t *testing.T) {
	orch, mock, _ := newTestRefundOrchestrator(t, &fakePayAdapter{name: "stripe"})
	paymentID := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM "refund_transactions" WHERE idempotency_key = \$1`).
		WithArgs("refund-2").
		WillReturnError(gorm.ErrRecordNotFound)
	mock.ExpectQuery(`SELECT \* FROM "refund_transactions" WHERE idempotency_key = \$1`).
		WithArgs("refund-2").
		WillReturnError(gorm.ErrRecordNotFound)
	mock.ExpectQuery(`SELECT \* FROM "payment_transactions" WHERE id = \$1`).
		WithArgs(paymentID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "amount", "provider_name", "row_version"}).
			AddRow(paymentID, models.PaymentCompleted, int64(1000), "stripe", int64(1)))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM "refund_transactions"`).
		WithArgs(paymentID, models.RefundCompleted).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))

	_, err := orch.Submit(context.Background(), RefundRequest{
		IdempotencyKey: "refund-2", PaymentTransactionID: paymentID, Amount: 5000,
	})
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRefundOrchestrator_Submit_DuplicateReturnsExisting(t *testing.T) {
	orch, mock, bus := newTestRefundOrchestrator(t, &fakePayAdapter{name: "stripe"})
	existingID := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM "refund_transactions" WHERE idempotency_key = \$1`).
		WithArgs("refund-dup").
		WillReturnRows(sqlmock.NewRows([]string{"id", "idempotency_key", "status"}).
			AddRow(existingID, "refund-dup", models.RefundCompleted))

	result, err := orch.Submit(context.Background(), RefundRequest{
		IdempotencyKey: "refund-dup", PaymentTransactionID: uuid.New(), Amount: 500,
	})
	require.NoError(t, err)
	require.True(t, result.Duplicate)
	require.Equal(t, existingID, result.Refund.ID)
	require.Empty(t, bus.published)
}
