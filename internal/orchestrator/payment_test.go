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
	"github.com/lexure-intelligence/payment-orchestrator/internal/eventbus"
	"github.com/lexure-intelligence/payment-orchestrator/internal/idempotency"
	"github.com/lexure-intelligence/payment-orchestrator/internal/models"
	"github.com/lexure-intelligence/payment-orchestrator/internal/providers"
	"github.com/lexure-intelligence/payment-orchestrator/internal/resilience"
	"github.com/lexure-intelligence/payment-orchestrator/internal/router"
)

type fakePipelines struct{ breaker *resilience.Breaker }

func (f *fakePipelines) Pipeline(providerName string) *resilience.Pipeline {
	return resilience.NewPipeline(providerName, resilience.DefaultConfig(), f.breaker, zap.NewNop())
}

type fakeOrchBus struct{ published []string }

func (f *fakeOrchBus) Publish(ctx context.Context, topic string, payload interface{}) error {
	f.published = append(f.published, topic)
	return nil
}
func (f *fakeOrchBus) PublishAsync(ctx context.Context, topic string, payload interface{}) error {
	return nil
}
func (f *fakeOrchBus) Subscribe(ctx context.Context, topic string, handler eventbus.EventHandler) (eventbus.Subscription, error) {
	return nil, nil
}
func (f *fakeOrchBus) Close() error { return nil }

type fakeOrchInvalidator struct{ invalidated []uuid.UUID }

func (f *fakeOrchInvalidator) Invalidate(ctx context.Context, id uuid.UUID) {
	f.invalidated = append(f.invalidated, id)
}

type fakePayAdapter struct {
	name      string
	result    *providers.PaymentResult
	err       error
	refundRes *providers.RefundResult
	refundErr error
}

func (f *fakePayAdapter) Name() string { return f.name }
func (f *fakePayAdapter) ProcessPayment(ctx context.Context, req providers.PaymentRequest) (*providers.PaymentResult, error) {
	return f.result, f.err
}
func (f *fakePayAdapter) GetStatus(ctx context.Context, id string) (*providers.StatusResult, error) {
	return nil, nil
}
func (f *fakePayAdapter) ProcessRefund(ctx context.Context, req providers.RefundRequest) (*providers.RefundResult, error) {
	return f.refundRes, f.refundErr
}
func (f *fakePayAdapter) ValidateWebhook(ctx context.Context, payload []byte, headers providers.WebhookHeaders, ip string) (bool, error) {
	return true, nil
}

func newTestOrchestrator(t *testing.T, adapter *fakePayAdapter) (*PaymentOrchestrator, sqlmock.Sqlmock, *fakeOrchBus, *fakeOrchInvalidator) {
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
	rt := router.New(repo, breaker, registry)
	idem := idempotency.NewStore(redisClient)
	bus := &fakeOrchBus{}
	cache := &fakeOrchInvalidator{}

	orch := NewPaymentOrchestrator(repo, idem, rt, registry, &fakePipelines{breaker: breaker}, bus, cache, zap.NewNop())
	return orch, mock, bus, cache
}

func TestPaymentOrchestrator_Submit_ValidationFailsFastWithoutHittingStore(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t, &fakePayAdapter{name: "stripe"})

	_, err := orch.Submit(context.Background(), PaymentRequest{})
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestPaymentOrchestrator_Submit_ReturnsExistingOnDuplicateIdempotencyKey(t *testing.T) {
	orch, mock, bus, _ := newTestOrchestrator(t, &fakePayAdapter{name: "stripe"})
	existingID := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "idempotency_key", "status", "row_version"}).
		AddRow(existingID, "dup-key", models.PaymentCompleted, int64(1))
	mock.ExpectQuery(`SELECT \* FROM "payment_transactions" WHERE idempotency_key = \$1`).
		WithArgs("dup-key").
		WillReturnRows(rows)

	result, err := orch.Submit(context.Background(), PaymentRequest{
		IdempotencyKey: "dup-key", Amount: 1000, Currency: "USD", CustomerID: "cust-1", OrderID: "order-1",
	})

	require.NoError(t, err)
	require.True(t, result.Duplicate)
	require.Equal(t, existingID, result.Transaction.ID)
	require.Empty(t, bus.published)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentOrchestrator_Submit_NoRouteFailsWhenNoProviderRegistered(t *testing.T) {
	orch, mock, _, _ := newTestOrchestrator(t, &fakePayAdapter{name: "stripe"})

	mock.ExpectQuery(`SELECT \* FROM "payment_transactions" WHERE idempotency_key = \$1`).
		WithArgs("key-1").
		WillReturnError(gorm.ErrRecordNotFound)
	mock.ExpectQuery(`SELECT \* FROM "payment_transactions" WHERE idempotency_key = \$1`).
		WithArgs("key-1").
		WillReturnError(gorm.ErrRecordNotFound)
	mock.ExpectQuery(`SELECT \* FROM "payment_providers" WHERE status IN \(\$1,\$2\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "supported_currencies", "priority"}))

	_, err := orch.Submit(context.Background(), PaymentRequest{
		IdempotencyKey: "key-1", Amount: 1000, Currency: "USD", CustomerID: "cust-1", OrderID: "order-1",
	})

	require.Equal(t, apperr.KindNoProviderAvail, apperr.KindOf(err))
}
