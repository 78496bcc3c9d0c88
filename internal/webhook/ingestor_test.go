package webhook

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/payment-orchestrator/internal/apperr"
	"github.com/lexure-intelligence/payment-orchestrator/internal/models"
	"github.com/lexure-intelligence/payment-orchestrator/internal/providers"
)

type fakeIngestRepo struct {
	provider *models.PaymentProvider
	existing map[string]*models.WebhookEvent
	inserted []*models.WebhookEvent
	updated  []string
}

func (f *fakeIngestRepo) GetProviderByName(ctx context.Context, name string) (*models.PaymentProvider, error) {
	return f.provider, nil
}

func (f *fakeIngestRepo) FindWebhookEvent(ctx context.Context, providerID, providerEventID string) (*models.WebhookEvent, error) {
	return f.existing[providerEventID], nil
}

func (f *fakeIngestRepo) InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	event.ID = uuid.New()
	f.inserted = append(f.inserted, event)
	return true, nil
}

func (f *fakeIngestRepo) UpdateWebhookEvent(ctx context.Context, id string, expectedVersion int64, fields map[string]interface{}) error {
	f.updated = append(f.updated, id)
	return nil
}

// fakeSyncProcessor records which event IDs were handed the inline fallback.
type fakeSyncProcessor struct{ processed []string }

func (f *fakeSyncProcessor) ProcessNow(ctx context.Context, eventID string) {
	f.processed = append(f.processed, eventID)
}

type fakeValidatingAdapter struct {
	name  string
	valid bool
	err   error
}

func (f *fakeValidatingAdapter) Name() string { return f.name }
func (f *fakeValidatingAdapter) ProcessPayment(ctx context.Context, req providers.PaymentRequest) (*providers.PaymentResult, error) {
	return nil, nil
}
func (f *fakeValidatingAdapter) GetStatus(ctx context.Context, id string) (*providers.StatusResult, error) {
	return nil, nil
}
func (f *fakeValidatingAdapter) ProcessRefund(ctx context.Context, req providers.RefundRequest) (*providers.RefundResult, error) {
	return nil, nil
}
func (f *fakeValidatingAdapter) ValidateWebhook(ctx context.Context, payload []byte, headers providers.WebhookHeaders, ip string) (bool, error) {
	return f.valid, f.err
}

func newTestIngestor(t *testing.T, repo Repository, adapter providers.Adapter) *Ingestor {
	t.Helper()
	registry := providers.NewRegistry()
	registry.Register(adapter)
	return NewIngestor(repo, registry, []string{adapter.Name()}, 0, NewQueue(10), zap.NewNop())
}

func TestIngestor_Ingest_UnknownProvider(t *testing.T) {
	repo := &fakeIngestRepo{existing: map[string]*models.WebhookEvent{}}
	ingestor := newTestIngestor(t, repo, &fakeValidatingAdapter{name: "stripe", valid: true})

	_, err := ingestor.Ingest(context.Background(), IngestRequest{ProviderName: "unknown", RawPayload: []byte(`{}`)})
	require.Equal(t, apperr.KindUnknownProvider, apperr.KindOf(err))
}

func TestIngestor_Ingest_InvalidSignature(t *testing.T) {
	providerID := uuid.New()
	repo := &fakeIngestRepo{provider: &models.PaymentProvider{ID: providerID, Name: "stripe"}, existing: map[string]*models.WebhookEvent{}}
	ingestor := newTestIngestor(t, repo, &fakeValidatingAdapter{name: "stripe", valid: false})

	_, err := ingestor.Ingest(context.Background(), IngestRequest{ProviderName: "stripe", RawPayload: []byte(`{"id":"evt_1"}`)})
	require.Equal(t, apperr.KindInvalidSignature, apperr.KindOf(err))
}

func TestIngestor_Ingest_MissingEventID(t *testing.T) {
	providerID := uuid.New()
	repo := &fakeIngestRepo{provider: &models.PaymentProvider{ID: providerID, Name: "stripe"}, existing: map[string]*models.WebhookEvent{}}
	ingestor := newTestIngestor(t, repo, &fakeValidatingAdapter{name: "stripe", valid: true})

	_, err := ingestor.Ingest(context.Background(), IngestRequest{ProviderName: "stripe", RawPayload: []byte(`{"no_id":true}`)})
	require.Equal(t, apperr.KindMissingEventID, apperr.KindOf(err))
}

func TestIngestor_Ingest_AcceptsAndEnqueuesNewEvent(t *testing.T) {
	providerID := uuid.New()
	repo := &fakeIngestRepo{provider: &models.PaymentProvider{ID: providerID, Name: "stripe"}, existing: map[string]*models.WebhookEvent{}}
	ingestor := newTestIngestor(t, repo, &fakeValidatingAdapter{name: "stripe", valid: true})

	result, err := ingestor.Ingest(context.Background(), IngestRequest{
		ProviderName: "stripe",
		RawPayload:   []byte(`{"id":"evt_123","type":"payment_intent.succeeded"}`),
	})

	require.NoError(t, err)
	require.Equal(t, "evt_123", result.EventID)
	require.True(t, result.Accepted)
	require.False(t, result.Duplicate)
	require.Len(t, repo.inserted, 1)
}

func TestIngestor_Ingest_DuplicateEventIsNotReinserted(t *testing.T) {
	providerID := uuid.New()
	repo := &fakeIngestRepo{
		provider: &models.PaymentProvider{ID: providerID, Name: "stripe"},
		existing: map[string]*models.WebhookEvent{"evt_dup": {ID: uuid.New()}},
	}
	ingestor := newTestIngestor(t, repo, &fakeValidatingAdapter{name: "stripe", valid: true})

	result, err := ingestor.Ingest(context.Background(), IngestRequest{
		ProviderName: "stripe",
		RawPayload:   []byte(`{"id":"evt_dup"}`),
	})

	require.NoError(t, err)
	require.True(t, result.Duplicate)
	require.Empty(t, repo.inserted)
}

func TestIngestor_Ingest_QueueFullWithoutFallbackMarksFailedForRetry(t *testing.T) {
	providerID := uuid.New()
	repo := &fakeIngestRepo{provider: &models.PaymentProvider{ID: providerID, Name: "stripe"}, existing: map[string]*models.WebhookEvent{}}
	registry := providers.NewRegistry()
	adapter := &fakeValidatingAdapter{name: "stripe", valid: true}
	registry.Register(adapter)

	queue := NewQueue(1)
	queue <- pendingEvent{eventID: "occupies-the-only-slot"}
	ingestor := NewIngestor(repo, registry, []string{adapter.Name()}, 0, queue, zap.NewNop())

	result, err := ingestor.Ingest(context.Background(), IngestRequest{
		ProviderName: "stripe",
		RawPayload:   []byte(`{"id":"evt_queue_full"}`),
	})

	require.NoError(t, err)
	require.True(t, result.Accepted, "caller must still see a timely accepted response")
	require.Len(t, repo.inserted, 1, "the event is still durably persisted before the queue is even tried")
	require.Len(t, repo.updated, 1, "a full queue with no fallback wired must mark the event for retry")
}

func TestIngestor_Ingest_QueueFullWithFallbackProcessesInline(t *testing.T) {
	providerID := uuid.New()
	repo := &fakeIngestRepo{provider: &models.PaymentProvider{ID: providerID, Name: "stripe"}, existing: map[string]*models.WebhookEvent{}}
	registry := providers.NewRegistry()
	adapter := &fakeValidatingAdapter{name: "stripe", valid: true}
	registry.Register(adapter)

	queue := NewQueue(1)
	queue <- pendingEvent{eventID: "occupies-the-only-slot"}
	ingestor := NewIngestor(repo, registry, []string{adapter.Name()}, 0, queue, zap.NewNop())
	fallback := &fakeSyncProcessor{}
	ingestor.WithSyncFallback(fallback)

	result, err := ingestor.Ingest(context.Background(), IngestRequest{
		ProviderName: "stripe",
		RawPayload:   []byte(`{"id":"evt_queue_full_inline"}`),
	})

	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.Len(t, fallback.processed, 1, "a wired fallback must process the event inline instead of marking it failed")
	require.Equal(t, repo.inserted[0].ID.String(), fallback.processed[0])
	require.Empty(t, repo.updated, "the inline fallback path must not also take the mark-for-retry path")
}
