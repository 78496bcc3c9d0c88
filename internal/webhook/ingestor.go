// Package webhook implements inbound provider notification handling: signature
// verification, deduplication, durable persistence, and asynchronous
// processing against the transaction state machine.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/payment-orchestrator/internal/apperr"
	"github.com/lexure-intelligence/payment-orchestrator/internal/models"
	"github.com/lexure-intelligence/payment-orchestrator/internal/providers"
)

// IngestRequest is the caller-facing submission accepted by Ingest.
type IngestRequest struct {
	ProviderName string
	RawPayload   []byte
	Headers      providers.WebhookHeaders
	SourceIP     string
}

// IngestResult matches the §6 response shape for Receive webhook.
type IngestResult struct {
	EventID   string
	Accepted  bool
	Duplicate bool
}

// Repository is the durable-store surface the ingestor needs.
type Repository interface {
	GetProviderByName(ctx context.Context, name string) (*models.PaymentProvider, error)
	FindWebhookEvent(ctx context.Context, providerID, providerEventID string) (*models.WebhookEvent, error)
	InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) (bool, error)
	UpdateWebhookEvent(ctx context.Context, id string, expectedVersion int64, fields map[string]interface{}) error
}

// SyncProcessor processes a single already-persisted webhook event
// synchronously, independent of the worker pool; satisfied by
// *Processor. Used as the full-queue fallback so an event the caller was
// told was "accepted" is never silently stuck Pending with nothing watching
// it.
type SyncProcessor interface {
	ProcessNow(ctx context.Context, eventID string)
}

// defaultInlineProcessingDeadline bounds how long Ingest blocks trying to
// process an event inline when the work queue is full, standing in for the
// HTTP acknowledgement deadline: past it, Ingest stops waiting and returns
// its normal "accepted" response while the fallback keeps running under its
// own deadline.
const defaultInlineProcessingDeadline = 3 * time.Second

// Ingestor implements §4.7: rate limit, signature validation, dedup, durable
// insert, and asynchronous handoff to the processor.
type Ingestor struct {
	repo           Repository
	registry       *providers.Registry
	limiters       map[string]*rate.Limiter
	queue          chan pendingEvent
	fallback       SyncProcessor // optional; wired via WithSyncFallback
	inlineDeadline time.Duration
	logger         *zap.Logger
}

type pendingEvent struct {
	providerID string
	eventID    string
}

// NewIngestor builds an Ingestor whose asynchronous handoff feeds the
// processor through queue, which Processor.Run's workers drain.
func NewIngestor(repo Repository, registry *providers.Registry, providerNames []string, perMinute int, queue chan pendingEvent, logger *zap.Logger) *Ingestor {
	if perMinute <= 0 {
		perMinute = 100
	}
	limiters := make(map[string]*rate.Limiter, len(providerNames))
	for _, name := range providerNames {
		limiters[name] = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	}
	return &Ingestor{repo: repo, registry: registry, limiters: limiters, queue: queue, inlineDeadline: defaultInlineProcessingDeadline, logger: logger}
}

// WithSyncFallback wires in the processor's synchronous path for the
// full-queue case. Built after NewProcessor since the processor itself is
// constructed from the ingestor's queue.
func (in *Ingestor) WithSyncFallback(p SyncProcessor) *Ingestor {
	in.fallback = p
	return in
}

// Ingest implements §4.7 steps 1-7.
func (in *Ingestor) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	adapter, ok := in.registry.Get(req.ProviderName)
	if !ok {
		return nil, apperr.New(apperr.KindUnknownProvider, "unknown provider: "+req.ProviderName)
	}
	provider, err := in.repo.GetProviderByName(ctx, req.ProviderName)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load provider", err)
	}
	if provider == nil {
		return nil, apperr.New(apperr.KindUnknownProvider, "unknown provider: "+req.ProviderName)
	}

	if limiter, ok := in.limiters[req.ProviderName]; ok && !limiter.Allow() {
		return nil, apperr.New(apperr.KindProviderError, "webhook rate limit exceeded for provider "+req.ProviderName)
	}

	valid, err := adapter.ValidateWebhook(ctx, req.RawPayload, req.Headers, req.SourceIP)
	if err != nil || !valid {
		in.logger.Warn("webhook signature validation failed", zap.String("provider", req.ProviderName), zap.Error(err))
		return nil, apperr.New(apperr.KindInvalidSignature, "webhook signature validation failed")
	}

	eventID, eventType, parsed := extractEventID(req.RawPayload)
	if eventID == "" {
		return nil, apperr.New(apperr.KindMissingEventID, "could not determine provider_event_id from payload")
	}

	if existing, err := in.repo.FindWebhookEvent(ctx, provider.ID.String(), eventID); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "webhook dedup lookup failed", err)
	} else if existing != nil {
		return &IngestResult{EventID: eventID, Accepted: true, Duplicate: true}, nil
	}

	event := &models.WebhookEvent{
		ProviderID:         provider.ID,
		ProviderEventID:    eventID,
		EventType:          eventType,
		RawPayload:         req.RawPayload,
		ParsedPayload:      parsed,
		SignatureValidated: true,
		IPAddress:          req.SourceIP,
		ProcessingStatus:   models.WebhookPending,
	}
	inserted, err := in.repo.InsertWebhookEvent(ctx, event)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to persist webhook event", err)
	}
	if !inserted {
		// Unique constraint collision: a concurrent ingest won the race.
		return &IngestResult{EventID: eventID, Accepted: true, Duplicate: true}, nil
	}

	select {
	case in.queue <- pendingEvent{providerID: provider.ID.String(), eventID: event.ID.String()}:
	default:
		in.handleQueueFull(ctx, req.ProviderName, event)
	}

	return &IngestResult{EventID: eventID, Accepted: true, Duplicate: false}, nil
}

// handleQueueFull implements the work-queue backpressure fallback: with the
// worker pool saturated, process the event inline up to inlineDeadline so the
// caller still gets a timely "accepted" response; if no SyncProcessor is
// wired, fall back to marking the event Failed with a staircase-style
// near-term retry so it is not left Pending with nothing watching it.
func (in *Ingestor) handleQueueFull(ctx context.Context, providerName string, event *models.WebhookEvent) {
	in.logger.Warn("webhook processing queue full",
		zap.String("provider", providerName), zap.String("event_id", event.ID.String()))

	if in.fallback == nil {
		in.markQueueFullForRetry(ctx, event)
		return
	}

	inlineCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), in.inlineDeadline)
	defer cancel()
	in.fallback.ProcessNow(inlineCtx, event.ID.String())
}

// markQueueFullForRetry is the defensive path for when no SyncProcessor has
// been wired: it marks the event Failed with a near-term next_retry_at so the
// reconciliation job's webhook retry scan (which only selects Failed rows)
// picks it up instead of it sitting Pending forever.
func (in *Ingestor) markQueueFullForRetry(ctx context.Context, event *models.WebhookEvent) {
	retryAt := time.Now().UTC().Add(time.Minute)
	fields := map[string]interface{}{
		"processing_status": models.WebhookFailed,
		"failure_reason":    "processing queue full at ingest time",
		"next_retry_at":     retryAt,
	}
	if err := in.repo.UpdateWebhookEvent(ctx, event.ID.String(), event.RowVersion, fields); err != nil {
		in.logger.Error("failed to mark queue-full event for retry",
			zap.String("event_id", event.ID.String()), zap.Error(err))
	}
}

// GormRepository is the gorm-backed implementation of both Repository
// (ingestor-side) and WebhookStore (processor-side).
type GormRepository struct{ db *gorm.DB }

// NewGormRepository returns a store satisfying both Repository and
// WebhookStore, so the ingestor and processor can share one instance.
func NewGormRepository(db *gorm.DB) *GormRepository { return &GormRepository{db: db} }

func (g *GormRepository) GetProviderByName(ctx context.Context, name string) (*models.PaymentProvider, error) {
	var p models.PaymentProvider
	err := g.db.WithContext(ctx).Where("name = ?", name).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (g *GormRepository) FindWebhookEvent(ctx context.Context, providerID, providerEventID string) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	err := g.db.WithContext(ctx).Where("provider_id = ? AND provider_event_id = ?", providerID, providerEventID).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (g *GormRepository) InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	err := g.db.WithContext(ctx).Create(event).Error
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, err
}

func (g *GormRepository) GetWebhookEventByID(ctx context.Context, id string) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	err := g.db.WithContext(ctx).Where("id = ?", id).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateWebhookEvent applies fields guarded by the event's optimistic
// row_version, consistent with the other entities' concurrency discipline.
func (g *GormRepository) UpdateWebhookEvent(ctx context.Context, id string, expectedVersion int64, fields map[string]interface{}) error {
	fields["row_version"] = expectedVersion + 1
	result := g.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND row_version = ?", id, expectedVersion).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("webhook event version mismatch for id %s", id)
	}
	return nil
}

// ListDueForRetry returns Failed webhook events whose next_retry_at has
// elapsed, used by the reconciliation scheduler to re-enqueue them.
func (g *GormRepository) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := g.db.WithContext(ctx).
		Where("processing_status = ? AND next_retry_at <= ?", models.WebhookFailed, now).
		Limit(limit).
		Find(&events).Error
	return events, err
}

// NewQueue builds the bounded handoff channel shared by an Ingestor and its
// Processor; size default 256 per the queue sizing in the operator guidance.
func NewQueue(size int) chan pendingEvent {
	if size <= 0 {
		size = 256
	}
	return make(chan pendingEvent, size)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}
