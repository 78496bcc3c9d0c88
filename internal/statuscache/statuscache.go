// Package statuscache implements C9, the Status Read Service's two-tier
// read-through cache: a local in-process tier backing a distributed Redis
// tier, keyed to terminal vs. active state TTLs.
package statuscache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/payment-orchestrator/internal/models"
)

const (
	activeTTL   = 60 * time.Second
	terminalTTL = 3600 * time.Second
)

// PaymentStatusView is the narrow DTO the status cache serves, deliberately
// smaller than the full PaymentTransaction row.
type PaymentStatusView struct {
	TransactionID         string     `json:"transaction_id"`
	Status                string     `json:"status"`
	Amount                int64      `json:"amount"`
	Currency              string     `json:"currency"`
	ProviderName          string     `json:"provider_name"`
	ProviderTransactionID string     `json:"provider_transaction_id,omitempty"`
	ErrorMessage          string     `json:"error_message,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func ViewOf(tx *models.PaymentTransaction) PaymentStatusView {
	return PaymentStatusView{
		TransactionID:         tx.ID.String(),
		Status:                string(tx.Status),
		Amount:                tx.Amount,
		Currency:              tx.Currency,
		ProviderName:          tx.ProviderName,
		ProviderTransactionID: tx.ProviderTransactionID,
		ErrorMessage:          tx.ErrorMessage,
		CompletedAt:           tx.CompletedAt,
		UpdatedAt:             tx.UpdatedAt,
	}
}

func isTerminal(status string) bool {
	switch models.PaymentStatus(status) {
	case models.PaymentCompleted, models.PaymentFailed, models.PaymentRefunded, models.PaymentPartiallyRefunded:
		return true
	default:
		return false
	}
}

type localEntry struct {
	view    PaymentStatusView
	expires time.Time
}

// Loader loads the durable-store truth on a full cache miss.
type Loader func(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error)

// Cache implements the two-tier read-through cache of §4.9.
type Cache struct {
	redis  *redis.Client
	loader Loader
	logger *zap.Logger

	mu    sync.RWMutex
	local map[string]localEntry
}

func New(client *redis.Client, loader Loader, logger *zap.Logger) *Cache {
	return &Cache{redis: client, loader: loader, logger: logger, local: make(map[string]localEntry)}
}

func key(transactionID string) string { return "payment_status:" + transactionID }

// GetStatus implements §4.9: local hit, then distributed hit, then durable
// load with write-through to both tiers.
func (c *Cache) GetStatus(ctx context.Context, id uuid.UUID) (*PaymentStatusView, error) {
	idStr := id.String()

	if view, ok := c.getLocal(idStr); ok {
		return &view, nil
	}

	if view, ok := c.getDistributed(ctx, idStr); ok {
		c.putLocal(view)
		return &view, nil
	}

	tx, err := c.loader(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, nil
	}

	view := ViewOf(tx)
	c.putLocal(view)
	c.putDistributed(ctx, view)
	return &view, nil
}

// Invalidate is called best-effort after any transaction update; a cache
// error here is logged and never surfaced to the caller.
func (c *Cache) Invalidate(ctx context.Context, id uuid.UUID) {
	idStr := id.String()
	c.mu.Lock()
	delete(c.local, idStr)
	c.mu.Unlock()

	if err := c.redis.Del(ctx, key(idStr)).Err(); err != nil {
		c.logger.Warn("status cache invalidation failed", zap.String("transaction_id", idStr), zap.Error(err))
	}
}

func (c *Cache) getLocal(id string) (PaymentStatusView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.local[id]
	if !ok || time.Now().After(entry.expires) {
		return PaymentStatusView{}, false
	}
	return entry.view, true
}

func (c *Cache) putLocal(view PaymentStatusView) {
	ttl := activeTTL
	if isTerminal(view.Status) {
		ttl = terminalTTL
	}
	c.mu.Lock()
	c.local[view.TransactionID] = localEntry{view: view, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *Cache) getDistributed(ctx context.Context, id string) (PaymentStatusView, bool) {
	raw, err := c.redis.Get(ctx, key(id)).Bytes()
	if err == redis.Nil {
		return PaymentStatusView{}, false
	}
	if err != nil {
		c.logger.Warn("status cache read failed", zap.String("transaction_id", id), zap.Error(err))
		return PaymentStatusView{}, false
	}
	var view PaymentStatusView
	if err := json.Unmarshal(raw, &view); err != nil {
		c.logger.Warn("status cache entry corrupt", zap.String("transaction_id", id), zap.Error(err))
		return PaymentStatusView{}, false
	}
	return view, true
}

func (c *Cache) putDistributed(ctx context.Context, view PaymentStatusView) {
	ttl := activeTTL
	if isTerminal(view.Status) {
		ttl = terminalTTL
	}
	raw, err := json.Marshal(view)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key(view.TransactionID), raw, ttl).Err(); err != nil {
		c.logger.Warn("status cache write failed", zap.String("transaction_id", view.TransactionID), zap.Error(err))
	}
}
