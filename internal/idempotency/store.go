// Package idempotency implements the distributed keyed lock and cached
// result for (operation_type, idempotency_key) pairs. The cache is advisory;
// correctness never depends on it — the durable store's unique constraint on
// idempotency_key is the actual at-most-once guarantee.
package idempotency

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// OperationType scopes a key to payment or refund submission.
type OperationType string

const (
	OperationPayment OperationType = "payment"
	OperationRefund  OperationType = "refund"
)

const (
	DefaultLockTTL   = 30 * time.Second
	DefaultResultTTL = 24 * time.Hour
)

// Store is the Redis-backed lock+result cache keyed by (operation, key).
// The lock is a SetNX with a TTL, following the lock/result discipline
// described for payment and refund submission. Webhook dedup does not use
// this store; it is a database lookup plus a unique-index insert.
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func lockKey(op OperationType, key string) string {
	return "idempotency:lock:" + string(op) + ":" + key
}

func resultKey(op OperationType, key string) string {
	return "idempotency:result:" + string(op) + ":" + key
}

// AcquireLock atomically sets a lock for (op, key) with the given TTL,
// reporting whether the caller won the lock.
func (s *Store) AcquireLock(ctx context.Context, op OperationType, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return s.client.SetNX(ctx, lockKey(op, key), "locked", ttl).Result()
}

// ReleaseLock releases a previously acquired lock. Processes must call this
// on every exit path and tolerate lock expiry if they don't.
func (s *Store) ReleaseLock(ctx context.Context, op OperationType, key string) error {
	return s.client.Del(ctx, lockKey(op, key)).Err()
}

// StoreResult caches the resulting transaction id for (op, key).
func (s *Store) StoreResult(ctx context.Context, op OperationType, key string, transactionID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return s.client.Set(ctx, resultKey(op, key), transactionID, ttl).Err()
}

// GetResult returns the cached transaction id for (op, key), if present.
func (s *Store) GetResult(ctx context.Context, op OperationType, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, resultKey(op, key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
