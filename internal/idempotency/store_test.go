package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return NewStore(client)
}

func TestStore_AcquireLock_SecondCallerLoses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	won, err := store.AcquireLock(ctx, OperationPayment, "idem-key-1", time.Second)
	require.NoError(t, err)
	require.True(t, won)

	won2, err := store.AcquireLock(ctx, OperationPayment, "idem-key-1", time.Second)
	require.NoError(t, err)
	require.False(t, won2)
}

func TestStore_AcquireLock_ScopedByOperationType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	won, err := store.AcquireLock(ctx, OperationPayment, "shared-key", time.Second)
	require.NoError(t, err)
	require.True(t, won)

	won2, err := store.AcquireLock(ctx, OperationRefund, "shared-key", time.Second)
	require.NoError(t, err)
	require.True(t, won2)
}

func TestStore_ReleaseLock_AllowsReacquire(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AcquireLock(ctx, OperationPayment, "idem-key-2", time.Second)
	require.NoError(t, err)

	require.NoError(t, store.ReleaseLock(ctx, OperationPayment, "idem-key-2"))

	won, err := store.AcquireLock(ctx, OperationPayment, "idem-key-2", time.Second)
	require.NoError(t, err)
	require.True(t, won)
}

func TestStore_StoreAndGetResult(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.GetResult(ctx, OperationPayment, "idem-key-3")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.StoreResult(ctx, OperationPayment, "idem-key-3", "txn-123", time.Minute))

	txnID, found, err := store.GetResult(ctx, OperationPayment, "idem-key-3")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "txn-123", txnID)
}
