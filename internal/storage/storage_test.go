package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"kolis/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	logger := zerolog.Nop()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOperationCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	op := &models.PendingOperation{
		ID:        "op-1",
		Type:      models.OpCreateDelivery,
		Payload:   `{"client_ref":"local-1"}`,
		Status:    models.OpStatusPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.InsertOperation(ctx, op))

	ops, err := store.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "op-1", ops[0].ID)
	assert.Equal(t, models.OpCreateDelivery, ops[0].Type)

	// Success deletes the row.
	require.NoError(t, store.DeleteOperation(ctx, "op-1"))
	ops, err = store.ListOperations(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 0)
}

func TestOperationRetryAndFailure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	op := &models.PendingOperation{
		ID:        "op-retry",
		Type:      models.OpCreateBid,
		Payload:   `{}`,
		Status:    models.OpStatusPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.InsertOperation(ctx, op))

	// A retry in the future keeps the op out of the due set.
	nextRetry := time.Now().Add(time.Hour)
	require.NoError(t, store.MarkOperationRetry(ctx, "op-retry", "timeout", nextRetry))

	due, err := store.DueOperations(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, due, 0)

	// But it still counts as unsynced and is listed.
	count, err := store.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	ops, err := store.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OpStatusRetry, ops[0].Status)
	assert.Equal(t, 1, ops[0].Attempts)
	require.NotNil(t, ops[0].LastError)
	assert.Equal(t, "timeout", *ops[0].LastError)

	// Exhausted attempts mark it failed, never delete it.
	require.NoError(t, store.MarkOperationFailed(ctx, "op-retry", "gave up"))
	failed, err := store.FailedOperations(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "gave up", *failed[0].LastError)

	count, err = store.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDueOperationsOrderAndLimit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, id := range []string{"a", "b", "c"} {
		op := &models.PendingOperation{
			ID:        id,
			Type:      models.OpCreateDelivery,
			Payload:   `{}`,
			Status:    models.OpStatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.InsertOperation(ctx, op))
	}

	due, err := store.DueOperations(ctx, 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].ID)
	assert.Equal(t, "b", due[1].ID)
}

func TestOperationsSurviveReopen(t *testing.T) {
	logger := zerolog.Nop()
	path := filepath.Join(t.TempDir(), "restart.db")
	ctx := context.Background()

	store, err := Open(path, &logger)
	require.NoError(t, err)

	op := &models.PendingOperation{
		ID:        "op-persist",
		Type:      models.OpCancelDelivery,
		Payload:   `{"delivery_id":"d1"}`,
		Status:    models.OpStatusPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.InsertOperation(ctx, op))
	require.NoError(t, store.Close())

	reopened, err := Open(path, &logger)
	require.NoError(t, err)
	defer reopened.Close()

	ops, err := reopened.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "op-persist", ops[0].ID)
	assert.Equal(t, `{"delivery_id":"d1"}`, ops[0].Payload)
}

func TestKeyValueStore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, found, err := store.GetValue(ctx, "offline_mode")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SetValue(ctx, "offline_mode", "1"))
	value, found, err := store.GetValue(ctx, "offline_mode")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", value)

	// Upsert overwrites.
	require.NoError(t, store.SetValue(ctx, "offline_mode", "0"))
	value, _, err = store.GetValue(ctx, "offline_mode")
	require.NoError(t, err)
	assert.Equal(t, "0", value)

	require.NoError(t, store.RemoveValue(ctx, "offline_mode"))
	_, found, err = store.GetValue(ctx, "offline_mode")
	require.NoError(t, err)
	assert.False(t, found)
}
