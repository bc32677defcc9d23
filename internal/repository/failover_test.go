package repository

import (
	"context"
	"testing"
	"time"

	"kolis/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupFailover(t *testing.T) (*FailoverCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := zerolog.Nop()
	primary := NewRedisCache(client, time.Hour)
	return NewFailoverCache(primary, NewMemoryCache(), &logger), mr
}

func sampleDelivery(id string) *models.Delivery {
	final := 1500.0
	return &models.Delivery{
		ID:            id,
		Status:        models.StatusAccepted,
		ProposedPrice: 2000,
		FinalPrice:    &final,
		CourierID:     "courier-1",
	}
}

func TestFailoverRoundTripThroughRedis(t *testing.T) {
	cache, _ := setupFailover(t)
	ctx := context.Background()

	require.NoError(t, cache.SetDelivery(ctx, sampleDelivery("d-1")))

	got, err := cache.GetDelivery(ctx, "d-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StatusAccepted, got.Status)
	require.NotNil(t, got.FinalPrice)
	assert.Equal(t, 1500.0, *got.FinalPrice)

	missing, err := cache.GetDelivery(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFailoverBids(t *testing.T) {
	cache, _ := setupFailover(t)
	ctx := context.Background()

	bids := []models.Bid{
		{ID: "b-1", DeliveryID: "d-1", Amount: 100, Status: models.BidAccepted},
		{ID: "b-2", DeliveryID: "d-1", Amount: 150, Status: models.BidRejected},
	}
	require.NoError(t, cache.SetBids(ctx, "d-1", bids))

	got, err := cache.GetBids(ctx, "d-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.BidAccepted, got[0].Status)
}

func TestFailoverSurvivesRedisOutage(t *testing.T) {
	cache, mr := setupFailover(t)
	ctx := context.Background()

	// Writes mirror into memory while redis is healthy.
	require.NoError(t, cache.SetDelivery(ctx, sampleDelivery("d-1")))

	mr.Close()

	// Reads keep working from the fallback.
	got, err := cache.GetDelivery(ctx, "d-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "courier-1", got.CourierID)

	// Writes during the outage land in memory too.
	require.NoError(t, cache.SetDelivery(ctx, sampleDelivery("d-2")))
	got, err = cache.GetDelivery(ctx, "d-2")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestFailoverRateLimit(t *testing.T) {
	cache, _ := setupFailover(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, err := cache.CheckRateLimit(ctx, "manual_sync:user-1", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be allowed", i+1)
	}

	allowed, err := cache.CheckRateLimit(ctx, "manual_sync:user-1", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed, "sixth request within the window must be rejected")

	// A different key has its own budget.
	allowed, err = cache.CheckRateLimit(ctx, "manual_sync:user-2", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMemoryCacheRateLimitWindowReset(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	allowed, err := cache.CheckRateLimit(ctx, "k", 1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = cache.CheckRateLimit(ctx, "k", 1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, allowed)

	time.Sleep(20 * time.Millisecond)
	allowed, err = cache.CheckRateLimit(ctx, "k", 1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, allowed, "expired window must reset the counter")
}
