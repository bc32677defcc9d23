package repository

import (
	"context"
	"sync/atomic"
	"time"

	"kolis/internal/domain"
	"kolis/internal/models"

	"github.com/rs/zerolog"
)

const recoveryProbeInterval = time.Minute

// FailoverCache serves from the primary (Redis) until it errors, then
// falls back to memory and probes the primary again after a minute.
type FailoverCache struct {
	primary   domain.SnapshotCache
	fallback  domain.SnapshotCache
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64 // unix nanos of the last failed probe
}

func NewFailoverCache(primary, fallback domain.SnapshotCache, logger *zerolog.Logger) *FailoverCache {
	return &FailoverCache{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

// usePrimary reports whether the next call should try the primary.
func (f *FailoverCache) usePrimary() bool {
	if !f.isDown.Load() {
		return true
	}
	last := time.Unix(0, f.lastCheck.Load())
	return time.Since(last) > recoveryProbeInterval
}

func (f *FailoverCache) markDown(err error) {
	f.logger.Error().Err(err).Msg("primary snapshot cache failed, falling back to memory")
	f.isDown.Store(true)
	f.lastCheck.Store(time.Now().UnixNano())
}

func (f *FailoverCache) markUp() {
	if f.isDown.Swap(false) {
		f.logger.Info().Msg("primary snapshot cache recovered")
	}
}

func (f *FailoverCache) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	if f.usePrimary() {
		d, err := f.primary.GetDelivery(ctx, id)
		if err == nil {
			f.markUp()
			return d, nil
		}
		f.markDown(err)
	}
	return f.fallback.GetDelivery(ctx, id)
}

func (f *FailoverCache) SetDelivery(ctx context.Context, d *models.Delivery) error {
	if f.usePrimary() {
		if err := f.primary.SetDelivery(ctx, d); err != nil {
			f.markDown(err)
		} else {
			f.markUp()
		}
	}
	// Mirror into memory so reads keep working during an outage.
	return f.fallback.SetDelivery(ctx, d)
}

func (f *FailoverCache) RemoveDelivery(ctx context.Context, id string) error {
	if f.usePrimary() {
		if err := f.primary.RemoveDelivery(ctx, id); err != nil {
			f.markDown(err)
		} else {
			f.markUp()
		}
	}
	return f.fallback.RemoveDelivery(ctx, id)
}

func (f *FailoverCache) GetBids(ctx context.Context, deliveryID string) ([]models.Bid, error) {
	if f.usePrimary() {
		bids, err := f.primary.GetBids(ctx, deliveryID)
		if err == nil {
			f.markUp()
			return bids, nil
		}
		f.markDown(err)
	}
	return f.fallback.GetBids(ctx, deliveryID)
}

func (f *FailoverCache) SetBids(ctx context.Context, deliveryID string, bids []models.Bid) error {
	if f.usePrimary() {
		if err := f.primary.SetBids(ctx, deliveryID, bids); err != nil {
			f.markDown(err)
		} else {
			f.markUp()
		}
	}
	return f.fallback.SetBids(ctx, deliveryID, bids)
}

func (f *FailoverCache) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if f.usePrimary() {
		allowed, err := f.primary.CheckRateLimit(ctx, key, limit, window)
		if err == nil {
			f.markUp()
			return allowed, nil
		}
		f.markDown(err)
	}
	return f.fallback.CheckRateLimit(ctx, key, limit, window)
}
