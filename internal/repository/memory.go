package repository

import (
	"context"
	"sync"
	"time"

	"kolis/internal/models"
)

// MemoryCache is the in-process fallback behind FailoverCache. Snapshots
// held here do not outlive the process, which is acceptable: the remote
// authority can always be re-fetched.
type MemoryCache struct {
	deliveries sync.Map
	bids       sync.Map
	rateLimits sync.Map
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (m *MemoryCache) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	val, ok := m.deliveries.Load(id)
	if !ok {
		return nil, nil
	}
	d := val.(models.Delivery)
	return &d, nil
}

func (m *MemoryCache) SetDelivery(ctx context.Context, d *models.Delivery) error {
	m.deliveries.Store(d.ID, *d)
	return nil
}

func (m *MemoryCache) RemoveDelivery(ctx context.Context, id string) error {
	m.deliveries.Delete(id)
	m.bids.Delete(id)
	return nil
}

func (m *MemoryCache) GetBids(ctx context.Context, deliveryID string) ([]models.Bid, error) {
	val, ok := m.bids.Load(deliveryID)
	if !ok {
		return nil, nil
	}
	stored := val.([]models.Bid)
	out := make([]models.Bid, len(stored))
	copy(out, stored)
	return out, nil
}

func (m *MemoryCache) SetBids(ctx context.Context, deliveryID string, bids []models.Bid) error {
	stored := make([]models.Bid, len(bids))
	copy(stored, bids)
	m.bids.Store(deliveryID, stored)
	return nil
}

type rateLimitEntry struct {
	mu        sync.Mutex
	count     int
	expiresAt time.Time
}

func (m *MemoryCache) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	val, _ := m.rateLimits.LoadOrStore(key, &rateLimitEntry{})
	entry := val.(*rateLimitEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if now.After(entry.expiresAt) {
		entry.count = 0
		entry.expiresAt = now.Add(window)
	}
	entry.count++

	return entry.count <= limit, nil
}
