package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"kolis/internal/config"
	"kolis/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps delivery/bid snapshots shared across dashboard
// instances, plus the manual-sync rate limit counters.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient builds a Redis client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
	}
}

func (r *RedisCache) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, deliveryKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery from redis: %w", err)
	}

	var d models.Delivery
	if err := json.Unmarshal([]byte(val), &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delivery: %w", err)
	}
	return &d, nil
}

func (r *RedisCache) SetDelivery(ctx context.Context, d *models.Delivery) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	if err := r.client.Set(ctx, deliveryKey(d.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set delivery in redis: %w", err)
	}
	return nil
}

func (r *RedisCache) RemoveDelivery(ctx context.Context, id string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, deliveryKey(id), bidsKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete delivery from redis: %w", err)
	}
	return nil
}

func (r *RedisCache) GetBids(ctx context.Context, deliveryID string) ([]models.Bid, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, bidsKey(deliveryID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bids from redis: %w", err)
	}

	var bids []models.Bid
	if err := json.Unmarshal([]byte(val), &bids); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bids: %w", err)
	}
	return bids, nil
}

func (r *RedisCache) SetBids(ctx context.Context, deliveryID string, bids []models.Bid) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(bids)
	if err != nil {
		return fmt.Errorf("failed to marshal bids: %w", err)
	}

	if err := r.client.Set(ctx, bidsKey(deliveryID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set bids in redis: %w", err)
	}
	return nil
}

func (r *RedisCache) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	redisKey := fmt.Sprintf("rate_limit:%s", key)
	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	if count == 1 {
		if err := r.client.Expire(ctx, redisKey, window).Err(); err != nil {
			return false, fmt.Errorf("failed to set rate limit expiry: %w", err)
		}
	}

	return count <= int64(limit), nil
}

func deliveryKey(id string) string { return fmt.Sprintf("delivery:%s", id) }
func bidsKey(id string) string     { return fmt.Sprintf("delivery_bids:%s", id) }
