package models

import "time"

const (
	// DefaultCacheTTL lifetime of cached delivery snapshots in Redis
	DefaultCacheTTL = 24 * time.Hour

	// DefaultQueueCapacity cap on pending operations before ErrQueueFull
	DefaultQueueCapacity = 500

	// DefaultSyncBatchSize operations taken per drain pass
	DefaultSyncBatchSize = 20

	// Manual sync trigger rate limit
	SyncTriggerLimit  = 5
	SyncTriggerWindow = time.Minute

	// DefaultRatingWindow time after which a delivered delivery is
	// completed without an explicit client confirmation
	DefaultRatingWindow = 48 * time.Hour
)
