package domain

import (
	"context"
	"time"

	"kolis/internal/models"
)

// RemoteAPI is the delivery/bid backend. Mutating calls carry the
// operation id as idempotency key so a replay after a timeout has no
// duplicate effect.
type RemoteAPI interface {
	CreateDelivery(ctx context.Context, idemKey string, p *models.CreateDeliveryPayload) (*models.Delivery, error)
	CreateBid(ctx context.Context, idemKey string, p *models.CreateBidPayload) (*models.Bid, error)
	AcceptBid(ctx context.Context, idemKey, deliveryID, bidID string) (*models.Delivery, error)
	RejectBid(ctx context.Context, idemKey, deliveryID, bidID string) error
	UpdateDeliveryStatus(ctx context.Context, idemKey, deliveryID string, status models.DeliveryStatus) error
	CancelDelivery(ctx context.Context, idemKey, deliveryID, reason string) error
	GetDelivery(ctx context.Context, deliveryID string) (*models.Delivery, error)
	ListBids(ctx context.Context, deliveryID string) ([]models.Bid, error)
	QuotePrice(ctx context.Context, req *models.QuoteRequest) (*models.PriceEstimate, error)
	CourierLocation(ctx context.Context, deliveryID string) (*models.LocationSample, error)
}

// OperationQueue is the durable FIFO of unsynced client mutations.
type OperationQueue interface {
	Append(ctx context.Context, opType models.OperationType, payload any) (*models.PendingOperation, error)
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]models.PendingOperation, error)
	Due(ctx context.Context, limit int) ([]models.PendingOperation, error)
	MarkRetry(ctx context.Context, id, errMsg string, nextRetryAt time.Time) error
	RewriteDeliveryID(ctx context.Context, from, to string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	Failed(ctx context.Context) ([]models.PendingOperation, error)
	Len(ctx context.Context) (int, error)
}

// SnapshotCache holds the last known remote state of deliveries and
// bids. The remote authority always wins: conflict handling overwrites
// whatever is cached.
type SnapshotCache interface {
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	SetDelivery(ctx context.Context, d *models.Delivery) error
	RemoveDelivery(ctx context.Context, id string) error
	GetBids(ctx context.Context, deliveryID string) ([]models.Bid, error)
	SetBids(ctx context.Context, deliveryID string, bids []models.Bid) error
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// PushChannel delivers location and status events with no ordering or
// delivery guarantee; consumers must tolerate duplicates.
type PushChannel interface {
	Subscribe(topic string, handler func(payload []byte)) (func(), error)
}

// FlagStore persists small client flags (offline override).
type FlagStore interface {
	GetValue(ctx context.Context, key string) (string, bool, error)
	SetValue(ctx context.Context, key, value string) error
}
