package models

import "time"

type BidStatus string

const (
	BidPending  BidStatus = "pending"
	BidAccepted BidStatus = "accepted"
	BidRejected BidStatus = "rejected"
)

// Bid is a courier's price offer against a published delivery.
// Seq records client-side insertion order and breaks sorting ties.
type Bid struct {
	ID            string    `json:"id"`
	DeliveryID    string    `json:"delivery_id"`
	CourierID     string    `json:"courier_id"`
	Amount        float64   `json:"amount"`
	CourierRating float64   `json:"courier_rating,omitempty"`
	Status        BidStatus `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	Seq           int64     `json:"-"`
}
