package models

import "time"

type DeliveryStatus string

const (
	StatusPending    DeliveryStatus = "pending"
	StatusBidding    DeliveryStatus = "bidding"
	StatusAccepted   DeliveryStatus = "accepted"
	StatusInProgress DeliveryStatus = "in_progress"
	StatusDelivered  DeliveryStatus = "delivered"
	StatusCompleted  DeliveryStatus = "completed"
	StatusCancelled  DeliveryStatus = "cancelled"
)

// Terminal reports whether no further status transition is allowed.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// GeoPoint is a pickup or dropoff position with its Abidjan commune.
type GeoPoint struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Commune string  `json:"commune,omitempty"`
}

type PackageSize string

const (
	SizeSmall  PackageSize = "small"
	SizeMedium PackageSize = "medium"
	SizeLarge  PackageSize = "large"
)

// DeliveryAttributes carries the pricing-relevant properties of a package.
type DeliveryAttributes struct {
	Size        PackageSize `json:"size"`
	Fragile     bool        `json:"fragile"`
	Urgent      bool        `json:"urgent"`
	WeatherCode int         `json:"weather_code,omitempty"`
}

type Delivery struct {
	ID            string             `json:"id"`
	Status        DeliveryStatus     `json:"status"`
	ProposedPrice float64            `json:"proposed_price"`
	FinalPrice    *float64           `json:"final_price,omitempty"`
	Pickup        GeoPoint           `json:"pickup"`
	Dropoff       GeoPoint           `json:"dropoff"`
	Attributes    DeliveryAttributes `json:"attributes"`
	CourierID     string             `json:"courier_id,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	Version       int64              `json:"version"`
}
