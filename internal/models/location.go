package models

import "time"

type LocationSource string

const (
	SourcePush LocationSource = "push"
	SourcePoll LocationSource = "poll"
)

type LocationSample struct {
	Lat       float64        `json:"lat"`
	Lng       float64        `json:"lng"`
	Timestamp time.Time      `json:"timestamp"`
	Source    LocationSource `json:"source"`
}

// PriceEstimate is the deterministic distance/duration/price triple.
// The same values must come out of the offline formula and the remote
// quote endpoint within the configured tolerance.
type PriceEstimate struct {
	DistanceKm       float64 `json:"distance_km"`
	DurationMin      float64 `json:"duration_min"`
	RecommendedPrice float64 `json:"recommended_price"`
}

// TrackingUpdate is published on the event bus for every accepted sample.
type TrackingUpdate struct {
	DeliveryID  string         `json:"delivery_id"`
	Sample      LocationSample `json:"sample"`
	RemainingKm float64        `json:"remaining_km"`
	ETAMin      float64        `json:"eta_min"`
}
