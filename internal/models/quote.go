package models

// QuoteRequest is the input of the remote pricing endpoint. It mirrors
// the attributes the offline formula uses so both paths stay comparable.
type QuoteRequest struct {
	DistanceKm     float64     `json:"distance_km"`
	Size           PackageSize `json:"size"`
	Fragile        bool        `json:"fragile"`
	Urgent         bool        `json:"urgent"`
	WeatherCode    int         `json:"weather_code,omitempty"`
	PickupCommune  string      `json:"pickup_commune,omitempty"`
	DropoffCommune string      `json:"dropoff_commune,omitempty"`
}
