package pricing

import (
	"context"
	"errors"
	"math"
	"sync"

	"kolis/internal/config"
	"kolis/internal/domain"
	"kolis/internal/models"
	"kolis/internal/remote"

	"github.com/rs/zerolog"
)

// ErrSuperseded reports that a newer quote for the same delivery was
// requested while this one was in flight; the result must be discarded.
var ErrSuperseded = errors.New("quote superseded by a newer request")

const earthRadiusKm = 6371.0

// Distance is the haversine great-circle distance in kilometers,
// rounded to one decimal so client and server record the same figure.
func Distance(a, b models.GeoPoint) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLng/2)*math.Sin(dLng/2)
	d := 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return math.Round(d*10) / 10
}

// OnlineChecker reports whether the remote pricing endpoint is usable.
type OnlineChecker interface {
	Online() bool
}

// Estimator computes distance, duration and recommended price. The
// offline formula is deterministic so a price quoted without
// connectivity is explainable and stays close to the server's answer.
type Estimator struct {
	cfg    config.PricingConfig
	remote domain.RemoteAPI
	online OnlineChecker
	logger *zerolog.Logger

	mu     sync.Mutex
	tokens map[string]uint64 // latest quote token per delivery
}

func NewEstimator(cfg config.PricingConfig, remoteAPI domain.RemoteAPI, online OnlineChecker, logger *zerolog.Logger) *Estimator {
	return &Estimator{
		cfg:    cfg,
		remote: remoteAPI,
		online: online,
		logger: logger,
		tokens: make(map[string]uint64),
	}
}

// DurationMin estimates travel time from distance. congestionLevel is
// 0-10; below zero means no traffic data and the base heuristic applies.
func (e *Estimator) DurationMin(distanceKm float64, congestionLevel int) float64 {
	base := distanceKm * e.cfg.MinutesPerKm
	if congestionLevel > 0 {
		base *= 1 + float64(congestionLevel)/10
	}
	return math.Round(base*10) / 10
}

// OfflinePrice is the deterministic fallback formula. It is
// non-decreasing in distance for fixed attributes.
func (e *Estimator) OfflinePrice(distanceKm float64, attrs models.DeliveryAttributes) float64 {
	price := e.cfg.BasePrice + distanceKm*e.cfg.PerKmRate
	switch attrs.Size {
	case models.SizeMedium:
		price += e.cfg.MediumSurcharge
	case models.SizeLarge:
		price += e.cfg.LargeSurcharge
	}
	if attrs.Fragile {
		price += e.cfg.FragileSurcharge
	}
	if attrs.Urgent {
		price += e.cfg.UrgentSurcharge
	}
	return math.Round(price)
}

// EstimateOffline computes the full estimate without the network.
func (e *Estimator) EstimateOffline(pickup, dropoff models.GeoPoint, attrs models.DeliveryAttributes, congestionLevel int) *models.PriceEstimate {
	d := Distance(pickup, dropoff)
	return &models.PriceEstimate{
		DistanceKm:       d,
		DurationMin:      e.DurationMin(d, congestionLevel),
		RecommendedPrice: e.OfflinePrice(d, attrs),
	}
}

// Quote asks the remote pricing endpoint, falling back to the offline
// formula when offline or the endpoint fails transiently. Concurrent
// quotes for the same delivery are serialized by token: only the most
// recently issued request may deliver a result, older ones get
// ErrSuperseded so a slow response never overwrites a fresh one.
func (e *Estimator) Quote(ctx context.Context, deliveryID string, pickup, dropoff models.GeoPoint, attrs models.DeliveryAttributes, congestionLevel int) (*models.PriceEstimate, error) {
	token := e.issueToken(deliveryID)

	offline := e.EstimateOffline(pickup, dropoff, attrs, congestionLevel)
	if !e.online.Online() {
		if !e.tokenCurrent(deliveryID, token) {
			return nil, ErrSuperseded
		}
		return offline, nil
	}

	req := &models.QuoteRequest{
		DistanceKm:     offline.DistanceKm,
		Size:           attrs.Size,
		Fragile:        attrs.Fragile,
		Urgent:         attrs.Urgent,
		WeatherCode:    attrs.WeatherCode,
		PickupCommune:  pickup.Commune,
		DropoffCommune: dropoff.Commune,
	}

	est, err := e.remote.QuotePrice(ctx, req)
	if !e.tokenCurrent(deliveryID, token) {
		return nil, ErrSuperseded
	}
	if err != nil {
		if remote.IsTransient(err) {
			e.logger.Warn().Err(err).Str("delivery_id", deliveryID).Msg("pricing endpoint unavailable, using offline estimate")
			return offline, nil
		}
		return nil, err
	}

	if diff := math.Abs(est.RecommendedPrice - offline.RecommendedPrice); diff > e.cfg.QuoteTolerance {
		e.logger.Warn().
			Str("delivery_id", deliveryID).
			Float64("remote_price", est.RecommendedPrice).
			Float64("offline_price", offline.RecommendedPrice).
			Float64("diff", diff).
			Msg("remote quote diverges from offline formula beyond tolerance")
	}
	return est, nil
}

func (e *Estimator) issueToken(deliveryID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokens[deliveryID]++
	return e.tokens[deliveryID]
}

func (e *Estimator) tokenCurrent(deliveryID string, token uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tokens[deliveryID] == token
}
