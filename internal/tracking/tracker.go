package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"kolis/internal/config"
	"kolis/internal/domain"
	"kolis/internal/events"
	"kolis/internal/metrics"
	"kolis/internal/models"
	"kolis/internal/pricing"

	"github.com/rs/zerolog"
)

// Tracker follows one delivery's courier position. Push is the primary
// source; when it stays silent past the silence window the tracker
// falls back to polling, and a recovered push tears the poller down
// again. Exactly one source is active at a time.
type Tracker struct {
	deliveryID string
	dropoff    models.GeoPoint
	remote     domain.RemoteAPI
	push       domain.PushChannel
	estimator  *pricing.Estimator
	bus        *events.Bus
	logger     *zerolog.Logger
	cfg        config.TrackingConfig

	mu          sync.Mutex
	last        *models.LocationSample
	unsubscribe func()
	silence     *time.Timer
	pollCancel  context.CancelFunc
	stopped     bool
}

func NewTracker(
	deliveryID string,
	dropoff models.GeoPoint,
	remoteAPI domain.RemoteAPI,
	push domain.PushChannel,
	estimator *pricing.Estimator,
	bus *events.Bus,
	cfg config.TrackingConfig,
	logger *zerolog.Logger,
) *Tracker {
	return &Tracker{
		deliveryID: deliveryID,
		dropoff:    dropoff,
		remote:     remoteAPI,
		push:       push,
		estimator:  estimator,
		bus:        bus,
		logger:     logger,
		cfg:        cfg,
	}
}

// Start subscribes to the push channel and arms the silence timer.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return fmt.Errorf("tracker for delivery %s already stopped", t.deliveryID)
	}
	if t.unsubscribe != nil || t.pollCancel != nil {
		return nil
	}

	topic := "location." + t.deliveryID
	unsub, err := t.push.Subscribe(topic, func(payload []byte) {
		var sample models.LocationSample
		if err := json.Unmarshal(payload, &sample); err != nil {
			t.logger.Warn().Err(err).Str("delivery_id", t.deliveryID).Msg("dropping malformed push sample")
			return
		}
		sample.Source = models.SourcePush
		t.handleSample(ctx, sample)
	})
	if err != nil {
		// No push at all: go straight to polling.
		t.logger.Warn().Err(err).Str("delivery_id", t.deliveryID).Msg("push subscribe failed, starting poll fallback")
		t.startPollLocked(ctx)
		return nil
	}

	t.unsubscribe = unsub
	t.armSilenceLocked(ctx)
	return nil
}

// handleSample applies a sample if it is strictly newer than the last
// applied one; duplicates and out-of-order samples are dropped.
func (t *Tracker) handleSample(ctx context.Context, sample models.LocationSample) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.last != nil && !sample.Timestamp.After(t.last.Timestamp) {
		t.mu.Unlock()
		metrics.IncSample(string(sample.Source), "stale")
		return
	}
	copied := sample
	t.last = &copied

	// A healthy push suppresses the poller and re-arms the silence
	// window; a poll sample leaves the poller running.
	if sample.Source == models.SourcePush {
		t.stopPollLocked()
		t.armSilenceLocked(ctx)
	}
	t.mu.Unlock()

	metrics.IncSample(string(sample.Source), "applied")
	t.publishUpdate(sample)
}

// publishUpdate recomputes remaining distance and ETA from the sample.
func (t *Tracker) publishUpdate(sample models.LocationSample) {
	courier := models.GeoPoint{Lat: sample.Lat, Lng: sample.Lng}
	remaining := pricing.Distance(courier, t.dropoff)
	update := &models.TrackingUpdate{
		DeliveryID:  t.deliveryID,
		Sample:      sample,
		RemainingKm: remaining,
		ETAMin:      t.estimator.DurationMin(remaining, 0),
	}
	t.bus.Publish(events.TopicLocation, update)
}

// armSilenceLocked (re)starts the push silence timer. Caller holds mu.
func (t *Tracker) armSilenceLocked(ctx context.Context) {
	if t.silence != nil {
		t.silence.Stop()
	}
	t.silence = time.AfterFunc(t.cfg.SilenceWindow(), func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.stopped || t.pollCancel != nil {
			return
		}
		t.logger.Info().
			Str("delivery_id", t.deliveryID).
			Dur("silence_window", t.cfg.SilenceWindow()).
			Msg("push channel silent, falling back to polling")
		metrics.IncPollFallback()
		t.startPollLocked(ctx)
	})
}

// startPollLocked launches the poll loop. Caller holds mu.
func (t *Tracker) startPollLocked(ctx context.Context) {
	pollCtx, cancel := context.WithCancel(ctx)
	t.pollCancel = cancel

	go func() {
		ticker := time.NewTicker(t.cfg.PollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				t.pollOnce(pollCtx)
			}
		}
	}()
}

func (t *Tracker) pollOnce(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.PollInterval())
	defer cancel()

	sample, err := t.remote.CourierLocation(callCtx, t.deliveryID)
	if err != nil {
		t.logger.Warn().Err(err).Str("delivery_id", t.deliveryID).Msg("location poll failed")
		metrics.IncSample(string(models.SourcePoll), "error")
		return
	}
	if sample == nil {
		return
	}
	sample.Source = models.SourcePoll
	t.handleSample(ctx, *sample)
}

// stopPollLocked cancels the poll loop. Caller holds mu.
func (t *Tracker) stopPollLocked() {
	if t.pollCancel != nil {
		t.pollCancel()
		t.pollCancel = nil
	}
}

// Last returns the most recently applied sample, or nil.
func (t *Tracker) Last() *models.LocationSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return nil
	}
	copied := *t.last
	return &copied
}

// Stop releases both sources. Safe to call more than once; called on
// teardown or when the delivery reaches a terminal status.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.silence != nil {
		t.silence.Stop()
		t.silence = nil
	}
	t.stopPollLocked()
	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
	}
}
