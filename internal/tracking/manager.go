package tracking

import (
	"context"
	"sync"

	"kolis/internal/config"
	"kolis/internal/domain"
	"kolis/internal/events"
	"kolis/internal/models"
	"kolis/internal/pricing"

	"github.com/rs/zerolog"
)

// Manager owns at most one Tracker per delivery and tears trackers
// down when deliveries reach a terminal status.
type Manager struct {
	remote    domain.RemoteAPI
	push      domain.PushChannel
	estimator *pricing.Estimator
	bus       *events.Bus
	cfg       config.TrackingConfig
	logger    *zerolog.Logger

	mu       sync.Mutex
	trackers map[string]*Tracker
}

func NewManager(
	remoteAPI domain.RemoteAPI,
	push domain.PushChannel,
	estimator *pricing.Estimator,
	bus *events.Bus,
	cfg config.TrackingConfig,
	logger *zerolog.Logger,
) *Manager {
	m := &Manager{
		remote:    remoteAPI,
		push:      push,
		estimator: estimator,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
		trackers:  make(map[string]*Tracker),
	}

	bus.Subscribe(events.TopicDeliveryStatus, func(ev events.Event) {
		d, ok := ev.Payload.(*models.Delivery)
		if !ok || !d.Status.Terminal() {
			return
		}
		m.Untrack(d.ID)
	})

	return m
}

// Track starts following a delivery. Tracking an already-tracked
// delivery is a no-op.
func (m *Manager) Track(ctx context.Context, deliveryID string, dropoff models.GeoPoint) error {
	m.mu.Lock()
	if _, ok := m.trackers[deliveryID]; ok {
		m.mu.Unlock()
		return nil
	}
	t := NewTracker(deliveryID, dropoff, m.remote, m.push, m.estimator, m.bus, m.cfg, m.logger)
	m.trackers[deliveryID] = t
	m.mu.Unlock()

	if err := t.Start(ctx); err != nil {
		m.Untrack(deliveryID)
		return err
	}
	return nil
}

// Untrack stops and forgets a delivery's tracker.
func (m *Manager) Untrack(deliveryID string) {
	m.mu.Lock()
	t, ok := m.trackers[deliveryID]
	if ok {
		delete(m.trackers, deliveryID)
	}
	m.mu.Unlock()

	if ok {
		t.Stop()
	}
}

// Close stops every tracker.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Tracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		all = append(all, t)
	}
	m.trackers = make(map[string]*Tracker)
	m.mu.Unlock()

	for _, t := range all {
		t.Stop()
	}
}
