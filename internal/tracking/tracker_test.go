package tracking

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"kolis/internal/config"
	"kolis/internal/events"
	"kolis/internal/models"
	"kolis/internal/pricing"

	"github.com/rs/zerolog"
)

type fakePush struct {
	mu           sync.Mutex
	handlers     map[string]func([]byte)
	unsubscribed map[string]bool
	subscribeErr error
}

func newFakePush() *fakePush {
	return &fakePush{
		handlers:     make(map[string]func([]byte)),
		unsubscribed: make(map[string]bool),
	}
}

func (f *fakePush) Subscribe(topic string, handler func([]byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.handlers[topic] = handler
	return func() {
		f.mu.Lock()
		f.unsubscribed[topic] = true
		f.mu.Unlock()
	}, nil
}

func (f *fakePush) send(t *testing.T, topic string, sample models.LocationSample) {
	t.Helper()
	f.mu.Lock()
	handler := f.handlers[topic]
	f.mu.Unlock()
	if handler == nil {
		t.Fatalf("no handler for topic %s", topic)
	}
	raw, err := json.Marshal(sample)
	if err != nil {
		t.Fatalf("marshal sample: %v", err)
	}
	handler(raw)
}

type locationRemote struct {
	mu      sync.Mutex
	sample  *models.LocationSample
	calls   int
	nextErr error
}

func (r *locationRemote) CourierLocation(context.Context, string) (*models.LocationSample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.nextErr != nil {
		return nil, r.nextErr
	}
	if r.sample == nil {
		return nil, nil
	}
	copied := *r.sample
	return &copied, nil
}

func (r *locationRemote) pollCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *locationRemote) CreateDelivery(context.Context, string, *models.CreateDeliveryPayload) (*models.Delivery, error) {
	return nil, nil
}

func (r *locationRemote) CreateBid(context.Context, string, *models.CreateBidPayload) (*models.Bid, error) {
	return nil, nil
}

func (r *locationRemote) AcceptBid(context.Context, string, string, string) (*models.Delivery, error) {
	return nil, nil
}

func (r *locationRemote) RejectBid(context.Context, string, string, string) error { return nil }

func (r *locationRemote) UpdateDeliveryStatus(context.Context, string, string, models.DeliveryStatus) error {
	return nil
}

func (r *locationRemote) CancelDelivery(context.Context, string, string, string) error { return nil }

func (r *locationRemote) GetDelivery(context.Context, string) (*models.Delivery, error) {
	return nil, nil
}

func (r *locationRemote) ListBids(context.Context, string) ([]models.Bid, error) { return nil, nil }

func (r *locationRemote) QuotePrice(context.Context, *models.QuoteRequest) (*models.PriceEstimate, error) {
	return nil, nil
}

var dropoff = models.GeoPoint{Lat: 5.32, Lng: -4.02}

func newTestTracker(t *testing.T, push *fakePush, remote *locationRemote, silenceSec, pollSec int) (*Tracker, *events.Bus) {
	t.Helper()
	logger := zerolog.Nop()
	bus := events.NewBus()
	estimator := pricing.NewEstimator(config.PricingConfig{MinutesPerKm: 3}, remote, nil, &logger)
	cfg := config.TrackingConfig{SilenceWindowSeconds: silenceSec, PollIntervalSeconds: pollSec}
	return NewTracker("d-1", dropoff, remote, push, estimator, bus, cfg, &logger), bus
}

func TestPushSampleAppliedAndRecomputed(t *testing.T) {
	push := newFakePush()
	tracker, bus := newTestTracker(t, push, &locationRemote{}, 60, 60)

	var updates []*models.TrackingUpdate
	var mu sync.Mutex
	bus.Subscribe(events.TopicLocation, func(ev events.Event) {
		if u, ok := ev.Payload.(*models.TrackingUpdate); ok {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		}
	})

	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tracker.Stop()

	push.send(t, "location.d-1", models.LocationSample{Lat: 5.36, Lng: -4.01, Timestamp: time.Now()})

	last := tracker.Last()
	if last == nil || last.Source != models.SourcePush {
		t.Fatalf("expected applied push sample, got %+v", last)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 1 {
		t.Fatalf("expected one tracking update, got %d", len(updates))
	}
	if updates[0].RemainingKm <= 0 || updates[0].ETAMin <= 0 {
		t.Fatalf("expected recomputed distance/ETA, got %+v", updates[0])
	}
}

func TestStaleSampleIgnored(t *testing.T) {
	push := newFakePush()
	tracker, _ := newTestTracker(t, push, &locationRemote{}, 60, 60)

	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tracker.Stop()

	newer := time.Now()
	push.send(t, "location.d-1", models.LocationSample{Lat: 5.36, Lng: -4.01, Timestamp: newer})
	push.send(t, "location.d-1", models.LocationSample{Lat: 9.99, Lng: 9.99, Timestamp: newer.Add(-time.Minute)})

	last := tracker.Last()
	if last == nil || last.Lat != 5.36 {
		t.Fatalf("expected stale sample dropped, got %+v", last)
	}

	// Equal timestamps are duplicates, not newer.
	push.send(t, "location.d-1", models.LocationSample{Lat: 8.88, Lng: 8.88, Timestamp: newer})
	if tracker.Last().Lat != 5.36 {
		t.Fatal("expected duplicate timestamp dropped")
	}
}

func TestPollFallbackAfterSilence(t *testing.T) {
	push := newFakePush()
	remote := &locationRemote{sample: &models.LocationSample{Lat: 5.35, Lng: -4.00, Timestamp: time.Now()}}
	tracker, _ := newTestTracker(t, push, remote, 0, 1)

	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tracker.Stop()

	// Silence window of zero: the poller takes over immediately and the
	// first tick lands after one poll interval.
	deadline := time.After(3 * time.Second)
	for remote.pollCalls() == 0 {
		select {
		case <-deadline:
			t.Fatal("poll fallback never engaged")
		case <-time.After(20 * time.Millisecond):
		}
	}

	waitFor := time.After(2 * time.Second)
	for tracker.Last() == nil {
		select {
		case <-waitFor:
			t.Fatal("poll sample never applied")
		case <-time.After(20 * time.Millisecond):
		}
	}
	if tracker.Last().Source != models.SourcePoll {
		t.Fatalf("expected poll source, got %s", tracker.Last().Source)
	}
}

func TestHealthyPushSuppressesPoll(t *testing.T) {
	push := newFakePush()
	remote := &locationRemote{}
	tracker, _ := newTestTracker(t, push, remote, 1, 1)

	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tracker.Stop()

	deadline := time.After(3 * time.Second)
	for {
		tracker.mu.Lock()
		polling := tracker.pollCancel != nil
		tracker.mu.Unlock()
		if polling {
			break
		}
		select {
		case <-deadline:
			t.Fatal("poller never started")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// A fresh push sample must cancel the poll timer.
	push.send(t, "location.d-1", models.LocationSample{Lat: 5.36, Lng: -4.01, Timestamp: time.Now()})

	tracker.mu.Lock()
	polling := tracker.pollCancel != nil
	tracker.mu.Unlock()
	if polling {
		t.Fatal("expected poller torn down by a healthy push")
	}
}

func TestSubscribeFailureFallsBackToPolling(t *testing.T) {
	push := newFakePush()
	push.subscribeErr = context.DeadlineExceeded
	remote := &locationRemote{sample: &models.LocationSample{Lat: 5.35, Lng: -4.00, Timestamp: time.Now()}}
	tracker, _ := newTestTracker(t, push, remote, 60, 1)

	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("start should absorb subscribe failure: %v", err)
	}
	defer tracker.Stop()

	deadline := time.After(3 * time.Second)
	for remote.pollCalls() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected polling when push is unavailable")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestStopReleasesBothSources(t *testing.T) {
	push := newFakePush()
	tracker, _ := newTestTracker(t, push, &locationRemote{}, 60, 60)

	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	tracker.Stop()

	push.mu.Lock()
	released := push.unsubscribed["location.d-1"]
	push.mu.Unlock()
	if !released {
		t.Fatal("expected push subscription released on stop")
	}

	// Stop is idempotent and samples after stop are ignored.
	tracker.Stop()
	push.send(t, "location.d-1", models.LocationSample{Lat: 5.36, Lng: -4.01, Timestamp: time.Now()})
	if tracker.Last() != nil {
		t.Fatal("expected samples ignored after stop")
	}
}

func TestManagerStopsTrackerOnTerminalStatus(t *testing.T) {
	push := newFakePush()
	logger := zerolog.Nop()
	bus := events.NewBus()
	remote := &locationRemote{}
	estimator := pricing.NewEstimator(config.PricingConfig{MinutesPerKm: 3}, remote, nil, &logger)
	cfg := config.TrackingConfig{SilenceWindowSeconds: 60, PollIntervalSeconds: 60}
	manager := NewManager(remote, push, estimator, bus, cfg, &logger)
	defer manager.Close()

	if err := manager.Track(context.Background(), "d-9", dropoff); err != nil {
		t.Fatalf("track: %v", err)
	}
	// Tracking twice is a no-op.
	if err := manager.Track(context.Background(), "d-9", dropoff); err != nil {
		t.Fatalf("re-track: %v", err)
	}

	bus.Publish(events.TopicDeliveryStatus, &models.Delivery{ID: "d-9", Status: models.StatusCompleted})

	push.mu.Lock()
	released := push.unsubscribed["location.d-9"]
	push.mu.Unlock()
	if !released {
		t.Fatal("expected tracker released when delivery completed")
	}
}
