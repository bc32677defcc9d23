package connectivity

import (
	"context"
	"errors"
	"testing"

	"kolis/internal/events"

	"github.com/rs/zerolog"
)

type fakeFlags struct {
	values map[string]string
	setErr error
}

func newFakeFlags() *fakeFlags { return &fakeFlags{values: make(map[string]string)} }

func (f *fakeFlags) GetValue(_ context.Context, key string) (string, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeFlags) SetValue(_ context.Context, key, value string) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.values[key] = value
	return nil
}

type fakeCounter struct{ n int }

func (f *fakeCounter) Len(context.Context) (int, error) { return f.n, nil }

func newTestMonitor(t *testing.T, pending int) (*Monitor, *fakeFlags, *events.Bus) {
	t.Helper()
	logger := zerolog.Nop()
	flags := newFakeFlags()
	bus := events.NewBus()
	m := NewMonitor(context.Background(), flags, &fakeCounter{n: pending}, bus, &logger)
	return m, flags, bus
}

func TestInitialStateUnknown(t *testing.T) {
	m, _, _ := newTestMonitor(t, 0)

	state := m.State()
	if state.Reachability != ReachUnknown {
		t.Fatalf("expected unknown reachability, got %s", state.Reachability)
	}
	if state.Online() {
		t.Fatal("unknown reachability must not count as online")
	}
}

func TestOverrideAlwaysWins(t *testing.T) {
	m, _, _ := newTestMonitor(t, 0)
	ctx := context.Background()

	m.SetReachability(ctx, ReachOnline)
	if !m.Online() {
		t.Fatal("expected online while reachable without override")
	}

	if err := m.SetOfflineMode(ctx, true); err != nil {
		t.Fatalf("set offline mode: %v", err)
	}
	if m.Online() {
		t.Fatal("offline override must suppress online even while reachable")
	}

	// The override cannot force online while unreachable either.
	m.SetReachability(ctx, ReachOffline)
	if err := m.SetOfflineMode(ctx, false); err != nil {
		t.Fatalf("clear offline mode: %v", err)
	}
	if m.Online() {
		t.Fatal("clearing the override must not fake reachability")
	}
}

func TestOfflineModePersistsAcrossRestart(t *testing.T) {
	m, flags, _ := newTestMonitor(t, 0)
	ctx := context.Background()

	if err := m.SetOfflineMode(ctx, true); err != nil {
		t.Fatalf("set offline mode: %v", err)
	}
	if flags.values["offline_mode"] != "1" {
		t.Fatalf("expected override persisted, got %q", flags.values["offline_mode"])
	}

	logger := zerolog.Nop()
	restarted := NewMonitor(ctx, flags, &fakeCounter{}, events.NewBus(), &logger)
	if !restarted.OfflineMode() {
		t.Fatal("expected override restored after restart")
	}
}

func TestSyncProposedOnReconnectWithPendingWork(t *testing.T) {
	m, _, bus := newTestMonitor(t, 3)
	ctx := context.Background()

	var proposals []int
	m.OnSyncProposal(func(pending int) { proposals = append(proposals, pending) })

	var published []int
	bus.Subscribe(events.TopicSyncProposed, func(ev events.Event) {
		if n, ok := ev.Payload.(int); ok {
			published = append(published, n)
		}
	})

	m.SetReachability(ctx, ReachOffline)
	m.SetReachability(ctx, ReachOnline)

	if len(proposals) != 1 || proposals[0] != 3 {
		t.Fatalf("expected one proposal with 3 pending, got %v", proposals)
	}
	if len(published) != 1 {
		t.Fatalf("expected one sync_proposed event, got %d", len(published))
	}

	// Staying online must not re-propose.
	m.SetReachability(ctx, ReachOnline)
	if len(proposals) != 1 {
		t.Fatalf("expected no proposal without a transition, got %v", proposals)
	}
}

func TestNoProposalWithEmptyQueue(t *testing.T) {
	m, _, _ := newTestMonitor(t, 0)
	ctx := context.Background()

	called := false
	m.OnSyncProposal(func(int) { called = true })

	m.SetReachability(ctx, ReachOnline)
	if called {
		t.Fatal("expected no proposal with an empty queue")
	}
}

func TestClearingOverrideWhileReachableProposesSync(t *testing.T) {
	m, _, _ := newTestMonitor(t, 2)
	ctx := context.Background()

	var proposals []int
	m.OnSyncProposal(func(pending int) { proposals = append(proposals, pending) })

	if err := m.SetOfflineMode(ctx, true); err != nil {
		t.Fatalf("set offline mode: %v", err)
	}
	m.SetReachability(ctx, ReachOnline)
	if len(proposals) != 0 {
		t.Fatalf("override still active, expected no proposal, got %v", proposals)
	}

	if err := m.SetOfflineMode(ctx, false); err != nil {
		t.Fatalf("clear offline mode: %v", err)
	}
	if len(proposals) != 1 || proposals[0] != 2 {
		t.Fatalf("expected proposal after clearing override, got %v", proposals)
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	m, _, _ := newTestMonitor(t, 0)
	ctx := context.Background()

	var seen []State
	unsubscribe := m.Subscribe(func(s State) { seen = append(seen, s) })

	m.SetReachability(ctx, ReachOnline)
	if len(seen) != 1 || !seen[0].Online() {
		t.Fatalf("expected one online notification, got %v", seen)
	}

	unsubscribe()
	m.SetReachability(ctx, ReachOffline)
	if len(seen) != 1 {
		t.Fatalf("expected no notifications after unsubscribe, got %v", seen)
	}
}

func TestOfflineModePersistFailureLeavesStateUntouched(t *testing.T) {
	m, flags, _ := newTestMonitor(t, 0)
	ctx := context.Background()
	m.SetReachability(ctx, ReachOnline)

	var notified []State
	m.Subscribe(func(s State) { notified = append(notified, s) })

	flags.setErr = errors.New("disk full")
	if err := m.SetOfflineMode(ctx, true); err == nil {
		t.Fatal("expected persistence error to surface")
	}
	if m.OfflineMode() {
		t.Fatal("override must not flip in memory when persisting failed")
	}
	if !m.Online() {
		t.Fatal("monitor must still report online after the failed flip")
	}
	if len(notified) != 0 {
		t.Fatalf("expected no notifications for a failed flip, got %d", len(notified))
	}

	// Once the store recovers the flip goes through and is durable.
	flags.setErr = nil
	if err := m.SetOfflineMode(ctx, true); err != nil {
		t.Fatalf("set offline mode: %v", err)
	}
	if !m.OfflineMode() || flags.values["offline_mode"] != "1" {
		t.Fatal("expected override flipped and persisted")
	}
	if len(notified) != 1 {
		t.Fatalf("expected one notification, got %d", len(notified))
	}
}
