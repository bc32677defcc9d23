package connectivity

import (
	"context"
	"sync"

	"kolis/internal/domain"
	"kolis/internal/events"
	"kolis/internal/metrics"

	"github.com/rs/zerolog"
)

// Reachability is tri-state: absence of a signal is "unknown", never
// "offline".
type Reachability int

const (
	ReachUnknown Reachability = iota
	ReachOnline
	ReachOffline
)

func (r Reachability) String() string {
	switch r {
	case ReachOnline:
		return "online"
	case ReachOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// State combines actual reachability with the user's offline override.
type State struct {
	Reachability Reachability
	OfflineMode  bool
}

// Online reports whether sync traffic may flow. The override always
// wins: offline mode suppresses syncing even while reachable, and
// nothing can force "online" while the network is down or unknown.
func (s State) Online() bool {
	return s.Reachability == ReachOnline && !s.OfflineMode
}

const offlineModeKey = "offline_mode"

// PendingCounter is how the monitor learns whether unsynced work exists
// when connectivity returns.
type PendingCounter interface {
	Len(ctx context.Context) (int, error)
}

// Monitor observes reachability transitions and the offline override.
// It is constructed once at process start and passed by reference; no
// ambient singleton.
type Monitor struct {
	flags  domain.FlagStore
	queue  PendingCounter
	bus    *events.Bus
	logger *zerolog.Logger

	mu     sync.Mutex
	state  State
	subs   map[int64]func(State)
	nextID int64

	// proposeSync is invoked on a transition to online while pending
	// operations exist. The subscriber decides whether to drain; the
	// monitor never starts a silent sync itself.
	proposeSync func(pending int)
}

func NewMonitor(ctx context.Context, flags domain.FlagStore, queue PendingCounter, bus *events.Bus, logger *zerolog.Logger) *Monitor {
	m := &Monitor{
		flags:  flags,
		queue:  queue,
		bus:    bus,
		logger: logger,
		subs:   make(map[int64]func(State)),
	}

	// Restore the persisted override; reachability starts unknown until
	// the signal provider reports.
	if val, ok, err := flags.GetValue(ctx, offlineModeKey); err == nil && ok {
		m.state.OfflineMode = val == "1"
	}

	metrics.SetConnectivityState(m.state.Reachability.String())
	metrics.SetOfflineOverride(m.state.OfflineMode)
	return m
}

// OnSyncProposal registers the callback invoked when connectivity
// returns with work queued.
func (m *Monitor) OnSyncProposal(fn func(pending int)) {
	m.mu.Lock()
	m.proposeSync = fn
	m.mu.Unlock()
}

// SetReachability is fed by the connectivity signal provider.
func (m *Monitor) SetReachability(ctx context.Context, r Reachability) {
	m.mu.Lock()
	prev := m.state
	m.state.Reachability = r
	next := m.state
	m.mu.Unlock()

	if prev == next {
		return
	}

	m.logger.Info().
		Str("from", prev.Reachability.String()).
		Str("to", r.String()).
		Bool("offline_mode", next.OfflineMode).
		Msg("reachability changed")

	metrics.SetConnectivityState(r.String())
	m.notify(next)

	if !prev.Online() && next.Online() {
		m.maybeProposeSync(ctx)
	}
}

// SetOfflineMode flips the user override and persists it. Turning the
// override off while reachable also triggers a sync proposal.
func (m *Monitor) SetOfflineMode(ctx context.Context, offline bool) error {
	m.mu.Lock()
	if m.state.OfflineMode == offline {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	val := "0"
	if offline {
		val = "1"
	}
	// Persist before flipping the in-memory state: a failed write must
	// not leave memory and disk disagreeing.
	if err := m.flags.SetValue(ctx, offlineModeKey, val); err != nil {
		return err
	}

	m.mu.Lock()
	prev := m.state
	m.state.OfflineMode = offline
	next := m.state
	m.mu.Unlock()

	if prev == next {
		return nil
	}

	metrics.SetOfflineOverride(offline)
	m.notify(next)

	if !prev.Online() && next.Online() {
		m.maybeProposeSync(ctx)
	}
	return nil
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Online() bool {
	return m.State().Online()
}

func (m *Monitor) OfflineMode() bool {
	return m.State().OfflineMode
}

// Subscribe registers a transition handler and returns its unsubscribe.
func (m *Monitor) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) notify(state State) {
	m.mu.Lock()
	handlers := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(state)
	}
	m.bus.Publish(events.TopicConnectivity, state)
}

func (m *Monitor) maybeProposeSync(ctx context.Context) {
	pending, err := m.queue.Len(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to count pending operations")
		return
	}
	if pending == 0 {
		return
	}

	m.mu.Lock()
	fn := m.proposeSync
	m.mu.Unlock()

	m.bus.Publish(events.TopicSyncProposed, pending)
	if fn != nil {
		fn(pending)
	}
}
