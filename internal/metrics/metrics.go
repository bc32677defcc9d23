package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	opsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kolis",
			Name:      "operations_enqueued_total",
			Help:      "Pending operations enqueued, by operation type.",
		},
		[]string{"type"},
	)

	opsSynced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kolis",
			Name:      "operations_synced_total",
			Help:      "Operations confirmed by the remote API, by type.",
		},
		[]string{"type"},
	)

	opsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kolis",
			Name:      "operations_failed_total",
			Help:      "Operations that exhausted retries or hit a conflict.",
		},
		[]string{"type", "reason"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kolis",
			Name:      "queue_depth",
			Help:      "Operations currently awaiting sync.",
		},
	)

	locationSamples = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kolis",
			Name:      "location_samples_total",
			Help:      "Location samples by source and accept/reject outcome.",
		},
		[]string{"source", "outcome"},
	)

	connectivityState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kolis",
			Name:      "connectivity_state",
			Help:      "Current reachability, 1 for the active state.",
		},
		[]string{"state"},
	)

	offlineOverride = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kolis",
			Name:      "offline_override",
			Help:      "1 while the user-set offline mode is active.",
		},
	)

	pollFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kolis",
			Name:      "tracking_poll_fallbacks_total",
			Help:      "Times the tracker fell back from push to polling.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(opsEnqueued, opsSynced, opsFailed, queueDepth, connectivityState, offlineOverride, locationSamples, pollFallbacks)
	})
}

func IncEnqueued(opType string) { opsEnqueued.WithLabelValues(opType).Inc() }

func IncSynced(opType string) { opsSynced.WithLabelValues(opType).Inc() }

func IncFailed(opType, reason string) { opsFailed.WithLabelValues(opType, reason).Inc() }

func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

// SetConnectivityState marks one reachability state active and clears
// the others.
func SetConnectivityState(state string) {
	for _, s := range []string{"unknown", "online", "offline"} {
		v := 0.0
		if s == state {
			v = 1
		}
		connectivityState.WithLabelValues(s).Set(v)
	}
}

func SetOfflineOverride(on bool) {
	if on {
		offlineOverride.Set(1)
	} else {
		offlineOverride.Set(0)
	}
}

func IncSample(source, outcome string) { locationSamples.WithLabelValues(source, outcome).Inc() }

func IncPollFallback() { pollFallbacks.Inc() }
