package startup

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "startorder_coordinator_capability_events_total",
			Help: "Number of capability arrival events applied, by kind.",
		},
		[]string{"kind"},
	)
	eventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "startorder_coordinator_capability_events_dropped_total",
			Help: "Number of malformed capability events that were dropped.",
		},
	)

	componentsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "startorder_coordinator_components_pending",
			Help: "Number of startup components still waiting on required capabilities at the last sweep.",
		},
	)
	componentsSatisfiedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "startorder_coordinator_components_satisfied_total",
			Help: "Total number of startup components whose listener was notified.",
		},
	)
	listenerPanicsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "startorder_coordinator_listener_panics_total",
			Help: "Total number of required capability listeners that panicked.",
		},
	)

	startupDurationSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "startorder_coordinator_startup_duration_seconds",
			Help: "Time from coordinator start until every startup component was notified.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(
		eventsTotal,
		eventsDroppedTotal,
		componentsPending,
		componentsSatisfiedTotal,
		listenerPanicsTotal,
		startupDurationSeconds,
	)
}
