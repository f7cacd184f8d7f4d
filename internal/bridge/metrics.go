package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gidigo_bridge_events_handled_total",
		Help: "Realtime events decoded and handled, by kind",
	}, []string{"kind"})

	eventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gidigo_bridge_events_rejected_total",
		Help: "Realtime events dropped at decode, by wire name",
	}, []string{"event"})

	duplicateTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gidigo_bridge_duplicate_terminal_events_total",
		Help: "Terminal events ignored because the ride had already ended",
	}, []string{"kind"})

	watchedRides = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gidigo_bridge_watched_rides",
		Help: "Ride channels currently watched",
	})

	tentativeReverts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gidigo_bridge_tentative_reverts_total",
		Help: "Optimistic request removals rolled back after a dispatch failure",
	}, []string{"operation"})

	dispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gidigo_bridge_dispatch_failures_total",
		Help: "Dispatch calls that failed, by operation",
	}, []string{"operation"})
)
