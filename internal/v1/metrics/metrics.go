package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the realtime chat backend.
//
// Naming convention: namespace_subsystem_name
// - namespace: miuchi_chat (application-level grouping)
// - subsystem: websocket, room, search (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, occupants)
// - Counter: Cumulative events (frames dispatched, drops, index failures)
// - Histogram: Latency distributions (dispatch time)

var (
	// ActiveConnections tracks the current number of live WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "miuchi_chat",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of non-empty rooms in the registry.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "miuchi_chat",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms with at least one connected client",
	})

	// RoomOccupants tracks the number of connected clients per room.
	RoomOccupants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "miuchi_chat",
		Subsystem: "room",
		Name:      "occupants_count",
		Help:      "Number of connected clients in each room",
	}, []string{"room"})

	// WsEvents counts dispatched inbound frames by type and outcome.
	WsEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miuchi_chat",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket frames dispatched",
	}, []string{"event_type", "status"})

	// DroppedDeliveries counts frames dropped because a recipient's outbound
	// queue was full or closed.
	DroppedDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "miuchi_chat",
		Subsystem: "websocket",
		Name:      "dropped_deliveries_total",
		Help:      "Broadcast frames dropped due to a full recipient queue",
	})

	// RateLimitedFrames counts inbound frames rejected by the permit pool.
	RateLimitedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "miuchi_chat",
		Subsystem: "websocket",
		Name:      "rate_limited_frames_total",
		Help:      "Inbound frames dropped by the per-connection rate limit",
	})

	// UpgradeRejections counts upgrade requests refused before a connection
	// actor was spawned, by reason.
	UpgradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miuchi_chat",
		Subsystem: "websocket",
		Name:      "upgrade_rejections_total",
		Help:      "WebSocket upgrade requests rejected",
	}, []string{"reason"})

	// DispatchDuration tracks the time spent dispatching inbound frames.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "miuchi_chat",
		Subsystem: "websocket",
		Name:      "dispatch_seconds",
		Help:      "Time spent dispatching inbound frames",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// SearchIndexFailures counts messages that could not be indexed. Indexing
	// is best-effort; failures never block delivery.
	SearchIndexFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "miuchi_chat",
		Subsystem: "search",
		Name:      "index_failures_total",
		Help:      "Messages that failed to index in the search backend",
	})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
