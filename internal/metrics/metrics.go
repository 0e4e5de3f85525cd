// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Actor substrate
var (
	// ActorsActive tracks in-memory actors by namespace.
	ActorsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "huddle_actors_active",
			Help: "In-memory actors by namespace",
		},
		[]string{"namespace"},
	)

	// ActorsHibernated counts actors evicted from memory.
	ActorsHibernated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_actors_hibernated_total",
			Help: "Actors evicted from memory by namespace",
		},
		[]string{"namespace"},
	)

	// SocketsAttached tracks sockets held by the runtime per namespace.
	SocketsAttached = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "huddle_sockets_attached",
			Help: "Attached sockets by namespace",
		},
		[]string{"namespace"},
	)

	// AlarmsFired counts delivered alarms.
	AlarmsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_alarms_fired_total",
			Help: "Alarms delivered to actors by namespace",
		},
		[]string{"namespace"},
	)
)

// Rooms
var (
	RoomEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_room_events_total",
			Help: "Room socket events by type",
		},
		[]string{"type"},
	)

	RoomsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_rooms_purged_total",
			Help: "Rooms removed after the grace window",
		},
	)
)

// MalformedFrames counts unparsable inbound frames by component.
var MalformedFrames = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "huddle_malformed_frames_total",
		Help: "Unparsable inbound frames by component",
	},
	[]string{"component"},
)

// Presence
var PresenceTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "huddle_presence_transitions_total",
		Help: "Presence status changes by new status and cause",
	},
	[]string{"status", "cause"},
)

// Broker
var (
	BrokerFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_broker_frames_total",
			Help: "Inbound broker frames by command",
		},
		[]string{"command"},
	)

	BrokerDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_broker_deliveries_total",
			Help: "MESSAGE frames written to subscribers",
		},
	)

	BrokerDestinations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huddle_broker_destinations",
			Help: "Destinations with at least one subscriber",
		},
	)
)

// External collaborators
var (
	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "huddle_external_call_duration_seconds",
			Help:    "Identity and persistence call latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"call", "status"},
	)

	// CircuitBreakerState tracks breaker state (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "huddle_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)
