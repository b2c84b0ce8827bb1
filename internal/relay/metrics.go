package relay

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values for relayEvents.
const (
	outcomeOK        = "ok"
	outcomeRejected  = "rejected"
	outcomeForbidden = "forbidden"
	outcomeFailed    = "failed"
	outcomeLimited   = "limited"
)

var (
	// relayConns gauges live push-channel connections.
	relayConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Current number of live relay connections.",
		},
	)

	// relayEvents counts inbound events by name and outcome. Event names come
	// from a fixed set; unknown names are folded into "unknown".
	relayEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Inbound relay events by event name and outcome.",
		},
		[]string{"event", "outcome"},
	)

	// relayFanout records how many connections each room broadcast reached.
	relayFanout = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_fanout_recipients",
			Help:    "Recipients per message fan-out.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	// relayDropped counts frames dropped because a connection's buffer was full.
	relayDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_dropped_frames_total",
			Help: "Frames dropped for slow or closed connections.",
		},
	)
)

func init() {
	prometheus.MustRegister(relayConns, relayEvents, relayFanout, relayDropped)
}
