// Package metrics holds the Prometheus collectors for an edge node.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	LiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "push_relay_live_connections",
		Help: "Current identified websocket connections on this node.",
	})

	FramesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_relay_frames_delivered_total",
		Help: "Total broker frames written to a live connection.",
	})
	FramesNoConnection = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_relay_frames_no_connection_total",
		Help: "Total broker frames skipped because the token had no live connection.",
	})
	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_relay_frames_dropped_total",
		Help: "Total frames dropped because a connection's outbound queue was full or dead.",
	})
)

func Register() {
	prometheus.MustRegister(
		LiveConnections,
		FramesDelivered, FramesNoConnection, FramesDropped,
	)
}
