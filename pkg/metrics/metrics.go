package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection lifecycle metrics
	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warp_reconnects_total",
			Help: "Total number of reconnect attempts",
		},
	)

	HandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warp_handshakes_total",
			Help: "Total number of tunnel handshakes by result",
		},
		[]string{"result"},
	)

	ConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warp_connection_state",
			Help: "Current client state (0=idle, 1=connecting, 2=connected, 3=reconnecting, 4=closed)",
		},
	)

	// Stream metrics
	StreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warp_streams_active",
			Help: "Number of currently open virtual connections",
		},
	)

	StreamsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warp_streams_total",
			Help: "Total number of virtual connections opened by the relay",
		},
	)

	// Frame metrics
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warp_frames_total",
			Help: "Total number of tunnel frames by direction and kind",
		},
		[]string{"direction", "kind"},
	)

	BytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warp_bytes_total",
			Help: "Total tunnel payload bytes by direction",
		},
		[]string{"direction"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ReconnectsTotal)
	prometheus.MustRegister(HandshakesTotal)
	prometheus.MustRegister(ConnectionState)
	prometheus.MustRegister(StreamsActive)
	prometheus.MustRegister(StreamsTotal)
	prometheus.MustRegister(FramesTotal)
	prometheus.MustRegister(BytesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
