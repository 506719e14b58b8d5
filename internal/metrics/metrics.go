package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpenConnections tracks live registered connections per channel.
	OpenConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "emolearn_open_connections",
			Help: "Number of registered WebSocket connections per channel",
		},
		[]string{"channel"},
	)

	// EnvelopesSent counts envelopes successfully handed to a connection
	// writer, by envelope type.
	EnvelopesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emolearn_envelopes_sent_total",
			Help: "Envelopes pushed to connections by type",
		},
		[]string{"type"},
	)

	// DroppedSends counts sends skipped because no open connection held
	// the target identity at send time.
	DroppedSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emolearn_dropped_sends_total",
			Help: "Sends dropped because the target connection was absent or closed",
		},
		[]string{"channel"},
	)

	// StoreReadFailures counts abandoned snapshot builds and broadcasts.
	StoreReadFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emolearn_store_read_failures_total",
			Help: "Store read failures during snapshot builds and broadcasts",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(OpenConnections)
	prometheus.MustRegister(EnvelopesSent)
	prometheus.MustRegister(DroppedSends)
	prometheus.MustRegister(StoreReadFailures)
}
