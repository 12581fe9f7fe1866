// ABOUTME: Prometheus metrics for live chat connections, broadcasts, and the change feed
// ABOUTME: Collectors register on the default registry and are served by Handler

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "livechat"
)

var (
	// ActiveConnections is the number of registered WebSocket connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "active_connections",
			Help:      "Number of live connections in the registry",
		},
	)

	// BroadcastsTotal counts fan-outs by envelope type.
	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "broadcasts_total",
			Help:      "Total broadcasts by envelope type",
		},
		[]string{"type"},
	)

	// DeliveriesTotal counts per-connection sends by outcome.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "deliveries_total",
			Help:      "Total per-connection deliveries by result",
		},
		[]string{"result"},
	)

	// Evictions counts connections removed by the registry itself.
	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Connections evicted after send or probe failure",
		},
		[]string{"reason"},
	)

	// AdmissionRejections counts refused connection attempts by reason.
	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "admission_rejections_total",
			Help:      "Connection attempts rejected before open",
		},
		[]string{"reason"},
	)

	// FramesTotal counts inbound client frames by type.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "frames_total",
			Help:      "Inbound client frames by type",
		},
		[]string{"type"},
	)

	// FeedChanges counts change notifications observed by the bridge.
	FeedChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "changes_total",
			Help:      "Change notifications observed by table and event",
		},
		[]string{"table", "event"},
	)

	// FeedRestarts counts bridge restarts after a channel error.
	FeedRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "restarts_total",
			Help:      "Change feed restarts after a subscription error",
		},
	)

	// FeedSubscriptions is the number of active change subscriptions.
	FeedSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "active_subscriptions",
			Help:      "Active change feed subscriptions",
		},
	)
)

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordBroadcast records one fan-out and its delivery outcomes.
func RecordBroadcast(envelopeType string, delivered, failed int) {
	BroadcastsTotal.WithLabelValues(envelopeType).Inc()
	if delivered > 0 {
		DeliveriesTotal.WithLabelValues("delivered").Add(float64(delivered))
	}
	if failed > 0 {
		DeliveriesTotal.WithLabelValues("failed").Add(float64(failed))
	}
}
