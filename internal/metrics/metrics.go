// Package metrics defines the Prometheus collectors of a node.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tbc"

// Metrics holds the collectors of one node. Every node registers into its
// own registry so that several nodes can share a process.
type Metrics struct {
	Registry *prometheus.Registry

	Delivered       prometheus.Counter
	Duplicates      *prometheus.CounterVec
	Stale           *prometheus.CounterVec
	PacketsSent     prometheus.Counter
	PacketsDropped  *prometheus.CounterVec
	Forwarded       prometheus.Counter
	Recycled        prometheus.Counter
	Suspicions      prometheus.Counter
	SuspendDropped  prometheus.Counter
	QueueLength     *prometheus.GaugeVec
	Records         prometheus.Gauge
	DeliveryLatency prometheus.Histogram
}

// New creates the collectors of node and registers them into a fresh
// registry.
func New(node uint8) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	labels := prometheus.Labels{"node": strconv.Itoa(int(node))}

	return &Metrics{
		Registry: reg,
		Delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "delivered_total",
			Help:        "Messages delivered to the application",
			ConstLabels: labels,
		}),
		Duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "duplicates_total",
			Help:        "Timestamps received more than once from the same source",
			ConstLabels: labels,
		}, []string{"layer"}),
		Stale: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "stale_total",
			Help:        "Timestamps dropped by the freshness check",
			ConstLabels: labels,
		}, []string{"layer"}),
		PacketsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "packets_sent_total",
			Help:        "Batch packets sent",
			ConstLabels: labels,
		}),
		PacketsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "packets_dropped_total",
			Help:        "Inbound batch packets dropped",
			ConstLabels: labels,
		}, []string{"reason"}),
		Forwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "forwarded_total",
			Help:        "Payloads re-broadcast by the forwarder",
			ConstLabels: labels,
		}),
		Recycled: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "recycled_total",
			Help:        "Dissemination records freed",
			ConstLabels: labels,
		}),
		Suspicions: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "suspicions_total",
			Help:        "Peers reported as suspect",
			ConstLabels: labels,
		}),
		SuspendDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "suspend_dropped_total",
			Help:        "Local messages dropped while intake was suspended",
			ConstLabels: labels,
		}),
		QueueLength: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "queue_length",
			Help:        "Entries in the causal queue of each source",
			ConstLabels: labels,
		}, []string{"source"}),
		Records: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "records",
			Help:        "Live delivery records",
			ConstLabels: labels,
		}),
		DeliveryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "delivery_latency_seconds",
			Help:        "Time from first sight of a message to its delivery",
			ConstLabels: labels,
			Buckets:     []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
