// Package meshmetrics registers the Prometheus collectors the mesh
// layer exercises: peer count, measured RTT, advertisement rounds, join
// outcomes, and evictions. The constructor creates every collector and
// calls MustRegister once, handing the caller a struct of ready-to-use
// metrics.
package meshmetrics

import "github.com/prometheus/client_golang/prometheus"

// Collector holds every metric the mesh layer updates. A nil
// *Collector is never passed around internally; mesh.Mesh simply skips
// updates when its own metrics field is nil (the WithMetrics default).
type Collector struct {
	PeerCount       prometheus.Gauge
	RTT             prometheus.Histogram
	AdvertiseRounds prometheus.Counter
	Joins           *prometheus.CounterVec
	Evictions       prometheus.Counter
}

// New creates every collector and registers them against reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		PeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshnet_peer_count",
			Help: "Current number of peers in the local peer table.",
		}),
		RTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshnet_peer_rtt_seconds",
			Help:    "Measured round-trip time to known peers.",
			Buckets: prometheus.DefBuckets,
		}),
		AdvertiseRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshnet_advertise_rounds_total",
			Help: "Number of advertisement rounds run.",
		}),
		Joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshnet_joins_total",
			Help: "Join attempts, partitioned by outcome.",
		}, []string{"outcome"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshnet_peer_evictions_total",
			Help: "Number of peers evicted for exceeding the liveness deadline.",
		}),
	}

	reg.MustRegister(c.PeerCount, c.RTT, c.AdvertiseRounds, c.Joins, c.Evictions)
	return c
}
