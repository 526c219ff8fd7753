// Package metrics exposes Prometheus collectors for the peer connection
// layer. A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the connection layer metrics.
type Collector struct {
	peersConnected prometheus.Gauge
	peersKnown     prometheus.Gauge

	dialAttempts  *prometheus.CounterVec
	dialFailures  prometheus.Counter
	addresses     *prometheus.CounterVec
	broadcasts    *prometheus.CounterVec
	forwardsSent  prometheus.Counter
	forwardsRelay prometheus.Counter
	simOpen       *prometheus.CounterVec

	connectionLag prometheus.Histogram
}

// New registers the collectors on reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Number of peers with at least one live connection",
		}),

		peersKnown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_known",
			Help:      "Number of peers registered in the roster",
		}),

		dialAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_attempts_total",
			Help:      "Connection attempts issued by the scheduler",
		}, []string{"protocol"}),

		dialFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Connection attempts that did not complete",
		}),

		addresses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "addresses_total",
			Help:      "Address registrations by result",
		}, []string{"result"}),

		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcasts by kind and outcome",
		}, []string{"kind", "ok"}),

		forwardsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_requests_sent_total",
			Help:      "Forward requests sent to the host",
		}),

		forwardsRelay: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_relays_total",
			Help:      "Payloads relayed by the host on behalf of other peers",
		}),

		simOpen: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simultaneous_open_total",
			Help:      "Simultaneous open events",
		}, []string{"event"}),

		connectionLag: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_lag_seconds",
			Help:      "Round-trip time measured when a connection is established",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

// SetPeers records the roster size and the number of connected peers.
func (c *Collector) SetPeers(known, connected int) {
	if c == nil {
		return
	}
	c.peersKnown.Set(float64(known))
	c.peersConnected.Set(float64(connected))
}

// RecordDial counts a scheduler dial on protocol.
func (c *Collector) RecordDial(protocol string) {
	if c == nil {
		return
	}
	c.dialAttempts.WithLabelValues(protocol).Inc()
}

// RecordDialFailure counts a dial that failed.
func (c *Collector) RecordDialFailure() {
	if c == nil {
		return
	}
	c.dialFailures.Inc()
}

// RecordAddress counts an address registration with its result.
func (c *Collector) RecordAddress(result string) {
	if c == nil {
		return
	}
	c.addresses.WithLabelValues(result).Inc()
}

// RecordBroadcast counts a broadcast of kind ("connected" or "all").
func (c *Collector) RecordBroadcast(kind string, ok bool) {
	if c == nil {
		return
	}
	outcome := "false"
	if ok {
		outcome = "true"
	}
	c.broadcasts.WithLabelValues(kind, outcome).Inc()
}

// RecordForwardSent counts a forward request sent to the host.
func (c *Collector) RecordForwardSent() {
	if c == nil {
		return
	}
	c.forwardsSent.Inc()
}

// RecordForwardRelayed counts payloads relayed by the host.
func (c *Collector) RecordForwardRelayed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.forwardsRelay.Add(float64(n))
}

// RecordSimOpen counts a simultaneous open event.
func (c *Collector) RecordSimOpen(event string) {
	if c == nil {
		return
	}
	c.simOpen.WithLabelValues(event).Inc()
}

// RecordConnectionLag observes the lag of a new connection.
func (c *Collector) RecordConnectionLag(lag time.Duration) {
	if c == nil {
		return
	}
	c.connectionLag.Observe(lag.Seconds())
}
