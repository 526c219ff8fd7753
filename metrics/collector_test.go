package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg, "lobbynet")

	c.SetPeers(4, 2)
	c.RecordDial("tcp")
	c.RecordDial("tcp")
	c.RecordDial("udp")
	c.RecordDialFailure()
	c.RecordAddress("added")
	c.RecordBroadcast("all", true)
	c.RecordForwardSent()
	c.RecordForwardRelayed(3)
	c.RecordForwardRelayed(0)
	c.RecordSimOpen("initiated")
	c.RecordConnectionLag(20 * time.Millisecond)

	assert.Equal(t, 4.0, testutil.ToFloat64(c.peersKnown))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.peersConnected))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.dialAttempts.WithLabelValues("tcp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dialAttempts.WithLabelValues("udp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dialFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.broadcasts.WithLabelValues("all", "true")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.forwardsRelay))
	assert.Equal(t, 1, testutil.CollectAndCount(c.connectionLag))

	count, err := testutil.GatherAndCount(reg, "lobbynet_simultaneous_open_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SetPeers(1, 1)
		c.RecordDial("udp")
		c.RecordDialFailure()
		c.RecordAddress("full")
		c.RecordBroadcast("connected", false)
		c.RecordForwardSent()
		c.RecordForwardRelayed(1)
		c.RecordSimOpen("connected")
		c.RecordConnectionLag(time.Millisecond)
	})
}
