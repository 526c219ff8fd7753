package roster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/lobbynet/transport"
)

func TestBroadcastToConnected_TargetSetFixed(t *testing.T) {
	f := newFixture(t, 1)
	f.register(t, 0, 1, 2, 3, 4)
	c2 := f.connect(2, transport.ProtocolTCP, "192.0.2.2:11112")
	c3 := f.connect(3, transport.ProtocolTCP, "192.0.2.3:11112")

	var late *fakeConn
	c2.onSend = func() {
		c2.onSend = nil
		late = f.connect(4, transport.ProtocolTCP, "192.0.2.4:11112")
	}

	ok := f.roster.BroadcastToConnected(appPacket("tick"))
	assert.True(t, ok)

	require.Len(t, f.io.broadcasts, 1)
	assert.ElementsMatch(t, []*fakeConn{c2, c3}, f.io.broadcasts[0])
	require.NotNil(t, late)
	assert.Empty(t, messages[*transport.Application](late), "joined after the snapshot")
	assert.Len(t, messages[*transport.Application](c3), 1)
	assert.False(t, f.io.inBroadcast)
}

func TestBroadcastToConnected_DropMidBroadcast(t *testing.T) {
	f := newFixture(t, 1)
	f.register(t, 0, 1, 2, 3)
	c2 := f.connect(2, transport.ProtocolTCP, "192.0.2.2:11112")
	c3 := f.connect(3, transport.ProtocolTCP, "192.0.2.3:11112")

	c2.onSend = func() {
		c2.onSend = nil
		_ = c3.Close()
		f.roster.OnDisconnect(c3)
	}

	ok := f.roster.BroadcastToConnected(appPacket("tick"))
	assert.False(t, ok, "the dropped connection was still sent to")

	require.Len(t, f.io.broadcasts, 1)
	assert.ElementsMatch(t, []*fakeConn{c2, c3}, f.io.broadcasts[0])
	assert.Len(t, messages[*transport.Application](c2), 1)
	assert.Empty(t, messages[*transport.Application](c3))
	assert.False(t, c3.IsBroadcastTarget())
	assert.False(t, f.roster.ByID(3).Slot.IsConnected())

	assert.True(t, f.roster.BroadcastToConnected(appPacket("tock")))
	require.Len(t, f.io.broadcasts, 2)
	assert.Equal(t, []*fakeConn{c2}, f.io.broadcasts[1])
}

func TestBroadcastToConnected_ReportsFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.register(t, 0, 1, 2)
	f.connect(0, transport.ProtocolTCP, "192.0.2.100:11112")
	c2 := f.connect(2, transport.ProtocolTCP, "192.0.2.2:11112")
	c2.failSend = true

	assert.False(t, f.roster.BroadcastToConnected(appPacket("x")))
}

func TestBroadcastToAll_ForwardsUnreached(t *testing.T) {
	f := newFixture(t, 3)
	f.register(t, 0, 1, 2, 3, 5)
	host := f.connect(0, transport.ProtocolTCP, "192.0.2.100:11112")
	c1 := f.connect(1, transport.ProtocolUDP, "192.0.2.1:11113")

	pkt := appPacket("world")
	require.True(t, f.roster.BroadcastToAll(pkt, true))

	assert.Len(t, messages[*transport.Application](host), 1)
	assert.Len(t, messages[*transport.Application](c1), 1)

	reqs := messages[*transport.ForwardRequest](host)
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].IsBroadcast)
	assert.Equal(t, []int32{2, 5}, reqs[0].TargetIDs)
	inner, err := pkt.Serialize()
	require.NoError(t, err)
	assert.Equal(t, inner, reqs[0].Payload)
}

func TestBroadcastToAll_ExcludeHost(t *testing.T) {
	f := newFixture(t, 3)
	f.register(t, 0, 1, 2, 3)
	host := f.connect(0, transport.ProtocolTCP, "192.0.2.100:11112")
	c1 := f.connect(1, transport.ProtocolUDP, "192.0.2.1:11113")

	require.True(t, f.roster.BroadcastToAll(appPacket("x"), false))

	assert.Empty(t, messages[*transport.Application](host))
	assert.Len(t, messages[*transport.Application](c1), 1)
	reqs := messages[*transport.ForwardRequest](host)
	require.Len(t, reqs, 1)
	assert.Equal(t, []int32{2}, reqs[0].TargetIDs)
}

func TestBroadcastToAll_EmptyForwardStillSent(t *testing.T) {
	f := newFixture(t, 1)
	f.register(t, 0, 1, 2)
	host := f.connect(0, transport.ProtocolTCP, "192.0.2.100:11112")
	f.connect(2, transport.ProtocolTCP, "192.0.2.2:11112")

	require.True(t, f.roster.BroadcastToAll(appPacket("x"), true))
	reqs := messages[*transport.ForwardRequest](host)
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].TargetIDs)
}

func TestBroadcastToAll_HostNeverForwards(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, 0, 1, 2)
	c1 := f.connect(1, transport.ProtocolTCP, "192.0.2.1:11112")

	assert.True(t, f.roster.BroadcastToAll(appPacket("x"), true))
	assert.Len(t, messages[*transport.Application](c1), 1)
	assert.Empty(t, messages[*transport.ForwardRequest](c1))
}

func TestBroadcastToAll_NoHostConnection(t *testing.T) {
	f := newFixture(t, 1)
	f.register(t, 0, 1, 2)
	c2 := f.connect(2, transport.ProtocolTCP, "192.0.2.2:11112")

	assert.False(t, f.roster.BroadcastToAll(appPacket("x"), true), "forward request cannot reach the host")
	assert.Len(t, messages[*transport.Application](c2), 1)
}

func TestSendTo_ThroughHost(t *testing.T) {
	f := newFixture(t, 3)
	f.register(t, 0, 3, 5)
	host := f.connect(0, transport.ProtocolTCP, "192.0.2.100:11112")

	pkt := appPacket("hello five")
	require.True(t, f.roster.SendTo(5, pkt))

	reqs := messages[*transport.ForwardRequest](host)
	require.Len(t, reqs, 1)
	assert.False(t, reqs[0].IsBroadcast)
	assert.Equal(t, []int32{5}, reqs[0].TargetIDs)
	inner, err := pkt.Serialize()
	require.NoError(t, err)
	assert.Equal(t, inner, reqs[0].Payload)

	host.failSend = true
	assert.False(t, f.roster.SendTo(5, pkt), "first hop failed")
}

func TestSendTo_Direct(t *testing.T) {
	f := newFixture(t, 3)
	f.register(t, 0, 3, 5)
	host := f.connect(0, transport.ProtocolTCP, "192.0.2.100:11112")
	c5 := f.connect(5, transport.ProtocolUDP, "192.0.2.5:11113")

	require.True(t, f.roster.SendApplication(5, []byte("direct")))
	got := messages[*transport.Application](c5)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("direct"), got[0].Payload)
	assert.Empty(t, host.sent)

	assert.False(t, f.roster.SendTo(9, appPacket("x")), "unknown peer")
}

func TestSendToHost_FromHost(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, 0, 1)
	assert.False(t, f.roster.SendToHost(appPacket("x")))
}
