package transport

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type connectEvent struct {
	conn   Conn
	peerID int32
}

type packetEvent struct {
	conn Conn
	msg  Message
}

type dialFailure struct {
	addr   Address
	peerID int32
	err    error
}

// recordingEvents collects NetIO callbacks on channels.
type recordingEvents struct {
	connects    chan connectEvent
	disconnects chan Conn
	packets     chan packetEvent
	failures    chan dialFailure
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{
		connects:    make(chan connectEvent, 16),
		disconnects: make(chan Conn, 16),
		packets:     make(chan packetEvent, 64),
		failures:    make(chan dialFailure, 16),
	}
}

func (r *recordingEvents) OnConnect(conn Conn, peerID int32) {
	r.connects <- connectEvent{conn: conn, peerID: peerID}
}

func (r *recordingEvents) OnDisconnect(conn Conn) { r.disconnects <- conn }

func (r *recordingEvents) OnPacket(conn Conn, msg Message) {
	r.packets <- packetEvent{conn: conn, msg: msg}
}

func (r *recordingEvents) OnDialFailed(addr Address, peerID int32, err error) {
	r.failures <- dialFailure{addr: addr, peerID: peerID, err: err}
}

const eventTimeout = 3 * time.Second

func newTestNetIO(t *testing.T, id int32) (*NetIO, *recordingEvents) {
	t.Helper()
	events := newRecordingEvents()
	n, err := NewNetIO(NetIOConfig{
		LocalID:      id,
		TCPAddr:      "127.0.0.1:0",
		UDPAddr:      "127.0.0.1:0",
		DialTimeout:  time.Second,
		PingInterval: 50 * time.Millisecond,
	}, events)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n, events
}

func endpointOf(t *testing.T, n *NetIO, p Protocol) Address {
	t.Helper()
	ep, ok := n.LocalEndpoint(p)
	require.True(t, ok)
	return NewAddress(ep, p)
}

func waitConnect(t *testing.T, r *recordingEvents) connectEvent {
	t.Helper()
	select {
	case ev := <-r.connects:
		return ev
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for connect")
	}
	return connectEvent{}
}

func waitPacket(t *testing.T, r *recordingEvents) packetEvent {
	t.Helper()
	select {
	case ev := <-r.packets:
		return ev
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for packet")
	}
	return packetEvent{}
}

func TestNetIO_ConnectAndExchange(t *testing.T) {
	for _, proto := range []Protocol{ProtocolTCP, ProtocolUDP} {
		t.Run(proto.String(), func(t *testing.T) {
			a, aEvents := newTestNetIO(t, 1)
			b, bEvents := newTestNetIO(t, 2)
			b.AddAutoAccept(1)

			require.NoError(t, a.Connect(endpointOf(t, b, proto), 2))

			aConn := waitConnect(t, aEvents)
			bConn := waitConnect(t, bEvents)
			assert.Equal(t, int32(2), aConn.peerID)
			assert.Equal(t, int32(1), bConn.peerID)
			assert.Equal(t, proto, aConn.conn.Protocol())
			assert.True(t, aConn.conn.IsOpen())

			require.NoError(t, aConn.conn.Send(MustEncode(&Application{Payload: []byte("ready")})))
			ev := waitPacket(t, bEvents)
			assert.Equal(t, bConn.conn.ID(), ev.conn.ID())
			assert.Equal(t, &Application{Payload: []byte("ready")}, ev.msg)
		})
	}
}

func TestNetIO_RejectsUnknownClient(t *testing.T) {
	a, aEvents := newTestNetIO(t, 3)
	b, bEvents := newTestNetIO(t, 2)

	require.NoError(t, a.Connect(endpointOf(t, b, ProtocolTCP), 2))

	select {
	case f := <-aEvents.failures:
		assert.Equal(t, int32(2), f.peerID)
		assert.Equal(t, ProtocolTCP, f.addr.Protocol)
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for dial failure")
	}
	assert.Empty(t, bEvents.connects)
}

func TestNetIO_PeerMismatch(t *testing.T) {
	a, aEvents := newTestNetIO(t, 1)
	b, _ := newTestNetIO(t, 2)
	b.AddAutoAccept(1)

	// b identifies as 2, a expects 4
	require.NoError(t, a.Connect(endpointOf(t, b, ProtocolUDP), 4))

	select {
	case f := <-aEvents.failures:
		assert.ErrorIs(t, f.err, ErrPeerMismatch)
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for dial failure")
	}
}

func TestNetIO_ConnectValidation(t *testing.T) {
	events := newRecordingEvents()
	n, err := NewNetIO(NetIOConfig{LocalID: 1, UDPAddr: "127.0.0.1:0"}, events)
	require.NoError(t, err)
	defer n.Close()

	assert.False(t, n.HasProtocol(ProtocolTCP))
	assert.True(t, n.HasProtocol(ProtocolUDP))

	err = n.Connect(NewAddress(netip.MustParseAddrPort("127.0.0.1:9"), ProtocolTCP), 2)
	assert.ErrorIs(t, err, ErrProtocolUnavailable)

	err = n.Connect(NewAddress(netip.MustParseAddrPort("0.0.0.0:9"), ProtocolUDP), 2)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = n.BindStream(netip.MustParseAddrPort("127.0.0.1:0"))
	assert.ErrorIs(t, err, ErrProtocolUnavailable)

	_, err = NewNetIO(NetIOConfig{}, nil)
	assert.Error(t, err)
}

func TestNetIO_BroadcastToMarked(t *testing.T) {
	hub, hubEvents := newTestNetIO(t, 0)
	hub.AddAutoAccept(1)
	hub.AddAutoAccept(2)

	var spokes []*recordingEvents
	for id := int32(1); id <= 2; id++ {
		n, ev := newTestNetIO(t, id)
		require.NoError(t, n.Connect(endpointOf(t, hub, ProtocolTCP), 0))
		waitConnect(t, ev)
		spokes = append(spokes, ev)
	}

	var hubConns []Conn
	for i := 0; i < 2; i++ {
		hubConns = append(hubConns, waitConnect(t, hubEvents).conn)
	}

	hub.BeginBroadcast()
	hubConns[0].SetBroadcastTarget(true)
	ok := hub.Broadcast(MustEncode(&Application{Payload: []byte("x")}))
	hub.EndBroadcast()

	assert.True(t, ok)
	assert.False(t, hubConns[0].IsBroadcastTarget())

	received := 0
	for _, ev := range spokes {
		select {
		case <-ev.packets:
			received++
		case <-time.After(300 * time.Millisecond):
		}
	}
	assert.Equal(t, 1, received)
}

func TestNetIO_SimultaneousOpenSocket(t *testing.T) {
	a, aEvents := newTestNetIO(t, 1)
	b, bEvents := newTestNetIO(t, 2)
	b.AddAutoAccept(1)

	sock, err := a.BindStream(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	assert.NotZero(t, sock.LocalAddr().Port())

	require.NoError(t, a.ConnectWithSocket(endpointOf(t, b, ProtocolTCP), 2, sock))
	ev := waitConnect(t, aEvents)
	assert.Equal(t, int32(2), ev.peerID)

	bEv := waitConnect(t, bEvents)
	assert.Equal(t, sock.LocalAddr().Port(), bEv.conn.PeerAddr().Port())

	other, _ := newTestNetIO(t, 5)
	assert.ErrorIs(t, other.ConnectWithSocket(endpointOf(t, b, ProtocolTCP), 2, sock), ErrForeignSocket)
}

func TestNetIO_DisconnectReported(t *testing.T) {
	a, aEvents := newTestNetIO(t, 1)
	b, bEvents := newTestNetIO(t, 2)
	b.AddAutoAccept(1)

	require.NoError(t, a.Connect(endpointOf(t, b, ProtocolTCP), 2))
	aConn := waitConnect(t, aEvents).conn
	waitConnect(t, bEvents)

	require.NoError(t, aConn.Close())
	select {
	case c := <-bEvents.disconnects:
		assert.Equal(t, ProtocolTCP, c.Protocol())
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for disconnect")
	}
}
