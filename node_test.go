package lobbynet

import (
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/lobbynet/clock"
	"github.com/opd-ai/lobbynet/config"
	"github.com/opd-ai/lobbynet/peer"
	"github.com/opd-ai/lobbynet/roster"
	"github.com/opd-ai/lobbynet/transport"
)

type stubConn struct {
	id       uuid.UUID
	protocol transport.Protocol
	peer     netip.AddrPort
	target   bool
	onClose  func()

	mu   sync.Mutex
	sent []transport.Message
}

func newStubConn(protocol transport.Protocol, peer string) *stubConn {
	return &stubConn{id: uuid.New(), protocol: protocol, peer: netip.MustParseAddrPort(peer)}
}

func (c *stubConn) ID() uuid.UUID                  { return c.id }
func (c *stubConn) Protocol() transport.Protocol   { return c.protocol }
func (c *stubConn) PeerAddr() netip.AddrPort       { return c.peer }
func (c *stubConn) Outbound() bool                 { return true }
func (c *stubConn) IsOpen() bool                   { return true }
func (c *stubConn) Lag() time.Duration             { return 0 }
func (c *stubConn) SetBroadcastTarget(target bool) { c.target = target }
func (c *stubConn) IsBroadcastTarget() bool        { return c.target }

// Close reports the disconnect synchronously, as a datagram connection
// does.
func (c *stubConn) Close() error {
	if c.onClose != nil {
		c.onClose()
	}
	return nil
}

func (c *stubConn) Send(p *transport.Packet) error {
	msg, err := transport.Decode(p)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

// stubIO records dials; the roster only touches it from the event loop.
type stubIO struct {
	dials []transport.Address
	conns []*stubConn
}

func (s *stubIO) HasProtocol(transport.Protocol) bool { return true }

func (s *stubIO) Connect(addr transport.Address, peerID int32) error {
	s.dials = append(s.dials, addr)
	return nil
}

func (s *stubIO) ConnectWithSocket(addr transport.Address, peerID int32, socket transport.ReservedSocket) error {
	return socket.Close()
}

func (s *stubIO) BindStream(netip.AddrPort) (transport.ReservedSocket, error) {
	return nil, transport.ErrProtocolUnavailable
}

func (s *stubIO) BeginBroadcast() {}
func (s *stubIO) EndBroadcast()   {}

func (s *stubIO) Broadcast(p *transport.Packet) bool {
	ok := true
	for _, c := range s.conns {
		if c.target {
			c.target = false
			ok = c.Send(p) == nil && ok
		}
	}
	return ok
}

func (s *stubIO) AddAutoAccept(int32)    {}
func (s *stubIO) RemoveAutoAccept(int32) {}

func newTestNode(t *testing.T, self int32, cfg *config.Config) (*Node, *stubIO, *clock.MockTimeProvider) {
	t.Helper()
	io := &stubIO{}
	tp := clock.NewMockTimeProvider(time.Unix(5000, 0))
	n, err := New(Options{
		Config:       cfg,
		Self:         peer.Descriptor{ID: self, Name: "self"},
		TimeProvider: tp,
		IO:           io,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n, io, tp
}

func TestNode_NotRunning(t *testing.T) {
	n, _, _ := newTestNode(t, 1, nil)

	assert.ErrorIs(t, n.Register(peer.Descriptor{ID: 0, Name: "host"}), ErrNotRunning)
	_, err := n.Peers()
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.False(t, n.IsRunning())

	require.NoError(t, n.Start())
	assert.ErrorIs(t, n.Start(), ErrAlreadyStarted)
	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.Tick(), ErrNotRunning)
}

func TestNode_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Connect.MaxAddresses = 0
	_, err := New(Options{Config: cfg, IO: &stubIO{}})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestNode_RegisterAndPeers(t *testing.T) {
	n, _, _ := newTestNode(t, 1, nil)
	require.NoError(t, n.Start())

	require.NoError(t, n.Register(peer.Descriptor{ID: 1, Name: "alice"}))
	require.NoError(t, n.Register(peer.Descriptor{ID: 0, Name: "host", IsHost: true}))
	assert.ErrorIs(t, n.Register(peer.Descriptor{ID: 1, Name: "alice"}), roster.ErrDuplicatePeer)

	peers, err := n.Peers()
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, int32(0), peers[0].ID)
	assert.True(t, peers[1].IsLocal)
	assert.False(t, peers[0].Connected)

	require.NoError(t, n.Remove(0))
	assert.ErrorIs(t, n.Remove(0), roster.ErrUnknownPeer)
	require.NoError(t, n.Clear())
	peers, err = n.Peers()
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestNode_TickDials(t *testing.T) {
	n, io, _ := newTestNode(t, 1, nil)
	require.NoError(t, n.Start())
	require.NoError(t, n.Register(peer.Descriptor{ID: 0, Name: "host", IsHost: true}))
	require.NoError(t, n.Register(peer.Descriptor{ID: 1, Name: "alice"}))

	addr := transport.NewAddress(netip.MustParseAddrPort("192.0.2.10:11113"), transport.ProtocolUDP)
	result, err := n.AddAddress(0, addr)
	require.NoError(t, err)
	assert.Equal(t, peer.AddResultAdded, result)

	_, err = n.AddAddress(7, addr)
	assert.ErrorIs(t, err, roster.ErrUnknownPeer)

	require.NoError(t, n.Tick())

	var dials []transport.Address
	require.NoError(t, n.Do(func(*roster.Roster) { dials = append(dials, io.dials...) }))
	assert.Equal(t, []transport.Address{addr}, dials)

	peers, err := n.Peers()
	require.NoError(t, err)
	assert.Equal(t, roster.StateAttemptInFlight, peers[0].State)
	assert.Equal(t, []transport.Address{addr}, peers[0].Addresses)
}

func TestNode_EventsReachRoster(t *testing.T) {
	n, io, _ := newTestNode(t, 1, nil)
	require.NoError(t, n.Start())
	require.NoError(t, n.Register(peer.Descriptor{ID: 0, Name: "host", IsHost: true}))
	require.NoError(t, n.Register(peer.Descriptor{ID: 1, Name: "alice"}))

	received := make(chan string, 1)
	n.OnMessage(func(from int32, payload []byte) {
		if from == 0 {
			received <- string(payload)
		}
	})

	conn := newStubConn(transport.ProtocolTCP, "192.0.2.10:11112")
	require.NoError(t, n.Do(func(*roster.Roster) { io.conns = append(io.conns, conn) }))

	n.OnConnect(conn, 0)
	n.OnPacket(conn, &transport.Application{Payload: []byte("welcome")})

	select {
	case got := <-received:
		assert.Equal(t, "welcome", got)
	case <-time.After(2 * time.Second):
		t.Fatal("payload not delivered")
	}

	ok, err := n.SendTo(0, []byte("thanks"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = n.Broadcast([]byte("all"), true)
	require.NoError(t, err)
	assert.True(t, ok)

	conn.mu.Lock()
	var apps []string
	for _, m := range conn.sent {
		if app, isApp := m.(*transport.Application); isApp {
			apps = append(apps, string(app.Payload))
		}
	}
	conn.mu.Unlock()
	assert.Equal(t, []string{"thanks", "all"}, apps)

	n.OnDisconnect(conn)
	peers, err := n.Peers()
	require.NoError(t, err)
	assert.False(t, peers[0].Connected)
}

func TestNode_CloseFromLoopWithBacklog(t *testing.T) {
	n, _, _ := newTestNode(t, 1, nil)
	require.NoError(t, n.Start())
	require.NoError(t, n.Register(peer.Descriptor{ID: 0, Name: "host", IsHost: true}))
	require.NoError(t, n.Register(peer.Descriptor{ID: 1, Name: "alice"}))
	require.NoError(t, n.Register(peer.Descriptor{ID: 2, Name: "bob"}))

	conn := newStubConn(transport.ProtocolUDP, "192.0.2.12:11113")
	conn.onClose = func() { n.OnDisconnect(conn) }
	n.OnConnect(conn, 2)

	peers, err := n.Peers()
	require.NoError(t, err)
	require.True(t, peers[2].Connected)

	var processed int
	done := make(chan error, 1)
	go func() {
		done <- n.Do(func(r *roster.Roster) {
			for i := 0; i < 1000; i++ {
				n.OnPacket(conn, &transport.Application{Payload: []byte("late")})
				n.post(func() { processed++ })
			}
			assert.GreaterOrEqual(t, n.events.Len(), 2000)
			assert.NoError(t, r.Remove(2))
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("event loop blocked on its own disconnect")
	}

	peers, err = n.Peers()
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, 1000, processed)
	require.NoError(t, n.Tick())
}

func TestNode_Readiness(t *testing.T) {
	n, _, _ := newTestNode(t, 1, nil)
	require.NoError(t, n.Start())
	require.NoError(t, n.Register(peer.Descriptor{ID: 0, Name: "host", IsHost: true, WaitedFor: true}))
	require.NoError(t, n.Register(peer.Descriptor{ID: 1, Name: "alice", WaitedFor: true}))

	require.NoError(t, n.ResetReady())
	ready, err := n.AllReady()
	require.NoError(t, err)
	assert.False(t, ready)

	require.NoError(t, n.SetStatus(0, peer.StatusReady))
	ready, err = n.AllReady()
	require.NoError(t, err)
	assert.True(t, ready)
	assert.ErrorIs(t, n.SetStatus(9, peer.StatusReady), roster.ErrUnknownPeer)
}

func TestNode_Metrics(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = true
	reg := prometheus.NewRegistry()

	n, err := New(Options{
		Config:     cfg,
		Self:       peer.Descriptor{ID: 0, Name: "host", IsHost: true},
		Registerer: reg,
		IO:         &stubIO{},
	})
	require.NoError(t, err)
	defer n.Close()
	require.NoError(t, n.Start())
	require.NotNil(t, n.Metrics())

	require.NoError(t, n.Register(peer.Descriptor{ID: 0, Name: "host", IsHost: true}))
	require.NoError(t, n.Register(peer.Descriptor{ID: 1, Name: "alice"}))

	expected := `
# HELP lobbynet_peers_known Number of peers registered in the roster
# TYPE lobbynet_peers_known gauge
lobbynet_peers_known 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "lobbynet_peers_known"))
}
