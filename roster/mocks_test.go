package roster

import (
	"errors"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/lobbynet/transport"
)

var errSendFailed = errors.New("send failed")

type fakeConn struct {
	id       uuid.UUID
	protocol transport.Protocol
	peer     netip.AddrPort
	outbound bool
	open     bool
	target   bool
	lag      time.Duration
	failSend bool
	onSend   func()
	sent     []transport.Message
	closed   int
}

func (c *fakeConn) ID() uuid.UUID                  { return c.id }
func (c *fakeConn) Protocol() transport.Protocol   { return c.protocol }
func (c *fakeConn) PeerAddr() netip.AddrPort       { return c.peer }
func (c *fakeConn) Outbound() bool                 { return c.outbound }
func (c *fakeConn) IsOpen() bool                   { return c.open }
func (c *fakeConn) Lag() time.Duration             { return c.lag }
func (c *fakeConn) SetBroadcastTarget(target bool) { c.target = target }
func (c *fakeConn) IsBroadcastTarget() bool        { return c.target }

func (c *fakeConn) Send(p *transport.Packet) error {
	if c.onSend != nil {
		c.onSend()
	}
	if !c.open || c.failSend {
		return errSendFailed
	}
	msg, err := transport.Decode(p)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.open = false
	c.closed++
	return nil
}

// messages returns the sent messages of type T.
func messages[T transport.Message](c *fakeConn) []T {
	var out []T
	for _, m := range c.sent {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type dial struct {
	addr   transport.Address
	peerID int32
}

type fakeSocket struct {
	addr   netip.AddrPort
	closed bool
}

func (s *fakeSocket) LocalAddr() netip.AddrPort { return s.addr }
func (s *fakeSocket) Close() error {
	s.closed = true
	return nil
}

// fakeIO records what the roster asks of the network layer.
type fakeIO struct {
	protocols   map[transport.Protocol]bool
	connectErr  error
	conns       []*fakeConn
	dials       []dial
	socketDials []dial
	binds       int
	accept      map[int32]bool
	inBroadcast bool
	broadcasts  [][]*fakeConn
}

func newFakeIO() *fakeIO {
	return &fakeIO{
		protocols: map[transport.Protocol]bool{transport.ProtocolTCP: true, transport.ProtocolUDP: true},
		accept:    make(map[int32]bool),
	}
}

func (f *fakeIO) newConn(protocol transport.Protocol, peer string, outbound bool) *fakeConn {
	c := &fakeConn{
		id:       uuid.New(),
		protocol: protocol,
		peer:     netip.MustParseAddrPort(peer),
		outbound: outbound,
		open:     true,
	}
	f.conns = append(f.conns, c)
	return c
}

func (f *fakeIO) HasProtocol(p transport.Protocol) bool { return f.protocols[p] }

func (f *fakeIO) Connect(addr transport.Address, peerID int32) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.dials = append(f.dials, dial{addr: addr, peerID: peerID})
	return nil
}

func (f *fakeIO) dialsTo(peerID int32) int {
	n := 0
	for _, d := range f.dials {
		if d.peerID == peerID {
			n++
		}
	}
	return n
}

func (f *fakeIO) ConnectWithSocket(addr transport.Address, peerID int32, socket transport.ReservedSocket) error {
	f.socketDials = append(f.socketDials, dial{addr: addr, peerID: peerID})
	return nil
}

func (f *fakeIO) BindStream(local netip.AddrPort) (transport.ReservedSocket, error) {
	f.binds++
	return &fakeSocket{addr: netip.AddrPortFrom(local.Addr(), uint16(40000+f.binds))}, nil
}

func (f *fakeIO) BeginBroadcast() {
	if f.inBroadcast {
		panic("nested broadcast")
	}
	f.inBroadcast = true
}

func (f *fakeIO) EndBroadcast() { f.inBroadcast = false }

// Broadcast snapshots the marked connections before sending anything.
func (f *fakeIO) Broadcast(p *transport.Packet) bool {
	if !f.inBroadcast {
		panic("broadcast outside of section")
	}
	var targets []*fakeConn
	for _, c := range f.conns {
		if c.target {
			targets = append(targets, c)
		}
	}
	f.broadcasts = append(f.broadcasts, targets)
	ok := true
	for _, c := range targets {
		c.target = false
		if c.Send(p) != nil {
			ok = false
		}
	}
	return ok
}

func (f *fakeIO) AddAutoAccept(id int32)    { f.accept[id] = true }
func (f *fakeIO) RemoveAutoAccept(id int32) { delete(f.accept, id) }
