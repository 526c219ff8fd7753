package peer

import (
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/lobbynet/transport"
)

// mockConn records sent packets and close calls.
type mockConn struct {
	id       uuid.UUID
	protocol transport.Protocol
	peer     netip.AddrPort
	open     bool
	target   bool
	sent     []*transport.Packet
	closed   int
}

func newMockConn(protocol transport.Protocol) *mockConn {
	return &mockConn{
		id:       uuid.New(),
		protocol: protocol,
		peer:     netip.MustParseAddrPort("192.0.2.1:11112"),
		open:     true,
	}
}

func (c *mockConn) ID() uuid.UUID                  { return c.id }
func (c *mockConn) Protocol() transport.Protocol   { return c.protocol }
func (c *mockConn) PeerAddr() netip.AddrPort       { return c.peer }
func (c *mockConn) Outbound() bool                 { return true }
func (c *mockConn) IsOpen() bool                   { return c.open }
func (c *mockConn) Lag() time.Duration             { return 0 }
func (c *mockConn) SetBroadcastTarget(target bool) { c.target = target }
func (c *mockConn) IsBroadcastTarget() bool        { return c.target }

func (c *mockConn) Send(p *transport.Packet) error {
	c.sent = append(c.sent, p)
	return nil
}

func (c *mockConn) Close() error {
	c.open = false
	c.closed++
	return nil
}

type mockSocket struct {
	addr   netip.AddrPort
	closed int
}

func (s *mockSocket) LocalAddr() netip.AddrPort { return s.addr }

func (s *mockSocket) Close() error {
	s.closed++
	return nil
}
