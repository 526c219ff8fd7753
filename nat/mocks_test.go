package nat

import (
	"errors"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/lobbynet/transport"
)

type fakeConn struct {
	id   uuid.UUID
	lag  time.Duration
	sent []transport.Message
}

func newFakeConn(lag time.Duration) *fakeConn {
	return &fakeConn{id: uuid.New(), lag: lag}
}

func (c *fakeConn) ID() uuid.UUID                { return c.id }
func (c *fakeConn) Protocol() transport.Protocol { return transport.ProtocolTCP }
func (c *fakeConn) PeerAddr() netip.AddrPort     { return netip.MustParseAddrPort("[2001:db8::2]:11112") }
func (c *fakeConn) Outbound() bool               { return true }
func (c *fakeConn) Close() error                 { return nil }
func (c *fakeConn) IsOpen() bool                 { return true }
func (c *fakeConn) Lag() time.Duration           { return c.lag }
func (c *fakeConn) SetBroadcastTarget(bool)      {}
func (c *fakeConn) IsBroadcastTarget() bool      { return false }

func (c *fakeConn) Send(p *transport.Packet) error {
	msg, err := transport.Decode(p)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, msg)
	return nil
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

type socketDial struct {
	addr   transport.Address
	peerID int32
	socket transport.ReservedSocket
}

type fakeIO struct {
	noTCP    bool
	bindErr  error
	nextPort uint16
	binds    []netip.AddrPort
	dials    []socketDial
}

func (f *fakeIO) HasProtocol(p transport.Protocol) bool {
	return p == transport.ProtocolUDP || (p == transport.ProtocolTCP && !f.noTCP)
}

func (f *fakeIO) Connect(transport.Address, int32) error { return errors.New("not used") }

func (f *fakeIO) ConnectWithSocket(addr transport.Address, peerID int32, socket transport.ReservedSocket) error {
	f.dials = append(f.dials, socketDial{addr: addr, peerID: peerID, socket: socket})
	return nil
}

func (f *fakeIO) BindStream(local netip.AddrPort) (transport.ReservedSocket, error) {
	if f.bindErr != nil {
		return nil, f.bindErr
	}
	f.binds = append(f.binds, local)
	f.nextPort++
	return &fakeSocket{addr: netip.AddrPortFrom(local.Addr(), 40000+f.nextPort)}, nil
}

func (f *fakeIO) BeginBroadcast()                    {}
func (f *fakeIO) Broadcast(*transport.Packet) bool   { return true }
func (f *fakeIO) EndBroadcast()                      {}
func (f *fakeIO) AddAutoAccept(int32)                {}
func (f *fakeIO) RemoveAutoAccept(int32)             {}
