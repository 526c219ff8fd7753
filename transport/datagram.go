package transport

import (
	"errors"
	"net"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lobbynet/limits"
)

// datagramConn is a pseudo connection to one remote endpoint over the shared
// UDP socket.
type datagramConn struct {
	baseConn
	io *NetIO
}

func newDatagramConn(n *NetIO, peer netip.AddrPort, outbound bool, dialAddr Address, peerID int32) *datagramConn {
	return &datagramConn{
		baseConn: newBaseConn(ProtocolUDP, peer, outbound, dialAddr, peerID),
		io:       n,
	}
}

// Send writes one packet as a single datagram.
func (c *datagramConn) Send(packet *Packet) error {
	if !c.open.Load() {
		return ErrClosed
	}
	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	if err := limits.ValidateFrame(data); err != nil {
		return err
	}
	_, err = c.io.udp.WriteTo(data, net.UDPAddrFromAddrPort(c.peer))
	return err
}

// Close closes the pseudo connection. The shared socket stays open.
func (c *datagramConn) Close() error {
	c.io.closeConn(c, nil)
	return nil
}

func (c *datagramConn) closeTransport() {
	c.open.Store(false)
}

// dialDatagram sends a Hello to addr and waits for the HelloAck in processDatagrams.
func (n *NetIO) dialDatagram(addr Address, peerID int32) {
	remote := normalizeAddrPort(addr.Endpoint)

	n.mu.RLock()
	existing := n.datagrams[remote]
	n.mu.RUnlock()
	if existing != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "dialDatagram",
			"addr":        addr,
			"established": existing.established.Load(),
		}).Debug("Datagram connection to endpoint already exists")
		return
	}

	c := newDatagramConn(n, remote, true, addr, peerID)
	n.register(c)
	n.armDialTimer(c)
	c.helloSent.Store(n.cfg.TimeProvider.Now().UnixNano())
	if err := c.Send(MustEncode(&Hello{ClientID: n.cfg.LocalID})); err != nil {
		n.failDial(c, err)
	}
}

// processDatagrams reads datagrams and routes them to their pseudo connection.
func (n *NetIO) processDatagrams() {
	defer n.wg.Done()
	buffer := make([]byte, limits.MaxPacketSize+1)

	for {
		size, from, err := n.udp.ReadFrom(buffer)
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		if size > limits.MaxPacketSize {
			continue
		}
		udpAddr, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		remote := normalizeAddrPort(udpAddr.AddrPort())
		if n.handleSTUN(buffer[:size]) {
			continue
		}

		packet, err := ParsePacket(buffer[:size])
		if err != nil {
			continue
		}
		n.routeDatagram(remote, packet)
	}
}

func (n *NetIO) routeDatagram(remote netip.AddrPort, packet *Packet) {
	n.mu.RLock()
	c := n.datagrams[remote]
	n.mu.RUnlock()

	if c == nil {
		if packet.PacketType != PacketHello {
			return
		}
		c = newDatagramConn(n, remote, false, Address{}, UnknownClientID)
		n.register(c)
	}
	n.handlePacket(c, packet)
}
