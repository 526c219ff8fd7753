package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lobbynet/limits"
)

const streamWriteTimeout = 5 * time.Second

// streamConn is a TCP connection carrying length-prefixed packets.
type streamConn struct {
	baseConn
	nc      net.Conn
	writeMu sync.Mutex
}

func newStreamConn(nc net.Conn, outbound bool, dialAddr Address, peerID int32) *streamConn {
	peer, _ := netip.ParseAddrPort(nc.RemoteAddr().String())
	return &streamConn{
		baseConn: newBaseConn(ProtocolTCP, normalizeAddrPort(peer), outbound, dialAddr, peerID),
		nc:       nc,
	}
}

// Send writes one packet with a 4-byte big-endian length prefix.
func (c *streamConn) Send(packet *Packet) error {
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

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.nc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	_, err = c.nc.Write(frame)
	return err
}

// Close closes the connection.
func (c *streamConn) Close() error {
	c.closeTransport()
	return nil
}

func (c *streamConn) closeTransport() {
	if c.open.CompareAndSwap(true, false) {
		c.nc.Close()
	}
}

// readFrame reads one length-prefixed packet.
func (c *streamConn) readFrame(header []byte) (*Packet, error) {
	if _, err := io.ReadFull(c.nc, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header)
	if length == 0 || length > limits.MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(c.nc, data); err != nil {
		return nil, err
	}
	return ParsePacket(data)
}

// acceptConnections handles incoming connections on a listener.
func (n *NetIO) acceptConnections(ln net.Listener) {
	defer n.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptConnections",
				"error":    err,
			}).Warn("Accept failed")
			continue
		}
		c := newStreamConn(nc, false, Address{}, UnknownClientID)
		n.register(c)
		n.armDialTimer(c)
		n.wg.Add(1)
		go n.handleStream(c)
	}
}

// dialStream dials addr, optionally from a reserved local socket.
func (n *NetIO) dialStream(addr Address, peerID int32, socket *reservedSocket) {
	dialer := net.Dialer{Timeout: n.cfg.DialTimeout}
	if socket != nil {
		dialer.LocalAddr = net.TCPAddrFromAddrPort(socket.addr)
		dialer.Control = reuseControl
		defer socket.Close()
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.DialTimeout)
	defer cancel()
	nc, err := dialer.DialContext(ctx, "tcp", addr.Endpoint.String())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "dialStream",
			"addr":      addr,
			"client_id": peerID,
			"simopen":   socket != nil,
			"error":     err,
		}).Debug("Stream dial failed")
		n.events.OnDialFailed(addr, peerID, err)
		return
	}

	c := newStreamConn(nc, true, addr, peerID)
	n.register(c)
	n.armDialTimer(c)
	c.helloSent.Store(n.cfg.TimeProvider.Now().UnixNano())
	if err := c.Send(MustEncode(&Hello{ClientID: n.cfg.LocalID})); err != nil {
		n.failDial(c, err)
		return
	}
	n.wg.Add(1)
	go n.handleStream(c)
}

// handleStream processes packets from a single TCP connection until it fails.
func (n *NetIO) handleStream(c *streamConn) {
	defer n.wg.Done()
	header := make([]byte, 4)
	for {
		packet, err := c.readFrame(header)
		if err != nil {
			if c.established.Load() {
				n.closeConn(c, nil)
			} else {
				n.failDial(c, err)
			}
			return
		}
		n.handlePacket(c, packet)
	}
}

func normalizeAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
