package transport

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"
)

// reservedSocket is a listening TCP socket bound with address reuse, so that
// a later dial can originate from the same local port. Inbound connections
// that reach it during simultaneous open are accepted like any other.
type reservedSocket struct {
	ln    net.Listener
	addr  netip.AddrPort
	owner *NetIO
	once  sync.Once
}

// LocalAddr returns the bound endpoint.
func (s *reservedSocket) LocalAddr() netip.AddrPort {
	return s.addr
}

// Close releases the port.
func (s *reservedSocket) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ln.Close()
	})
	return err
}

// BindStream binds an unconnected stream socket on local. A zero port lets
// the OS choose.
func (n *NetIO) BindStream(local netip.AddrPort) (ReservedSocket, error) {
	if n.tcp == nil {
		return nil, fmt.Errorf("%w: %s", ErrProtocolUnavailable, ProtocolTCP)
	}
	lc := net.ListenConfig{Control: reuseControl}
	ln, err := lc.Listen(n.ctx, "tcp", local.String())
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", local, err)
	}
	bound, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to read bound address: %w", err)
	}

	s := &reservedSocket{ln: ln, addr: bound, owner: n}
	n.wg.Add(1)
	go n.acceptConnections(ln)

	logrus.WithFields(logrus.Fields{
		"function": "BindStream",
		"local":    bound,
	}).Debug("Reserved stream socket")

	return s, nil
}

// ConnectWithSocket dials addr from the reserved socket. The socket is
// closed once the dial finishes either way.
func (n *NetIO) ConnectWithSocket(addr Address, peerID int32, socket ReservedSocket) error {
	rs, ok := socket.(*reservedSocket)
	if !ok || rs.owner != n {
		return ErrForeignSocket
	}
	if addr.Protocol != ProtocolTCP {
		rs.Close()
		return fmt.Errorf("%w: simultaneous open needs %s", ErrProtocolUnavailable, ProtocolTCP)
	}
	if addr.IsNullHost() {
		rs.Close()
		return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	if n.ctx.Err() != nil {
		rs.Close()
		return ErrClosed
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.limiter.Wait(n.ctx); err != nil {
			rs.Close()
			return
		}
		n.dialStream(addr, peerID, rs)
	}()
	return nil
}
