package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/lobbynet/clock"
)

var (
	// ErrProtocolUnavailable is returned when dialling a protocol that is not listening.
	ErrProtocolUnavailable = errors.New("protocol not available")
	// ErrDialTimeout is reported when a handshake does not complete in time.
	ErrDialTimeout = errors.New("handshake timed out")
	// ErrPeerMismatch is reported when the remote identifies as another peer.
	ErrPeerMismatch = errors.New("remote identified as a different peer")
	// ErrClosed is returned by operations on a closed IO or connection.
	ErrClosed = errors.New("closed")
	// ErrForeignSocket is returned when a ReservedSocket was not bound by this IO.
	ErrForeignSocket = errors.New("reserved socket does not belong to this IO")
)

// NetIOConfig configures the real network IO.
type NetIOConfig struct {
	// LocalID is sent in every handshake.
	LocalID int32
	// TCPAddr is the stream listen address, e.g. ":11112". Empty disables TCP.
	TCPAddr string
	// UDPAddr is the datagram listen address. Empty disables UDP.
	UDPAddr string
	// DialTimeout bounds the handshake of an outgoing connection.
	DialTimeout time.Duration
	// PingInterval is the keepalive and lag measurement period.
	PingInterval time.Duration
	// IdleTimeout closes datagram connections that stay silent this long.
	IdleTimeout time.Duration
	// DialsPerSecond and DialBurst bound the rate of outgoing dials.
	DialsPerSecond float64
	DialBurst      int
	// TimeProvider supplies timestamps for lag measurement.
	TimeProvider clock.TimeProvider
}

func (c *NetIOConfig) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * c.PingInterval
	}
	if c.DialsPerSecond <= 0 {
		c.DialsPerSecond = 20
	}
	if c.DialBurst <= 0 {
		c.DialBurst = 10
	}
	c.TimeProvider = clock.Default(c.TimeProvider)
}

// NetIO implements IO over real TCP and UDP sockets.
type NetIO struct {
	cfg     NetIOConfig
	events  Events
	tcp     net.Listener
	udp     net.PacketConn
	limiter *rate.Limiter

	mu        sync.RWMutex
	conns     map[uuid.UUID]netConn
	datagrams map[netip.AddrPort]*datagramConn
	accept    map[int32]struct{}

	bcast sync.Mutex
	stun  stunTable

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNetIO opens the configured listeners and starts the read loops.
func NewNetIO(cfg NetIOConfig, events Events) (*NetIO, error) {
	if events == nil {
		return nil, errors.New("events cannot be nil")
	}
	cfg.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	n := &NetIO{
		cfg:       cfg,
		events:    events,
		limiter:   rate.NewLimiter(rate.Limit(cfg.DialsPerSecond), cfg.DialBurst),
		conns:     make(map[uuid.UUID]netConn),
		datagrams: make(map[netip.AddrPort]*datagramConn),
		accept:    make(map[int32]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	if cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", cfg.TCPAddr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to listen on tcp %s: %w", cfg.TCPAddr, err)
		}
		n.tcp = ln
		n.wg.Add(1)
		go n.acceptConnections(ln)
	}

	if cfg.UDPAddr != "" {
		pc, err := net.ListenPacket("udp", cfg.UDPAddr)
		if err != nil {
			cancel()
			if n.tcp != nil {
				n.tcp.Close()
			}
			return nil, fmt.Errorf("failed to listen on udp %s: %w", cfg.UDPAddr, err)
		}
		n.udp = pc
		n.wg.Add(1)
		go n.processDatagrams()
	}

	n.wg.Add(1)
	go n.keepalive()

	logrus.WithFields(logrus.Fields{
		"function": "NewNetIO",
		"local_id": cfg.LocalID,
		"tcp":      cfg.TCPAddr,
		"udp":      cfg.UDPAddr,
	}).Info("Network IO started")

	return n, nil
}

// HasProtocol reports whether the protocol is listening.
func (n *NetIO) HasProtocol(protocol Protocol) bool {
	switch protocol {
	case ProtocolTCP:
		return n.tcp != nil
	case ProtocolUDP:
		return n.udp != nil
	default:
		return false
	}
}

// LocalEndpoint returns the bound endpoint of the given protocol.
func (n *NetIO) LocalEndpoint(protocol Protocol) (netip.AddrPort, bool) {
	var addr net.Addr
	switch {
	case protocol == ProtocolTCP && n.tcp != nil:
		addr = n.tcp.Addr()
	case protocol == ProtocolUDP && n.udp != nil:
		addr = n.udp.LocalAddr()
	default:
		return netip.AddrPort{}, false
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}, false
	}
	return ap, true
}

// AddAutoAccept allows inbound connections from peerID.
func (n *NetIO) AddAutoAccept(peerID int32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accept[peerID] = struct{}{}
}

// RemoveAutoAccept revokes AddAutoAccept.
func (n *NetIO) RemoveAutoAccept(peerID int32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.accept, peerID)
}

func (n *NetIO) accepts(peerID int32) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.accept[peerID]
	return ok
}

// Connect starts dialling addr for peerID. Dials are rate limited and run in
// the background.
func (n *NetIO) Connect(addr Address, peerID int32) error {
	if !n.HasProtocol(addr.Protocol) {
		return fmt.Errorf("%w: %s", ErrProtocolUnavailable, addr.Protocol)
	}
	if addr.IsNullHost() {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	if n.ctx.Err() != nil {
		return ErrClosed
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.limiter.Wait(n.ctx); err != nil {
			return
		}
		switch addr.Protocol {
		case ProtocolTCP:
			n.dialStream(addr, peerID, nil)
		case ProtocolUDP:
			n.dialDatagram(addr, peerID)
		}
	}()
	return nil
}

// BeginBroadcast enters the broadcast critical section.
func (n *NetIO) BeginBroadcast() {
	n.bcast.Lock()
}

// EndBroadcast leaves the broadcast critical section.
func (n *NetIO) EndBroadcast() {
	n.bcast.Unlock()
}

// Broadcast sends packet to every marked connection and clears the marks.
// The target set is fixed when Broadcast starts.
func (n *NetIO) Broadcast(packet *Packet) bool {
	n.mu.RLock()
	targets := make([]netConn, 0, len(n.conns))
	for _, c := range n.conns {
		if c.IsBroadcastTarget() {
			targets = append(targets, c)
		}
	}
	n.mu.RUnlock()

	ok := true
	for _, c := range targets {
		c.SetBroadcastTarget(false)
		if err := c.Send(packet); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Broadcast",
				"conn":     c.ID(),
				"peer":     c.PeerAddr(),
				"error":    err,
			}).Debug("Broadcast send failed")
			ok = false
		}
	}
	return ok
}

// Close shuts down listeners and every connection.
func (n *NetIO) Close() error {
	n.cancel()
	if n.tcp != nil {
		n.tcp.Close()
	}
	if n.udp != nil {
		n.udp.Close()
	}

	n.mu.RLock()
	all := make([]netConn, 0, len(n.conns))
	for _, c := range n.conns {
		all = append(all, c)
	}
	n.mu.RUnlock()
	for _, c := range all {
		n.closeConn(c, nil)
	}

	n.wg.Wait()
	return nil
}

func (n *NetIO) register(c netConn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conns[c.ID()] = c
	if dc, ok := c.(*datagramConn); ok {
		n.datagrams[dc.peer] = dc
	}
}

func (n *NetIO) unregister(c netConn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.conns[c.ID()]; !ok {
		return false
	}
	delete(n.conns, c.ID())
	if dc, ok := c.(*datagramConn); ok && n.datagrams[dc.peer] == dc {
		delete(n.datagrams, dc.peer)
	}
	return true
}

// handlePacket runs the handshake and keepalive, and passes everything else
// to Events once the connection is established.
func (n *NetIO) handlePacket(c netConn, packet *Packet) {
	b := c.base()
	now := n.cfg.TimeProvider.Now()
	b.lastSeen.Store(now.UnixNano())

	msg, err := Decode(packet)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePacket",
			"conn":     b.id,
			"peer":     b.peer,
			"type":     packet.PacketType,
			"error":    err,
		}).Warn("Dropping malformed packet")
		return
	}

	switch m := msg.(type) {
	case *Hello:
		if b.established.Load() {
			_ = c.Send(MustEncode(&HelloAck{ClientID: n.cfg.LocalID}))
			return
		}
		if b.outbound && m.ClientID != b.peerID.Load() {
			n.failDial(c, fmt.Errorf("%w: expected %d, got %d", ErrPeerMismatch, b.peerID.Load(), m.ClientID))
			return
		}
		if !b.outbound && !n.accepts(m.ClientID) {
			logrus.WithFields(logrus.Fields{
				"function":  "handlePacket",
				"peer":      b.peer,
				"client_id": m.ClientID,
			}).Info("Rejecting connection from unknown client")
			n.closeConn(c, &CloseNotice{Reason: "not accepted"})
			return
		}
		_ = c.Send(MustEncode(&HelloAck{ClientID: n.cfg.LocalID}))
		n.establish(c, m.ClientID)
	case *HelloAck:
		if b.established.Load() || !b.outbound {
			return
		}
		if m.ClientID != b.peerID.Load() {
			n.failDial(c, fmt.Errorf("%w: expected %d, got %d", ErrPeerMismatch, b.peerID.Load(), m.ClientID))
			return
		}
		if sent := b.helloSent.Load(); sent != 0 {
			b.lag.Store(now.UnixNano() - sent)
		}
		n.establish(c, m.ClientID)
	case *Ping:
		if b.established.Load() {
			_ = c.Send(MustEncode(&Pong{Stamp: m.Stamp}))
		}
	case *Pong:
		if rtt := now.UnixNano() - m.Stamp; rtt >= 0 {
			b.lag.Store(rtt)
		}
	default:
		if !b.established.Load() {
			return
		}
		n.events.OnPacket(c, msg)
		if _, closing := msg.(*CloseNotice); closing && !c.Protocol().IsStream() {
			n.closeConn(c, nil)
		}
	}
}

func (n *NetIO) establish(c netConn, peerID int32) {
	b := c.base()
	if !b.settle(true) {
		return
	}
	b.peerID.Store(peerID)
	b.stopDialTimer()

	logrus.WithFields(logrus.Fields{
		"function":  "establish",
		"conn":      b.id,
		"protocol":  c.Protocol(),
		"peer":      b.peer,
		"client_id": peerID,
		"outbound":  b.outbound,
	}).Info("Connection established")

	n.events.OnConnect(c, peerID)
}

func (n *NetIO) failDial(c netConn, err error) {
	b := c.base()
	if !b.settle(false) {
		return
	}
	if !n.unregister(c) {
		c.closeTransport()
		return
	}
	b.stopDialTimer()
	c.closeTransport()

	logrus.WithFields(logrus.Fields{
		"function":  "failDial",
		"addr":      b.dialAddr,
		"client_id": b.peerID.Load(),
		"error":     err,
	}).Debug("Dial failed")

	if b.outbound {
		n.events.OnDialFailed(b.dialAddr, b.peerID.Load(), err)
	}
}

// closeConn tears a connection down, optionally sending a notice first.
// Unregistering is the guard against reporting a disconnect twice.
func (n *NetIO) closeConn(c netConn, notice *CloseNotice) {
	b := c.base()
	if notice != nil && b.open.Load() {
		if p, err := Encode(notice); err == nil {
			_ = c.Send(p)
		}
	}
	if !b.established.Load() {
		n.failDial(c, ErrClosed)
		return
	}
	if !n.unregister(c) {
		c.closeTransport()
		return
	}
	c.closeTransport()
	n.events.OnDisconnect(c)
}

func (n *NetIO) armDialTimer(c netConn) {
	b := c.base()
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	b.dialTimer = time.AfterFunc(n.cfg.DialTimeout, func() {
		n.failDial(c, ErrDialTimeout)
	})
}

// keepalive pings established connections and expires silent datagram links.
func (n *NetIO) keepalive() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}

		now := n.cfg.TimeProvider.Now()
		n.mu.RLock()
		all := make([]netConn, 0, len(n.conns))
		for _, c := range n.conns {
			all = append(all, c)
		}
		n.mu.RUnlock()

		for _, c := range all {
			b := c.base()
			if !b.established.Load() {
				continue
			}
			if !c.Protocol().IsStream() && now.Sub(time.Unix(0, b.lastSeen.Load())) > n.cfg.IdleTimeout {
				logrus.WithFields(logrus.Fields{
					"function": "keepalive",
					"conn":     b.id,
					"peer":     b.peer,
				}).Info("Datagram connection timed out")
				n.closeConn(c, nil)
				continue
			}
			_ = c.Send(MustEncode(&Ping{Stamp: now.UnixNano()}))
		}
	}
}
