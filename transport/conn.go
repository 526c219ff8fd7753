package transport

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// netConn is a Conn owned by NetIO.
type netConn interface {
	Conn
	base() *baseConn
	closeTransport()
}

// baseConn holds the state shared by stream and datagram connections.
type baseConn struct {
	id       uuid.UUID
	protocol Protocol
	peer     netip.AddrPort
	outbound bool
	dialAddr Address
	peerID   atomic.Int32

	open        atomic.Bool
	established atomic.Bool
	target      atomic.Bool
	lag         atomic.Int64
	helloSent   atomic.Int64
	lastSeen    atomic.Int64

	timerMu   sync.Mutex
	dialTimer *time.Timer

	settleMu sync.Mutex
	settled  bool
}

func newBaseConn(protocol Protocol, peer netip.AddrPort, outbound bool, dialAddr Address, peerID int32) baseConn {
	b := baseConn{
		id:       uuid.New(),
		protocol: protocol,
		peer:     peer,
		outbound: outbound,
		dialAddr: dialAddr,
	}
	b.peerID.Store(peerID)
	b.open.Store(true)
	return b
}

func (b *baseConn) base() *baseConn { return b }

// ID returns the connection id.
func (b *baseConn) ID() uuid.UUID { return b.id }

// Protocol returns the transport protocol.
func (b *baseConn) Protocol() Protocol { return b.protocol }

// PeerAddr returns the remote endpoint.
func (b *baseConn) PeerAddr() netip.AddrPort { return b.peer }

// Outbound reports whether this side dialled.
func (b *baseConn) Outbound() bool { return b.outbound }

// IsOpen reports whether the connection can still send.
func (b *baseConn) IsOpen() bool { return b.open.Load() }

// Lag returns the last measured round-trip time.
func (b *baseConn) Lag() time.Duration { return time.Duration(b.lag.Load()) }

// SetBroadcastTarget marks the connection for the next broadcast.
func (b *baseConn) SetBroadcastTarget(target bool) { b.target.Store(target) }

// IsBroadcastTarget reports the broadcast mark.
func (b *baseConn) IsBroadcastTarget() bool { return b.target.Load() }

// settle decides the handshake outcome exactly once. It reports whether this
// call made the decision.
func (b *baseConn) settle(established bool) bool {
	b.settleMu.Lock()
	defer b.settleMu.Unlock()
	if b.settled {
		return false
	}
	b.settled = true
	if established {
		b.established.Store(true)
	}
	return true
}

func (b *baseConn) stopDialTimer() {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	if b.dialTimer != nil {
		b.dialTimer.Stop()
		b.dialTimer = nil
	}
}
