package transport

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// Conn is a live link to one peer. Send is fire-and-forget: an error means
// the packet could not be handed to the network, not that it was lost.
type Conn interface {
	// ID uniquely identifies the connection for the lifetime of the process.
	ID() uuid.UUID
	// Protocol returns the transport protocol of the connection.
	Protocol() Protocol
	// PeerAddr returns the remote endpoint the packets come from.
	PeerAddr() netip.AddrPort
	// Outbound reports whether this side dialled the connection.
	Outbound() bool
	// Send writes one packet.
	Send(packet *Packet) error
	// Close shuts the connection down. Closing twice is harmless.
	Close() error
	// IsOpen reports whether Send can still succeed.
	IsOpen() bool
	// Lag returns the last measured round-trip time.
	Lag() time.Duration
	// SetBroadcastTarget marks the connection for the next IO.Broadcast.
	SetBroadcastTarget(target bool)
	// IsBroadcastTarget reports the mark set by SetBroadcastTarget.
	IsBroadcastTarget() bool
}

// ReservedSocket is a bound but unconnected stream socket held for
// simultaneous open.
type ReservedSocket interface {
	LocalAddr() netip.AddrPort
	Close() error
}

// IO is the network layer the roster drives. Connect and ConnectWithSocket
// only start a dial; the result arrives later through Events.
type IO interface {
	// HasProtocol reports whether the protocol is available locally.
	HasProtocol(protocol Protocol) bool
	// Connect starts dialling addr on behalf of peerID.
	Connect(addr Address, peerID int32) error
	// ConnectWithSocket dials addr from a reserved socket and takes ownership of it.
	ConnectWithSocket(addr Address, peerID int32, socket ReservedSocket) error
	// BindStream binds an unconnected stream socket on local.
	BindStream(local netip.AddrPort) (ReservedSocket, error)
	// BeginBroadcast starts the broadcast critical section.
	BeginBroadcast()
	// Broadcast sends to every connection marked as broadcast target and
	// clears the marks. It reports whether every send succeeded.
	Broadcast(packet *Packet) bool
	// EndBroadcast ends the broadcast critical section.
	EndBroadcast()
	// AddAutoAccept allows inbound connections that identify as peerID.
	AddAutoAccept(peerID int32)
	// RemoveAutoAccept revokes AddAutoAccept.
	RemoveAutoAccept(peerID int32)
}

// Events receives the asynchronous results of the IO layer. Implementations
// may be called from any goroutine.
type Events interface {
	// OnConnect reports an established connection to peerID.
	OnConnect(conn Conn, peerID int32)
	// OnDisconnect reports that an established connection is gone.
	OnDisconnect(conn Conn)
	// OnPacket delivers a decoded packet received on conn.
	OnPacket(conn Conn, msg Message)
	// OnDialFailed reports that a dial started by Connect did not complete.
	OnDialFailed(addr Address, peerID int32, err error)
}
