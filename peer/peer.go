// Package peer implements the per-participant state of the connection layer:
// the known addresses of a peer, the connections serving it and the
// bookkeeping the connection scheduler keeps for it.
//
// Example:
//
//	p := peer.New(peer.Descriptor{ID: 2, Name: "bob"}, 20)
//	p.AddAddress(addr, time.Now())
//	if p.Slot.IsConnected() {
//	    p.Slot.Send(packet)
//	}
package peer

import (
	"net/netip"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lobbynet/transport"
)

// HostID is the id reserved for the session host.
const HostID int32 = 0

// UnknownID marks a missing client id.
const UnknownID = transport.UnknownClientID

// Status is the readiness of a peer during synchronisation.
type Status uint8

const (
	// StatusReady marks a peer that has finished synchronising.
	StatusReady Status = iota
	// StatusNotReady marks a peer the session is still waiting for.
	StatusNotReady
)

// String returns the status name.
func (s Status) String() string {
	if s == StatusReady {
		return "ready"
	}
	return "not-ready"
}

// Descriptor identifies a participant.
type Descriptor struct {
	ID      int32
	Name    string
	IsHost  bool
	IsLocal bool
	// WaitedFor peers take part in ready checks.
	WaitedFor bool
	// Activated peers control players and count for activity tracking.
	Activated bool
}

// Peer is one participant known to the roster. It owns its address
// registry and connection slot.
type Peer struct {
	Descriptor

	Addresses *Registry
	Slot      *Slot

	status       Status
	lastActivity int64

	nextAttempt time.Time
	dialPending bool

	simOpenSocket transport.ReservedSocket
	simOpenDone   bool

	// Only meaningful for the local peer.
	puncherIPv6 netip.AddrPort
	zones       map[string]struct{}
}

// New creates a peer with an empty registry of the given capacity.
func New(desc Descriptor, maxAddresses int) *Peer {
	logrus.WithFields(logrus.Fields{
		"function": "New",
		"id":       desc.ID,
		"name":     desc.Name,
		"host":     desc.IsHost,
		"local":    desc.IsLocal,
	}).Debug("Creating peer")

	return &Peer{
		Descriptor: desc,
		Addresses:  NewRegistry(maxAddresses),
		Slot:       &Slot{},
		status:     StatusReady,
		zones:      make(map[string]struct{}),
	}
}

// GetStatus returns the readiness status.
func (p *Peer) GetStatus() Status { return p.status }

// SetStatus sets the readiness status.
func (p *Peer) SetStatus(s Status) { p.status = s }

// IsReady reports whether the peer is ready.
func (p *Peer) IsReady() bool { return p.status == StatusReady }

// LastActivity returns the frame of the last recorded activity.
func (p *Peer) LastActivity() int64 { return p.lastActivity }

// SetLastActivity records activity at frame.
func (p *Peer) SetLastActivity(frame int64) { p.lastActivity = frame }

// NextAttempt returns when the scheduler may dial next. The zero time means
// no attempt is pending.
func (p *Peer) NextAttempt() time.Time { return p.nextAttempt }

// SetNextAttempt sets the next allowed attempt time.
func (p *Peer) SetNextAttempt(t time.Time) { p.nextAttempt = t }

// DialPending reports whether a dial issued by the scheduler is unresolved.
func (p *Peer) DialPending() bool { return p.dialPending }

// SetDialPending records whether a dial is in flight.
func (p *Peer) SetDialPending(pending bool) { p.dialPending = pending }

// AddAddress stores addr and, when no attempt was pending, arms one for now.
func (p *Peer) AddAddress(addr transport.Address, now time.Time) AddResult {
	res := p.Addresses.Add(addr)
	if res != AddResultAdded {
		return res
	}
	if p.nextAttempt.IsZero() {
		p.nextAttempt = now
	}

	logrus.WithFields(logrus.Fields{
		"function": "AddAddress",
		"id":       p.ID,
		"address":  addr,
		"count":    p.Addresses.Len(),
	}).Debug("Address added")

	return res
}

// AddLocalAddresses registers the unspecified address and every host address
// for each non-zero port without announcing them. Zones of link-local
// addresses are remembered as the interfaces to dial link-local peers on.
func (p *Peer) AddLocalAddresses(tcpPort, udpPort uint16, hostIPs []netip.Addr, now time.Time) {
	add := func(ip netip.Addr) {
		if tcpPort != 0 {
			p.AddAddress(transport.NewAddress(netip.AddrPortFrom(ip, tcpPort), transport.ProtocolTCP), now)
		}
		if udpPort != 0 {
			p.AddAddress(transport.NewAddress(netip.AddrPortFrom(ip, udpPort), transport.ProtocolUDP), now)
		}
	}

	add(netip.IPv4Unspecified())
	for _, ip := range hostIPs {
		add(ip)
		if zone := ip.Zone(); zone != "" {
			p.zones[zone] = struct{}{}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "AddLocalAddresses",
		"id":        p.ID,
		"addresses": p.Addresses.Len(),
		"zones":     len(p.zones),
	}).Info("Local addresses registered")
}

// Zones returns the interface zones seen in local addresses, sorted.
func (p *Peer) Zones() []string {
	out := make([]string, 0, len(p.zones))
	for z := range p.zones {
		out = append(out, z)
	}
	sort.Strings(out)
	return out
}

// PuncherIPv6 returns the externally visible IPv6 endpoint learned from a
// puncher, used as the simultaneous-open bind address.
func (p *Peer) PuncherIPv6() (netip.AddrPort, bool) {
	return p.puncherIPv6, p.puncherIPv6.IsValid()
}

// SetPuncherIPv6 records the externally visible IPv6 endpoint.
func (p *Peer) SetPuncherIPv6(ap netip.AddrPort) { p.puncherIPv6 = ap }

// ReservedSocket returns the socket bound for simultaneous open, or nil.
func (p *Peer) ReservedSocket() transport.ReservedSocket { return p.simOpenSocket }

// Reserve records socket as the simultaneous-open socket of this peer.
func (p *Peer) Reserve(socket transport.ReservedSocket) { p.simOpenSocket = socket }

// TakeSocket removes the reserved socket without closing it, handing
// ownership to the caller.
func (p *Peer) TakeSocket() transport.ReservedSocket {
	s := p.simOpenSocket
	p.simOpenSocket = nil
	return s
}

// ReleaseSocket closes the reserved socket, if any. It reports whether one was held.
func (p *Peer) ReleaseSocket() bool {
	s := p.TakeSocket()
	if s == nil {
		return false
	}
	if err := s.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ReleaseSocket",
			"id":       p.ID,
			"error":    err,
		}).Debug("Closing reserved socket failed")
	}
	return true
}

// SimOpenDone reports whether simultaneous open is finished for this peer.
func (p *Peer) SimOpenDone() bool { return p.simOpenDone }

// MarkSimOpenDone stops further simultaneous-open attempts.
func (p *Peer) MarkSimOpenDone() { p.simOpenDone = true }
