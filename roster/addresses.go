package roster

import (
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lobbynet/transport"
)

// AddLocalAddresses registers the addresses of this host on the local peer
// without announcing them.
func (r *Roster) AddLocalAddresses(hostIPs []netip.Addr) {
	if r.local == nil {
		return
	}
	r.local.AddLocalAddresses(r.cfg.Network.TCPPort, r.cfg.Network.UDPPort, hostIPs, r.tp.Now())
	r.local.SetNextAttempt(zeroTime)
}

// AddAddressFromPuncher registers the externally visible endpoint reported
// by a puncher on the local peer and announces it. The configured listen
// ports are added on the same IP: without port translation they are
// reachable too. An IPv6 endpoint becomes the simultaneous-open bind address.
func (r *Roster) AddAddressFromPuncher(endpoint netip.AddrPort) {
	local := r.local
	if local == nil || !endpoint.IsValid() {
		return
	}
	endpoint = netip.AddrPortFrom(endpoint.Addr().Unmap(), endpoint.Port())

	r.AddAddress(local, transport.NewAddress(endpoint, transport.ProtocolUDP), true)
	if port := r.cfg.Network.UDPPort; port != 0 && endpoint.Port() != port {
		r.AddAddress(local, transport.NewAddress(netip.AddrPortFrom(endpoint.Addr(), port), transport.ProtocolUDP), true)
	}
	if port := r.cfg.Network.TCPPort; port != 0 {
		r.AddAddress(local, transport.NewAddress(netip.AddrPortFrom(endpoint.Addr(), port), transport.ProtocolTCP), true)
	}
	if endpoint.Addr().Is6() {
		local.SetPuncherIPv6(endpoint)
	}
	local.SetNextAttempt(zeroTime)

	logrus.WithFields(logrus.Fields{
		"function": "AddAddressFromPuncher",
		"endpoint": endpoint,
	}).Info("Registered address from puncher")
}

// SendAddresses sends every known address of every peer on conn, or to all
// connected peers when conn is nil. Addresses scoped to an interface zone
// are only sent over a connection on that same zone, and the zone itself
// never goes on the wire.
func (r *Roster) SendAddresses(conn transport.Conn) {
	sent := 0
	for _, p := range r.peers {
		for _, e := range p.Addresses.All() {
			addr := e.Address
			if zone := addr.Zone(); zone != "" {
				if conn == nil || conn.PeerAddr().Addr().Zone() != zone {
					continue
				}
				addr = addr.WithZone("")
			}
			packet, err := transport.Encode(&transport.AddrAnnouncement{ClientID: p.ID, Addr: addr})
			if err != nil {
				continue
			}
			if conn != nil {
				_ = conn.Send(packet)
			} else {
				r.BroadcastToConnected(packet)
			}
			sent++
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "SendAddresses",
		"addresses": sent,
		"broadcast": conn == nil,
	}).Debug("Sent known addresses")
}
