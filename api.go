package lobbynet

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lobbynet/peer"
	"github.com/opd-ai/lobbynet/roster"
	"github.com/opd-ai/lobbynet/transport"
)

// Register adds a peer to the session.
func (n *Node) Register(desc peer.Descriptor) error {
	var err error
	if callErr := n.Do(func(r *roster.Roster) {
		_, err = r.Register(desc)
	}); callErr != nil {
		return callErr
	}
	return err
}

// Remove drops a peer, closing its connections.
func (n *Node) Remove(id int32) error {
	var err error
	if callErr := n.Do(func(r *roster.Roster) {
		err = r.Remove(id)
	}); callErr != nil {
		return callErr
	}
	return err
}

// Clear removes every peer.
func (n *Node) Clear() error {
	return n.Do(func(r *roster.Roster) { r.Clear() })
}

// AddAddress records a candidate address for peer id and announces it to
// every connected peer when it is new.
func (n *Node) AddAddress(id int32, addr transport.Address) (peer.AddResult, error) {
	var (
		result peer.AddResult
		err    error
	)
	if callErr := n.Do(func(r *roster.Roster) {
		p := r.ByID(id)
		if p == nil {
			err = fmt.Errorf("%w: %d", roster.ErrUnknownPeer, id)
			return
		}
		result = r.AddAddress(p, addr, true)
	}); callErr != nil {
		return result, callErr
	}
	return result, err
}

// AddLocalAddresses registers the listen ports on the wildcard address and
// on every given host IP for the local peer.
func (n *Node) AddLocalAddresses(hostIPs []netip.Addr) error {
	return n.Do(func(r *roster.Roster) { r.AddLocalAddresses(hostIPs) })
}

// DiscoverLocalAddresses registers the addresses of every active network
// interface for the local peer.
func (n *Node) DiscoverLocalAddresses() error {
	ips, err := transport.LocalAddresses()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DiscoverLocalAddresses",
			"error":    err,
		}).Warn("Interface enumeration failed, using wildcard only")
	}
	return n.AddLocalAddresses(ips)
}

// AddAddressFromPuncher registers the externally visible endpoint a
// puncher observed for this process.
func (n *Node) AddAddressFromPuncher(endpoint netip.AddrPort) error {
	return n.Do(func(r *roster.Roster) { r.AddAddressFromPuncher(endpoint) })
}

// DiscoverExternalEndpoint asks the configured STUN servers for the
// externally visible endpoint of the UDP listen socket and registers the
// answer as a puncher report.
func (n *Node) DiscoverExternalEndpoint(ctx context.Context) (netip.AddrPort, error) {
	if n.netio == nil {
		return netip.AddrPort{}, fmt.Errorf("%w: no socket network layer", transport.ErrProtocolUnavailable)
	}
	ep, err := n.netio.DiscoverEndpoint(ctx, n.cfg.Network.STUNServers)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return ep, n.AddAddressFromPuncher(ep)
}

// SendTo sends an application payload to one peer, relaying through the
// host when there is no direct connection. The result covers the first hop.
func (n *Node) SendTo(id int32, payload []byte) (bool, error) {
	var ok bool
	err := n.Do(func(r *roster.Roster) { ok = r.SendApplication(id, payload) })
	return ok, err
}

// Broadcast sends an application payload to every other peer.
func (n *Node) Broadcast(payload []byte, includeHost bool) (bool, error) {
	var ok bool
	err := n.Do(func(r *roster.Roster) { ok = r.BroadcastApplication(payload, includeHost) })
	return ok, err
}

// Tick runs one scheduling pass outside the regular ticker.
func (n *Node) Tick() error {
	return n.Do(func(r *roster.Roster) { r.Tick() })
}

// SetStatus sets the readiness of peer id.
func (n *Node) SetStatus(id int32, status peer.Status) error {
	var err error
	if callErr := n.Do(func(r *roster.Roster) {
		p := r.ByID(id)
		if p == nil {
			err = fmt.Errorf("%w: %d", roster.ErrUnknownPeer, id)
			return
		}
		p.SetStatus(status)
	}); callErr != nil {
		return callErr
	}
	return err
}

// ResetReady marks every waited-for peer not ready.
func (n *Node) ResetReady() error {
	return n.Do(func(r *roster.Roster) { r.ResetReady() })
}

// AllReady reports whether every remote waited-for peer is ready.
func (n *Node) AllReady() (bool, error) {
	var ready bool
	err := n.Do(func(r *roster.Roster) { ready = r.AllReady() })
	return ready, err
}

// Peers returns a snapshot of every peer in id order.
func (n *Node) Peers() ([]PeerInfo, error) {
	var out []PeerInfo
	err := n.Do(func(r *roster.Roster) {
		for _, p := range r.Peers() {
			info := PeerInfo{
				Descriptor: p.Descriptor,
				Status:     p.GetStatus(),
				Connected:  p.Slot.IsConnected(),
				Redundant:  p.Slot.IsRedundant(),
				State:      r.AttemptState(p),
			}
			for _, e := range p.Addresses.All() {
				info.Addresses = append(info.Addresses, e.Address)
			}
			out = append(out, info)
		}
	})
	return out, err
}
