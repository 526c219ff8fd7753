package roster

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lobbynet/peer"
	"github.com/opd-ai/lobbynet/transport"
)

// OnPacket dispatches a message received on conn. Messages arriving on a
// connection that belongs to no peer are dropped.
func (r *Roster) OnPacket(conn transport.Conn, msg transport.Message) {
	source := r.ByConn(conn)
	if source == nil {
		return
	}

	switch m := msg.(type) {
	case *transport.AddrAnnouncement:
		r.handleAddr(conn, m)
	case *transport.SimOpenRequest:
		r.handleSimOpen(m)
	case *transport.ForwardRequest:
		r.relay(source, m)
	case *transport.Forwarded:
		r.handleForwarded(source, m)
	case *transport.Application:
		r.deliverPayload(source.ID, m.Payload)
	case *transport.CloseNotice:
		logrus.WithFields(logrus.Fields{
			"function":  "OnPacket",
			"id":        source.ID,
			"conn":      conn.ID(),
			"requested": m.Requested,
			"reason":    m.Reason,
		}).Info("Peer is closing connection")
	}
}

func (r *Roster) handleAddr(conn transport.Conn, m *transport.AddrAnnouncement) {
	p := r.ByID(m.ClientID)
	if p == nil {
		return
	}
	addr := m.Addr
	if addr.IsIPNull() {
		addr = addr.WithIP(conn.PeerAddr().Addr())
	}
	if r.AddAddress(p, addr, true) == peer.AddResultAdded {
		r.attempt(p)
	}
}

func (r *Roster) handleSimOpen(m *transport.SimOpenRequest) {
	p := r.ByID(m.ClientID)
	if p == nil || p.IsLocal || r.local == nil {
		return
	}
	r.nat.Respond(r.local, p, m.Addr)
}

// relay hands a forwarded payload one hop on to every listed peer the host
// is directly connected to, never back to the sender. The host's own id in
// the list delivers the payload locally. Unreachable targets are dropped.
func (r *Roster) relay(source *peer.Peer, m *transport.ForwardRequest) {
	if !r.isHost {
		logrus.WithFields(logrus.Fields{
			"function": "relay",
			"from":     source.ID,
		}).Warn("Forward request received by a non-host peer")
		return
	}

	packet, err := transport.Encode(&transport.Forwarded{
		From:        source.ID,
		IsBroadcast: m.IsBroadcast,
		Payload:     m.Payload,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "relay",
			"from":     source.ID,
			"error":    err,
		}).Warn("Cannot relay forward request")
		return
	}

	relayed, dropped := 0, 0
	for _, id := range m.TargetIDs {
		if id == source.ID {
			continue
		}
		if r.local != nil && id == r.local.ID {
			r.deliverForwarded(source.ID, m.Payload)
			continue
		}
		target := r.ByID(id)
		if target == nil || !target.Slot.IsConnected() || !target.Slot.Send(packet) {
			dropped++
			continue
		}
		relayed++
	}
	r.metrics.RecordForwardRelayed(relayed)

	logrus.WithFields(logrus.Fields{
		"function":  "relay",
		"from":      source.ID,
		"broadcast": m.IsBroadcast,
		"relayed":   relayed,
		"dropped":   dropped,
	}).Debug("Relayed forward request")
}

func (r *Roster) handleForwarded(source *peer.Peer, m *transport.Forwarded) {
	if source != r.Host() {
		logrus.WithFields(logrus.Fields{
			"function": "handleForwarded",
			"from":     source.ID,
		}).Warn("Relayed payload from a non-host peer")
		return
	}
	r.deliverForwarded(m.From, m.Payload)
}

// deliverForwarded unwraps a forwarded packet. Only application payloads
// travel through the host.
func (r *Roster) deliverForwarded(from int32, data []byte) {
	packet, err := transport.ParsePacket(data)
	if err == nil {
		var msg transport.Message
		if msg, err = transport.Decode(packet); err == nil {
			if app, ok := msg.(*transport.Application); ok {
				r.deliverPayload(from, app.Payload)
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "deliverForwarded",
				"from":     from,
				"type":     msg.Type(),
			}).Debug("Ignoring forwarded control packet")
			return
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "deliverForwarded",
		"from":     from,
		"error":    err,
	}).Warn("Dropping malformed forwarded packet")
}

func (r *Roster) deliverPayload(from int32, payload []byte) {
	if r.deliver != nil {
		r.deliver(from, payload)
	}
}
