package roster

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lobbynet/peer"
	"github.com/opd-ai/lobbynet/transport"
)

// OnConnect installs an established connection in the peer's slot. Stream
// connections take the message role and datagram connections the data
// role; the empty role is filled by promotion. When a second connection of
// the same protocol turns up, both sides keep the one dialled by the peer
// with the lower id.
func (r *Roster) OnConnect(conn transport.Conn, peerID int32) {
	p := r.ByID(peerID)
	if p == nil || p.IsLocal {
		logrus.WithFields(logrus.Fields{
			"function": "OnConnect",
			"id":       peerID,
			"conn":     conn.ID(),
		}).Warn("Connection for unknown peer, closing")
		_ = conn.Close()
		return
	}
	p.SetDialPending(false)

	if existing := r.sameProtocol(p, conn); existing != nil {
		keep, drop := existing, conn
		if r.dialledByLower(p, conn) && !r.dialledByLower(p, existing) {
			keep, drop = conn, existing
		}
		logrus.WithFields(logrus.Fields{
			"function": "OnConnect",
			"id":       p.ID,
			"protocol": conn.Protocol(),
			"keep":     keep.ID(),
			"drop":     drop.ID(),
		}).Debug("Resolving duplicate connection")
		if drop == conn {
			_ = conn.Close()
			return
		}
		p.Slot.Remove(existing)
		_ = existing.Close()
	}

	if conn.Protocol().IsStream() {
		p.Slot.SetMessage(conn)
		r.nat.Release(p)
	} else {
		p.Slot.SetData(conn)
	}
	r.metrics.RecordConnectionLag(conn.Lag())

	logrus.WithFields(logrus.Fields{
		"function":  "OnConnect",
		"id":        p.ID,
		"name":      p.Name,
		"conn":      conn.ID(),
		"protocol":  conn.Protocol(),
		"peer_addr": conn.PeerAddr(),
		"redundant": p.Slot.IsRedundant(),
	}).Info("Peer connected")

	if r.isHost {
		r.SendAddresses(conn)
	}
	r.updateGauges()
}

func (r *Roster) sameProtocol(p *peer.Peer, conn transport.Conn) transport.Conn {
	for _, c := range p.Slot.Conns() {
		if c.ID() != conn.ID() && c.Protocol() == conn.Protocol() {
			return c
		}
	}
	return nil
}

func (r *Roster) dialledByLower(p *peer.Peer, conn transport.Conn) bool {
	return conn.Outbound() == (r.self.ID < p.ID)
}

// OnDisconnect drops conn from its peer's slot. A peer left without any
// connection is rescheduled at once.
func (r *Roster) OnDisconnect(conn transport.Conn) {
	p := r.ByConn(conn)
	if p == nil {
		return
	}
	p.Slot.Remove(conn)
	p.SetDialPending(false)
	if !p.Slot.IsConnected() && p.NextAttempt().IsZero() && p.Addresses.Len() > 0 {
		p.SetNextAttempt(r.tp.Now())
	}

	logrus.WithFields(logrus.Fields{
		"function":  "OnDisconnect",
		"id":        p.ID,
		"name":      p.Name,
		"conn":      conn.ID(),
		"connected": p.Slot.IsConnected(),
	}).Info("Peer connection lost")

	r.updateGauges()
}

// OnDialFailed records a failed dial. The scheduler retries after the
// interval it already set.
func (r *Roster) OnDialFailed(addr transport.Address, peerID int32, err error) {
	r.metrics.RecordDialFailure()
	p := r.ByID(peerID)
	if p == nil {
		return
	}
	p.SetDialPending(false)

	logrus.WithFields(logrus.Fields{
		"function": "OnDialFailed",
		"id":       p.ID,
		"address":  addr,
		"error":    err,
	}).Debug("Connection attempt failed")
}
