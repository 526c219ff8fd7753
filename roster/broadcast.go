package roster

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lobbynet/limits"
	"github.com/opd-ai/lobbynet/transport"
)

// BroadcastToConnected sends packet to every directly connected peer. The
// target set is fixed inside the IO broadcast section, so peers that connect
// or drop meanwhile do not change it. It reports whether every send succeeded.
func (r *Roster) BroadcastToConnected(packet *transport.Packet) bool {
	r.io.BeginBroadcast()
	for _, p := range r.peers {
		if c := p.Slot.Message(); c != nil {
			c.SetBroadcastTarget(true)
		}
	}
	ok := r.io.Broadcast(packet)
	r.io.EndBroadcast()

	r.metrics.RecordBroadcast("connected", ok)
	return ok
}

// BroadcastToAll sends packet to every peer. Directly connected peers get it
// at once; a non-host process also sends the host a forward request listing
// every other peer it could not reach. The request goes out even when that
// list is empty. With includeHost false the host is skipped entirely.
func (r *Roster) BroadcastToAll(packet *transport.Packet, includeHost bool) bool {
	host := r.Host()
	reached := make(map[int32]bool, len(r.peers))

	r.io.BeginBroadcast()
	for _, p := range r.peers {
		if p.IsLocal || (p == host && !includeHost) {
			continue
		}
		if c := p.Slot.Message(); c != nil {
			c.SetBroadcastTarget(true)
			reached[p.ID] = true
		}
	}
	ok := r.io.Broadcast(packet)
	r.io.EndBroadcast()

	if !r.isHost {
		var targets []int32
		for _, p := range r.peers {
			if p.IsLocal || p == host || reached[p.ID] {
				continue
			}
			targets = append(targets, p.ID)
		}
		ok = r.forward(packet, targets, true) && ok
	}

	r.metrics.RecordBroadcast("all", ok)
	return ok
}

// SendToHost sends packet on the host's message connection.
func (r *Roster) SendToHost(packet *transport.Packet) bool {
	host := r.Host()
	if host == nil || host.IsLocal {
		return false
	}
	return host.Slot.Send(packet)
}

// SendTo sends packet to one peer, directly when connected and otherwise as
// a forward request through the host. The result only covers the first hop.
func (r *Roster) SendTo(id int32, packet *transport.Packet) bool {
	p := r.ByID(id)
	if p == nil {
		return false
	}
	if p.Slot.IsConnected() {
		return p.Slot.Send(packet)
	}
	return r.forward(packet, []int32{id}, false)
}

// SendApplication sends an application payload to one peer.
func (r *Roster) SendApplication(id int32, payload []byte) bool {
	packet, err := transport.Encode(&transport.Application{Payload: payload})
	if err != nil {
		return false
	}
	return r.SendTo(id, packet)
}

// BroadcastApplication sends an application payload to every peer.
func (r *Roster) BroadcastApplication(payload []byte, includeHost bool) bool {
	packet, err := transport.Encode(&transport.Application{Payload: payload})
	if err != nil {
		return false
	}
	return r.BroadcastToAll(packet, includeHost)
}

func (r *Roster) forward(packet *transport.Packet, targets []int32, broadcast bool) bool {
	data, err := packet.Serialize()
	if err == nil {
		err = limits.ValidateForwardPayload(data)
	}
	if err == nil && len(targets) > limits.MaxForwardTargets {
		err = limits.ErrTooLarge
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "forward",
			"type":     packet.PacketType,
			"targets":  len(targets),
			"error":    err,
		}).Warn("Cannot build forward request")
		return false
	}

	req, err := transport.Encode(&transport.ForwardRequest{
		IsBroadcast: broadcast,
		TargetIDs:   targets,
		Payload:     data,
	})
	if err != nil {
		return false
	}

	ok := r.SendToHost(req)
	if ok {
		r.metrics.RecordForwardSent()
	}
	logrus.WithFields(logrus.Fields{
		"function":  "forward",
		"type":      packet.PacketType,
		"targets":   targets,
		"broadcast": broadcast,
		"sent":      ok,
	}).Debug("Forward request to host")
	return ok
}
