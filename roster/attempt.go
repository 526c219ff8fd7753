package roster

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lobbynet/nat"
	"github.com/opd-ai/lobbynet/peer"
	"github.com/opd-ai/lobbynet/transport"
)

var zeroTime time.Time

// AttemptState is the connection scheduler state of one peer.
type AttemptState uint8

const (
	// StateIdle means no attempt is armed.
	StateIdle AttemptState = iota
	// StateWaitingInterval means the next attempt waits for its time.
	StateWaitingInterval
	// StateAttemptInFlight means a dial was issued and its outcome is pending.
	StateAttemptInFlight
)

// String returns the state name.
func (s AttemptState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingInterval:
		return "waiting"
	case StateAttemptInFlight:
		return "in-flight"
	default:
		return "unknown"
	}
}

// AttemptState returns the scheduler state of p.
func (r *Roster) AttemptState(p *peer.Peer) AttemptState {
	switch {
	case p.DialPending():
		return StateAttemptInFlight
	case p.NextAttempt().IsZero():
		return StateIdle
	default:
		return StateWaitingInterval
	}
}

// Attempt runs one scheduling step for the peer with the given id.
func (r *Roster) Attempt(id int32) bool {
	p := r.ByID(id)
	if p == nil {
		return false
	}
	return r.attempt(p)
}

// attempt decides whether to dial p now and which address to use. The
// result is false only when the IO refused every dial.
func (r *Roster) attempt(p *peer.Peer) bool {
	if p.IsLocal {
		p.SetNextAttempt(zeroTime)
		return true
	}

	now := r.tp.Now()
	if p.Slot.IsRedundant() {
		p.SetNextAttempt(now.Add(r.cfg.Connect.RecheckInterval))
		return true
	}
	if next := p.NextAttempt(); !next.IsZero() && next.After(now) {
		return true
	}

	idx, ok := p.Addresses.BestCandidate(r.io.HasProtocol, p.Slot.Protocols(), r.cfg.Connect.ConnectAttempts)
	if !ok {
		p.SetNextAttempt(now.Add(r.cfg.Connect.RecheckInterval))
		if !p.Slot.IsConnected() && p.Addresses.Len() > 0 {
			logrus.WithFields(logrus.Fields{
				"function":  "attempt",
				"id":        p.ID,
				"name":      p.Name,
				"addresses": p.Addresses.Len(),
			}).Debug("Peer unreachable for now")
		}
		return true
	}

	attempts := p.Addresses.RecordAttempt(idx)
	p.SetNextAttempt(now.Add(r.cfg.Connect.ConnectInterval))
	addr := p.Addresses.At(idx).Address

	if r.local != nil && nat.ShouldInitiate(r.local, p, addr) {
		r.nat.Initiate(r.local, p)
	}

	for _, target := range r.dialTargets(addr) {
		logrus.WithFields(logrus.Fields{
			"function": "attempt",
			"id":       p.ID,
			"name":     p.Name,
			"address":  target,
			"attempt":  attempts,
		}).Info("Connecting to peer")

		if err := r.io.Connect(target, p.ID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "attempt",
				"id":       p.ID,
				"address":  target,
				"error":    err,
			}).Debug("Dial refused")
			continue
		}
		p.SetDialPending(true)
		r.metrics.RecordDial(addr.Protocol.String())
		return true
	}
	r.metrics.RecordDialFailure()
	return false
}

// dialTargets expands a link-local address to one address per local
// interface zone. Other addresses are dialled as they are.
func (r *Roster) dialTargets(addr transport.Address) []transport.Address {
	ip := addr.IP()
	if !ip.Is6() || !ip.IsLinkLocalUnicast() || ip.Zone() != "" || r.local == nil {
		return []transport.Address{addr}
	}
	zones := r.local.Zones()
	if len(zones) == 0 {
		return []transport.Address{addr}
	}
	out := make([]transport.Address, 0, len(zones))
	for _, z := range zones {
		out = append(out, addr.WithZone(z))
	}
	return out
}
