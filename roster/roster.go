// Package roster owns every peer of a session and drives the connection
// layer: it schedules connection attempts, dispatches the control packets of
// the layer and sends messages directly or through the host.
//
// A Roster is not safe for concurrent use. All calls, including the
// transport callbacks, must come from one goroutine; the root lobbynet.Node
// provides that loop.
//
// Example:
//
//	r := roster.New(io, cfg, peer.Descriptor{ID: 3, Name: "me"}, roster.Options{})
//	r.Register(peer.Descriptor{ID: 0, Name: "host", IsHost: true})
//	r.Register(peer.Descriptor{ID: 3, Name: "me"})
//	for range ticker.C {
//	    r.Tick()
//	}
package roster

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lobbynet/clock"
	"github.com/opd-ai/lobbynet/config"
	"github.com/opd-ai/lobbynet/limits"
	"github.com/opd-ai/lobbynet/metrics"
	"github.com/opd-ai/lobbynet/nat"
	"github.com/opd-ai/lobbynet/peer"
	"github.com/opd-ai/lobbynet/transport"
)

var (
	// ErrDuplicatePeer is returned when registering an id twice.
	ErrDuplicatePeer = errors.New("peer already registered")
	// ErrUnknownPeer is returned for operations on an id not in the roster.
	ErrUnknownPeer = errors.New("unknown peer")
)

// DeliverFunc receives application payloads, directly sent or relayed by the
// host, together with the id of the peer that sent them.
type DeliverFunc func(from int32, payload []byte)

// Options carries the optional collaborators of a Roster.
type Options struct {
	TimeProvider clock.TimeProvider
	// Queue holds deferred tasks. The owner runs due tasks through RunDeferred
	// or Tick. A fresh queue is used when nil.
	Queue   *clock.Queue
	Metrics *metrics.Collector
	Deliver DeliverFunc
}

// Roster is the ordered set of peers of one session.
type Roster struct {
	io      transport.IO
	cfg     *config.Config
	self    peer.Descriptor
	isHost  bool
	tp      clock.TimeProvider
	queue   *clock.Queue
	nat     *nat.Helper
	metrics *metrics.Collector
	deliver DeliverFunc

	peers []*peer.Peer
	local *peer.Peer
}

// New creates an empty roster for the process identified by self. The
// process is the host when self carries the host flag or the host id.
func New(io transport.IO, cfg *config.Config, self peer.Descriptor, opts Options) *Roster {
	if cfg == nil {
		cfg = config.Default()
	}
	tp := clock.Default(opts.TimeProvider)
	queue := opts.Queue
	if queue == nil {
		queue = clock.NewQueue()
	}

	r := &Roster{
		io:      io,
		cfg:     cfg,
		self:    self,
		isHost:  self.IsHost || self.ID == peer.HostID,
		tp:      tp,
		queue:   queue,
		nat:     nat.NewHelper(io, queue, tp, cfg.Connect.SimOpenMaxDelay, opts.Metrics),
		metrics: opts.Metrics,
		deliver: opts.Deliver,
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"local_id": self.ID,
		"name":     self.Name,
		"host":     r.isHost,
	}).Info("Roster created")

	return r
}

// IsHost reports whether this process is the session host.
func (r *Roster) IsHost() bool { return r.isHost }

// Queue returns the deferred task queue of the roster.
func (r *Roster) Queue() *clock.Queue { return r.queue }

// Register adds a peer, keeping the roster sorted by id. The peer is the
// local one when its id matches this process; every other peer is allowed
// to connect in.
func (r *Roster) Register(desc peer.Descriptor) (*peer.Peer, error) {
	if err := limits.ValidateName(desc.Name); err != nil {
		return nil, fmt.Errorf("peer %d: %w", desc.ID, err)
	}

	pos := sort.Search(len(r.peers), func(i int) bool { return r.peers[i].ID >= desc.ID })
	if pos < len(r.peers) && r.peers[pos].ID == desc.ID {
		logrus.WithFields(logrus.Fields{
			"function": "Register",
			"id":       desc.ID,
			"name":     desc.Name,
		}).Error("Duplicate peer id")
		return nil, fmt.Errorf("%w: %d", ErrDuplicatePeer, desc.ID)
	}

	desc.IsLocal = desc.ID == r.self.ID
	p := peer.New(desc, r.cfg.Connect.MaxAddresses)

	r.peers = append(r.peers, nil)
	copy(r.peers[pos+1:], r.peers[pos:])
	r.peers[pos] = p

	if p.IsLocal {
		r.local = p
	} else {
		r.io.AddAutoAccept(p.ID)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"id":       p.ID,
		"name":     p.Name,
		"local":    p.IsLocal,
		"host":     p.IsHost,
		"peers":    len(r.peers),
	}).Info("Peer registered")

	r.updateGauges()
	return p, nil
}

// Remove closes every connection of the peer, cancels its pending attempts
// and simultaneous-open reservation, and unlinks it.
func (r *Roster) Remove(id int32) error {
	idx := r.index(id)
	if idx < 0 {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	p := r.peers[idx]

	p.Slot.Close("removing client")
	r.nat.Cancel(p)
	cancelled := r.queue.CancelOwner(p.ID)
	p.SetNextAttempt(zeroTime)
	p.SetDialPending(false)

	r.peers = append(r.peers[:idx], r.peers[idx+1:]...)
	if p == r.local {
		r.local = nil
	}
	r.io.RemoveAutoAccept(p.ID)

	logrus.WithFields(logrus.Fields{
		"function":  "Remove",
		"id":        p.ID,
		"name":      p.Name,
		"cancelled": cancelled,
	}).Info("Peer removed")

	r.updateGauges()
	return nil
}

// Clear removes every peer.
func (r *Roster) Clear() {
	for len(r.peers) > 0 {
		_ = r.Remove(r.peers[0].ID)
	}
	r.local = nil
}

func (r *Roster) index(id int32) int {
	for i, p := range r.peers {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// ByID returns the peer with the given id, or nil.
func (r *Roster) ByID(id int32) *peer.Peer {
	if i := r.index(id); i >= 0 {
		return r.peers[i]
	}
	return nil
}

// ByName returns the first peer with the given name, or nil.
func (r *Roster) ByName(name string) *peer.Peer {
	for _, p := range r.peers {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// ByConn returns the peer whose slot holds conn, or nil.
func (r *Roster) ByConn(conn transport.Conn) *peer.Peer {
	if conn == nil {
		return nil
	}
	for _, p := range r.peers {
		if p.Slot.Has(conn) {
			return p
		}
	}
	return nil
}

// Host returns the host peer: the one carrying the host flag, else the
// peer with the host id.
func (r *Roster) Host() *peer.Peer {
	for _, p := range r.peers {
		if p.IsHost {
			return p
		}
	}
	return r.ByID(peer.HostID)
}

// Local returns the peer of this process, or nil before it is registered.
func (r *Roster) Local() *peer.Peer { return r.local }

// Peers returns the peers in id order.
func (r *Roster) Peers() []*peer.Peer {
	out := make([]*peer.Peer, len(r.peers))
	copy(out, r.peers)
	return out
}

// Len returns the number of peers.
func (r *Roster) Len() int { return len(r.peers) }

// AddAddress registers addr for p and, when announce is set and the address
// is new, announces it to every directly connected peer. A failed
// announcement is logged only.
func (r *Roster) AddAddress(p *peer.Peer, addr transport.Address, announce bool) peer.AddResult {
	res := p.AddAddress(addr, r.tp.Now())
	r.metrics.RecordAddress(res.String())
	if res != peer.AddResultAdded || !announce {
		return res
	}

	packet, err := transport.Encode(&transport.AddrAnnouncement{ClientID: p.ID, Addr: addr})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AddAddress",
			"id":       p.ID,
			"error":    err,
		}).Warn("Cannot encode address announcement")
		return res
	}
	if !r.BroadcastToConnected(packet) {
		logrus.WithFields(logrus.Fields{
			"function": "AddAddress",
			"id":       p.ID,
			"address":  addr,
		}).Debug("Address announcement not delivered to every peer")
	}
	return res
}

// RunDeferred runs the deferred tasks that are due.
func (r *Roster) RunDeferred() int {
	return r.queue.RunDue(r.tp.Now())
}

// Tick runs due deferred tasks and a connection attempt for every peer
// whose next attempt time has come.
func (r *Roster) Tick() {
	r.RunDeferred()

	now := r.tp.Now()
	for _, p := range r.Peers() {
		next := p.NextAttempt()
		if p.IsLocal || next.IsZero() || next.After(now) {
			continue
		}
		if r.ByID(p.ID) != p {
			continue
		}
		r.attempt(p)
	}
	r.updateGauges()
}

func (r *Roster) updateGauges() {
	if r.metrics == nil {
		return
	}
	connected := 0
	for _, p := range r.peers {
		if p.Slot.IsConnected() {
			connected++
		}
	}
	r.metrics.SetPeers(len(r.peers), connected)
}
