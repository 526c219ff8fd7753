// Package nat implements TCP simultaneous open between two peers that both
// know an externally visible IPv6 address.
//
// The peer with the lower id initiates: it binds a socket on its puncher
// address and sends the bound endpoint to the other peer. The responder binds
// its own socket, answers with its endpoint and dials from the reserved
// socket after about half the round trip. The initiator dials as soon as the
// answer arrives, so both SYNs cross on the wire.
package nat

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lobbynet/clock"
	"github.com/opd-ai/lobbynet/metrics"
	"github.com/opd-ai/lobbynet/peer"
	"github.com/opd-ai/lobbynet/transport"
)

var (
	// ErrSocketReserved is returned when a second socket would be bound for a
	// peer that already holds one.
	ErrSocketReserved = errors.New("simultaneous open socket already reserved")
	// ErrNoBindAddress is returned when the local peer has no puncher address.
	ErrNoBindAddress = errors.New("no simultaneous open bind address")
)

// taskName keys the deferred responder dial in the clock queue.
const taskName = "simopen"

// Helper runs the simultaneous-open exchange. It must be used from the
// roster's thread of control.
type Helper struct {
	io       transport.IO
	queue    *clock.Queue
	tp       clock.TimeProvider
	maxDelay time.Duration
	metrics  *metrics.Collector
}

// NewHelper creates a helper. maxDelay caps the responder dial delay.
func NewHelper(io transport.IO, queue *clock.Queue, tp clock.TimeProvider, maxDelay time.Duration, m *metrics.Collector) *Helper {
	return &Helper{
		io:       io,
		queue:    queue,
		tp:       clock.Default(tp),
		maxDelay: maxDelay,
		metrics:  m,
	}
}

// ShouldInitiate reports whether the scheduler should start simultaneous
// open towards remote before dialling addr: a global IPv6 stream address, no
// socket already reserved, and the local id lower than the remote id.
func ShouldInitiate(local, remote *peer.Peer, addr transport.Address) bool {
	return addr.Protocol == transport.ProtocolTCP &&
		addr.IsIPv6() &&
		addr.IsGlobal() &&
		remote.ReservedSocket() == nil &&
		!remote.SimOpenDone() &&
		local.ID < remote.ID
}

// Initiate binds a socket for remote and sends its endpoint. It reports
// whether the request went out.
func (h *Helper) Initiate(local, remote *peer.Peer) bool {
	return h.step(local, remote, transport.Address{})
}

// Respond handles a coordination request from remote carrying the endpoint
// remote bound. With a socket already reserved this side initiated and dials
// now; otherwise it binds, answers and schedules its own dial.
func (h *Helper) Respond(local, remote *peer.Peer, addr transport.Address) bool {
	if remote.SimOpenDone() {
		logrus.WithFields(logrus.Fields{
			"function": "Respond",
			"peer":     remote.ID,
		}).Debug("Ignoring simultaneous open request, already connected")
		return false
	}
	if addr.IsNullHost() || addr.Protocol != transport.ProtocolTCP {
		logrus.WithFields(logrus.Fields{
			"function": "Respond",
			"peer":     remote.ID,
			"address":  addr,
		}).Warn("Ignoring simultaneous open request with unusable address")
		return false
	}
	return h.step(local, remote, addr)
}

func (h *Helper) step(local, remote *peer.Peer, addr transport.Address) bool {
	if !h.io.HasProtocol(transport.ProtocolTCP) {
		return false
	}

	if remote.ReservedSocket() != nil {
		if addr.IsNullHost() {
			return false
		}
		return h.connect(remote, addr)
	}

	socket, err := h.reserve(local, remote)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "step",
			"peer":     remote.ID,
			"error":    err,
		}).Debug("Simultaneous open not possible")
		h.metrics.RecordSimOpen("bind_failed")
		return false
	}

	responding := !addr.IsNullHost()
	logrus.WithFields(logrus.Fields{
		"function":   "step",
		"peer":       remote.ID,
		"name":       remote.Name,
		"bound":      socket.LocalAddr(),
		"responding": responding,
	}).Info("Simultaneous open request")

	req := &transport.SimOpenRequest{
		ClientID: local.ID,
		Addr:     transport.NewAddress(socket.LocalAddr(), transport.ProtocolTCP),
	}
	packet, err := transport.Encode(req)
	if err != nil || !remote.Slot.Send(packet) {
		return false
	}

	if !responding {
		h.metrics.RecordSimOpen("initiated")
		return true
	}

	h.metrics.RecordSimOpen("responded")
	delay := h.delay(remote)
	h.queue.Schedule(clock.Key{Owner: remote.ID, Name: taskName}, h.tp.Now().Add(delay), func() {
		if remote.ReservedSocket() == nil || remote.SimOpenDone() {
			return
		}
		h.connect(remote, addr)
	})
	return true
}

// reserve binds the simultaneous-open socket for remote on the local
// puncher address with an OS-chosen port.
func (h *Helper) reserve(local, remote *peer.Peer) (transport.ReservedSocket, error) {
	if remote.ReservedSocket() != nil {
		return nil, ErrSocketReserved
	}
	bindAddr, ok := local.PuncherIPv6()
	if !ok {
		return nil, ErrNoBindAddress
	}
	socket, err := h.io.BindStream(netip.AddrPortFrom(bindAddr.Addr(), 0))
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", bindAddr.Addr(), err)
	}
	remote.Reserve(socket)
	return socket, nil
}

// delay is half the message connection lag, capped at maxDelay.
func (h *Helper) delay(remote *peer.Peer) time.Duration {
	var lag time.Duration
	if c := remote.Slot.Message(); c != nil {
		lag = c.Lag()
	}
	d := lag / 2
	if d > h.maxDelay {
		d = h.maxDelay
	}
	return d
}

func (h *Helper) connect(remote *peer.Peer, addr transport.Address) bool {
	socket := remote.TakeSocket()
	if socket == nil {
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function": "connect",
		"peer":     remote.ID,
		"name":     remote.Name,
		"address":  addr,
		"from":     socket.LocalAddr(),
	}).Info("Connecting with simultaneous open")

	if err := h.io.ConnectWithSocket(addr, remote.ID, socket); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "connect",
			"peer":     remote.ID,
			"error":    err,
		}).Debug("Simultaneous open dial failed")
		_ = socket.Close()
		return false
	}
	h.metrics.RecordSimOpen("dialled")
	return true
}

// Release ends simultaneous open for remote after a stream connection came
// up: the reserved socket is closed, the pending dial cancelled and no
// further requests are made or answered.
func (h *Helper) Release(remote *peer.Peer) {
	h.queue.Cancel(clock.Key{Owner: remote.ID, Name: taskName})
	released := remote.ReleaseSocket()
	if !remote.SimOpenDone() {
		remote.MarkSimOpenDone()
		h.metrics.RecordSimOpen("done")
	}
	if released {
		logrus.WithFields(logrus.Fields{
			"function": "Release",
			"peer":     remote.ID,
		}).Debug("Released simultaneous open socket")
	}
}

// Cancel drops any reservation and pending dial for remote without marking
// it done. Used when the peer leaves.
func (h *Helper) Cancel(remote *peer.Peer) {
	h.queue.Cancel(clock.Key{Owner: remote.ID, Name: taskName})
	remote.ReleaseSocket()
}
