package lobbynet

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lobbynet/clock"
	"github.com/opd-ai/lobbynet/config"
	"github.com/opd-ai/lobbynet/metrics"
	"github.com/opd-ai/lobbynet/peer"
	"github.com/opd-ai/lobbynet/roster"
	"github.com/opd-ai/lobbynet/transport"
)

var (
	// ErrNotRunning is returned by calls made while the event loop is not running.
	ErrNotRunning = errors.New("node is not running")
	// ErrAlreadyStarted is returned when starting the event loop twice.
	ErrAlreadyStarted = errors.New("node already started")
)

// MessageCallback receives application payloads together with the id of
// the peer that sent them. It runs on the event loop.
type MessageCallback func(from int32, payload []byte)

// Options configures a Node.
type Options struct {
	// Config defaults to config.Default().
	Config *config.Config
	// Self identifies this process. ID 0 makes it the host.
	Self peer.Descriptor
	// TimeProvider defaults to the real clock.
	TimeProvider clock.TimeProvider
	// Registerer receives the metrics when Config.Metrics.Enabled is set.
	// A private registry is used when nil.
	Registerer prometheus.Registerer
	// IO replaces the socket based network layer. The caller is then
	// responsible for reporting transport events to the Node.
	IO transport.IO
}

// PeerInfo is a point in time view of one peer.
type PeerInfo struct {
	peer.Descriptor
	Status    peer.Status
	Connected bool
	Redundant bool
	Addresses []transport.Address
	State     roster.AttemptState
}

// Node runs the peer roster and the network IO on one event loop.
type Node struct {
	cfg     *config.Config
	self    peer.Descriptor
	tp      clock.TimeProvider
	io      transport.IO
	netio   *transport.NetIO
	roster  *roster.Roster
	metrics *metrics.Collector

	events  *eventQueue
	started atomic.Bool
	running atomic.Bool
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	callbackMu sync.RWMutex
	onMessage  MessageCallback
}

// New creates a Node. Unless Options.IO is set, the TCP and UDP listeners
// configured in Config.Network are opened immediately.
func New(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:     cfg,
		self:    opts.Self,
		tp:      clock.Default(opts.TimeProvider),
		events:  newEventQueue(),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.Metrics.Enabled {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.NewRegistry()
		}
		n.metrics = metrics.New(reg, cfg.Metrics.Namespace)
	}

	n.io = opts.IO
	if n.io == nil {
		netio, err := transport.NewNetIO(transport.NetIOConfig{
			LocalID:        opts.Self.ID,
			TCPAddr:        cfg.TCPAddr(),
			UDPAddr:        cfg.UDPAddr(),
			DialTimeout:    cfg.Network.DialTimeout,
			PingInterval:   cfg.Network.PingInterval,
			DialsPerSecond: cfg.Network.DialsPerSecond,
			DialBurst:      cfg.Network.DialBurst,
			TimeProvider:   n.tp,
		}, n)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to start network: %w", err)
		}
		n.netio = netio
		n.io = netio
	}

	n.roster = roster.New(n.io, cfg, opts.Self, roster.Options{
		TimeProvider: n.tp,
		Metrics:      n.metrics,
		Deliver:      n.deliver,
	})

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"local_id": opts.Self.ID,
		"name":     opts.Self.Name,
		"host":     n.roster.IsHost(),
		"tcp":      cfg.TCPAddr(),
		"udp":      cfg.UDPAddr(),
		"metrics":  cfg.Metrics.Enabled,
	}).Info("Node created")

	return n, nil
}

// Start runs the event loop in a new goroutine until Close. A Node runs
// once: after the loop stops it cannot be started again.
func (n *Node) Start() error {
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	n.running.Store(true)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		_ = n.run(n.ctx)
	}()
	return nil
}

// Run runs the event loop on the calling goroutine until ctx is done or
// Close is called.
func (n *Node) Run(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	n.running.Store(true)
	stop := context.AfterFunc(ctx, n.cancel)
	defer stop()
	err := n.run(n.ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (n *Node) run(ctx context.Context) error {
	defer close(n.stopped)
	defer n.running.Store(false)

	ticker := n.tp.NewTicker(n.cfg.Connect.TickInterval)
	defer ticker.Stop()
	deferred := n.tp.NewTimer(time.Hour)
	deferred.Stop()
	defer deferred.Stop()

	logrus.WithFields(logrus.Fields{
		"function": "run",
		"tick":     n.cfg.Connect.TickInterval,
	}).Debug("Event loop started")

	for {
		n.armDeferred(deferred)
		select {
		case <-ctx.Done():
			logrus.WithFields(logrus.Fields{
				"function": "run",
			}).Debug("Event loop stopped")
			return nil
		case <-n.events.wake:
			for _, fn := range n.events.drain() {
				fn()
			}
		case <-ticker.C:
			n.roster.Tick()
		case <-deferred.C:
			n.roster.RunDeferred()
		}
	}
}

// armDeferred points the timer at the earliest deferred task.
func (n *Node) armDeferred(t *time.Timer) {
	next, ok := n.roster.Queue().Next()
	if !ok {
		t.Stop()
		return
	}
	d := next.Sub(n.tp.Now())
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}

// Close stops the event loop and shuts the network down.
func (n *Node) Close() error {
	n.cancel()
	n.wg.Wait()
	if n.netio != nil {
		return n.netio.Close()
	}
	return nil
}

// IsRunning reports whether the event loop is running.
func (n *Node) IsRunning() bool {
	return n.running.Load()
}

// post queues fn on the event loop without waiting for it. It never
// blocks, so the loop may report its own transport events, for example
// the disconnect raised when it closes a datagram connection.
func (n *Node) post(fn func()) {
	if n.ctx.Err() != nil {
		return
	}
	n.events.push(fn)
}

// Do runs fn on the event loop and waits for it to return.
func (n *Node) Do(fn func(r *roster.Roster)) error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	done := make(chan struct{})
	n.events.push(func() {
		defer close(done)
		fn(n.roster)
	})
	select {
	case <-done:
		return nil
	case <-n.stopped:
		return ErrNotRunning
	}
}

// OnConnect implements transport.Events.
func (n *Node) OnConnect(conn transport.Conn, peerID int32) {
	n.post(func() { n.roster.OnConnect(conn, peerID) })
}

// OnDisconnect implements transport.Events.
func (n *Node) OnDisconnect(conn transport.Conn) {
	n.post(func() { n.roster.OnDisconnect(conn) })
}

// OnPacket implements transport.Events.
func (n *Node) OnPacket(conn transport.Conn, msg transport.Message) {
	n.post(func() { n.roster.OnPacket(conn, msg) })
}

// OnDialFailed implements transport.Events.
func (n *Node) OnDialFailed(addr transport.Address, peerID int32, err error) {
	n.post(func() { n.roster.OnDialFailed(addr, peerID, err) })
}

// OnMessage sets the callback for application payloads.
func (n *Node) OnMessage(callback MessageCallback) {
	n.callbackMu.Lock()
	defer n.callbackMu.Unlock()
	n.onMessage = callback
}

func (n *Node) deliver(from int32, payload []byte) {
	n.callbackMu.RLock()
	cb := n.onMessage
	n.callbackMu.RUnlock()
	if cb != nil {
		cb(from, payload)
	}
}

// Self returns the descriptor of this process.
func (n *Node) Self() peer.Descriptor { return n.self }

// Metrics returns the collector, or nil when metrics are disabled.
func (n *Node) Metrics() *metrics.Collector { return n.metrics }

// LocalEndpoint returns the bound listen address of protocol, if any.
func (n *Node) LocalEndpoint(protocol transport.Protocol) (netip.AddrPort, bool) {
	if n.netio == nil {
		return netip.AddrPort{}, false
	}
	return n.netio.LocalEndpoint(protocol)
}

// eventQueue holds the closures waiting for the event loop in arrival
// order. A single pending wake signal covers any number of pushes.
type eventQueue struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

func (q *eventQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// drain takes every queued closure. Closures pushed while they run are
// picked up on the next wake.
func (q *eventQueue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of closures waiting.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
